package sandbox

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"codebattle/internal/common"
	"codebattle/internal/domain/model"
	"codebattle/internal/metrics"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
)

type DockerSandbox struct {
	cli *client.Client
}

func NewDockerSandbox() (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrProvisioning, err)
	}
	return &DockerSandbox{cli: cli}, nil
}

// Run executes one program inside a hardened container. The container is
// removed on every exit path: success, timeout, and any error raised while
// streaming. Timeouts, OOM kills and crashes come back as result flags with
// whatever partial output was captured, never as errors.
func (s *DockerSandbox) Run(ctx context.Context, cfg RunConfig) (*model.ExecutionResult, error) {
	pidsLimit := int64(cfg.Limits.PidsLimit)

	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:           cfg.Image,
		Cmd:             []string{"sleep", "infinity"}, // kept alive; work happens via exec
		Tty:             false,
		OpenStdin:       true,
		StdinOnce:       true,
		NetworkDisabled: true,
		WorkingDir:      "/home/sandbox",
		User:            "nobody",
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:     int64(cfg.Limits.MemoryKb) * 1024,
			MemorySwap: int64(cfg.Limits.MemoryKb) * 1024, // no swap headroom
			CPUQuota:   int64(cfg.Limits.CPUQuotaMicros),
			PidsLimit:  &pidsLimit,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 64, Hard: 64},
				{Name: "nproc", Soft: int64(cfg.Limits.PidsLimit), Hard: int64(cfg.Limits.PidsLimit)},
			},
		},
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Tmpfs: map[string]string{
			"/home/sandbox": "rw,exec,nosuid,size=64m,mode=1777",
			"/tmp":          "rw,noexec,nosuid,size=16m,mode=1777",
		},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("%w: create container: %v", common.ErrProvisioning, err)
	}

	// Unconditional teardown. Force remove also kills a still-running unit,
	// so a timed-out program cannot outlive its request.
	defer func() {
		if err := s.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Printf("ERROR: Failed to remove container %s: %v", resp.ID, err)
		}
		metrics.ActiveContainers.Dec()
	}()
	metrics.ActiveContainers.Inc()

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: start container: %v", common.ErrProvisioning, err)
	}

	if err := s.writeSource(ctx, resp.ID, cfg.SourceFile, cfg.SourceCode); err != nil {
		return nil, err
	}

	result := &model.ExecutionResult{}

	// One wall-clock budget covers compile and run together: the compiler
	// also executes user-controlled work (templates, constexpr), so it gets
	// no unmetered time of its own.
	deadline := time.Now().Add(time.Duration(cfg.Limits.TimeoutMs) * time.Millisecond)

	if len(cfg.CompileCommand) > 0 {
		compiled, err := s.compile(ctx, resp.ID, cfg, deadline, result)
		if err != nil {
			return nil, err
		}
		if !compiled {
			// Compilation failure or expiry is user error, reported with
			// whatever compiler output was captured.
			return result, nil
		}
	}

	return s.run(ctx, resp.ID, cfg, deadline, result)
}

// pumpOutput demultiplexes the attach stream into the two buffers until the
// stream closes, the deadline passes, or ctx is canceled. The attach stream
// interleaves stdout/stderr frames (one-byte selector plus a length-prefixed
// payload); stdcopy splits them. On expiry the copy goroutine stays blocked on
// the reader until the caller's deferred attach.Close tears the connection
// down, so it never outlives the request.
func pumpOutput(ctx context.Context, r io.Reader, stdout, stderr *boundedBuffer, deadline time.Time) (expired bool, err error) {
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, r)
		done <- err
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case err := <-done:
		return false, err
	case <-timer.C:
		return true, nil
	case <-ctx.Done():
		// Request cancellation is not the program exceeding its own limit;
		// the caller reports it as an error, not as TimedOut.
		return false, ctx.Err()
	}
}

// writeSource streams the code into the container's tmpfs scratch via exec;
// CopyToContainer does not work with tmpfs mounts.
func (s *DockerSandbox) writeSource(ctx context.Context, containerID, sourceFile, sourceCode string) error {
	execResp, err := s.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:         []string{"sh", "-c", fmt.Sprintf("cat > /home/sandbox/%s", sourceFile)},
		AttachStdin: true,
	})
	if err != nil {
		return fmt.Errorf("%w: create write exec: %v", common.ErrProvisioning, err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("%w: attach write exec: %v", common.ErrProvisioning, err)
	}
	if _, err := attach.Conn.Write([]byte(sourceCode)); err != nil {
		attach.Close()
		return fmt.Errorf("%w: write source code: %v", common.ErrProvisioning, err)
	}
	attach.CloseWrite()
	attach.Close()

	for {
		inspect, err := s.cli.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			return fmt.Errorf("%w: inspect write exec: %v", common.ErrProvisioning, err)
		}
		if !inspect.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", common.ErrProvisioning, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *DockerSandbox) compile(ctx context.Context, containerID string, cfg RunConfig, deadline time.Time, result *model.ExecutionResult) (bool, error) {
	execResp, err := s.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cfg.CompileCommand,
		WorkingDir:   "/home/sandbox",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return false, fmt.Errorf("%w: create compile exec: %v", common.ErrProvisioning, err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return false, fmt.Errorf("%w: attach compile exec: %v", common.ErrProvisioning, err)
	}
	defer attach.Close()

	started := time.Now()
	stdout := newBoundedBuffer(cfg.Limits.MaxOutputBytes)
	stderr := newBoundedBuffer(cfg.Limits.MaxOutputBytes)

	expired, err := pumpOutput(ctx, attach.Reader, stdout, stderr, deadline)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("compile canceled: %w", err)
		}
		return false, fmt.Errorf("%w: read compile output: %v", common.ErrProvisioning, err)
	}
	if expired {
		// A compile that never finishes (template/constexpr bombs) expires
		// against the same budget as the run phase.
		result.DurationMs = time.Since(started).Milliseconds()
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		result.OutputTruncated = stdout.Truncated() || stderr.Truncated()
		result.TimedOut = true
		return false, nil
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return false, fmt.Errorf("%w: inspect compile exec: %v", common.ErrProvisioning, err)
	}
	if inspect.ExitCode != 0 {
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		result.OutputTruncated = stdout.Truncated() || stderr.Truncated()
		classify(result, inspect.ExitCode, false)
		return false, nil
	}
	return true, nil
}

func (s *DockerSandbox) run(ctx context.Context, containerID string, cfg RunConfig, deadline time.Time, result *model.ExecutionResult) (*model.ExecutionResult, error) {
	execResp, err := s.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cfg.RunCommand,
		WorkingDir:   "/home/sandbox",
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create run exec: %v", common.ErrProvisioning, err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: attach run exec: %v", common.ErrProvisioning, err)
	}
	defer attach.Close()

	// Stdin is fed from its own goroutine so a program that never reads it
	// cannot block the request past the deadline; the deferred attach.Close
	// unblocks a stuck write.
	go func() {
		if cfg.Stdin != "" {
			_, _ = attach.Conn.Write([]byte(cfg.Stdin))
		}
		_ = attach.CloseWrite()
	}()

	started := time.Now()
	stdout := newBoundedBuffer(cfg.Limits.MaxOutputBytes)
	stderr := newBoundedBuffer(cfg.Limits.MaxOutputBytes)

	expired, err := pumpOutput(ctx, attach.Reader, stdout, stderr, deadline)
	result.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("run canceled: %w", err)
		}
		return nil, fmt.Errorf("%w: read run output: %v", common.ErrProvisioning, err)
	}
	if expired {
		// The deferred force-remove tears the unit down; report partial
		// output gathered so far.
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		result.OutputTruncated = stdout.Truncated() || stderr.Truncated()
		result.TimedOut = true
		return result, nil
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: inspect run exec: %v", common.ErrProvisioning, err)
	}

	oomKilled := false
	if state, err := s.cli.ContainerInspect(ctx, containerID); err == nil && state.State != nil {
		oomKilled = state.State.OOMKilled
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.OutputTruncated = stdout.Truncated() || stderr.Truncated()
	classify(result, inspect.ExitCode, oomKilled)
	return result, nil
}

// EnsureImage lazily provisions the runtime image for a language. Pulling is
// idempotent, so concurrent callers racing on the same image are safe.
func (s *DockerSandbox) EnsureImage(ctx context.Context, img string) error {
	if _, _, err := s.cli.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}

	log.Printf("INFO: Pulling sandbox image %s", img)
	reader, err := s.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull image %s: %v", common.ErrProvisioning, img, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: pull image %s: %v", common.ErrProvisioning, img, err)
	}
	log.Printf("INFO: Pulled sandbox image %s", img)
	return nil
}
