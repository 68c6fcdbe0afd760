package sandbox

import (
	"context"
	"sync"

	"codebattle/internal/domain/model"
)

// Limits caps every resource one execution unit may consume. Values are hard
// caps; there is no way for user code to raise them from inside the unit.
type Limits struct {
	TimeoutMs      int
	MemoryKb       int
	CPUQuotaMicros int
	PidsLimit      int
	MaxOutputBytes int
}

type RunConfig struct {
	Image          string
	SourceFile     string
	SourceCode     string
	CompileCommand []string
	RunCommand     []string
	Stdin          string
	Limits         Limits
}

// Sandbox runs one untrusted program to completion or timeout inside an
// isolated, resource-capped execution unit. Run returns a structured result
// for every user-code failure (timeout, OOM, crash); an error return means the
// unit itself could not be provisioned or driven.
type Sandbox interface {
	Run(ctx context.Context, cfg RunConfig) (*model.ExecutionResult, error)
	EnsureImage(ctx context.Context, image string) error
}

// boundedBuffer accumulates one demultiplexed output stream up to a byte
// ceiling. Writes past the ceiling are counted but discarded so unbounded
// output can never back-pressure the reader. Safe for concurrent use: the
// stream pump writes while the timeout path reads partial output.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - len(b.buf)
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

const truncationMarker = "\n... [output truncated]"

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + truncationMarker
	}
	return string(b.buf)
}

func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Exit codes the kernel hands back when a container is killed by the OOM
// killer or a signal.
const (
	exitCodeOOMKilled = 137
	exitCodeSIGSEGV   = 139
)

// classify folds a raw exit into the mutually distinguishable result flags.
// OOMKilled from the container inspect wins over the bare exit code.
func classify(res *model.ExecutionResult, exitCode int, oomKilled bool) {
	res.ExitCode = exitCode
	switch {
	case oomKilled || exitCode == exitCodeOOMKilled:
		res.MemoryExceeded = true
	case exitCode != 0:
		res.Crashed = true
	}
}
