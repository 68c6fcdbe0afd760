package sandbox

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"codebattle/internal/domain/model"

	"github.com/docker/docker/pkg/stdcopy"
)

func TestBoundedBufferUnderLimit(t *testing.T) {
	b := newBoundedBuffer(64)
	if _, err := b.Write([]byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if b.String() != "hello" {
		t.Fatalf("unexpected contents: %q", b.String())
	}
	if b.Truncated() {
		t.Fatal("buffer under limit must not report truncation")
	}
}

func TestBoundedBufferTruncatesWithMarker(t *testing.T) {
	b := newBoundedBuffer(10)
	if _, err := b.Write([]byte(strings.Repeat("x", 25))); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !b.Truncated() {
		t.Fatal("expected truncation")
	}
	out := b.String()
	if !strings.HasPrefix(out, strings.Repeat("x", 10)) {
		t.Fatalf("expected first 10 bytes kept, got %q", out)
	}
	if !strings.HasSuffix(out, truncationMarker) {
		t.Fatalf("expected truncation marker, got %q", out)
	}
}

func TestBoundedBufferDiscardsAfterLimit(t *testing.T) {
	b := newBoundedBuffer(4)
	b.Write([]byte("abcd"))
	n, err := b.Write([]byte("efgh"))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	// Write must report success so the stream pump never stalls.
	if n != 4 {
		t.Fatalf("expected write to report all bytes consumed, got %d", n)
	}
	if got := b.String(); !strings.HasPrefix(got, "abcd") {
		t.Fatalf("unexpected contents: %q", got)
	}
}

func TestPumpOutputSplitsFrames(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		stdcopy.NewStdWriter(pw, stdcopy.Stdout).Write([]byte("out"))
		stdcopy.NewStdWriter(pw, stdcopy.Stderr).Write([]byte("err"))
		pw.Close()
	}()

	stdout := newBoundedBuffer(64)
	stderr := newBoundedBuffer(64)
	expired, err := pumpOutput(context.Background(), pr, stdout, stderr, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("pump failed: %v", err)
	}
	if expired {
		t.Fatal("stream closed before the deadline must not report expiry")
	}
	if stdout.String() != "out" || stderr.String() != "err" {
		t.Fatalf("frames not demultiplexed: stdout=%q stderr=%q", stdout.String(), stderr.String())
	}
}

func TestPumpOutputExpiresOnStuckStream(t *testing.T) {
	// A reader that never produces anything models a program (or compiler)
	// that never finishes. The pump must return at the deadline, keeping
	// whatever partial output already arrived.
	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		stdcopy.NewStdWriter(pw, stdcopy.Stdout).Write([]byte("partial"))
		// then silence, no close
	}()

	stdout := newBoundedBuffer(64)
	stderr := newBoundedBuffer(64)
	start := time.Now()
	expired, err := pumpOutput(context.Background(), pr, stdout, stderr, start.Add(50*time.Millisecond))
	if err != nil {
		t.Fatalf("pump failed: %v", err)
	}
	if !expired {
		t.Fatal("stuck stream must expire at the deadline")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("pump did not return near the deadline: %v", elapsed)
	}
	if stdout.String() != "partial" {
		t.Fatalf("partial output lost: %q", stdout.String())
	}
}

func TestPumpOutputReportsCancellationAsError(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stdout := newBoundedBuffer(64)
	stderr := newBoundedBuffer(64)
	expired, err := pumpOutput(ctx, pr, stdout, stderr, time.Now().Add(time.Minute))
	if expired {
		t.Fatal("cancellation must not masquerade as a wall-clock expiry")
	}
	if err == nil || ctx.Err() == nil {
		t.Fatalf("expected the context error, got %v", err)
	}
}

func TestClassifyOOM(t *testing.T) {
	res := &model.ExecutionResult{}
	classify(res, exitCodeOOMKilled, false)
	if !res.MemoryExceeded || res.Crashed || res.TimedOut {
		t.Fatalf("exit 137 should classify as memory exceeded only: %+v", res)
	}

	res = &model.ExecutionResult{}
	classify(res, 1, true)
	if !res.MemoryExceeded || res.Crashed {
		t.Fatalf("inspect OOMKilled should win over exit code: %+v", res)
	}
}

func TestClassifyCrash(t *testing.T) {
	res := &model.ExecutionResult{}
	classify(res, exitCodeSIGSEGV, false)
	if !res.Crashed || res.MemoryExceeded {
		t.Fatalf("signal exit should classify as crash: %+v", res)
	}
	if res.ExitCode != exitCodeSIGSEGV {
		t.Fatalf("exit code not preserved: %d", res.ExitCode)
	}
}

func TestClassifyCleanExit(t *testing.T) {
	res := &model.ExecutionResult{}
	classify(res, 0, false)
	if !res.OK() {
		t.Fatalf("clean exit should be OK: %+v", res)
	}
}
