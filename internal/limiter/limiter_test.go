package limiter

import (
	"testing"
	"time"
)

func TestAllowPerKey(t *testing.T) {
	rl := New(1000, 1, 1, 100, time.Minute, 100)
	if !rl.Allow("a") {
		t.Fatal("first request for key should pass")
	}
	rl.Done()
	if rl.Allow("a") {
		t.Fatal("second immediate request for key should be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("different key should not be affected")
	}
	rl.Done()
}

func TestCapacityBoundedEviction(t *testing.T) {
	rl := New(100000, 100, 1, 3, time.Minute, 1000)
	rl.limiterFor("k1")
	rl.limiterFor("k2")
	rl.limiterFor("k3")
	rl.limiterFor("k4") // evicts the least recently seen
	if rl.Len() != 3 {
		t.Fatalf("expected map capped at 3 keys, got %d", rl.Len())
	}
}

func TestSweepExpiresStaleKeys(t *testing.T) {
	rl := New(100000, 100, 1, 100, 10*time.Millisecond, 1000)
	rl.limiterFor("stale")
	time.Sleep(20 * time.Millisecond)
	rl.limiterFor("fresh")
	if removed := rl.Sweep(); removed != 1 {
		t.Fatalf("expected 1 stale key removed, got %d", removed)
	}
	if rl.Len() != 1 {
		t.Fatalf("expected 1 key left, got %d", rl.Len())
	}
}

func TestConcurrencyRejectionKeepsRateBudget(t *testing.T) {
	// Per-key burst of 2; a single execution slot.
	rl := New(1000, 1, 2, 100, time.Minute, 1)
	if !rl.Allow("a") {
		t.Fatal("first execution should be admitted")
	}

	// While "a" holds the only slot, "b" is turned away at the concurrency
	// gate. Those rejections must not drain b's token bucket.
	for i := 0; i < 3; i++ {
		if rl.Allow("b") {
			t.Fatalf("attempt %d should be rejected while the slot is held", i)
		}
	}
	rl.Done()

	if !rl.Allow("b") {
		t.Fatal("b's first token should survive the capacity rejections")
	}
	rl.Done()
	if !rl.Allow("b") {
		t.Fatal("b's full burst should survive the capacity rejections")
	}
	rl.Done()
}

func TestConcurrencyCap(t *testing.T) {
	rl := New(100000, 1000, 1000, 100, time.Minute, 2)
	if !rl.Allow("a") || !rl.Allow("b") {
		t.Fatal("first two executions should be admitted")
	}
	if rl.Allow("c") {
		t.Fatal("third concurrent execution should be rejected")
	}
	rl.Done()
	if !rl.Allow("c") {
		t.Fatal("slot freed by Done should admit the next execution")
	}
}
