package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestArmFiresOnce(t *testing.T) {
	s := New()
	var fired int32
	s.Arm("room-1", 10*time.Millisecond, func(string) {
		atomic.AddInt32(&fired, 1)
	})

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Fatalf("expected exactly one fire, got %d", n)
	}
	if s.Armed("room-1") {
		t.Fatal("fired timer should be removed")
	}
}

func TestArmIsIdempotentWhilePending(t *testing.T) {
	s := New()
	var fired int32
	end := func(string) { atomic.AddInt32(&fired, 1) }

	s.Arm("room-1", 20*time.Millisecond, end)
	s.Arm("room-1", 20*time.Millisecond, end) // second arm must be a no-op

	time.Sleep(60 * time.Millisecond)
	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Fatalf("expected one fire despite double arm, got %d", n)
	}
}

func TestStopDrainsPendingTimers(t *testing.T) {
	s := New()
	var fired int32
	s.Arm("room-1", 20*time.Millisecond, func(string) {
		atomic.AddInt32(&fired, 1)
	})
	s.Stop()

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&fired); n != 0 {
		t.Fatalf("expected no fire after Stop, got %d", n)
	}
	if s.Armed("room-1") {
		t.Fatal("stopped timer should be removed")
	}
}

func TestIndependentRooms(t *testing.T) {
	s := New()
	var a, b int32
	s.Arm("room-a", 10*time.Millisecond, func(string) { atomic.AddInt32(&a, 1) })
	s.Arm("room-b", 10*time.Millisecond, func(string) { atomic.AddInt32(&b, 1) })

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&a) != 1 || atomic.LoadInt32(&b) != 1 {
		t.Fatalf("each room must fire independently: a=%d b=%d", a, b)
	}
}
