package scheduler

import (
	"log"
	"sync"
	"time"
)

// Scheduler arms one-shot deadline timers for running battles. It holds only
// room ids and deadlines, never battle state: the callback performs the
// guarded end transition through the room store, where the ended-once
// invariant lives. A timer that fires after a battle ended early is therefore
// a safe no-op, and timers are never cancelled explicitly.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New() *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer)}
}

// Arm schedules end to run for roomID after d. Arming an already-armed room
// is a no-op, which makes the start operation idempotent.
func (s *Scheduler) Arm(roomID string, d time.Duration, end func(roomID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.timers[roomID]; exists {
		return
	}
	log.Printf("INFO: Battle deadline armed for room %s in %s", roomID, d)
	s.timers[roomID] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, roomID)
		s.mu.Unlock()
		end(roomID)
	})
}

// Armed reports whether a deadline is currently pending for roomID.
func (s *Scheduler) Armed(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[roomID]
	return ok
}

// Stop drains all pending timers. Used on shutdown; in-flight battles are
// recovered by their persisted deadline on the next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for roomID, timer := range s.timers {
		timer.Stop()
		delete(s.timers, roomID)
	}
}
