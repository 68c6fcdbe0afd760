package limiter

import (
	"net/http"
	"sync"
	"time"

	"codebattle/internal/common"
	"codebattle/internal/metrics"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter combines a global token bucket, per-key buckets and a
// concurrent-execution cap. The per-key map is capacity-bounded and
// TTL-expiring: stale entries are swept periodically and, at capacity, the
// least recently seen key is evicted, so memory never grows with the number
// of distinct clients.
type RateLimiter struct {
	global  *rate.Limiter
	keyRate rate.Limit
	burst   int
	maxKeys int
	ttl     time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	maxConcurrent int64
	current       int64
}

func New(globalRPS, perKeyRPS float64, burst, maxKeys int, ttl time.Duration, maxConcurrent int) *RateLimiter {
	return &RateLimiter{
		global:        rate.NewLimiter(rate.Limit(globalRPS), int(globalRPS)*2),
		keyRate:       rate.Limit(perKeyRPS),
		burst:         burst,
		maxKeys:       maxKeys,
		ttl:           ttl,
		entries:       make(map[string]*entry),
		maxConcurrent: int64(maxConcurrent),
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if e, ok := rl.entries[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	if len(rl.entries) >= rl.maxKeys {
		rl.evictOldestLocked()
	}
	e := &entry{limiter: rate.NewLimiter(rl.keyRate, rl.burst), lastSeen: now}
	rl.entries[key] = e
	return e.limiter
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range rl.entries {
		if oldestKey == "" || e.lastSeen.Before(oldest) {
			oldestKey = k
			oldest = e.lastSeen
		}
	}
	if oldestKey != "" {
		delete(rl.entries, oldestKey)
	}
}

// Allow claims the concurrency slot first, before touching any token bucket,
// and takes the global token through a cancellable reservation. A rejection
// at a later gate hands everything already claimed back, so a caller turned
// away over capacity keeps their full rate budget for the retry.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	if rl.current >= rl.maxConcurrent {
		rl.mu.Unlock()
		metrics.RateLimitHits.Inc()
		return false
	}
	rl.current++
	rl.mu.Unlock()

	reservation := rl.global.Reserve()
	if !reservation.OK() || reservation.Delay() > 0 {
		reservation.Cancel()
		rl.Done()
		metrics.RateLimitHits.Inc()
		return false
	}
	if !rl.limiterFor(key).Allow() {
		reservation.Cancel()
		rl.Done()
		metrics.RateLimitHits.Inc()
		return false
	}
	return true
}

func (rl *RateLimiter) Done() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.current > 0 {
		rl.current--
	}
}

// Sweep removes entries not seen within the TTL. Returns how many were removed.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-rl.ttl)
	removed := 0
	for k, e := range rl.entries {
		if e.lastSeen.Before(cutoff) {
			delete(rl.entries, k)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// StartSweeper sweeps expired keys until done is closed.
func (rl *RateLimiter) StartSweeper(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Sweep()
			case <-done:
				return
			}
		}
	}()
}

// Middleware limits by an extracted key (user ID when authenticated, remote
// address otherwise).
func (rl *RateLimiter) Middleware(keyFn func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(keyFn(r)) {
				common.RespondWithError(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			defer rl.Done()
			next.ServeHTTP(w, r)
		})
	}
}
