package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
)

// sweepEvery is how many checks pass between scans for idle keys.
const sweepEvery = 1024

// RateLimiter is a per-key sliding window. Keys that go quiet for a full
// window are dropped so per-player state does not accumulate.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	limit   int
	window  time.Duration
	checks  int
	now     func() time.Time
}

// NewRateLimiter allows limit hits per key in any trailing window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (rl *RateLimiter) SetClock(now func() time.Time) { rl.now = now }

// Check records a hit for key unless it is over budget. A rejection carries
// how long until the oldest hit leaves the window.
func (rl *RateLimiter) Check(_ context.Context, key string) domain.GuardResult {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.checks++
	if rl.checks%sweepEvery == 0 {
		rl.sweep(now)
	}

	hits := rl.live(key, now)
	if len(hits) >= rl.limit {
		rl.windows[key] = hits
		return domain.GuardResult{
			Allowed:    false,
			Reason:     fmt.Sprintf("at most %d requests per %s", rl.limit, rl.window),
			Guard:      "rate_limiter",
			RetryAfter: hits[0].Add(rl.window).Sub(now),
		}
	}
	rl.windows[key] = append(hits, now)
	return domain.GuardResult{Allowed: true}
}

// live returns key's hits still inside the window, oldest first.
func (rl *RateLimiter) live(key string, now time.Time) []time.Time {
	cutoff := now.Add(-rl.window)
	hits := rl.windows[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}

func (rl *RateLimiter) sweep(now time.Time) {
	for key := range rl.windows {
		if len(rl.live(key, now)) == 0 {
			delete(rl.windows, key)
		}
	}
}

// Tracked is the number of keys currently holding state.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}
