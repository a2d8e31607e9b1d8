package security

import (
	"sync"
	"time"
)

// RateLimiterConfig parameterizes a windowed rate limiter.
type RateLimiterConfig struct {
	MaxRequests   int           // allowed requests per window
	Window        time.Duration // window length
	BlockDuration time.Duration // optional penalty once the window limit is hit
}

type rateEntry struct {
	windowStart  time.Time
	count        int
	blockedUntil time.Time
}

// RateLimiter counts requests per key within a fixed window and optionally
// blocks a key for BlockDuration once it exceeds the limit.
// Safe for concurrent use.
type RateLimiter struct {
	cfg     RateLimiterConfig
	mu      sync.Mutex
	entries map[string]*rateEntry
	now     func() time.Time // overridable in tests
}

// NewRateLimiter creates a rate limiter from config.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		entries: make(map[string]*rateEntry),
		now:     time.Now,
	}
}

// Check reports whether a request for key is allowed and mutates the counter.
// Expired windows reset; a key over the limit is denied and, when
// BlockDuration is set, stays denied until the block lapses.
func (r *RateLimiter) Check(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.entries[key]
	if !ok {
		r.entries[key] = &rateEntry{windowStart: now, count: 1}
		return true
	}

	if now.Before(e.blockedUntil) {
		return false
	}

	if now.Sub(e.windowStart) >= r.cfg.Window {
		e.windowStart = now
		e.count = 1
		e.blockedUntil = time.Time{}
		return true
	}

	if e.count >= r.cfg.MaxRequests {
		if r.cfg.BlockDuration > 0 {
			e.blockedUntil = now.Add(r.cfg.BlockDuration)
		}
		return false
	}

	e.count++
	return true
}

// Cleanup removes entries whose window and block have both expired.
// Call periodically from a maintenance goroutine.
func (r *RateLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for k, e := range r.entries {
		if now.Sub(e.windowStart) >= r.cfg.Window && !now.Before(e.blockedUntil) {
			delete(r.entries, k)
		}
	}
}

// StartCleanup runs Cleanup every interval until stop is closed.
func (r *RateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}
