package security

import (
	"testing"
	"time"
)

// fakeClock lets tests drive the limiter deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }

func newTestLimiter(cfg RateLimiterConfig) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := NewRateLimiter(cfg)
	r.now = clock.now
	return r, clock
}

func TestRateLimiter_WindowLimit(t *testing.T) {
	r, _ := newTestLimiter(RateLimiterConfig{MaxRequests: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		if !r.Check("user1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if r.Check("user1") {
		t.Error("4th request within the window should be denied")
	}

	// Other keys are independent.
	if !r.Check("user2") {
		t.Error("different key should be allowed")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	r, clock := newTestLimiter(RateLimiterConfig{MaxRequests: 2, Window: time.Minute})

	r.Check("k")
	r.Check("k")
	if r.Check("k") {
		t.Fatal("over limit should deny")
	}

	clock.advance(61 * time.Second)
	if !r.Check("k") {
		t.Error("expired window should reset and allow")
	}
}

func TestRateLimiter_BlockDuration(t *testing.T) {
	r, clock := newTestLimiter(RateLimiterConfig{
		MaxRequests:   1,
		Window:        time.Minute,
		BlockDuration: 5 * time.Minute,
	})

	r.Check("k")
	if r.Check("k") {
		t.Fatal("over limit should deny and set block")
	}

	// Window expires but the block persists.
	clock.advance(2 * time.Minute)
	if r.Check("k") {
		t.Error("blocked key should stay denied past the window")
	}

	clock.advance(4 * time.Minute)
	if !r.Check("k") {
		t.Error("block lapsed, key should be allowed")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	r, clock := newTestLimiter(RateLimiterConfig{MaxRequests: 1, Window: time.Minute, BlockDuration: time.Minute})

	r.Check("stale")
	r.Check("stale") // denied, blocked for 1m

	clock.advance(3 * time.Minute)
	r.Cleanup()

	r.mu.Lock()
	n := len(r.entries)
	r.mu.Unlock()
	if n != 0 {
		t.Errorf("expected all entries cleaned, have %d", n)
	}
}
