// Package retry provides the exponential backoff policy and the persisted
// update-offset store shared by all channel supervisors.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff with jitter.
type Policy struct {
	Initial time.Duration // delay for attempt 1
	Max     time.Duration // cap on the computed delay
	Factor  float64       // growth factor per attempt
	Jitter  float64       // ±fraction applied to the computed delay (0..1)
}

// DefaultPolicy is what channel supervisors use unless configured otherwise.
var DefaultPolicy = Policy{
	Initial: 2 * time.Second,
	Max:     5 * time.Minute,
	Factor:  2,
	Jitter:  0.2,
}

// Compute returns the delay for the given attempt (1-based):
// min(initial * factor^(attempt-1), max) scaled by 1 + uniform(-jitter, +jitter),
// clamped to non-negative.
func Compute(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	base := float64(p.Initial) * math.Pow(factor, float64(attempt-1))
	if max := float64(p.Max); p.Max > 0 && base > max {
		base = max
	}
	if p.Jitter > 0 {
		base *= 1 + (rand.Float64()*2-1)*p.Jitter
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// Sleep waits for d or until ctx is cancelled, whichever comes first.
// Returns ctx.Err() when the context fired.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
