// Package typing keeps platform typing indicators alive while the agent
// works. Most platforms expire the indicator after a few seconds, so the
// controller re-sends it on a keepalive interval and auto-stops after a
// TTL to avoid stuck indicators when a response never arrives.
package typing

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures a Controller.
type Options struct {
	// MaxDuration auto-stops the indicator after this long (default 60s).
	MaxDuration time.Duration
	// KeepaliveInterval is how often StartFn is re-invoked (default 5s).
	KeepaliveInterval time.Duration
	// StartFn sends one typing indicator to the platform.
	StartFn func() error
}

// Controller manages one typing indicator lifecycle. Start and Stop are
// safe to call from different goroutines; Stop is idempotent.
type Controller struct {
	opts Options
	stop chan struct{}
	once sync.Once
}

// New creates a Controller. Call Start to begin sending indicators.
func New(opts Options) *Controller {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 60 * time.Second
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 5 * time.Second
	}
	return &Controller{opts: opts, stop: make(chan struct{})}
}

// Start sends the first indicator immediately and keeps it alive until
// Stop is called or MaxDuration elapses.
func (c *Controller) Start() {
	go func() {
		if c.opts.StartFn != nil {
			if err := c.opts.StartFn(); err != nil {
				slog.Debug("typing indicator failed", "error", err)
			}
		}

		ticker := time.NewTicker(c.opts.KeepaliveInterval)
		defer ticker.Stop()
		deadline := time.NewTimer(c.opts.MaxDuration)
		defer deadline.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-deadline.C:
				return
			case <-ticker.C:
				if c.opts.StartFn != nil {
					if err := c.opts.StartFn(); err != nil {
						slog.Debug("typing keepalive failed", "error", err)
						return
					}
				}
			}
		}
	}()
}

// Stop halts the keepalive loop. Safe to call multiple times.
func (c *Controller) Stop() {
	c.once.Do(func() { close(c.stop) })
}
