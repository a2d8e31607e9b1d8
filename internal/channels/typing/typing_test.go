package typing

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestKeepaliveResends(t *testing.T) {
	var calls atomic.Int32
	c := New(Options{
		MaxDuration:       time.Second,
		KeepaliveInterval: 10 * time.Millisecond,
		StartFn: func() error {
			calls.Add(1)
			return nil
		},
	})
	c.Start()
	time.Sleep(60 * time.Millisecond)
	c.Stop()

	if n := calls.Load(); n < 3 {
		t.Errorf("expected at least 3 indicator sends, got %d", n)
	}
}

func TestStopHaltsKeepalive(t *testing.T) {
	var calls atomic.Int32
	c := New(Options{
		MaxDuration:       time.Second,
		KeepaliveInterval: 10 * time.Millisecond,
		StartFn: func() error {
			calls.Add(1)
			return nil
		},
	})
	c.Start()
	time.Sleep(25 * time.Millisecond)
	c.Stop()
	at := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != at {
		t.Errorf("keepalive continued after Stop: %d -> %d", at, calls.Load())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c := New(Options{StartFn: func() error { return nil }})
	c.Start()
	c.Stop()
	c.Stop() // must not panic
}

func TestMaxDurationAutoStops(t *testing.T) {
	var calls atomic.Int32
	c := New(Options{
		MaxDuration:       30 * time.Millisecond,
		KeepaliveInterval: 10 * time.Millisecond,
		StartFn: func() error {
			calls.Add(1)
			return nil
		},
	})
	c.Start()
	time.Sleep(50 * time.Millisecond)
	at := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != at {
		t.Errorf("keepalive continued past MaxDuration: %d -> %d", at, calls.Load())
	}
}
