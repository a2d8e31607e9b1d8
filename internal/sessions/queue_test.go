package sessions

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueue_SerializesPerKey(t *testing.T) {
	q := NewQueue(8)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	var running atomic.Int32

	for i := 0; i < 10; i++ {
		i := i
		q.Submit(ctx, "session-a", func(context.Context) {
			if running.Add(1) > 1 {
				t.Error("two tasks for the same key ran concurrently")
			}
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
		})
	}
	q.Drain()

	if len(order) != 10 {
		t.Fatalf("ran %d tasks, want 10", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("out of order: %v", order)
		}
	}
}

func TestQueue_CrossKeyParallel(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()

	start := make(chan struct{})
	var peak atomic.Int32
	var current atomic.Int32

	for _, key := range []string{"a", "b", "c", "d"} {
		q.Submit(ctx, key, func(context.Context) {
			<-start
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		})
	}
	close(start)
	q.Drain()

	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, expected distinct keys to overlap", peak.Load())
	}
}

func TestQueue_GlobalCap(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()

	var peak atomic.Int32
	var current atomic.Int32

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		q.Submit(ctx, key, func(context.Context) {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		})
	}
	q.Drain()

	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, cap is 2", peak.Load())
	}
}

func TestQueue_RejectsAfterDrain(t *testing.T) {
	q := NewQueue(1)
	q.Drain()
	if q.Submit(context.Background(), "k", func(context.Context) {}) {
		t.Error("Submit after Drain should return false")
	}
}
