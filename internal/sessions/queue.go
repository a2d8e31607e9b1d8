package sessions

import (
	"context"
	"sync"
)

// Queue serializes work per session key while letting distinct sessions run
// in parallel up to a global bound.
//
// Ordering guarantee: for one key, task N completes (returns) before task N+1
// starts. Across keys there is no ordering.
type Queue struct {
	mu      sync.Mutex
	lanes   map[string]*lane
	global  chan struct{} // global concurrency semaphore
	wg      sync.WaitGroup
	stopped bool
}

type lane struct {
	tasks []func(context.Context)
	busy  bool
}

// NewQueue creates a queue with the given global concurrency cap.
// maxConcurrent <= 0 means unbounded.
func NewQueue(maxConcurrent int) *Queue {
	q := &Queue{lanes: make(map[string]*lane)}
	if maxConcurrent > 0 {
		q.global = make(chan struct{}, maxConcurrent)
	}
	return q
}

// Submit enqueues task for key. The task runs on a worker goroutine once all
// previously submitted tasks for the same key have finished. Returns false if
// the queue has been drained.
func (q *Queue) Submit(ctx context.Context, key string, task func(context.Context)) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	l, ok := q.lanes[key]
	if !ok {
		l = &lane{}
		q.lanes[key] = l
	}
	l.tasks = append(l.tasks, task)
	if l.busy {
		q.mu.Unlock()
		return true
	}
	l.busy = true
	q.wg.Add(1)
	q.mu.Unlock()

	go q.runLane(ctx, key, l)
	return true
}

func (q *Queue) runLane(ctx context.Context, key string, l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.tasks) == 0 {
			l.busy = false
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		task := l.tasks[0]
		l.tasks = l.tasks[1:]
		q.mu.Unlock()

		if q.global != nil {
			select {
			case q.global <- struct{}{}:
			case <-ctx.Done():
				// Drop remaining tasks on shutdown; sessions recover on restart.
				continue
			}
		}
		task(ctx)
		if q.global != nil {
			<-q.global
		}
	}
}

// Drain stops accepting new tasks and waits for in-flight lanes to finish.
func (q *Queue) Drain() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.wg.Wait()
}
