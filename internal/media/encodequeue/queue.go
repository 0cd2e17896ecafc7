// Package encodequeue bounds concurrent ffmpeg encodes across every job in
// the process. Waiters are admitted in arrival order and leave the queue when
// their context ends.
package encodequeue

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Observer receives queue gauge updates.
type Observer interface {
	EncodeQueueDepth(waiting int)
	EncodesActive(active int)
}

// Queue is a FIFO bounded encode queue.
type Queue struct {
	sem      *semaphore.Weighted
	waiting  atomic.Int64
	active   atomic.Int64
	observer Observer
}

// New returns a queue admitting capacity concurrent encodes.
func New(capacity int, observer Observer) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		sem:      semaphore.NewWeighted(int64(capacity)),
		observer: observer,
	}
}

// Waiting returns the number of callers queued for a slot.
func (q *Queue) Waiting() int { return int(q.waiting.Load()) }

// Active returns the number of running encodes.
func (q *Queue) Active() int { return int(q.active.Load()) }

// Submit waits for a slot and runs fn with ctx. Cancelling ctx while queued
// removes the caller from the queue without running fn.
func (q *Queue) Submit(ctx context.Context, fn func(context.Context) error) error {
	q.report(q.waiting.Add(1), q.active.Load())
	err := q.sem.Acquire(ctx, 1)
	waiting := q.waiting.Add(-1)
	if err != nil {
		q.report(waiting, q.active.Load())
		return fmt.Errorf("encode queue wait: %w", err)
	}
	q.report(waiting, q.active.Add(1))
	defer func() {
		q.sem.Release(1)
		q.report(q.waiting.Load(), q.active.Add(-1))
	}()
	return fn(ctx)
}

func (q *Queue) report(waiting, active int64) {
	if q.observer == nil {
		return
	}
	q.observer.EncodeQueueDepth(int(waiting))
	q.observer.EncodesActive(int(active))
}
