package encodequeue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitBoundsConcurrency(t *testing.T) {
	q := New(2, nil)
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Submit(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d exceeds capacity", peak.Load())
	}
	if q.Active() != 0 || q.Waiting() != 0 {
		t.Fatalf("expected drained queue, got active=%d waiting=%d", q.Active(), q.Waiting())
	}
}

func TestSubmitFIFOOrder(t *testing.T) {
	q := New(1, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Submit(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Submit(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		waitFor(t, func() bool { return q.Waiting() == i+1 })
		// Let the waiter reach the semaphore before the next arrives.
		time.Sleep(10 * time.Millisecond)
	}
	close(release)
	wg.Wait()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestSubmitCancelWhileQueued(t *testing.T) {
	q := New(1, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Submit(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var ran atomic.Bool
	go func() {
		done <- q.Submit(ctx, func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	waitFor(t, func() bool { return q.Waiting() == 1 })
	cancel()
	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ran.Load() {
		t.Fatal("cancelled waiter must not run")
	}
	if q.Waiting() != 0 {
		t.Fatalf("expected waiter removed, got %d", q.Waiting())
	}
}

type recorder struct {
	mu       sync.Mutex
	maxDepth int
	maxAct   int
}

func (r *recorder) EncodeQueueDepth(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxDepth = max(r.maxDepth, n)
}

func (r *recorder) EncodesActive(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxAct = max(r.maxAct, n)
}

func TestObserverSeesGauges(t *testing.T) {
	rec := &recorder{}
	q := New(1, rec)
	err := q.Submit(context.Background(), func(context.Context) error { return errors.New("boom") })
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected fn error to pass through, got %v", err)
	}
	if rec.maxDepth != 1 || rec.maxAct != 1 {
		t.Fatalf("unexpected gauges depth=%d active=%d", rec.maxDepth, rec.maxAct)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met")
}
