package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/webqx/vitalq/internal/queue"
)

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDispatcherCompletesItems(t *testing.T) {
	q := queue.New()
	var processed atomic.Int64
	d := &Dispatcher{
		Queue:        q,
		Workers:      3,
		PollInterval: 5 * time.Millisecond,
		Handler: func(_ context.Context, _ *queue.Item) error {
			processed.Add(1)
			return nil
		},
	}

	for i := 0; i < 10; i++ {
		if _, err := q.Enqueue([]byte("x"), i%3*25, nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	d.Start()
	defer d.Drain(time.Second)

	waitFor(t, func() bool { return processed.Load() == 10 }, "all items processed")
	waitFor(t, func() bool { return q.Metrics().CompletedTotal == 10 }, "all items completed")
}

func TestDispatcherProcessesInPriorityOrder(t *testing.T) {
	q := queue.New()
	var mu sync.Mutex
	var order []int
	d := &Dispatcher{
		Queue:        q,
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		Handler: func(_ context.Context, item *queue.Item) error {
			mu.Lock()
			order = append(order, item.Priority)
			mu.Unlock()
			return nil
		},
	}

	for _, p := range []int{10, 100, 50} {
		q.Enqueue([]byte("x"), p, nil)
	}

	d.Start()
	defer d.Drain(time.Second)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, "three items")

	mu.Lock()
	defer mu.Unlock()
	if order[0] != 100 || order[1] != 50 || order[2] != 10 {
		t.Fatalf("order: %v", order)
	}
}

func TestDispatcherRetriesThenFailsPermanently(t *testing.T) {
	q := queue.New(queue.WithMaxAttempts(2))
	var attempts atomic.Int64
	d := &Dispatcher{
		Queue:        q,
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		Handler: func(_ context.Context, _ *queue.Item) error {
			attempts.Add(1)
			return errors.New("connector unavailable")
		},
	}

	q.Enqueue([]byte("x"), 50, nil)

	d.Start()
	defer d.Drain(time.Second)

	// Initial attempt plus two retries, then the budget is exhausted.
	waitFor(t, func() bool { return q.Metrics().PermanentlyFailed == 1 }, "permanent failure")
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts: got %d want 3", got)
	}
}

func TestPermanentErrorSkipsRetry(t *testing.T) {
	q := queue.New(queue.WithMaxAttempts(5))
	var attempts atomic.Int64
	d := &Dispatcher{
		Queue:        q,
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		Handler: func(_ context.Context, _ *queue.Item) error {
			attempts.Add(1)
			return Permanent(errors.New("payload rejected by EHR"))
		},
	}

	q.Enqueue([]byte("x"), 50, nil)

	d.Start()
	defer d.Drain(time.Second)

	waitFor(t, func() bool { return q.Metrics().PermanentlyFailed == 1 }, "permanent failure")
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts: got %d want 1", got)
	}
}

func TestDrainWaitsForInFlightWork(t *testing.T) {
	q := queue.New()
	release := make(chan struct{})
	started := make(chan struct{})
	d := &Dispatcher{
		Queue:        q,
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		Handler: func(_ context.Context, _ *queue.Item) error {
			close(started)
			<-release
			return nil
		},
	}

	q.Enqueue([]byte("x"), 50, nil)
	d.Start()
	<-started

	drained := make(chan bool, 1)
	go func() { drained <- d.Drain(2 * time.Second) }()

	select {
	case <-drained:
		t.Fatalf("drain returned while work was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if ok := <-drained; !ok {
		t.Fatalf("drain timed out")
	}
	if q.Metrics().CompletedTotal != 1 {
		t.Fatalf("in-flight item was not completed")
	}
}
