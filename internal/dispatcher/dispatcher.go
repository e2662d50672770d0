// Package dispatcher runs the worker pool that drains the priority queue
// and the outbound HTTP forwarder that wraps connector calls with adaptive
// timeouts.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/webqx/vitalq/internal/queue"
)

// Handler processes one dequeued item. A nil return completes the item; an
// error fails it with a requeue request (the queue enforces the retry
// budget). Wrap the error with Permanent to fail without requeue.
type Handler func(ctx context.Context, item *queue.Item) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: the item is failed permanently on
// the first occurrence regardless of remaining retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Dispatcher pulls items from one shared queue with N independent workers.
// The queue lock is never held across handler execution, so a slow in-flight
// item cannot block other producers or consumers.
type Dispatcher struct {
	Queue        *queue.Queue
	Handler      Handler
	Workers      int
	PollInterval time.Duration
	Logger       *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Start spawns the worker goroutines. Call Drain to stop them gracefully.
func (d *Dispatcher) Start() {
	if d.Queue == nil || d.Handler == nil {
		return
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := d.Workers
	if workers <= 0 {
		workers = 1
	}
	poll := d.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	d.stopCh = make(chan struct{})
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.runWorker(logger, i, poll)
	}
}

// Drain signals workers to stop pulling new items and waits for in-flight
// work to finish. Returns false if the timeout expired first.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	if d.stopCh == nil {
		return true
	}
	d.stopOnce.Do(func() { close(d.stopCh) })
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (d *Dispatcher) runWorker(logger *slog.Logger, id int, poll time.Duration) {
	defer d.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-d.stopCh
		cancel()
	}()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		item, ok := d.Queue.Dequeue()
		if !ok {
			select {
			case <-d.stopCh:
				return
			case <-time.After(poll):
			}
			continue
		}

		d.process(ctx, logger, id, item)
	}
}

func (d *Dispatcher) process(ctx context.Context, logger *slog.Logger, workerID int, item *queue.Item) {
	err := d.Handler(ctx, item)
	if err == nil {
		if cerr := d.Queue.Complete(item.ID); cerr != nil {
			logger.Warn("complete_failed", slog.String("item_id", item.ID), slog.Any("err", cerr))
		}
		return
	}

	requeue := !IsPermanent(err)
	if ferr := d.Queue.Fail(item.ID, err, queue.FailOptions{Requeue: requeue}); ferr != nil {
		logger.Warn("fail_failed", slog.String("item_id", item.ID), slog.Any("err", ferr))
		return
	}
	logger.Warn("item_failed",
		slog.String("item_id", item.ID),
		slog.Int("worker", workerID),
		slog.Int("priority", item.Priority),
		slog.Int("attempts", item.Attempts),
		slog.Bool("requeue", requeue),
		slog.Any("err", err),
	)
}
