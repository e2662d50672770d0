package queue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	defaultMaxDepth    = 10000
	defaultMaxAttempts = 3
)

type Option func(*Queue)

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.nowFn = now
		}
	}
}

// WithMaxDepth bounds the number of queued plus in-flight items. Enqueue
// beyond the bound is rejected with ErrQueueFull; nothing is buffered.
func WithMaxDepth(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxDepth = n
		}
	}
}

// WithMaxAttempts bounds redelivery. An item whose attempts have reached the
// budget is failed permanently instead of being requeued.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithJournal(j Journal) Option {
	return func(q *Queue) {
		q.journal = j
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// Queue is a bounded multi-level priority queue with retry semantics. All
// methods are safe for concurrent use; every mutation happens under one lock
// so the sorted invariant is never observed half-updated.
type Queue struct {
	mu      sync.Mutex
	nowFn   func() time.Time
	logger  *slog.Logger
	journal Journal

	maxDepth    int
	maxAttempts int

	// pending is kept sorted by (priority desc, seq asc). Insertion position
	// is found by binary search; the O(n) shift on insert is an accepted
	// trade-off at the depths this queue is operated at.
	pending    []*Item
	processing map[string]*Item
	nextSeq    uint64

	completedTotal    int64
	requeuedTotal     int64
	permanentlyFailed int64
	expiredTotal      int64

	waitTotal       time.Duration
	waitCount       int64
	processingTotal time.Duration
	processingCount int64
}

func New(opts ...Option) *Queue {
	q := &Queue{
		nowFn:       time.Now,
		logger:      slog.Default(),
		maxDepth:    defaultMaxDepth,
		maxAttempts: defaultMaxAttempts,
		processing:  make(map[string]*Item),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue admits a work item and returns its id. Validation and capacity
// rejects are synchronous and leave the queue contents unchanged.
func (q *Queue) Enqueue(payload []byte, priority int, metadata map[string]string) (string, error) {
	return q.EnqueueWithDeadline(payload, priority, metadata, time.Time{})
}

// EnqueueWithDeadline is Enqueue with an optional expiry deadline. A zero
// expiresAt means the item never expires.
func (q *Queue) EnqueueWithDeadline(payload []byte, priority int, metadata map[string]string, expiresAt time.Time) (string, error) {
	if priority < 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}
	if len(payload) == 0 {
		return "", ErrMissingPayload
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending)+len(q.processing) >= q.maxDepth {
		return "", ErrQueueFull
	}

	item := &Item{
		ID:         newHexID("wrk_"),
		Payload:    payload,
		Priority:   priority,
		Metadata:   cloneMetadata(metadata),
		Status:     StatusPending,
		EnqueuedAt: q.nowFn(),
		ExpiresAt:  expiresAt,
		seq:        q.nextSeq,
	}
	q.nextSeq++

	q.insertLocked(item)
	return item.ID, nil
}

// insertLocked places item into pending, keeping the slice sorted by
// (priority desc, seq asc). Binary search gives O(log n) comparisons.
func (q *Queue) insertLocked(item *Item) {
	i := sort.Search(len(q.pending), func(i int) bool {
		p := q.pending[i]
		if p.Priority != item.Priority {
			return p.Priority < item.Priority
		}
		return p.seq > item.seq
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = item
}

// Dequeue removes and returns the most urgent pending item, marking it
// processing. It returns ok=false on an empty queue. Items whose deadline
// has already passed are auto-failed and skipped.
func (q *Queue) Dequeue() (*Item, bool) {
	q.mu.Lock()

	now := q.nowFn()
	for len(q.pending) > 0 {
		item := q.pending[0]
		q.pending = q.pending[1:]

		if !item.ExpiresAt.IsZero() && !now.Before(item.ExpiresAt) {
			item.Status = StatusFailed
			item.CompletedAt = now
			q.expiredTotal++
			rec := q.recordLocked(item, OutcomeExpired, "deadline exceeded before dequeue", now)
			q.mu.Unlock()
			q.appendJournal(rec)
			q.mu.Lock()
			continue
		}

		item.Status = StatusProcessing
		item.ProcessingStartedAt = now
		q.processing[item.ID] = item

		cpy := *item
		q.mu.Unlock()
		return &cpy, true
	}

	q.mu.Unlock()
	return nil, false
}

// Peek returns a copy of the item Dequeue would yield next, without removing
// it.
func (q *Queue) Peek() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	cpy := *q.pending[0]
	return &cpy, true
}

// Complete marks a processing item as completed and records its wait and
// processing durations.
func (q *Queue) Complete(id string) error {
	q.mu.Lock()

	item, ok := q.processing[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	delete(q.processing, id)

	now := q.nowFn()
	item.Status = StatusCompleted
	item.CompletedAt = now
	q.completedTotal++
	q.observeDurationsLocked(item, now)

	rec := q.recordLocked(item, OutcomeCompleted, "", now)
	q.mu.Unlock()
	q.appendJournal(rec)
	return nil
}

// Fail marks a processing item as failed. With opts.Requeue and remaining
// retry budget the item goes back to pending with attempts+1 at its original
// priority; otherwise the failure is permanent and the item is never
// dequeued again.
func (q *Queue) Fail(id string, cause error, opts FailOptions) error {
	q.mu.Lock()

	item, ok := q.processing[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	delete(q.processing, id)

	now := q.nowFn()

	if opts.Requeue && item.Attempts < q.maxAttempts {
		item.Attempts++
		item.Status = StatusPending
		item.ProcessingStartedAt = time.Time{}
		q.requeuedTotal++
		q.insertLocked(item)
		q.mu.Unlock()
		return nil
	}

	item.Status = StatusFailed
	item.CompletedAt = now
	q.permanentlyFailed++
	q.observeDurationsLocked(item, now)

	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}
	rec := q.recordLocked(item, OutcomeFailed, causeText, now)
	q.mu.Unlock()
	q.appendJournal(rec)
	return nil
}

func (q *Queue) observeDurationsLocked(item *Item, now time.Time) {
	if !item.ProcessingStartedAt.IsZero() {
		q.waitTotal += item.ProcessingStartedAt.Sub(item.EnqueuedAt)
		q.waitCount++
		q.processingTotal += now.Sub(item.ProcessingStartedAt)
		q.processingCount++
	}
}

func (q *Queue) recordLocked(item *Item, outcome Outcome, cause string, now time.Time) Record {
	rec := Record{
		ItemID:     item.ID,
		Priority:   item.Priority,
		Outcome:    outcome,
		Attempts:   item.Attempts,
		Cause:      cause,
		EnqueuedAt: item.EnqueuedAt,
		FinishedAt: now,
	}
	if outcome == OutcomeExpired {
		rec.WaitTime = now.Sub(item.EnqueuedAt)
		return rec
	}
	if !item.ProcessingStartedAt.IsZero() {
		rec.WaitTime = item.ProcessingStartedAt.Sub(item.EnqueuedAt)
		rec.Processing = now.Sub(item.ProcessingStartedAt)
	}
	return rec
}

func (q *Queue) appendJournal(rec Record) {
	if q.journal == nil {
		return
	}
	if err := q.journal.Append(rec); err != nil {
		q.logger.Warn("journal_append_failed",
			slog.String("item_id", rec.ItemID),
			slog.String("outcome", string(rec.Outcome)),
			slog.Any("err", err),
		)
	}
}

// Size returns the number of pending items. In-flight items still count
// against the depth limit; see Metrics.TotalItems for pending plus
// processing.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := Metrics{
		TotalItems:        len(q.pending) + len(q.processing),
		PendingItems:      len(q.pending),
		ProcessingItems:   len(q.processing),
		CompletedTotal:    q.completedTotal,
		RequeuedTotal:     q.requeuedTotal,
		PermanentlyFailed: q.permanentlyFailed,
		ExpiredTotal:      q.expiredTotal,
		LengthByPriority:  make(map[int]int),
	}
	for _, item := range q.pending {
		m.LengthByPriority[item.Priority]++
	}
	if q.waitCount > 0 {
		m.AverageWait = q.waitTotal / time.Duration(q.waitCount)
	}
	if q.processingCount > 0 {
		m.AverageProcessing = q.processingTotal / time.Duration(q.processingCount)
	}
	return m
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
