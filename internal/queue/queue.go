// Package queue implements the in-memory priority work queue that fronts all
// asynchronous clinical work. Items are ordered by (priority descending,
// enqueue order ascending); dequeue always yields the most urgent pending
// item. State lives in process memory only; terminal outcomes are handed to a
// journal so a failed item never silently vanishes from history.
package queue

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	ErrInvalidPriority = errors.New("priority must be non-negative")
	ErrMissingPayload  = errors.New("payload is required")
	ErrQueueFull       = errors.New("queue full")
	ErrUnknownItem     = errors.New("unknown item")
)

// Item is one unit of work. Payload and metadata are opaque to the queue;
// the only field the queue interprets is Priority.
type Item struct {
	ID       string
	Payload  []byte
	Priority int
	Metadata map[string]string

	Status   Status
	Attempts int

	EnqueuedAt          time.Time
	ProcessingStartedAt time.Time
	CompletedAt         time.Time

	// ExpiresAt, when set, causes the item to be auto-failed on dequeue once
	// the deadline has passed instead of being handed to a worker.
	ExpiresAt time.Time

	// seq is the admission order, used as the FIFO tie-break among equal
	// priorities. A requeued item keeps its original seq.
	seq uint64
}

// Outcome classifies how an item left the queue.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeExpired   Outcome = "expired"
)

// Record is the journal entry written when an item reaches a terminal state.
type Record struct {
	ItemID     string
	Priority   int
	Outcome    Outcome
	Attempts   int
	Cause      string
	EnqueuedAt time.Time
	FinishedAt time.Time
	WaitTime   time.Duration
	Processing time.Duration
}

// Journal receives terminal outcomes. Implementations must not block for
// long: the queue calls Append outside its own lock but on the caller's
// goroutine. Append errors are the journal's to surface; the queue logs and
// continues.
type Journal interface {
	Append(rec Record) error
}

// Metrics is a point-in-time snapshot of queue health.
type Metrics struct {
	TotalItems        int
	PendingItems      int
	ProcessingItems   int
	CompletedTotal    int64
	RequeuedTotal     int64
	PermanentlyFailed int64
	ExpiredTotal      int64

	AverageWait       time.Duration
	AverageProcessing time.Duration

	LengthByPriority map[int]int
}

// FailOptions controls what Fail does after marking the item failed.
type FailOptions struct {
	// Requeue requests another delivery attempt at the item's original
	// priority. Honored only while the retry budget is not exhausted.
	Requeue bool
}

func newHexID(prefix string) string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return prefix + hex.EncodeToString(b[:])
}
