// Package journal persists terminal queue outcomes. The queue itself is
// process-memory only; the journal is an append-only audit trail that
// guarantees a permanently failed item never silently vanishes from
// history. Backends: in-memory ring (default), sqlite, postgres.
package journal

import (
	"errors"
	"time"

	"github.com/webqx/vitalq/internal/queue"
)

var ErrClosed = errors.New("journal closed")

// ListRequest filters and bounds a history query. Zero values mean
// "no filter"; Limit <= 0 applies the backend default.
type ListRequest struct {
	Outcome queue.Outcome
	Before  time.Time
	Limit   int
}

const defaultListLimit = 100

// Store is the journal contract. Append must be cheap; the queue calls it
// on the worker's goroutine.
type Store interface {
	Append(rec queue.Record) error

	// List returns records newest-first.
	List(req ListRequest) ([]queue.Record, error)

	// OutcomeCounts returns totals per outcome since the store was opened
	// (memory) or over all retained rows (sqlite/postgres).
	OutcomeCounts() (map[queue.Outcome]int64, error)

	Close() error
}

// Pruner is implemented by backends that support retention sweeps. The run
// loop calls PruneBefore periodically when journal.retention is configured.
type Pruner interface {
	// PruneBefore drops records finished before cutoff and reports how
	// many were removed. Outcome counters are unaffected on backends that
	// track them separately.
	PruneBefore(cutoff time.Time) (int64, error)
}
