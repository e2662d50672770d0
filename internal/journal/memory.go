package journal

import (
	"sync"
	"time"

	"github.com/webqx/vitalq/internal/queue"
)

const defaultMemoryCapacity = 10000

type MemoryOption func(*MemoryStore)

// WithCapacity bounds the number of retained records. The oldest records are
// evicted first; outcome counters survive eviction.
func WithCapacity(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// MemoryStore keeps the most recent records in a bounded slice. It is the
// default backend when no database is configured.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	records  []queue.Record
	counts   map[queue.Outcome]int64
	closed   bool
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		capacity: defaultMemoryCapacity,
		counts:   make(map[queue.Outcome]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Append(rec queue.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.records = append(s.records, rec)
	if len(s.records) > s.capacity {
		s.records = s.records[len(s.records)-s.capacity:]
	}
	s.counts[rec.Outcome]++
	return nil
}

func (s *MemoryStore) List(req ListRequest) ([]queue.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	out := make([]queue.Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.records[i]
		if req.Outcome != "" && rec.Outcome != req.Outcome {
			continue
		}
		if !req.Before.IsZero() && !rec.FinishedAt.Before(req.Before) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) OutcomeCounts() (map[queue.Outcome]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[queue.Outcome]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// PruneBefore drops records finished before cutoff. Counters are unaffected.
func (s *MemoryStore) PruneBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var dropped int64
	for _, rec := range s.records {
		if rec.FinishedAt.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return dropped, nil
}
