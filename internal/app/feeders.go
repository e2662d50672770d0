package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/webqx/vitalq/internal/dispatcher"
)

// opSpool is an in-memory FIFO holding deferred items for one operation
// until a feeder admits them. Returned items go back to the front so their
// position is preserved.
type opSpool struct {
	mu    sync.Mutex
	items []dispatcher.BatchItem
}

func (s *opSpool) Next(_ context.Context, n int) ([]dispatcher.BatchItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.items) {
		n = len(s.items)
	}
	if n <= 0 {
		return nil, nil
	}
	out := make([]dispatcher.BatchItem, n)
	copy(out, s.items[:n])
	s.items = s.items[n:]
	return out, nil
}

func (s *opSpool) Return(items []dispatcher.BatchItem) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	s.items = append(append([]dispatcher.BatchItem{}, items...), s.items...)
	s.mu.Unlock()
}

func (s *opSpool) add(item dispatcher.BatchItem) {
	s.mu.Lock()
	s.items = append(s.items, item)
	s.mu.Unlock()
}

func (s *opSpool) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// spoolSet routes deferred admissions to the spool of the operation named
// in the item's metadata.
type spoolSet struct {
	spools     map[string]*opSpool
	connectors map[string]string
}

func newSpoolSet(ops []OperationConfig) *spoolSet {
	spools := make(map[string]*opSpool, len(ops))
	connectors := make(map[string]string, len(ops))
	for _, op := range ops {
		spools[op.Name] = &opSpool{}
		if op.Connector != "" {
			connectors[op.Name] = op.Connector
		}
	}
	return &spoolSet{spools: spools, connectors: connectors}
}

func (s *spoolSet) spool(operation string) (*opSpool, bool) {
	sp, ok := s.spools[operation]
	return sp, ok
}

// Defer is the admin hook for deferred admission. Items without an explicit
// connector inherit the operation's configured one.
func (s *spoolSet) Defer(payload []byte, priority int, metadata map[string]string) error {
	operation := metadata["operation"]
	if operation == "" {
		return fmt.Errorf("deferred items require metadata.operation")
	}
	sp, ok := s.spools[operation]
	if !ok {
		return fmt.Errorf("unknown operation %q", operation)
	}
	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	if meta["connector"] == "" {
		if conn, ok := s.connectors[operation]; ok {
			meta["connector"] = conn
		}
	}
	sp.add(dispatcher.BatchItem{Payload: payload, Priority: priority, Metadata: meta})
	return nil
}
