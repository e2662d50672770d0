// Package batch computes bounded per-operation batch sizes from live host
// load. A shared load monitor feeds every Manager; each registered operation
// keeps its own size, bounds, and adjustment cooldown.
package batch

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/webqx/vitalq/internal/load"
)

const (
	defaultLowLoadThreshold  = 50.0
	defaultHighLoadThreshold = 80.0
	defaultCooldown          = 30 * time.Second
	defaultMinSize           = 1
	defaultMaxSize           = 100
)

// Adjustment is delivered to subscribers whenever an operation's batch size
// changes.
type Adjustment struct {
	Operation    string
	PreviousSize int
	NewSize      int
	Load         float64
	AdjustedAt   time.Time
}

// OperationStats is a snapshot of one operation's batch state.
type OperationStats struct {
	Operation       string
	CurrentSize     int
	DefaultSize     int
	MinSize         int
	MaxSize         int
	LastAdjustedAt  time.Time
	AdjustmentCount int64
}

// Stats is a snapshot of the whole manager.
type Stats struct {
	Degraded   bool
	LastLoad   float64
	LastSample time.Time
	Operations []OperationStats
}

type operationState struct {
	name            string
	defaultSize     int
	currentSize     int
	minSize         int
	maxSize         int
	lastAdjustedAt  time.Time
	adjustmentCount int64
}

type Option func(*Manager)

// WithThresholds overrides the low/high load thresholds (percent). Ignored
// unless 0 <= low < high <= 100.
func WithThresholds(low, high float64) Option {
	return func(m *Manager) {
		if low >= 0 && high > low && high <= 100 {
			m.lowThreshold = low
			m.highThreshold = high
		}
	}
}

// WithCooldown sets the minimum elapsed time between successive adjustments
// of one operation.
func WithCooldown(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.cooldown = d
		}
	}
}

// WithSizeBounds sets the min/max bounds applied to operations registered
// after the call.
func WithSizeBounds(minSize, maxSize int) Option {
	return func(m *Manager) {
		if minSize > 0 && maxSize >= minSize {
			m.minSize = minSize
			m.maxSize = maxSize
		}
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.nowFn = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// LoadSource is the slice of load.Monitor the manager depends on.
type LoadSource interface {
	CurrentLoad() float64
	Degraded() bool
	Subscribe(fn func(load.Sample)) (unsubscribe func())
}

// Manager recomputes batch sizes on every load sample. Safe for concurrent
// use; per-operation state is only mutated under the manager lock.
type Manager struct {
	mu      sync.Mutex
	monitor LoadSource
	nowFn   func() time.Time
	logger  *slog.Logger

	lowThreshold  float64
	highThreshold float64
	cooldown      time.Duration
	minSize       int
	maxSize       int

	operations map[string]*operationState

	lastLoad     float64
	lastSampleAt time.Time
	sampleSeen   bool

	subs    map[int]func(Adjustment)
	nextSub int

	unsubscribe func()
}

func NewManager(monitor LoadSource, opts ...Option) *Manager {
	m := &Manager{
		monitor:       monitor,
		nowFn:         time.Now,
		logger:        slog.Default(),
		lowThreshold:  defaultLowLoadThreshold,
		highThreshold: defaultHighLoadThreshold,
		cooldown:      defaultCooldown,
		minSize:       defaultMinSize,
		maxSize:       defaultMaxSize,
		operations:    make(map[string]*operationState),
		subs:          make(map[int]func(Adjustment)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterOperation makes name known to the manager. defaultSize seeds the
// current size (clamped into bounds) and is the value served in degraded
// mode. Re-registering an existing operation is a no-op.
func (m *Manager) RegisterOperation(name string, defaultSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.operations[name]; ok {
		return
	}
	st := &operationState{
		name:        name,
		defaultSize: clamp(defaultSize, m.minSize, m.maxSize),
		minSize:     m.minSize,
		maxSize:     m.maxSize,
	}
	st.currentSize = st.defaultSize
	m.operations[name] = st
}

// Start subscribes to the load monitor. No-op when already started.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil || m.monitor == nil {
		return
	}
	m.unsubscribe = m.monitor.Subscribe(m.onSample)
}

// Stop detaches from the load monitor. Batch sizes freeze at their current
// values; BatchSize falls back to defaults once the monitor is degraded.
func (m *Manager) Stop() {
	m.mu.Lock()
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// SubscribeAdjustments registers fn for every batch-size change and returns
// an unsubscribe func.
func (m *Manager) SubscribeAdjustments(fn func(Adjustment)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) onSample(s load.Sample) {
	composite := m.monitor.CurrentLoad()
	now := m.nowFn()

	m.mu.Lock()
	m.lastLoad = composite
	m.lastSampleAt = now
	m.sampleSeen = true

	var emitted []Adjustment
	for _, st := range m.operations {
		target := m.targetSizeLocked(st, composite)
		if target == st.currentSize {
			continue
		}
		// Cooldown suppresses the change even when the target differs,
		// so noisy load cannot make sizes oscillate.
		if m.cooldown > 0 && !st.lastAdjustedAt.IsZero() && now.Sub(st.lastAdjustedAt) < m.cooldown {
			continue
		}
		adj := Adjustment{
			Operation:    st.name,
			PreviousSize: st.currentSize,
			NewSize:      target,
			Load:         composite,
			AdjustedAt:   now,
		}
		st.currentSize = target
		st.lastAdjustedAt = now
		st.adjustmentCount++
		emitted = append(emitted, adj)
	}
	subs := make([]func(Adjustment), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, adj := range emitted {
		m.logger.Debug("batch_size_adjusted",
			slog.String("operation", adj.Operation),
			slog.Int("previous", adj.PreviousSize),
			slog.Int("next", adj.NewSize),
			slog.Float64("load", adj.Load),
		)
		for _, fn := range subs {
			fn(adj)
		}
	}
}

// targetSizeLocked maps composite load onto [minSize, maxSize]: full batches
// below the low threshold, minimum batches at or above the high threshold,
// and a linear ramp in between.
func (m *Manager) targetSizeLocked(st *operationState, composite float64) int {
	var target int
	switch {
	case composite < m.lowThreshold:
		target = st.maxSize
	case composite >= m.highThreshold:
		target = st.minSize
	default:
		position := (composite - m.lowThreshold) / (m.highThreshold - m.lowThreshold)
		span := float64(st.maxSize - st.minSize)
		target = st.maxSize - int(math.Round(position*span))
	}
	return clamp(target, st.minSize, st.maxSize)
}

// BatchSize returns the batch size for a registered operation. Unregistered
// operations get 1, the most conservative batch. When the load monitor is
// stopped or degraded, the registered default is served instead.
func (m *Manager) BatchSize(name string) int {
	degraded := m.monitor == nil || m.monitor.Degraded()

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.operations[name]
	if !ok {
		return 1
	}
	if degraded || !m.sampleSeen {
		return st.defaultSize
	}
	return st.currentSize
}

// Stats reports current batch state for every operation plus the
// degraded-mode flag.
func (m *Manager) Stats() Stats {
	degraded := m.monitor == nil || m.monitor.Degraded()

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Degraded:   degraded,
		LastLoad:   m.lastLoad,
		LastSample: m.lastSampleAt,
	}
	for _, st := range m.operations {
		stats.Operations = append(stats.Operations, OperationStats{
			Operation:       st.name,
			CurrentSize:     st.currentSize,
			DefaultSize:     st.defaultSize,
			MinSize:         st.minSize,
			MaxSize:         st.maxSize,
			LastAdjustedAt:  st.lastAdjustedAt,
			AdjustmentCount: st.adjustmentCount,
		})
	}
	sort.Slice(stats.Operations, func(i, j int) bool {
		return stats.Operations[i].Operation < stats.Operations[j].Operation
	})
	return stats
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
