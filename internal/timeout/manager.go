// Package timeout derives per-endpoint request timeouts from recent latency
// history. Each endpoint keeps a bounded FIFO window of observed durations;
// the served timeout is the window mean scaled by a multiplier and clamped
// into configured bounds, so one slow EHR gateway never drags every
// connector to the ceiling.
package timeout

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	defaultMaxSamples      = 20
	defaultMultiplier      = 2.0
	defaultMinTimeout      = 30 * time.Second
	defaultMaxTimeout      = 120 * time.Second
	defaultFallbackTimeout = 60 * time.Second

	// failureInflation grants extra slack to an endpoint whose entire
	// retained window is failures, instead of starving it.
	failureInflation = 1.5
)

type sample struct {
	duration time.Duration
	success  bool
}

type endpointState struct {
	key             string
	window          []sample // FIFO, capacity maxSamples
	currentTimeout  time.Duration
	lastAdjustedAt  time.Time
	adjustmentCount int64
	discardedTotal  int64
}

// EndpointStats is a read-only snapshot of one endpoint's timeout state.
type EndpointStats struct {
	Endpoint        string
	SampleCount     int
	SuccessCount    int
	FailureCount    int
	MeanDuration    time.Duration
	CurrentTimeout  time.Duration
	LastAdjustedAt  time.Time
	AdjustmentCount int64
	DiscardedTotal  int64
}

type Option func(*Manager)

// WithBounds sets the clamp range for served timeouts.
func WithBounds(minTimeout, maxTimeout time.Duration) Option {
	return func(m *Manager) {
		if minTimeout > 0 && maxTimeout >= minTimeout {
			m.minTimeout = minTimeout
			m.maxTimeout = maxTimeout
		}
	}
}

// WithMultiplier sets the factor applied to the window mean.
func WithMultiplier(mult float64) Option {
	return func(m *Manager) {
		if mult > 0 {
			m.multiplier = mult
		}
	}
}

// WithFallback sets the timeout served before any sample is recorded.
func WithFallback(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.fallback = d
		}
	}
}

// WithMaxSamples bounds the per-endpoint history window.
func WithMaxSamples(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxSamples = n
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

// Manager computes adaptive timeouts. Safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	nowFn  func() time.Time
	logger *slog.Logger

	maxSamples int
	multiplier float64
	minTimeout time.Duration
	maxTimeout time.Duration
	fallback   time.Duration

	endpoints map[string]*endpointState
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		nowFn:      time.Now,
		logger:     slog.Default(),
		maxSamples: defaultMaxSamples,
		multiplier: defaultMultiplier,
		minTimeout: defaultMinTimeout,
		maxTimeout: defaultMaxTimeout,
		fallback:   defaultFallbackTimeout,
		endpoints:  make(map[string]*endpointState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordResponseTime appends an observation to the endpoint's window.
// Recording never fails: malformed (negative) durations are discarded with a
// warning, and cancelled or timed-out calls are expected to be reported with
// success=false.
func (m *Manager) RecordResponseTime(endpoint string, d time.Duration, success bool) {
	m.mu.Lock()
	st := m.endpointLocked(endpoint)

	if d < 0 {
		st.discardedTotal++
		m.mu.Unlock()
		m.logger.Warn("response_time_discarded",
			slog.String("endpoint", endpoint),
			slog.Duration("duration", d),
		)
		return
	}

	st.window = append(st.window, sample{duration: d, success: success})
	if len(st.window) > m.maxSamples {
		st.window = st.window[len(st.window)-m.maxSamples:]
	}

	next := m.computeLocked(st)
	if next != st.currentTimeout {
		st.currentTimeout = next
		st.lastAdjustedAt = m.nowFn()
		st.adjustmentCount++
	}
	m.mu.Unlock()
}

// AdaptiveTimeout returns the timeout to use for the next call to endpoint.
// The result is always within [minTimeout, maxTimeout]; with no recorded
// samples it is exactly the fallback timeout.
func (m *Manager) AdaptiveTimeout(endpoint string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.endpoints[endpoint]
	if !ok || len(st.window) == 0 {
		return m.fallback
	}
	return m.computeLocked(st)
}

// computeLocked derives the timeout from the endpoint's window. A window
// holding only failures marks the endpoint presumed-degraded: the fallback
// is inflated rather than trusting the failure latencies.
func (m *Manager) computeLocked(st *endpointState) time.Duration {
	if len(st.window) == 0 {
		return m.fallback
	}

	allFailed := true
	var total time.Duration
	for _, s := range st.window {
		total += s.duration
		if s.success {
			allFailed = false
		}
	}

	var computed time.Duration
	if allFailed {
		computed = time.Duration(float64(m.fallback) * failureInflation)
	} else {
		mean := total / time.Duration(len(st.window))
		computed = time.Duration(float64(mean) * m.multiplier)
	}
	return m.clamp(computed)
}

func (m *Manager) clamp(d time.Duration) time.Duration {
	if d < m.minTimeout {
		return m.minTimeout
	}
	if d > m.maxTimeout {
		return m.maxTimeout
	}
	return d
}

func (m *Manager) endpointLocked(endpoint string) *endpointState {
	st, ok := m.endpoints[endpoint]
	if !ok {
		st = &endpointState{key: endpoint}
		m.endpoints[endpoint] = st
	}
	return st
}

// EndpointStats returns the snapshot for one endpoint, ok=false when the
// endpoint has never been observed.
func (m *Manager) EndpointStats(endpoint string) (EndpointStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.endpoints[endpoint]
	if !ok {
		return EndpointStats{}, false
	}
	return m.snapshotLocked(st), true
}

// AllStats returns snapshots for every observed endpoint, sorted by key.
func (m *Manager) AllStats() []EndpointStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EndpointStats, 0, len(m.endpoints))
	for _, st := range m.endpoints {
		out = append(out, m.snapshotLocked(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

func (m *Manager) snapshotLocked(st *endpointState) EndpointStats {
	stats := EndpointStats{
		Endpoint:        st.key,
		SampleCount:     len(st.window),
		CurrentTimeout:  m.computeLocked(st),
		LastAdjustedAt:  st.lastAdjustedAt,
		AdjustmentCount: st.adjustmentCount,
		DiscardedTotal:  st.discardedTotal,
	}
	var total time.Duration
	for _, s := range st.window {
		total += s.duration
		if s.success {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
	}
	if len(st.window) > 0 {
		stats.MeanDuration = total / time.Duration(len(st.window))
	}
	return stats
}
