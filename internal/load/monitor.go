// Package load samples host CPU, memory, and load average and publishes a
// composite load percentage. One Monitor instance is shared by every
// component that adapts to host pressure; collection failures never
// propagate to dependents.
package load

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sample is a point-in-time load reading. It is transient: only the most
// recent value is retained.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
	LoadAverage   float64
	CapturedAt    time.Time
}

// Collector produces raw samples. Implementations are platform-specific.
type Collector interface {
	Sample(now time.Time) (Sample, error)
}

type Option func(*Monitor)

func WithCollector(c Collector) Option {
	return func(m *Monitor) {
		if c != nil {
			m.collector = c
		}
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.nowFn = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithWeights overrides the CPU/memory weighting of the composite load.
// Weights are normalized; non-positive pairs fall back to equal weighting.
func WithWeights(cpu, memory float64) Option {
	return func(m *Monitor) {
		if cpu < 0 || memory < 0 || cpu+memory <= 0 {
			return
		}
		m.cpuWeight = cpu
		m.memWeight = memory
	}
}

// Monitor polls a Collector on a fixed interval and fans samples out to
// subscribers. It serves the last known reading when collection fails; a
// monitor must never crash a dependent.
type Monitor struct {
	mu        sync.Mutex
	collector Collector
	nowFn     func() time.Time
	logger    *slog.Logger
	cpuWeight float64
	memWeight float64

	current    Sample
	currentOK  bool
	degraded   bool
	failsTotal int64

	subs    map[int]func(Sample)
	nextSub int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		collector: newPlatformCollector(),
		nowFn:     time.Now,
		logger:    slog.Default(),
		cpuWeight: 1,
		memWeight: 1,
		subs:      make(map[int]func(Sample)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins polling. It is a no-op if the monitor is already running.
func (m *Monitor) Start(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	m.poll()

	go func() {
		defer close(done)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.poll()
			}
		}
	}()
}

// Stop halts polling and waits for the poll loop to exit. The last sample
// stays readable; dependents treat a stopped monitor as degraded.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.degraded = true
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Monitor) poll() {
	now := m.nowFn()
	sample, err := m.collector.Sample(now)

	m.mu.Lock()
	if err != nil {
		m.failsTotal++
		m.degraded = true
		m.mu.Unlock()
		m.logger.Warn("load_sample_failed", slog.Any("err", err))
		return
	}
	sample.CapturedAt = now
	m.current = sample
	m.currentOK = true
	m.degraded = false
	subs := make([]func(Sample), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(sample)
	}
}

// CurrentLoad returns the composite load percentage in [0, 100]. With no
// successful sample yet it returns the conservative default of 0.
func (m *Monitor) CurrentLoad() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentOK {
		return 0
	}
	return m.compositeLocked(m.current)
}

func (m *Monitor) compositeLocked(s Sample) float64 {
	total := m.cpuWeight + m.memWeight
	composite := (s.CPUPercent*m.cpuWeight + s.MemoryPercent*m.memWeight) / total
	if composite < 0 {
		return 0
	}
	if composite > 100 {
		return 100
	}
	return composite
}

// CurrentSample returns the most recent raw reading, ok=false before the
// first successful collection.
func (m *Monitor) CurrentSample() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.currentOK
}

// Degraded reports whether the monitor is stopped or its last collection
// failed.
func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded || m.cancel == nil
}

// FailuresTotal counts collection failures since construction.
func (m *Monitor) FailuresTotal() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failsTotal
}

// Subscribe registers fn for every future sample and returns an unsubscribe
// func. Delivery is at-least-once for subscribers registered at emission
// time; there is no replay for late subscribers.
func (m *Monitor) Subscribe(fn func(Sample)) (unsubscribe func()) {
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
