package batch

import (
	"testing"
	"time"

	"github.com/webqx/vitalq/internal/load"
)

// fakeSource drives samples into the manager without a real monitor.
type fakeSource struct {
	load     float64
	degraded bool
	subs     []func(load.Sample)
}

func (f *fakeSource) CurrentLoad() float64 { return f.load }

func (f *fakeSource) Degraded() bool { return f.degraded }

func (f *fakeSource) Subscribe(fn func(load.Sample)) func() {
	f.subs = append(f.subs, fn)
	return func() {}
}

func (f *fakeSource) emit(composite float64) {
	f.load = composite
	for _, fn := range f.subs {
		fn(load.Sample{CPUPercent: composite, MemoryPercent: composite})
	}
}

func newTestManager(src *fakeSource, clock func() time.Time, opts ...Option) *Manager {
	opts = append([]Option{WithNowFunc(clock), WithCooldown(0)}, opts...)
	m := NewManager(src, opts...)
	m.Start()
	return m
}

func TestBatchSizeAtLowLoad(t *testing.T) {
	src := &fakeSource{}
	m := newTestManager(src, time.Now, WithSizeBounds(5, 50))
	m.RegisterOperation("transcription", 20)

	src.emit(30)
	if got := m.BatchSize("transcription"); got != 50 {
		t.Fatalf("low load: got %d want maxSize 50", got)
	}
}

func TestBatchSizeAtHighLoad(t *testing.T) {
	src := &fakeSource{}
	m := newTestManager(src, time.Now, WithSizeBounds(5, 50))
	m.RegisterOperation("transcription", 20)

	src.emit(90)
	if got := m.BatchSize("transcription"); got != 5 {
		t.Fatalf("high load: got %d want minSize 5", got)
	}
}

func TestBatchSizeInterpolatesBetweenThresholds(t *testing.T) {
	src := &fakeSource{}
	m := newTestManager(src, time.Now, WithSizeBounds(5, 50))
	m.RegisterOperation("transcription", 20)

	src.emit(65)
	got := m.BatchSize("transcription")
	if got <= 5 || got >= 50 {
		t.Fatalf("mid load must be strictly inside bounds: got %d", got)
	}
	// Midpoint of the ramp is the midpoint of the size span, rounded.
	if want := 27; got != want {
		t.Fatalf("interpolation at 65%%: got %d want %d", got, want)
	}
}

func TestBatchSizeAlwaysWithinBounds(t *testing.T) {
	src := &fakeSource{}
	m := newTestManager(src, time.Now, WithSizeBounds(2, 10))
	m.RegisterOperation("ehr-sync", 500) // default clamps into bounds

	for _, l := range []float64{0, 10, 49.9, 50, 65, 79.9, 80, 95, 100} {
		src.emit(l)
		got := m.BatchSize("ehr-sync")
		if got < 2 || got > 10 {
			t.Fatalf("load %v: size %d outside [2, 10]", l, got)
		}
	}
}

func TestCooldownCoalescesAdjustments(t *testing.T) {
	clock := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	src := &fakeSource{}
	m := NewManager(src,
		WithNowFunc(func() time.Time { return clock }),
		WithCooldown(30*time.Second),
		WithSizeBounds(5, 50),
	)
	m.Start()
	m.RegisterOperation("transcription", 20)

	var changes []Adjustment
	m.SubscribeAdjustments(func(a Adjustment) { changes = append(changes, a) })

	// Both samples want an adjustment; only the first lands inside the
	// cooldown window.
	src.emit(90)
	clock = clock.Add(5 * time.Second)
	src.emit(30)

	if len(changes) != 1 {
		t.Fatalf("adjustments inside cooldown: got %d want 1", len(changes))
	}
	if changes[0].PreviousSize != 20 || changes[0].NewSize != 5 {
		t.Fatalf("adjustment: %+v", changes[0])
	}
	if got := m.BatchSize("transcription"); got != 5 {
		t.Fatalf("size changed during cooldown: %d", got)
	}

	// After the cooldown elapses the pending direction applies.
	clock = clock.Add(30 * time.Second)
	src.emit(30)
	if len(changes) != 2 {
		t.Fatalf("post-cooldown adjustments: got %d want 2", len(changes))
	}
	if got := m.BatchSize("transcription"); got != 50 {
		t.Fatalf("post-cooldown size: %d", got)
	}
}

func TestDegradedModeFallsBackToDefault(t *testing.T) {
	src := &fakeSource{}
	m := newTestManager(src, time.Now, WithSizeBounds(5, 50))
	m.RegisterOperation("transcription", 20)

	src.emit(30)
	if got := m.BatchSize("transcription"); got != 50 {
		t.Fatalf("setup: %d", got)
	}

	src.degraded = true
	if got := m.BatchSize("transcription"); got != 20 {
		t.Fatalf("degraded mode: got %d want registered default 20", got)
	}
	if !m.Stats().Degraded {
		t.Fatalf("stats must carry the degraded flag")
	}
}

func TestBatchSizeBeforeFirstSample(t *testing.T) {
	src := &fakeSource{}
	m := newTestManager(src, time.Now)
	m.RegisterOperation("intake", 8)

	if got := m.BatchSize("intake"); got != 8 {
		t.Fatalf("pre-sample size: got %d want default 8", got)
	}
}

func TestUnregisteredOperation(t *testing.T) {
	src := &fakeSource{}
	m := newTestManager(src, time.Now)
	if got := m.BatchSize("unknown"); got != 1 {
		t.Fatalf("unregistered operation: got %d want 1", got)
	}
}

func TestAdjustmentEventCarriesContext(t *testing.T) {
	clock := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	src := &fakeSource{}
	m := newTestManager(src, func() time.Time { return clock }, WithSizeBounds(5, 50))
	m.RegisterOperation("transcription", 20)

	var got []Adjustment
	m.SubscribeAdjustments(func(a Adjustment) { got = append(got, a) })

	src.emit(95)
	if len(got) != 1 {
		t.Fatalf("events: %d", len(got))
	}
	a := got[0]
	if a.Operation != "transcription" || a.PreviousSize != 20 || a.NewSize != 5 || a.Load != 95 {
		t.Fatalf("event: %+v", a)
	}
	if !a.AdjustedAt.Equal(clock) {
		t.Fatalf("adjusted_at: %s", a.AdjustedAt)
	}
}

func TestStatsTracksAdjustmentCounts(t *testing.T) {
	src := &fakeSource{}
	m := newTestManager(src, time.Now, WithSizeBounds(5, 50))
	m.RegisterOperation("a-op", 20)
	m.RegisterOperation("b-op", 20)

	src.emit(90)
	src.emit(30)

	stats := m.Stats()
	if len(stats.Operations) != 2 {
		t.Fatalf("operations: %d", len(stats.Operations))
	}
	for _, op := range stats.Operations {
		if op.AdjustmentCount != 2 {
			t.Fatalf("%s adjustment count: %d", op.Operation, op.AdjustmentCount)
		}
	}
	if stats.Operations[0].Operation != "a-op" {
		t.Fatalf("stats not sorted: %+v", stats.Operations)
	}
}
