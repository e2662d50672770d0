//go:build !linux

package load

import (
	"runtime"
	"time"
)

func newPlatformCollector() Collector {
	return &runtimeCollector{}
}

// runtimeCollector approximates host pressure from Go runtime memory stats
// on platforms without a native probe. CPU and load average read as zero,
// which keeps dependents on their conservative defaults.
type runtimeCollector struct{}

func (c *runtimeCollector) Sample(_ time.Time) (Sample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var memPct float64
	if ms.Sys > 0 {
		memPct = float64(ms.HeapAlloc) * 100 / float64(ms.Sys)
	}
	if memPct > 100 {
		memPct = 100
	}
	return Sample{MemoryPercent: memPct}, nil
}
