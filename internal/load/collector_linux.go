//go:build linux

package load

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

func newPlatformCollector() Collector {
	return newProcStatCollector(defaultCPUSampleWindow)
}

const defaultCPUSampleWindow = 2 * time.Second

// sysinfoLoadScale converts unix.Sysinfo load fixed-point values (1<<16)
// to the familiar float form.
const sysinfoLoadScale = 1 << 16

type cpuCounters struct {
	busy  uint64
	total uint64
}

// procStatCollector reads CPU time from /proc/stat and memory plus load
// average from sysinfo(2). CPU percent is a delta over at least window so a
// single busy scheduler tick does not read as a spike.
type procStatCollector struct {
	mu       sync.Mutex
	window   time.Duration
	prev     cpuCounters
	prevAt   time.Time
	prevOK   bool
	lastCPU  float64
	procStat string
}

func newProcStatCollector(window time.Duration) *procStatCollector {
	if window <= 0 {
		window = defaultCPUSampleWindow
	}
	return &procStatCollector{
		window:   window,
		procStat: "/proc/stat",
	}
}

func (c *procStatCollector) Sample(now time.Time) (Sample, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return Sample{}, fmt.Errorf("sysinfo: %w", err)
	}

	cpu, err := c.cpuPercent(now)
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		CPUPercent:    cpu,
		MemoryPercent: memoryPercent(info),
		LoadAverage:   float64(info.Loads[0]) / sysinfoLoadScale,
	}, nil
}

func (c *procStatCollector) cpuPercent(now time.Time) (float64, error) {
	counters, err := readCPUCounters(c.procStat)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.prevOK {
		c.prev = counters
		c.prevAt = now
		c.prevOK = true
		return 0, nil
	}

	// Inside the smoothing window the previous reading stands.
	if now.Sub(c.prevAt) < c.window {
		return c.lastCPU, nil
	}

	dTotal := counters.total - c.prev.total
	dBusy := counters.busy - c.prev.busy
	c.prev = counters
	c.prevAt = now
	if dTotal == 0 {
		return c.lastCPU, nil
	}

	pct := float64(dBusy) * 100 / float64(dTotal)
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	c.lastCPU = pct
	return pct, nil
}

func memoryPercent(info unix.Sysinfo_t) float64 {
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	if total == 0 {
		return 0
	}
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	if free > total {
		free = total
	}
	return float64(total-free) * 100 / float64(total)
}

// readCPUCounters parses the aggregate "cpu" line of /proc/stat.
func readCPUCounters(path string) (cpuCounters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cpuCounters{}, fmt.Errorf("read %s: %w", path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var counters cpuCounters
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return cpuCounters{}, fmt.Errorf("parse %s field %d: %w", path, i+1, err)
			}
			counters.total += v
			// idle and iowait are fields 4 and 5 of the cpu line.
			if i != 3 && i != 4 {
				counters.busy += v
			}
		}
		return counters, nil
	}
	return cpuCounters{}, fmt.Errorf("no cpu line in %s", path)
}
