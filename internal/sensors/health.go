package sensors

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthSnapshot is the cached system-health payload (spec §4.6): memory,
// disk, and CPU, plus whether the last collection hit its timeout budget.
type HealthSnapshot struct {
	MemUsedPercent  float64
	DiskUsedPercent float64
	CPUPercent      float64
	Degraded        bool // true if the last refresh timed out; values are "last known good"
}

// SystemHealth samples memory/disk/CPU through gopsutil on a timeout
// budget, caching the last good reading so a slow syscall never blocks
// the main loop (spec §4.6). Grounded on shirou/gopsutil/v3's presence in
// the wider example pack (r3e-network-service_layer,
// codeready-toolchain-tarsy) as the corpus's system-metrics library.
type SystemHealth struct {
	path   string // filesystem path to report disk usage for
	budget time.Duration

	mu   sync.Mutex
	last HealthSnapshot
}

// NewSystemHealth creates a sensor reporting disk usage for path, with a
// collection budget (default 1s per spec §4.6).
func NewSystemHealth(path string, budget time.Duration) *SystemHealth {
	if budget <= 0 {
		budget = time.Second
	}
	return &SystemHealth{path: path, budget: budget}
}

func (h *SystemHealth) Name() string { return "system_health" }

func (h *SystemHealth) Initialize() error { return nil }

func (h *SystemHealth) Stop() error { return nil }

// Read refreshes the cached snapshot within the collection budget. On
// timeout it returns the prior snapshot marked Degraded, never blocking
// past the budget.
func (h *SystemHealth) Read() Reading {
	ctx, cancel := context.WithTimeout(context.Background(), h.budget)
	defer cancel()

	type result struct {
		snap HealthSnapshot
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		var snap HealthSnapshot
		if vm, err := mem.VirtualMemory(); err == nil {
			snap.MemUsedPercent = vm.UsedPercent
		}
		if du, err := disk.Usage(h.path); err == nil {
			snap.DiskUsedPercent = du.UsedPercent
		}
		if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
			snap.CPUPercent = pct[0]
		}
		ch <- result{snap: snap}
	}()

	select {
	case r := <-ch:
		h.mu.Lock()
		h.last = r.snap
		h.mu.Unlock()
	case <-ctx.Done():
		h.mu.Lock()
		h.last.Degraded = true
		h.mu.Unlock()
	}

	return Reading{Timestamp: time.Now()}
}

// Snapshot returns the most recently cached health reading.
func (h *SystemHealth) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}
