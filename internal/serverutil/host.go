package serverutil

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats describes the machine the engine runs on.
type HostStats struct {
	CPUs              int     `json:"cpus"`
	Load1             float64 `json:"load1"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
}

type HostProbe func(ctx context.Context) (HostStats, error)

// ProbeHost reads host statistics. Load is left at zero where the platform
// does not report it.
func ProbeHost(ctx context.Context) (HostStats, error) {
	var s HostStats
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return s, err
	}
	s.CPUs = n
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, err
	}
	s.MemoryUsedPercent = vm.UsedPercent
	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.Load1 = avg.Load1
	}
	return s, nil
}
