package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/foxseedlab/teno/internal/health"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const cpuSampleInterval = 200 * time.Millisecond

type HostReporter struct {
	startedAt     time.Time
	cpuPercent    func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error)
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

func NewHostReporter() *HostReporter {
	return &HostReporter{
		startedAt:     time.Now(),
		cpuPercent:    cpu.PercentWithContext,
		virtualMemory: mem.VirtualMemoryWithContext,
	}
}

func (r *HostReporter) Snapshot(ctx context.Context) (health.Snapshot, error) {
	s := health.Snapshot{
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(r.startedAt),
	}
	percents, err := r.cpuPercent(ctx, cpuSampleInterval, false)
	if err != nil {
		return s, fmt.Errorf("read cpu usage: %w", err)
	}
	if len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	vm, err := r.virtualMemory(ctx)
	if err != nil {
		return s, fmt.Errorf("read memory usage: %w", err)
	}
	s.MemoryUsedPercent = vm.UsedPercent
	s.MemoryUsedBytes = vm.Used
	s.MemoryTotalBytes = vm.Total
	return s, nil
}
