package health

import (
	"context"
	"fmt"
	"time"
)

type Snapshot struct {
	CPUPercent        float64
	MemoryUsedPercent float64
	MemoryUsedBytes   uint64
	MemoryTotalBytes  uint64
	Goroutines        int
	Uptime            time.Duration
}

type Reporter interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Summary renders the snapshot on one line for chat output.
func (s Snapshot) Summary() string {
	return fmt.Sprintf("CPU %.1f%% / メモリ %.1f%% (%s / %s) / goroutine %d / 稼働 %s",
		s.CPUPercent,
		s.MemoryUsedPercent,
		formatBytes(s.MemoryUsedBytes),
		formatBytes(s.MemoryTotalBytes),
		s.Goroutines,
		s.Uptime.Truncate(time.Second),
	)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
