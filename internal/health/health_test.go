package health

import (
	"strings"
	"testing"
	"time"
)

func TestSnapshotSummary(t *testing.T) {
	s := Snapshot{
		CPUPercent:        12.34,
		MemoryUsedPercent: 50,
		MemoryUsedBytes:   512 * 1024 * 1024,
		MemoryTotalBytes:  1024 * 1024 * 1024,
		Goroutines:        42,
		Uptime:            90*time.Minute + 500*time.Millisecond,
	}
	got := s.Summary()
	for _, want := range []string{"CPU 12.3%", "メモリ 50.0%", "512.0 MiB", "1.0 GiB", "goroutine 42", "1h30m0s"} {
		if !strings.Contains(got, want) {
			t.Fatalf("summary %q missing %q", got, want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[uint64]string{
		512:         "512 B",
		2048:        "2.0 KiB",
		3 * 1 << 20: "3.0 MiB",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Fatalf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
