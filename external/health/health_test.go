package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/foxseedlab/teno/internal/health"
	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"
)

type stubReporter struct {
	snap health.Snapshot
	err  error
}

func (s stubReporter) Snapshot(context.Context) (health.Snapshot, error) {
	return s.snap, s.err
}

func TestHealthz_ReportsSnapshot(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(":0", stubReporter{snap: health.Snapshot{CPUPercent: 7.5, Goroutines: 12, Uptime: time.Minute}}, func() int { return 2 })

	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var body healthzResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body.Status != "ok" || body.ActiveMeetings != 2 || body.CPUPercent != 7.5 || body.UptimeSeconds != 60 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestHealthz_DegradedWhenMetricsFail(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(":0", stubReporter{err: errors.New("no procfs")}, nil)

	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body healthzResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if rec.Code != http.StatusOK || body.Status != "degraded" || body.Error != "no procfs" {
		t.Fatalf("unexpected response %d %+v", rec.Code, body)
	}
}

func TestHostReporter_Snapshot(t *testing.T) {
	r := NewHostReporter()
	r.cpuPercent = func(context.Context, time.Duration, bool) ([]float64, error) { return []float64{33.3}, nil }
	r.virtualMemory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 100, Used: 25, UsedPercent: 25}, nil
	}

	snap, err := r.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.CPUPercent != 33.3 || snap.MemoryUsedPercent != 25 || snap.MemoryTotalBytes != 100 || snap.Goroutines == 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestHostReporter_PropagatesErrors(t *testing.T) {
	r := NewHostReporter()
	r.cpuPercent = func(context.Context, time.Duration, bool) ([]float64, error) { return nil, errors.New("boom") }
	if _, err := r.Snapshot(context.Background()); err == nil {
		t.Fatal("expected cpu error")
	}
}
