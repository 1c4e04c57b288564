package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/foxseedlab/teno/internal/health"
	"github.com/gin-gonic/gin"
)

const (
	readHeaderTimeout = 5 * time.Second
	snapshotTimeout   = 2 * time.Second
)

type Server struct {
	reporter       health.Reporter
	activeMeetings func() int
	httpServer     *http.Server
}

func NewServer(addr string, reporter health.Reporter, activeMeetings func() int) *Server {
	s := &Server{reporter: reporter, activeMeetings: activeMeetings}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", s.handleHealthz)
	return r
}

type healthzResponse struct {
	Status            string  `json:"status"`
	ActiveMeetings    int     `json:"active_meetings"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	Goroutines        int     `json:"goroutines"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
	Error             string  `json:"error,omitempty"`
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), snapshotTimeout)
	defer cancel()

	resp := healthzResponse{Status: "ok"}
	if s.activeMeetings != nil {
		resp.ActiveMeetings = s.activeMeetings()
	}
	snap, err := s.reporter.Snapshot(ctx)
	if err != nil {
		// Host metrics are advisory; the process itself is still serving.
		resp.Status = "degraded"
		resp.Error = err.Error()
	}
	resp.CPUPercent = snap.CPUPercent
	resp.MemoryUsedPercent = snap.MemoryUsedPercent
	resp.Goroutines = snap.Goroutines
	resp.UptimeSeconds = int64(snap.Uptime.Seconds())
	c.JSON(http.StatusOK, resp)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("health server listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readHeaderTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
