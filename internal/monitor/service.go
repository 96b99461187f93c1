package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

const snapshotCacheTTL = 2 * time.Second

// Snapshot is the process health reported by /healthz.
type Snapshot struct {
	PID           int32     `json:"pid"`
	Platform      string    `json:"platform"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Goroutines    int       `json:"goroutines"`
	RSSBytes      uint64    `json:"rss_bytes"`
	CPUPercent    float64   `json:"cpu_percent"`
	HostCPU       float64   `json:"host_cpu_percent"`
	CPUCores      int       `json:"cpu_cores"`
	LoadAverage   []float64 `json:"load_average,omitempty"`
	TimestampMs   int64     `json:"timestamp_ms"`
}

// Service samples the current process. Samples are cached briefly so health probes stay cheap.
type Service struct {
	log     *slog.Logger
	started time.Time
	now     func() time.Time

	mu      sync.Mutex
	hasSnap bool
	snapAt  time.Time
	snap    Snapshot
	proc    *process.Process
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log, started: time.Now(), now: time.Now}
}

func (s *Service) Snapshot(ctx context.Context) Snapshot {
	now := s.now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.snapAt) < snapshotCacheTTL {
		out := s.snap
		s.mu.Unlock()
		// Uptime and goroutines are free to read; keep them current.
		out.UptimeSeconds = int64(now.Sub(s.started).Seconds())
		out.Goroutines = runtime.NumGoroutine()
		return out
	}
	s.mu.Unlock()

	snap := s.collect(ctx, now)

	s.mu.Lock()
	s.snap = snap
	s.snapAt = now
	s.hasSnap = true
	s.mu.Unlock()
	return snap
}

func (s *Service) collect(ctx context.Context, now time.Time) Snapshot {
	snap := Snapshot{
		PID:           int32(os.Getpid()),
		Platform:      runtime.GOOS,
		UptimeSeconds: int64(now.Sub(s.started).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		TimestampMs:   now.UnixMilli(),
	}

	if p, err := s.self(ctx); err == nil {
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			snap.RSSBytes = mem.RSS
		} else if err != nil {
			s.log.Debug("health: read rss failed", "error", err)
		}
		if pct, err := p.PercentWithContext(ctx, 0); err == nil {
			snap.CPUPercent = pct
		}
	} else {
		s.log.Warn("health: open self process failed", "error", err)
	}

	if usage, err := readHostCPU(ctx); err == nil {
		snap.HostCPU = usage
	} else {
		s.log.Debug("health: read host cpu failed", "error", err)
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return snap
}

func (s *Service) self(ctx context.Context) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return s.proc, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	s.proc = p
	return p, nil
}

// readHostCPU prefers the non-blocking diff against the previous call and falls back to a short
// blocking sample when there is no previous call yet.
func readHostCPU(ctx context.Context) (float64, error) {
	var errs []error
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, fmt.Errorf("cpu percent unavailable")
}
