package usecase

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
	"github.com/fairyhunter13/prompt-dispatcher/internal/observability"
)

// PoolMonitor polls every worker on a fixed interval, exports per-worker
// health gauges, and logs pool-state transitions.
type PoolMonitor struct {
	workers  domain.WorkerPool
	interval time.Duration

	lastHealthy int
	started     bool
}

// NewPoolMonitor constructs a PoolMonitor.
func NewPoolMonitor(w domain.WorkerPool, interval time.Duration) *PoolMonitor {
	return &PoolMonitor{workers: w, interval: interval}
}

// Run loops until the context is cancelled.
func (m *PoolMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("pool monitor stopping")
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *PoolMonitor) pollOnce(ctx context.Context) {
	n := m.workers.Count()
	healths := make([]domain.WorkerHealth, n)
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			healths[idx-1] = m.workers.Health(ctx, idx)
		}(i)
	}
	wg.Wait()

	healthy := 0
	for i, h := range healths {
		v := 0.0
		if h.OK {
			healthy++
			v = 1.0
		}
		observability.WorkerHealthy.WithLabelValues(strconv.Itoa(i + 1)).Set(v)
	}

	if m.started && healthy != m.lastHealthy {
		lvl := slog.LevelInfo
		if healthy == 0 {
			lvl = slog.LevelError
		} else if healthy < n {
			lvl = slog.LevelWarn
		}
		slog.Default().LogAttrs(ctx, lvl, "worker pool state changed",
			slog.Int("healthy", healthy),
			slog.Int("was", m.lastHealthy),
			slog.Int("total", n))
	}
	m.lastHealthy = healthy
	m.started = true
}
