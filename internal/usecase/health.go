package usecase

import (
	"sync"

	"github.com/fairyhunter13/prompt-dispatcher/internal/adapter/redisstore"
	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
)

// HealthService probes the persistence adapter and every worker in parallel
// and aggregates the result.
type HealthService struct {
	Store   *redisstore.Store
	Workers domain.WorkerPool
}

// NewHealthService constructs a HealthService.
func NewHealthService(s *redisstore.Store, w domain.WorkerPool) HealthService {
	return HealthService{Store: s, Workers: w}
}

// RedisHealth is the persistence slice of the report.
type RedisHealth struct {
	Status      string `json:"status"`
	RoundTripMS int64  `json:"roundTripMs,omitempty"`
	Error       string `json:"error,omitempty"`
}

// WorkersHealth aggregates the pool.
type WorkersHealth struct {
	Total   int                   `json:"total"`
	Healthy int                   `json:"healthy"`
	Busy    int                   `json:"busy"`
	Status  string                `json:"status"`
	Details []domain.WorkerHealth `json:"details"`
}

// Report is the full health view returned by GET /health.
type Report struct {
	App     string        `json:"app"`
	Redis   RedisHealth   `json:"redis"`
	Workers WorkersHealth `json:"workers"`
}

// Check runs all probes. It never returns an error: reaching the aggregator
// means the app is up, and component failures are reported in place.
func (s HealthService) Check(ctx domain.Context) Report {
	rep := Report{App: "ok"}

	if rtt, err := s.Store.Ping(ctx); err != nil {
		rep.Redis = RedisHealth{Status: "fail", Error: err.Error()}
	} else {
		rep.Redis = RedisHealth{Status: "ok", RoundTripMS: rtt.Milliseconds()}
	}

	n := s.Workers.Count()
	details := make([]domain.WorkerHealth, n)
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			details[idx-1] = s.Workers.Health(ctx, idx)
		}(i)
	}
	wg.Wait()

	w := WorkersHealth{Total: n, Details: details}
	for _, h := range details {
		if h.OK {
			w.Healthy++
		}
		if h.Busy {
			w.Busy++
		}
	}
	switch {
	case w.Healthy == n:
		w.Status = "ok"
	case w.Healthy > 0:
		w.Status = "degraded"
	default:
		w.Status = "fail"
	}
	rep.Workers = w
	return rep
}
