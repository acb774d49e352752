// Package dispatch selects a free worker for a prompt, issues the search,
// and retries across the pool until a terminal outcome or the attempt budget
// runs out. The dispatcher is stateless; concurrent dispatches race cleanly
// because "free" is advisory and a losing racer just observes busy.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/prompt-dispatcher/internal/adapter/workerclient"
	"github.com/fairyhunter13/prompt-dispatcher/internal/config"
	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
	"github.com/fairyhunter13/prompt-dispatcher/internal/observability"
)

// retryDelay is the sleep between selection rounds when no worker is free.
const retryDelay = 2 * time.Second

// logEveryNBusyCycles controls how often the "all workers busy" progress
// line is emitted.
const logEveryNBusyCycles = 10

// ProgressFunc receives best-effort progress snapshots during a dispatch.
type ProgressFunc = func(p domain.Progress)

// Dispatcher coordinates worker selection and retry for a single prompt.
type Dispatcher struct {
	workers          *workerclient.Client
	mode             string
	maxAttempts      int
	initialDelay     time.Duration
	maxDelay         time.Duration
	waitForWorkerMax time.Duration
}

// New builds a Dispatcher from config. The attempt budget is the configured
// job max multiplied by ten, acting as a circuit breaker on pathological
// pools.
func New(workers *workerclient.Client, cfg config.Config) *Dispatcher {
	return &Dispatcher{
		workers:          workers,
		mode:             cfg.DispatchMode,
		maxAttempts:      cfg.MaxAttempts * 10,
		initialDelay:     cfg.InitialDelay(),
		maxDelay:         cfg.MaxDelay(),
		waitForWorkerMax: cfg.WaitForWorkerMax(),
	}
}

// Dispatch runs one search to completion. It returns domain.ErrInvalidArgument
// for a bad hint or oversized prompt, domain.ErrExhausted when the attempt
// budget or context deadline ran out, and never a partial success.
func (d *Dispatcher) Dispatch(ctx context.Context, prompt string, workerHint int, progress ProgressFunc) (domain.SearchResult, error) {
	if len([]rune(prompt)) > domain.MaxPromptLen {
		return domain.SearchResult{}, fmt.Errorf("%w: prompt exceeds %d chars", domain.ErrInvalidArgument, domain.MaxPromptLen)
	}
	if workerHint < 0 || workerHint > d.workers.Count() {
		return domain.SearchResult{}, fmt.Errorf("%w: worker hint %d out of range [1..%d]", domain.ErrInvalidArgument, workerHint, d.workers.Count())
	}
	if progress == nil {
		progress = func(domain.Progress) {}
	}

	// The hint is advisory: one attempt if healthy, then dynamic selection.
	if workerHint > 0 {
		if res, ok := d.tryHint(ctx, prompt, workerHint, progress); ok {
			return res, nil
		}
	}

	if d.mode == config.DispatchModeBackoff {
		return d.dispatchBackoff(ctx, prompt, progress)
	}
	return d.dispatchCircuit(ctx, prompt, progress)
}

func (d *Dispatcher) tryHint(ctx context.Context, prompt string, hint int, progress ProgressFunc) (domain.SearchResult, bool) {
	h := d.workers.Health(ctx, hint)
	if !h.Free() {
		slog.Info("hinted worker not free, falling back to dynamic selection",
			slog.Int("worker", hint), slog.Bool("ok", h.OK), slog.Bool("busy", h.Busy))
		return domain.SearchResult{}, false
	}
	progress(domain.Progress{Stage: "searching", WorkerID: hint})
	switch out := d.workers.Search(ctx, hint, prompt).(type) {
	case workerclient.Success:
		return out.Result, true
	case workerclient.Empty:
		return domain.SearchResult{JSON: "", RawText: out.RawText, UsedWorker: hint}, true
	case workerclient.Blocked:
		slog.Info("hinted worker blocked", slog.Int("worker", hint), slog.String("reason", out.Reason))
	case workerclient.Busy:
		slog.Info("hinted worker became busy", slog.Int("worker", hint))
	case workerclient.Transient:
		slog.Warn("hinted worker search failed", slog.Int("worker", hint), slog.Any("error", out.Err))
	}
	return domain.SearchResult{}, false
}

// dispatchCircuit is the primary mode: a bounded attempt counter with a
// tight 2 s re-probe when the whole pool is busy. Workers that just returned
// blocked or transient are avoided until every worker has failed a round.
func (d *Dispatcher) dispatchCircuit(ctx context.Context, prompt string, progress ProgressFunc) (domain.SearchResult, error) {
	busyCycles := 0
	avoid := make(map[int]bool)
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.SearchResult{}, fmt.Errorf("%w: dispatch cancelled: %v", domain.ErrExhausted, err)
		}
		idx := d.pickFreeWorker(ctx, avoid)
		if idx == 0 {
			busyCycles++
			if busyCycles%logEveryNBusyCycles == 0 {
				slog.Info("all workers busy, still waiting",
					slog.Int("cycles", busyCycles), slog.Int("attempt", attempt))
			}
			progress(domain.Progress{Stage: "waiting_for_worker"})
			if !sleepCtx(ctx, retryDelay) {
				return domain.SearchResult{}, fmt.Errorf("%w: dispatch cancelled while waiting for a free worker", domain.ErrExhausted)
			}
			continue
		}

		progress(domain.Progress{Stage: "searching", WorkerID: idx})
		observability.DispatchAttempts.WithLabelValues(fmt.Sprint(idx)).Inc()
		switch out := d.workers.Search(ctx, idx, prompt).(type) {
		case workerclient.Success:
			return out.Result, nil
		case workerclient.Empty:
			return domain.SearchResult{JSON: "", RawText: out.RawText, UsedWorker: idx}, nil
		case workerclient.Blocked:
			// Proxy rotation happens worker-side; move on to another worker.
			slog.Info("worker blocked, trying another", slog.Int("worker", idx), slog.String("reason", out.Reason))
			avoid[idx] = true
		case workerclient.Busy:
			// Lost the optimistic race for this worker.
		case workerclient.Transient:
			slog.Warn("worker search failed, trying another", slog.Int("worker", idx), slog.Any("error", out.Err))
			avoid[idx] = true
		}
		if len(avoid) >= d.workers.Count() {
			clear(avoid)
		}
	}
	return domain.SearchResult{}, fmt.Errorf("%w: no worker produced a result within %d attempts", domain.ErrExhausted, d.maxAttempts)
}

// dispatchBackoff is the alternate mode: exponential backoff between rounds
// with an overall recovery deadline instead of the tight re-probe.
func (d *Dispatcher) dispatchBackoff(ctx context.Context, prompt string, progress ProgressFunc) (domain.SearchResult, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.initialDelay
	bo.MaxInterval = d.maxDelay
	bo.MaxElapsedTime = d.waitForWorkerMax
	bo.Reset()

	avoid := make(map[int]bool)
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.SearchResult{}, fmt.Errorf("%w: dispatch cancelled: %v", domain.ErrExhausted, err)
		}
		idx := d.pickFreeWorker(ctx, avoid)
		if idx == 0 {
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return domain.SearchResult{}, fmt.Errorf("%w: no worker recovered within %s", domain.ErrExhausted, d.waitForWorkerMax)
			}
			progress(domain.Progress{Stage: "waiting_for_worker"})
			if !sleepCtx(ctx, wait) {
				return domain.SearchResult{}, fmt.Errorf("%w: dispatch cancelled while waiting for a free worker", domain.ErrExhausted)
			}
			continue
		}

		progress(domain.Progress{Stage: "searching", WorkerID: idx})
		observability.DispatchAttempts.WithLabelValues(fmt.Sprint(idx)).Inc()
		switch out := d.workers.Search(ctx, idx, prompt).(type) {
		case workerclient.Success:
			return out.Result, nil
		case workerclient.Empty:
			return domain.SearchResult{JSON: "", RawText: out.RawText, UsedWorker: idx}, nil
		case workerclient.Blocked:
			slog.Info("worker blocked, trying another", slog.Int("worker", idx), slog.String("reason", out.Reason))
			avoid[idx] = true
			bo.Reset()
		case workerclient.Busy:
			bo.Reset()
		case workerclient.Transient:
			slog.Warn("worker search failed, trying another", slog.Int("worker", idx), slog.Any("error", out.Err))
			avoid[idx] = true
		}
		if len(avoid) >= d.workers.Count() {
			clear(avoid)
		}
	}
	return domain.SearchResult{}, fmt.Errorf("%w: no worker produced a result within %d attempts", domain.ErrExhausted, d.maxAttempts)
}

// pickFreeWorker probes all workers in parallel and returns the lowest free
// index outside the avoid set, or 0 when none qualify.
func (d *Dispatcher) pickFreeWorker(ctx context.Context, avoid map[int]bool) int {
	n := d.workers.Count()
	healths := make([]domain.WorkerHealth, n)
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			healths[idx-1] = d.workers.Health(ctx, idx)
		}(i)
	}
	wg.Wait()
	for i, h := range healths {
		if h.Free() && !avoid[i+1] {
			return i + 1
		}
	}
	return 0
}

// sleepCtx sleeps for d or until the context is done; it reports whether the
// full sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
