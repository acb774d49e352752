package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
)

// reservePollInterval is how long an idle runner waits before re-checking
// the waiting set.
const reservePollInterval = time.Second

// Dispatcher is the slice of the dispatch package the runner pool needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, prompt string, workerHint int, progress func(domain.Progress)) (domain.SearchResult, error)
}

// Pool runs N reservation loops, one in-flight dispatch per slot. N equals
// the worker endpoint count so the process can keep every worker occupied
// without over-reserving.
type Pool struct {
	queue         *Queue
	dispatcher    Dispatcher
	size          int
	searchTimeout time.Duration
}

// NewPool builds the runner pool.
func NewPool(q *Queue, d Dispatcher, size int, searchTimeout time.Duration) *Pool {
	return &Pool{queue: q, dispatcher: d, size: size, searchTimeout: searchTimeout}
}

// Run starts the pool and blocks until the context is cancelled.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < p.size; i++ {
		go func(slot int) {
			defer func() { done <- struct{}{} }()
			p.runSlot(ctx, slot)
		}(i)
	}
	for i := 0; i < p.size; i++ {
		<-done
	}
	slog.Info("runner pool stopped")
}

func (p *Pool) runSlot(ctx context.Context, slot int) {
	lg := slog.Default().With(slog.Int("slot", slot))
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := p.queue.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			lg.Error("reserve failed", slog.Any("error", err))
			sleepCtx(ctx, reservePollInterval)
			continue
		}
		if !ok {
			sleepCtx(ctx, reservePollInterval)
			continue
		}
		p.process(ctx, lg, job)
	}
}

// process runs one dispatch attempt under the per-job deadline and settles
// the job: complete on success, retry-or-fail on anything else.
func (p *Pool) process(ctx context.Context, lg *slog.Logger, job domain.Job) {
	lg = lg.With(slog.String("job_id", job.ID))

	if res, ok := p.queue.CachedResult(ctx, job.Prompt); ok {
		lg.Info("job served from result cache")
		if err := p.queue.Complete(ctx, job.ID, res); err != nil {
			lg.Error("complete from cache failed", slog.Any("error", err))
		}
		return
	}

	// The per-job deadline bounds the whole dispatch; cancelling it
	// propagates into every in-flight worker call.
	dctx, cancel := context.WithTimeout(ctx, p.searchTimeout)
	defer cancel()

	progress := func(pr domain.Progress) {
		if err := p.queue.UpdateProgress(ctx, job.ID, pr); err != nil && !errors.Is(err, domain.ErrNotFound) {
			lg.Debug("progress update failed", slog.Any("error", err))
		}
	}

	res, err := p.dispatcher.Dispatch(dctx, job.Prompt, job.WorkerHint, progress)
	if err == nil {
		if cerr := p.queue.Complete(ctx, job.ID, res); cerr != nil {
			lg.Error("complete failed", slog.Any("error", cerr))
			return
		}
		lg.Info("job completed", slog.Int("worker", res.UsedWorker), slog.Int("attempts", job.Attempts+1))
		return
	}

	if errors.Is(err, domain.ErrInvalidArgument) {
		// Nothing a retry can fix; fail terminally.
		if ferr := p.queue.Fail(ctx, job.ID, err.Error()); ferr != nil {
			lg.Error("fail failed", slog.Any("error", ferr))
		}
		return
	}

	if dctx.Err() != nil {
		err = errors.Join(err, dctx.Err())
	}
	lg.Warn("dispatch did not complete, spending an attempt", slog.Any("error", err))
	if rerr := p.queue.RetryOrFail(ctx, job.ID, err); rerr != nil && !errors.Is(rerr, domain.ErrNotFound) {
		lg.Error("retry scheduling failed", slog.Any("error", rerr))
	}
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
