package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
	"github.com/fairyhunter13/prompt-dispatcher/internal/observability"
)

// sweepInterval drives both delayed-retry promotion and stall detection.
// Short relative to the 5 s minimum retry delay so due jobs are not held up.
const sweepInterval = 2 * time.Second

// Sweeper promotes due delayed jobs back to waiting and recovers stalled
// reservations. One instance per process.
type Sweeper struct {
	queue *Queue
}

// NewSweeper builds a Sweeper over the queue.
func NewSweeper(q *Queue) *Sweeper { return &Sweeper{queue: q} }

// Run loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("queue sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if err := s.queue.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
		slog.Error("delayed promotion failed", slog.Any("error", err))
	}
	if err := s.queue.SweepStalled(ctx); err != nil && ctx.Err() == nil {
		slog.Error("stall sweep failed", slog.Any("error", err))
	}
	if depth, err := s.queue.WaitingDepth(ctx); err == nil {
		observability.QueueDepth.Set(float64(depth))
	}
}

// WaitingDepth returns how many jobs are currently reservable.
func (q *Queue) WaitingDepth(ctx domain.Context) (int64, error) {
	return q.store.ZCard(ctx, keyWaiting)
}

// PromoteDelayed moves every delayed job whose retry time has arrived back
// to the waiting set, preserving its original FIFO position within its
// priority level.
func (q *Queue) PromoteDelayed(ctx domain.Context) error {
	now := float64(time.Now().UnixMilli())
	ids, err := q.store.ZRangeByScore(ctx, keyDelayed, 0, now)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := q.store.ZRem(ctx, keyDelayed, id); err != nil {
			return err
		}
		rec, err := q.load(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := q.store.ZAdd(ctx, keyWaiting, waitingScore(rec.Priority, rec.Seq), id); err != nil {
			return err
		}
		slog.Info("delayed job requeued", slog.String("job_id", id), slog.Int("attempts", rec.Attempts))
	}
	return nil
}

// SweepStalled re-reserves jobs whose heartbeat is older than the stall
// interval; past maxStalledCount recoveries the job is failed outright.
func (q *Queue) SweepStalled(ctx domain.Context) error {
	cutoff := float64(time.Now().Add(-stalledInterval).UnixMilli())
	ids, err := q.store.ZRangeByScore(ctx, keyStalled, 0, cutoff)
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := q.load(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			_ = q.store.ZRem(ctx, keyStalled, id)
			_, _ = q.store.LRem(ctx, keyActive, 1, id)
			continue
		}
		if err != nil {
			return err
		}
		if rec.Terminal() {
			// Leftover heartbeat of a job that settled; never requeue it.
			_ = q.store.ZRem(ctx, keyStalled, id)
			_, _ = q.store.LRem(ctx, keyActive, 1, id)
			continue
		}
		rec.StalledCount++
		if rec.StalledCount > maxStalledCount {
			slog.Warn("job stalled too often, failing", slog.String("job_id", id), slog.Int("stalls", rec.StalledCount))
			if err := q.save(ctx, rec, 0); err != nil {
				return err
			}
			if err := q.Fail(ctx, id, "stalled"); err != nil {
				return err
			}
			continue
		}
		rec.Status = domain.JobPending
		if err := q.save(ctx, rec, 0); err != nil {
			return err
		}
		q.release(ctx, id)
		if err := q.store.ZAdd(ctx, keyWaiting, waitingScore(rec.Priority, rec.Seq), id); err != nil {
			return err
		}
		slog.Warn("stalled job re-reserved", slog.String("job_id", id), slog.Int("stalls", rec.StalledCount))
	}
	return nil
}
