// Package queue implements the durable job lifecycle on top of the Redis
// persistence adapter: enqueue, reservation, completion, scheduled retries
// with exponential backoff, stall recovery, TTL-based removal, and listing.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fairyhunter13/prompt-dispatcher/internal/adapter/redisstore"
	"github.com/fairyhunter13/prompt-dispatcher/internal/config"
	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
	"github.com/fairyhunter13/prompt-dispatcher/internal/observability"
)

// Persistence key layout. waiting is a sorted set so one key can deliver
// "higher priority first, FIFO within priority" for arbitrary priorities.
const (
	keySeq      = "job:seq"
	keyWaiting  = "waiting"
	keyActive   = "active"
	keyDelayed  = "delayed"
	keyStalled  = "stalled"
	keyJobIndex = "jobs:index"
)

// Stall policy constants, not tunables.
const (
	stalledInterval = 30 * time.Second
	maxStalledCount = 10
)

// retryBackoffBase seeds the per-attempt retry delay: base * 2^(attempts-1),
// clamped to the configured max delay.
const retryBackoffBase = 5 * time.Second

func jobKey(id string) string { return "job:" + id }

func cacheKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return "cache:prompt:" + hex.EncodeToString(sum[:])
}

// record is the persisted job plus queue-internal bookkeeping. Seq preserves
// FIFO order across delayed requeues.
type record struct {
	domain.Job
	Seq int64 `json:"seq"`
}

// Queue owns all job state; every mutation goes through the store.
type Queue struct {
	store        *redisstore.Store
	resultTTL    time.Duration
	cacheTTL     time.Duration
	cacheEnabled bool
	maxAttempts  int
	maxDelay     time.Duration
}

// New builds a Queue from config.
func New(store *redisstore.Store, cfg config.Config) *Queue {
	return &Queue{
		store:        store,
		resultTTL:    cfg.JobResultsTTL(),
		cacheTTL:     cfg.CacheTTL(),
		cacheEnabled: cfg.SearchCacheEnabled,
		maxAttempts:  cfg.MaxAttempts,
		maxDelay:     cfg.MaxDelay(),
	}
}

// waitingScore packs priority and insertion order into one sortable score:
// higher priority sorts lower (popped first), equal priority keeps FIFO.
func waitingScore(priority int, seq int64) float64 {
	return float64(-priority)*1e12 + float64(seq)
}

// Enqueue persists a new pending job and makes it reservable.
func (q *Queue) Enqueue(ctx domain.Context, prompt string, workerHint, priority int, opts domain.EnqueueOpts) (domain.Job, error) {
	seq, err := q.store.Incr(ctx, keySeq)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.Enqueue seq: %w", err)
	}
	rec := record{
		Job: domain.Job{
			ID:          strconv.FormatInt(seq, 10),
			Prompt:      prompt,
			WorkerHint:  workerHint,
			Priority:    priority,
			BatchID:     opts.BatchID,
			BatchIndex:  opts.BatchIndex,
			BatchTotal:  opts.BatchTotal,
			Status:      domain.JobPending,
			MaxAttempts: q.maxAttempts,
			CreatedAt:   time.Now().UTC(),
		},
		Seq: seq,
	}
	if err := q.save(ctx, rec, 0); err != nil {
		return domain.Job{}, err
	}
	if err := q.store.RPush(ctx, keyJobIndex, rec.ID); err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.Enqueue index: %w", err)
	}
	if err := q.store.ZAdd(ctx, keyWaiting, waitingScore(priority, seq), rec.ID); err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.Enqueue waiting: %w", err)
	}
	kind := "single"
	if opts.BatchID != "" {
		kind = "bulk"
	}
	observability.JobsEnqueuedTotal.WithLabelValues(kind).Inc()
	return rec.Job, nil
}

// Get returns the job record, or domain.ErrNotFound after TTL eviction.
func (q *Queue) Get(ctx domain.Context, id string) (domain.Job, error) {
	rec, err := q.load(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	return rec.Job, nil
}

// Reserve pops the highest-priority waiting job, marks it processing, and
// starts its stall heartbeat. ok is false when the queue is empty.
func (q *Queue) Reserve(ctx domain.Context) (domain.Job, bool, error) {
	for {
		id, err := q.store.ZPopMin(ctx, keyWaiting)
		if errors.Is(err, redisstore.ErrNil) {
			return domain.Job{}, false, nil
		}
		if err != nil {
			return domain.Job{}, false, fmt.Errorf("op=queue.Reserve pop: %w", err)
		}
		rec, err := q.load(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			// Record TTL-evicted while waiting; drop the dangling id.
			continue
		}
		if err != nil {
			return domain.Job{}, false, err
		}
		if rec.Terminal() {
			// Settled while waiting (aborted batch child, late requeue).
			continue
		}
		rec.Status = domain.JobProcessing
		if err := q.save(ctx, rec, 0); err != nil {
			return domain.Job{}, false, err
		}
		if err := q.store.RPush(ctx, keyActive, id); err != nil {
			return domain.Job{}, false, fmt.Errorf("op=queue.Reserve active: %w", err)
		}
		if err := q.Heartbeat(ctx, id); err != nil {
			return domain.Job{}, false, err
		}
		observability.JobsProcessing.Inc()
		return rec.Job, true, nil
	}
}

// Heartbeat refreshes the reservation timestamp so the sweeper does not
// treat the job as stalled.
func (q *Queue) Heartbeat(ctx domain.Context, id string) error {
	return q.store.ZAdd(ctx, keyStalled, float64(time.Now().UnixMilli()), id)
}

// UpdateProgress stores a best-effort progress snapshot (last write wins)
// and refreshes the stall heartbeat. Writes against a settled job are dropped
// so a late snapshot cannot strip the result TTL or revive the heartbeat.
func (q *Queue) UpdateProgress(ctx domain.Context, id string, p domain.Progress) error {
	rec, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		return nil
	}
	rec.Progress = &p
	if err := q.save(ctx, rec, 0); err != nil {
		return err
	}
	return q.Heartbeat(ctx, id)
}

// Complete moves the job to its terminal completed state and schedules
// removal after the result TTL. Terminal states are absorbing: a late settle
// after stall recovery has already handed the job to another runner is a
// no-op.
func (q *Queue) Complete(ctx domain.Context, id string, res domain.SearchResult) error {
	rec, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	rec.Status = domain.JobCompleted
	rec.Result = &res
	rec.FailureReason = ""
	rec.FinishedAt = &now
	if err := q.save(ctx, rec, q.resultTTL); err != nil {
		return err
	}
	q.release(ctx, id)
	observability.JobsCompletedTotal.Inc()
	if q.cacheEnabled {
		if b, err := json.Marshal(res); err == nil {
			_ = q.store.Set(ctx, cacheKey(rec.Prompt), string(b), q.cacheTTL)
		}
	}
	return nil
}

// Fail moves the job to its terminal failed state with a human-readable
// reason and schedules removal after the result TTL.
func (q *Queue) Fail(ctx domain.Context, id, reason string) error {
	rec, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	rec.Status = domain.JobFailed
	rec.Result = nil
	rec.FailureReason = reason
	rec.FinishedAt = &now
	if err := q.save(ctx, rec, q.resultTTL); err != nil {
		return err
	}
	q.release(ctx, id)
	observability.JobsFailedTotal.Inc()
	return nil
}

// RetryOrFail spends one attempt after a dispatch failure. Either the job is
// requeued with exponential backoff or, with attempts exhausted, failed with
// the given cause.
func (q *Queue) RetryOrFail(ctx domain.Context, id string, cause error) error {
	rec, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		return nil
	}
	rec.Attempts++
	if rec.Attempts >= rec.MaxAttempts {
		return q.Fail(ctx, id, cause.Error())
	}
	rec.Status = domain.JobPending
	if err := q.save(ctx, rec, 0); err != nil {
		return err
	}
	q.release(ctx, id)
	due := time.Now().Add(retryDelay(rec.Attempts, q.maxDelay))
	if err := q.store.ZAdd(ctx, keyDelayed, float64(due.UnixMilli()), id); err != nil {
		return fmt.Errorf("op=queue.RetryOrFail delayed: %w", err)
	}
	return nil
}

// retryDelay computes base * 2^(attempts-1), clamped to max.
func retryDelay(attempts int, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := retryBackoffBase << (attempts - 1)
	if d > max {
		return max
	}
	return d
}

// CachedResult returns a previously stored result for the prompt when the
// cache is enabled.
func (q *Queue) CachedResult(ctx domain.Context, prompt string) (domain.SearchResult, bool) {
	if !q.cacheEnabled {
		return domain.SearchResult{}, false
	}
	v, err := q.store.Get(ctx, cacheKey(prompt))
	if err != nil {
		return domain.SearchResult{}, false
	}
	var res domain.SearchResult
	if err := json.Unmarshal([]byte(v), &res); err != nil {
		return domain.SearchResult{}, false
	}
	return res, true
}

// release drops the reservation bookkeeping for a job leaving processing.
// The gauge follows the active list: a settle whose reservation the sweeper
// already reclaimed must not decrement a second time.
func (q *Queue) release(ctx domain.Context, id string) {
	n, err := q.store.LRem(ctx, keyActive, 1, id)
	_ = q.store.ZRem(ctx, keyStalled, id)
	_ = q.store.ZRem(ctx, keyWaiting, id)
	_ = q.store.ZRem(ctx, keyDelayed, id)
	if err == nil && n > 0 {
		observability.JobsProcessing.Dec()
	}
}

func (q *Queue) load(ctx domain.Context, id string) (record, error) {
	v, err := q.store.Get(ctx, jobKey(id))
	if errors.Is(err, redisstore.ErrNil) {
		return record{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return record{}, fmt.Errorf("op=queue.load: %w", err)
	}
	var rec record
	if err := json.Unmarshal([]byte(v), &rec); err != nil {
		return record{}, fmt.Errorf("op=queue.load unmarshal: %w", err)
	}
	return rec, nil
}

func (q *Queue) save(ctx domain.Context, rec record, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=queue.save marshal: %w", err)
	}
	if err := q.store.Set(ctx, jobKey(rec.ID), string(b), ttl); err != nil {
		return fmt.Errorf("op=queue.save: %w", err)
	}
	return nil
}
