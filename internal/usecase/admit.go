// Package usecase contains the application services: admission with
// idempotency, the batch coordinator, and the health aggregator.
package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/prompt-dispatcher/internal/adapter/redisstore"
	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
)

func idemKeySingle(key string) string { return "idempotency:" + key }
func idemKeyBulk(key string) string   { return "idempotency:bulk:" + key }
func batchJobsKey(id string) string   { return "batch:" + id + ":jobs" }

// AdmitService turns client prompts into durable jobs, consulting the
// idempotency cache first. Idempotency is best-effort beyond a single node:
// two concurrent first uses of one key may both create jobs, and that is
// accepted (at-least-once).
type AdmitService struct {
	Queue domain.JobQueue
	Store *redisstore.Store
	TTL   time.Duration
}

// NewAdmitService constructs an AdmitService.
func NewAdmitService(q domain.JobQueue, s *redisstore.Store, ttl time.Duration) AdmitService {
	return AdmitService{Queue: q, Store: s, TTL: ttl}
}

// BulkResult is what one bulk admission returns.
type BulkResult struct {
	BatchID string   `json:"batchId"`
	JobIDs  []string `json:"jobIds"`
}

// EnqueueSingle admits one prompt and returns its job ID. With an
// idempotency key, a repeat call inside the TTL window returns the stored
// ID without creating new state.
func (s AdmitService) EnqueueSingle(ctx domain.Context, prompt string, workerHint, priority int, idemKey string) (string, error) {
	if err := validatePrompt(prompt); err != nil {
		return "", err
	}
	if idemKey != "" {
		if v, err := s.Store.Get(ctx, idemKeySingle(idemKey)); err == nil {
			return v, nil
		}
	}
	job, err := s.Queue.Enqueue(ctx, prompt, workerHint, priority, domain.EnqueueOpts{})
	if err != nil {
		return "", err
	}
	if idemKey != "" {
		// Recorded only after the job exists; SETNX keeps the first winner.
		if _, err := s.Store.SetNX(ctx, idemKeySingle(idemKey), job.ID, s.TTL); err != nil {
			slog.Warn("idempotency record failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	return job.ID, nil
}

// EnqueueBulk admits up to MaxBulkPrompts prompts as one batch. Children
// carry their batch linkage so batch status can re-order them later.
func (s AdmitService) EnqueueBulk(ctx domain.Context, prompts []string, workerHint, priority int, idemKey string) (BulkResult, error) {
	if len(prompts) == 0 || len(prompts) > domain.MaxBulkPrompts {
		return BulkResult{}, fmt.Errorf("%w: prompts must number 1..%d", domain.ErrInvalidArgument, domain.MaxBulkPrompts)
	}
	for i, p := range prompts {
		if err := validatePrompt(p); err != nil {
			return BulkResult{}, fmt.Errorf("prompt %d: %w", i, err)
		}
	}
	if idemKey != "" {
		if v, err := s.Store.Get(ctx, idemKeyBulk(idemKey)); err == nil {
			var cached BulkResult
			if err := json.Unmarshal([]byte(v), &cached); err == nil {
				return cached, nil
			}
		}
	}

	// Membership is recorded child by child so a mid-loop failure never
	// leaves dispatchable jobs pointing at a batch that resolves to 404.
	batchID := newBatchID()
	key := batchJobsKey(batchID)
	ids := make([]string, 0, len(prompts))
	for i, p := range prompts {
		job, err := s.Queue.Enqueue(ctx, p, workerHint, priority, domain.EnqueueOpts{
			BatchID:    batchID,
			BatchIndex: i,
			BatchTotal: len(prompts),
		})
		if err != nil {
			s.abortBatch(ctx, key, ids)
			return BulkResult{}, fmt.Errorf("enqueue batch member %d: %w", i, err)
		}
		ids = append(ids, job.ID)
		if err := s.Store.SAdd(ctx, key, job.ID); err != nil {
			s.abortBatch(ctx, key, ids)
			return BulkResult{}, fmt.Errorf("op=admit.EnqueueBulk batch set: %w", err)
		}
	}
	if err := s.Store.Expire(ctx, key, s.TTL); err != nil {
		return BulkResult{}, fmt.Errorf("op=admit.EnqueueBulk batch ttl: %w", err)
	}

	res := BulkResult{BatchID: batchID, JobIDs: ids}
	if idemKey != "" {
		b, _ := json.Marshal(res)
		if _, err := s.Store.SetNX(ctx, idemKeyBulk(idemKey), string(b), s.TTL); err != nil {
			slog.Warn("bulk idempotency record failed", slog.String("batch_id", batchID), slog.Any("error", err))
		}
	}
	return res, nil
}

// abortBatch settles the already-admitted children of a bulk call that could
// not finish admission. Best effort: the children fail with an explicit
// reason instead of dispatching as orphans, and the set expires normally.
func (s AdmitService) abortBatch(ctx domain.Context, key string, ids []string) {
	for _, id := range ids {
		if err := s.Queue.Fail(ctx, id, "batch admission aborted"); err != nil {
			slog.Warn("batch abort could not settle child", slog.String("job_id", id), slog.Any("error", err))
		}
	}
	if len(ids) > 0 {
		_ = s.Store.Expire(ctx, key, s.TTL)
	}
}

func validatePrompt(prompt string) error {
	if prompt == "" {
		return fmt.Errorf("%w: prompt must not be empty", domain.ErrInvalidArgument)
	}
	if n := len([]rune(prompt)); n > domain.MaxPromptLen {
		return fmt.Errorf("%w: prompt length %d exceeds %d", domain.ErrInvalidArgument, n, domain.MaxPromptLen)
	}
	return nil
}

func newBatchID() string {
	return fmt.Sprintf("batch_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// batchMembers loads the child job IDs of a batch, mapping absence to
// domain.ErrNotFound.
func batchMembers(ctx domain.Context, store *redisstore.Store, batchID string) ([]string, error) {
	ids, err := store.SMembers(ctx, batchJobsKey(batchID))
	if err != nil && !errors.Is(err, redisstore.ErrNil) {
		return nil, fmt.Errorf("op=batchMembers: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
	}
	return ids, nil
}
