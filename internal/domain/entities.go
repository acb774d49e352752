// Package domain holds the core entities, sentinel errors, and ports of the
// prompt dispatch service. Adapters and usecases depend on this package;
// nothing here depends on adapters.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrExhausted       = errors.New("exhausted")
	ErrUpstream        = errors.New("upstream error")
	ErrInternal        = errors.New("internal error")
)

// MaxPromptLen bounds the accepted prompt length in characters.
const MaxPromptLen = 10000

// MaxBulkPrompts bounds the number of prompts in one bulk admission call.
const MaxBulkPrompts = 100

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// SearchResult is the terminal payload of a completed job. Empty results
// carry an empty JSON string and whatever raw text the worker extracted.
type SearchResult struct {
	JSON       string `json:"json"`
	RawText    string `json:"raw_text,omitempty"`
	UsedWorker int    `json:"usedWorker"`
}

// Progress is a best-effort snapshot published by the dispatcher while a job
// is in flight. Readers must tolerate absence.
type Progress struct {
	Stage    string `json:"stage"`
	WorkerID int    `json:"workerId,omitempty"`
}

// Job is one unit of work derived from one prompt.
//
// Invariants: Result is non-nil iff Status == JobCompleted; FailureReason is
// non-empty iff Status == JobFailed; Attempts <= MaxAttempts+1. Status moves
// monotonically except processing -> pending on retry or stall recovery.
type Job struct {
	ID            string        `json:"id"`
	Prompt        string        `json:"prompt"`
	WorkerHint    int           `json:"workerHint,omitempty"` // 1-based, 0 = no hint
	Priority      int           `json:"priority,omitempty"`
	BatchID       string        `json:"batchId,omitempty"`
	BatchIndex    int           `json:"batchIndex,omitempty"`
	BatchTotal    int           `json:"batchTotal,omitempty"`
	Status        JobStatus     `json:"status"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"maxAttempts"`
	StalledCount  int           `json:"stalledCount,omitempty"`
	Result        *SearchResult `json:"result,omitempty"`
	FailureReason string        `json:"failureReason,omitempty"`
	Progress      *Progress     `json:"progress,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	FinishedAt    *time.Time    `json:"finishedAt,omitempty"`
}

// Terminal reports whether the job reached an absorbing state.
func (j Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// BatchStatus is the aggregate view over one batch. Counts may sum to less
// than Total when child records have been TTL-evicted.
type BatchStatus struct {
	BatchID    string
	Total      int
	Completed  int
	Processing int
	Pending    int
	Failed     int
	Jobs       []Job
}

// WorkerHealth is the transient health view of one worker endpoint. It is
// never persisted.
type WorkerHealth struct {
	OK      bool   `json:"ok"`
	Busy    bool   `json:"busy"`
	Ready   *bool  `json:"ready,omitempty"`
	Browser string `json:"browser,omitempty"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Free reports whether the worker can accept a search right now. A missing
// ready flag is treated as ready (older workers omit it).
func (h WorkerHealth) Free() bool {
	return h.OK && !h.Busy && (h.Ready == nil || *h.Ready)
}

// Context is an alias so usecases can keep signatures short; adapters pass
// context.Context straight through.
type Context = context.Context
