package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/prompt-dispatcher/internal/config"
	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
	"github.com/fairyhunter13/prompt-dispatcher/internal/usecase"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	maxRequestBody = 1 << 20
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg     config.Config
	Admit   usecase.AdmitService
	Batches usecase.BatchService
	Health  usecase.HealthService
	Jobs    domain.JobQueue
	Workers domain.WorkerPool
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, admit usecase.AdmitService, batches usecase.BatchService, health usecase.HealthService, jobs domain.JobQueue, workers domain.WorkerPool) *Server {
	return &Server{Cfg: cfg, Admit: admit, Batches: batches, Health: health, Jobs: jobs, Workers: workers}
}

type promptRequest struct {
	Prompt   string `json:"prompt" validate:"required,max=10000"`
	Priority int    `json:"priority"`
}

type bulkPrompt struct {
	Prompt string `json:"prompt" validate:"required,max=10000"`
}

type bulkRequest struct {
	Prompts  []bulkPrompt `json:"prompts" validate:"required,min=1,max=100,dive"`
	Priority int          `json:"priority"`
}

type progressView struct {
	Stage    string `json:"stage"`
	WorkerID int    `json:"workerId,omitempty"`
}

type resultView struct {
	JSON       string `json:"json"`
	RawText    string `json:"raw_text"`
	UsedWorker int    `json:"usedWorker"`
}

type jobView struct {
	JobID       string        `json:"jobId"`
	Status      string        `json:"status"`
	Progress    *progressView `json:"progress,omitempty"`
	Result      *resultView   `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

func toJobView(j domain.Job) jobView {
	v := jobView{
		JobID:       j.ID,
		Status:      string(j.Status),
		Error:       j.FailureReason,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.FinishedAt,
	}
	if j.Progress != nil && !j.Terminal() {
		v.Progress = &progressView{Stage: j.Progress.Stage, WorkerID: j.Progress.WorkerID}
	}
	if j.Result != nil {
		v.Result = &resultView{JSON: j.Result.JSON, RawText: j.Result.RawText, UsedWorker: j.Result.UsedWorker}
	}
	return v
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

// CreatePromptHandler accepts one prompt and returns 202 with the job id.
func (s *Server) CreatePromptHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req promptRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if errs := validateStruct(req); errs != nil {
			writeAPIError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "request validation failed", errs)
			return
		}
		hint, err := parseWorkerHint(r, s.Workers.Count())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		jobID, err := s.Admit.EnqueueSingle(r.Context(), req.Prompt, hint, req.Priority, r.Header.Get("Idempotency-Key"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("prompt accepted", "job_id", jobID)
		writeData(w, r, http.StatusAccepted, map[string]string{"jobId": jobID})
	}
}

// CreateBulkHandler accepts up to 100 prompts as one batch.
func (s *Server) CreateBulkHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bulkRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if errs := validateStruct(req); errs != nil {
			writeAPIError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "request validation failed", errs)
			return
		}
		hint, err := parseWorkerHint(r, s.Workers.Count())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		prompts := make([]string, len(req.Prompts))
		for i, p := range req.Prompts {
			prompts[i] = p.Prompt
		}
		res, err := s.Admit.EnqueueBulk(r.Context(), prompts, hint, req.Priority, r.Header.Get("Idempotency-Key"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("bulk accepted", "batch_id", res.BatchID, "count", len(res.JobIDs))
		writeData(w, r, http.StatusAccepted, map[string]any{
			"batchId": res.BatchID,
			"jobIds":  res.JobIDs,
			"count":   len(res.JobIDs),
		})
	}
}

// GetJobHandler returns one job's current view.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := validateJobID(id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, r, http.StatusOK, toJobView(job))
	}
}

// ListJobsHandler returns a page of jobs, newest first.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := parseStatusFilter(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		limit, err := parseLimit(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		page, err := s.Jobs.List(r.Context(), status, limit, r.URL.Query().Get("pageToken"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]jobView, len(page.Items))
		for i, j := range page.Items {
			items[i] = toJobView(j)
		}
		pagination := map[string]any{
			"totalItems":   page.TotalItems,
			"itemsPerPage": limit,
		}
		if page.NextPageToken != "" {
			pagination["nextPageToken"] = page.NextPageToken
		}
		writeData(w, r, http.StatusOK, map[string]any{
			"items":      items,
			"pagination": pagination,
		})
	}
}

// GetBatchHandler returns aggregate batch progress with children ordered by
// their position in the original bulk request.
func (s *Server) GetBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.Batches.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		jobs := make([]jobView, len(st.Jobs))
		for i, j := range st.Jobs {
			jobs[i] = toJobView(j)
		}
		writeData(w, r, http.StatusOK, map[string]any{
			"batchId":    st.BatchID,
			"total":      st.Total,
			"completed":  st.Completed,
			"processing": st.Processing,
			"pending":    st.Pending,
			"failed":     st.Failed,
			"jobs":       jobs,
		})
	}
}

// HealthHandler reports the aggregate health view. It always answers 200;
// component failures show up inside the body.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.Cfg.WorkerHealthTimeout())
		defer cancel()
		writeData(w, r, http.StatusOK, s.Health.Check(ctx))
	}
}

// WorkerActionHandler runs a maintenance action against one worker.
func (s *Server) WorkerActionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx, err := parseWorkerIndex(r, s.Workers.Count())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		action := chi.URLParam(r, "action")
		switch action {
		case "warmup":
			err = s.Workers.WarmupSearchTab(r.Context(), idx)
		case "restart":
			err = s.Workers.RestartBrowser(r.Context(), idx)
		case "refresh":
			err = s.Workers.RefreshSession(r.Context(), idx)
		default:
			writeError(w, r, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidArgument, action), nil)
			return
		}
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("worker maintenance action done", "worker", idx, "action", action)
		writeData(w, r, http.StatusOK, map[string]any{"worker": idx, "action": action, "status": "ok"})
	}
}

func parseWorkerIndex(r *http.Request, poolSize int) (int, error) {
	raw := chi.URLParam(r, "index")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > poolSize {
		return 0, fmt.Errorf("%w: worker index must be in [1..%d]", domain.ErrInvalidArgument, poolSize)
	}
	return n, nil
}
