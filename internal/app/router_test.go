package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/prompt-dispatcher/internal/adapter/httpserver"
	"github.com/fairyhunter13/prompt-dispatcher/internal/adapter/redisstore"
	"github.com/fairyhunter13/prompt-dispatcher/internal/app"
	"github.com/fairyhunter13/prompt-dispatcher/internal/config"
	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
	"github.com/fairyhunter13/prompt-dispatcher/internal/queue"
	"github.com/fairyhunter13/prompt-dispatcher/internal/usecase"
)

const reqID = "11111111-1111-1111-1111-111111111111"

type fakePool struct {
	n       int
	actions []string
}

func (p *fakePool) Count() int { return p.n }
func (p *fakePool) Health(domain.Context, int) domain.WorkerHealth {
	return domain.WorkerHealth{OK: true}
}
func (p *fakePool) WarmupSearchTab(_ domain.Context, i int) error {
	p.actions = append(p.actions, fmt.Sprintf("warmup:%d", i))
	return nil
}
func (p *fakePool) RestartBrowser(_ domain.Context, i int) error {
	p.actions = append(p.actions, fmt.Sprintf("restart:%d", i))
	return nil
}
func (p *fakePool) RefreshSession(_ domain.Context, i int) error {
	p.actions = append(p.actions, fmt.Sprintf("refresh:%d", i))
	return nil
}

func newAPI(t *testing.T) (http.Handler, *queue.Queue, *fakePool) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := redisstore.NewFromClient(client)

	cfg := config.Config{
		AppEnv:           "dev",
		Port:             4001,
		WorkerBaseURLs:   []string{"http://w1", "http://w2", "http://w3"},
		JobResultsTTLSec: 3600,
		CacheTTLSec:      3600,
		WorkerHealthMS:   1000,
		MaxAttempts:      3,
		MaxDelayMS:       30000,
		RateLimitPerMin:  10000,
		CORSAllowOrigins: "*",
		HTTPWriteTimeout: 10 * time.Second,
	}
	q := queue.New(store, cfg)
	pool := &fakePool{n: 3}
	srv := httpserver.NewServer(cfg,
		usecase.NewAdmitService(q, store, time.Hour),
		usecase.NewBatchService(q, store),
		usecase.NewHealthService(store, pool),
		q, pool)
	return app.BuildRouter(cfg, srv), q, pool
}

func do(t *testing.T, h http.Handler, method, path, body string, withReqID bool) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if withReqID {
		req.Header.Set("X-Request-Id", reqID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var parsed map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &parsed)
	}
	return rec, parsed
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func data(body map[string]any) map[string]any {
	d, _ := body["data"].(map[string]any)
	return d
}

func TestMissingRequestIDIsRejected(t *testing.T) {
	h, _, _ := newAPI(t)
	rec, body := do(t, h, http.MethodPost, app.BasePath+"/prompts", `{"prompt":"hi"}`, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(body))
}

func TestCreatePromptAcceptsAndIsQueryable(t *testing.T) {
	h, _, _ := newAPI(t)

	rec, body := do(t, h, http.MethodPost, app.BasePath+"/prompts", `{"prompt":"hi"}`, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "1", data(body)["jobId"])

	m, _ := body["meta"].(map[string]any)
	assert.Equal(t, reqID, m["requestId"])
	assert.Equal(t, reqID, rec.Header().Get("X-Request-Id"))

	rec, body = do(t, h, http.MethodGet, app.BasePath+"/jobs/1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", data(body)["jobId"])
	assert.Equal(t, "pending", data(body)["status"])
}

func TestGetJobUnknownIs404(t *testing.T) {
	h, _, _ := newAPI(t)
	rec, body := do(t, h, http.MethodGet, app.BasePath+"/jobs/999", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestPromptLengthBoundary(t *testing.T) {
	h, _, _ := newAPI(t)

	atLimit := strings.Repeat("x", domain.MaxPromptLen)
	rec, _ := do(t, h, http.MethodPost, app.BasePath+"/prompts",
		fmt.Sprintf(`{"prompt":%q}`, atLimit), true)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, body := do(t, h, http.MethodPost, app.BasePath+"/prompts",
		fmt.Sprintf(`{"prompt":%q}`, atLimit+"x"), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))
}

func TestWorkerHintBoundary(t *testing.T) {
	h, _, _ := newAPI(t)

	rec, body := do(t, h, http.MethodPost, app.BasePath+"/prompts?worker=0", `{"prompt":"hi"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(body))

	rec, body = do(t, h, http.MethodPost, app.BasePath+"/prompts?worker=4", `{"prompt":"hi"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(body))

	rec, _ = do(t, h, http.MethodPost, app.BasePath+"/prompts?worker=3", `{"prompt":"hi"}`, true)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	h, _, _ := newAPI(t)
	rec, body := do(t, h, http.MethodPost, app.BasePath+"/prompts", `{"prompt":`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(body))
}

func TestBulkFlow(t *testing.T) {
	h, q, _ := newAPI(t)

	rec, body := do(t, h, http.MethodPost, app.BasePath+"/prompts/bulk",
		`{"prompts":[{"prompt":"a"},{"prompt":"b"},{"prompt":"c"}]}`, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	d := data(body)
	batchID, _ := d["batchId"].(string)
	require.NotEmpty(t, batchID)
	assert.Equal(t, float64(3), d["count"])

	// Settle all three children, then read the aggregate.
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, _, err := q.Reserve(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, fmt.Sprint(i), domain.SearchResult{JSON: "{}", UsedWorker: 1}))
	}

	rec, body = do(t, h, http.MethodGet, app.BasePath+"/batches/"+batchID, "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	d = data(body)
	assert.Equal(t, float64(3), d["total"])
	assert.Equal(t, float64(3), d["completed"])
	jobs, _ := d["jobs"].([]any)
	require.Len(t, jobs, 3)
}

func TestBulkBounds(t *testing.T) {
	h, _, _ := newAPI(t)

	rec, body := do(t, h, http.MethodPost, app.BasePath+"/prompts/bulk", `{"prompts":[]}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))

	var sb strings.Builder
	sb.WriteString(`{"prompts":[`)
	for i := 0; i <= domain.MaxBulkPrompts; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"prompt":"p"}`)
	}
	sb.WriteString(`]}`)
	rec, body = do(t, h, http.MethodPost, app.BasePath+"/prompts/bulk", sb.String(), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))
}

func TestUnknownBatchIs404(t *testing.T) {
	h, _, _ := newAPI(t)
	rec, body := do(t, h, http.MethodGet, app.BasePath+"/batches/batch_nope", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestIdempotencyKeyReturnsSameJob(t *testing.T) {
	h, _, _ := newAPI(t)

	post := func() string {
		req := httptest.NewRequest(http.MethodPost, app.BasePath+"/prompts", strings.NewReader(`{"prompt":"hi"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-Id", reqID)
		req.Header.Set("Idempotency-Key", "K")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		id, _ := data(body)["jobId"].(string)
		return id
	}
	first := post()
	second := post()
	assert.Equal(t, first, second)
}

func TestListJobsPagination(t *testing.T) {
	h, _, _ := newAPI(t)

	for i := 0; i < 3; i++ {
		rec, _ := do(t, h, http.MethodPost, app.BasePath+"/prompts", `{"prompt":"hi"}`, true)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec, body := do(t, h, http.MethodGet, app.BasePath+"/jobs?limit=2", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	d := data(body)
	items, _ := d["items"].([]any)
	assert.Len(t, items, 2)
	pg, _ := d["pagination"].(map[string]any)
	assert.Equal(t, float64(3), pg["totalItems"])
	assert.Equal(t, float64(2), pg["itemsPerPage"])
	assert.NotEmpty(t, pg["nextPageToken"])

	// A malformed cursor starts from the newest again instead of erroring.
	rec, _ = do(t, h, http.MethodGet, app.BasePath+"/jobs?limit=2&pageToken=garbage", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = do(t, h, http.MethodGet, app.BasePath+"/jobs?status=bogus", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(body))

	rec, body = do(t, h, http.MethodGet, app.BasePath+"/jobs?limit=101", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	h, _, _ := newAPI(t)
	rec, body := do(t, h, http.MethodGet, app.BasePath+"/health", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	d := data(body)
	assert.Equal(t, "ok", d["app"])
	workers, _ := d["workers"].(map[string]any)
	assert.Equal(t, float64(3), workers["total"])
	assert.Equal(t, "ok", workers["status"])
}

func TestWorkerMaintenanceActions(t *testing.T) {
	h, _, pool := newAPI(t)

	rec, body := do(t, h, http.MethodPost, app.BasePath+"/workers/2/restart", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", data(body)["status"])
	assert.Contains(t, pool.actions, "restart:2")

	rec, body = do(t, h, http.MethodPost, app.BasePath+"/workers/9/warmup", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(body))

	rec, body = do(t, h, http.MethodPost, app.BasePath+"/workers/1/selfdestruct", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlumbingEndpointsSkipRequestID(t *testing.T) {
	h, _, _ := newAPI(t)

	rec, _ := do(t, h, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}
