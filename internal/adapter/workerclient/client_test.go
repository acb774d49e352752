package workerclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/prompt-dispatcher/internal/adapter/workerclient"
	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
)

func testTimeouts() workerclient.Timeouts {
	return workerclient.Timeouts{
		Health:  2 * time.Second,
		Search:  2 * time.Second,
		Warmup:  2 * time.Second,
		Restart: 2 * time.Second,
		Refresh: 2 * time.Second,
	}
}

func searchStub(t *testing.T, status int, body string) *workerclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/search", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return workerclient.New([]string{srv.URL}, testTimeouts())
}

func TestSearchClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		c := searchStub(t, http.StatusOK, `{"ok":true,"result":{"json":"{\"a\":1}","raw_text":"a=1"}}`)
		out := c.Search(ctx, 1, "hi")
		res, ok := out.(workerclient.Success)
		require.True(t, ok, "got %T", out)
		assert.Equal(t, `{"a":1}`, res.Result.JSON)
		assert.Equal(t, "a=1", res.Result.RawText)
		assert.Equal(t, 1, res.Result.UsedWorker)
	})

	t.Run("empty result", func(t *testing.T) {
		c := searchStub(t, http.StatusUnprocessableEntity, `{"error":"empty_result","raw_text":"nothing"}`)
		out := c.Search(ctx, 1, "hi")
		e, ok := out.(workerclient.Empty)
		require.True(t, ok, "got %T", out)
		assert.Equal(t, "nothing", e.RawText)
	})

	t.Run("blocked", func(t *testing.T) {
		c := searchStub(t, http.StatusServiceUnavailable, `{"retry_other_worker":true,"error":"blocked"}`)
		out := c.Search(ctx, 1, "hi")
		b, ok := out.(workerclient.Blocked)
		require.True(t, ok, "got %T", out)
		assert.Equal(t, "blocked", b.Reason)
	})

	t.Run("locked status means busy", func(t *testing.T) {
		c := searchStub(t, http.StatusLocked, `{"error":"busy"}`)
		out := c.Search(ctx, 1, "hi")
		_, ok := out.(workerclient.Busy)
		require.True(t, ok, "got %T", out)
	})

	t.Run("busy body flag", func(t *testing.T) {
		c := searchStub(t, http.StatusOK, `{"ok":false,"busy":true}`)
		out := c.Search(ctx, 1, "hi")
		_, ok := out.(workerclient.Busy)
		require.True(t, ok, "got %T", out)
	})

	t.Run("server error is transient", func(t *testing.T) {
		c := searchStub(t, http.StatusInternalServerError, `{"error":"browser crashed"}`)
		out := c.Search(ctx, 1, "hi")
		tr, ok := out.(workerclient.Transient)
		require.True(t, ok, "got %T", out)
		assert.Contains(t, tr.Err.Error(), "browser crashed")
	})

	t.Run("unreachable worker is transient", func(t *testing.T) {
		c := workerclient.New([]string{"http://127.0.0.1:1"}, testTimeouts())
		out := c.Search(ctx, 1, "hi")
		_, ok := out.(workerclient.Transient)
		require.True(t, ok, "got %T", out)
	})

	t.Run("index out of range", func(t *testing.T) {
		c := searchStub(t, http.StatusOK, `{}`)
		out := c.Search(ctx, 2, "hi")
		tr, ok := out.(workerclient.Transient)
		require.True(t, ok, "got %T", out)
		assert.ErrorIs(t, tr.Err, domain.ErrInvalidArgument)
	})
}

func TestHealth(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"busy":false,"ready":true,"browser":"chromium","version":"1.2.3"}`))
	}))
	defer srv.Close()

	c := workerclient.New([]string{srv.URL}, testTimeouts())
	h := c.Health(ctx, 1)
	assert.True(t, h.OK)
	assert.True(t, h.Free())
	assert.Equal(t, "chromium", h.Browser)

	down := workerclient.New([]string{"http://127.0.0.1:1"}, testTimeouts())
	h = down.Health(ctx, 1)
	assert.False(t, h.OK)
	assert.False(t, h.Free())
	assert.NotEmpty(t, h.Error)
}

func TestHealthNon200IsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := workerclient.New([]string{srv.URL}, testTimeouts())
	h := c.Health(context.Background(), 1)
	assert.False(t, h.OK)
	assert.NotEmpty(t, h.Error)
}

func TestMaintenanceCalls(t *testing.T) {
	ctx := context.Background()
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := workerclient.New([]string{srv.URL}, testTimeouts())

	require.NoError(t, c.WarmupSearchTab(ctx, 1))
	assert.Equal(t, "/tabs/search", gotPath)

	require.NoError(t, c.RestartBrowser(ctx, 1))
	assert.Equal(t, "/browser/restart", gotPath)

	require.NoError(t, c.RefreshSession(ctx, 1))
	assert.Equal(t, "/session/refresh", gotPath)
}

func TestMaintenanceFailureIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := workerclient.New([]string{srv.URL}, testTimeouts())
	err := c.RestartBrowser(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrUpstream)
}
