// Package workerclient performs one-shot HTTP calls against a single
// browser-automation worker and classifies the responses into the Outcome
// sum type consumed by the dispatcher.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
)

// Timeouts carries the per-operation deadlines.
type Timeouts struct {
	Health  time.Duration
	Search  time.Duration
	Warmup  time.Duration
	Restart time.Duration
	Refresh time.Duration
}

// Client talks to the fixed, 1-indexed list of worker endpoints. The list is
// immutable for the process lifetime; the client is safe for concurrent use.
type Client struct {
	baseURLs []string
	http     *http.Client
	timeouts Timeouts
}

// maxBodyBytes caps how much of a worker response body is read; raw_text is
// already truncated worker-side.
const maxBodyBytes = 1 << 20

// New builds a Client over the given base URLs (no trailing slashes).
func New(baseURLs []string, timeouts Timeouts) *Client {
	return &Client{
		baseURLs: baseURLs,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeouts: timeouts,
	}
}

// Count returns the number of configured workers.
func (c *Client) Count() int { return len(c.baseURLs) }

func (c *Client) url(index int, path string) (string, error) {
	if index < 1 || index > len(c.baseURLs) {
		return "", fmt.Errorf("%w: worker index %d out of range [1..%d]", domain.ErrInvalidArgument, index, len(c.baseURLs))
	}
	return c.baseURLs[index-1] + path, nil
}

type searchResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		JSON    string `json:"json"`
		RawText string `json:"raw_text"`
	} `json:"result"`
	Error            string `json:"error"`
	Message          string `json:"message"`
	RawText          string `json:"raw_text"`
	Busy             bool   `json:"busy"`
	RetryOtherWorker bool   `json:"retry_other_worker"`
}

// Search issues POST /search to one worker and classifies the response.
// The returned Outcome never leaks raw HTTP status codes to callers.
func (c *Client) Search(ctx context.Context, index int, prompt string) Outcome {
	u, err := c.url(index, "/search")
	if err != nil {
		return Transient{Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Search)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"prompt": prompt})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Transient{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Transient{Err: fmt.Errorf("worker %d search: %w", index, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Transient{Err: fmt.Errorf("worker %d read body: %w", index, err)}
	}
	var sr searchResponse
	// Bodies on error paths are best-effort JSON; classification falls back
	// to status codes when decoding fails.
	_ = json.Unmarshal(raw, &sr)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300 && sr.OK:
		return Success{Result: domain.SearchResult{
			JSON:       sr.Result.JSON,
			RawText:    sr.Result.RawText,
			UsedWorker: index,
		}}
	case resp.StatusCode == http.StatusUnprocessableEntity && sr.Error == "empty_result":
		return Empty{RawText: sr.RawText}
	case resp.StatusCode == http.StatusServiceUnavailable && sr.RetryOtherWorker:
		reason := sr.Error
		if reason == "" {
			reason = sr.Message
		}
		return Blocked{Reason: reason}
	case resp.StatusCode == http.StatusLocked,
		strings.Contains(resp.Status, "Locked"),
		sr.Busy:
		return Busy{}
	default:
		msg := sr.Error
		if msg == "" {
			msg = sr.Message
		}
		if msg == "" {
			msg = resp.Status
		}
		return Transient{Err: fmt.Errorf("worker %d search: %s", index, msg)}
	}
}

// Health probes GET /health with its own timeout. It never fails above the
// call: any error collapses into an unhealthy snapshot.
func (c *Client) Health(ctx context.Context, index int) domain.WorkerHealth {
	u, err := c.url(index, "/health")
	if err != nil {
		return domain.WorkerHealth{OK: false, Error: err.Error()}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Health)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.WorkerHealth{OK: false, Error: err.Error()}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.WorkerHealth{OK: false, Error: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	var h domain.WorkerHealth
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&h); err != nil {
		return domain.WorkerHealth{OK: false, Error: fmt.Sprintf("decode health: %v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		h.OK = false
		if h.Error == "" {
			h.Error = resp.Status
		}
	}
	return h
}

// WarmupSearchTab asks the worker to pre-open its search tab.
func (c *Client) WarmupSearchTab(ctx context.Context, index int) error {
	return c.post(ctx, index, "/tabs/search", c.timeouts.Warmup)
}

// RestartBrowser restarts the worker's browser session.
func (c *Client) RestartBrowser(ctx context.Context, index int) error {
	return c.post(ctx, index, "/browser/restart", c.timeouts.Restart)
}

// RefreshSession rotates the worker's browsing identity.
func (c *Client) RefreshSession(ctx context.Context, index int) error {
	return c.post(ctx, index, "/session/refresh", c.timeouts.Refresh)
}

func (c *Client) post(ctx context.Context, index int, path string, timeout time.Duration) error {
	u, err := c.url(index, path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: worker %d %s: %v", domain.ErrUpstream, index, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Warn("worker maintenance call failed",
			slog.Int("worker", index),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: worker %d %s: %s %s", domain.ErrUpstream, index, path, resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
