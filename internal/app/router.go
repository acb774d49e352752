// Package app wires the HTTP surface together: routing, middleware order,
// CORS, and rate limiting.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/prompt-dispatcher/internal/adapter/httpserver"
	"github.com/fairyhunter13/prompt-dispatcher/internal/config"
	"github.com/fairyhunter13/prompt-dispatcher/internal/observability"
)

// BasePath is the versioned prefix all API endpoints live under.
const BasePath = "/search-intelligence/searcher/v1"

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route(BasePath, func(api chi.Router) {
		api.Use(httpserver.RequireRequestID)

		// Mutating endpoints are rate limited per client IP.
		api.Group(func(wr chi.Router) {
			wr.Use(httprate.Limit(cfg.RateLimitPerMin, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(rateLimited),
			))
			wr.Post("/prompts", srv.CreatePromptHandler())
			wr.Post("/prompts/bulk", srv.CreateBulkHandler())
			wr.Post("/workers/{index}/{action}", srv.WorkerActionHandler())
		})

		api.Get("/jobs", srv.ListJobsHandler())
		api.Get("/jobs/{id}", srv.GetJobHandler())
		api.Get("/batches/{id}", srv.GetBatchHandler())
		api.Get("/health", srv.HealthHandler())
	})

	// Plumbing endpoints sit outside the versioned base and skip the
	// request-ID requirement.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}

func rateLimited(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":{"code":"RATE_LIMITED","message":"too many requests"},"meta":{"requestId":"` + r.Header.Get("X-Request-Id") + `"}}`))
}
