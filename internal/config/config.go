// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// DispatchMode selects the dispatcher retry strategy.
const (
	DispatchModeCircuit = "circuit" // bounded attempts, tight re-probe
	DispatchModeBackoff = "backoff" // exponential backoff per round
)

// Config holds all application configuration parsed from environment
// variables. Timeout values arrive as millisecond integers; use the Duration
// helpers when wiring them.
type Config struct {
	AppEnv         string   `env:"APP_ENV" envDefault:"dev"`
	Port           int      `env:"PORT" envDefault:"4001"`
	RedisURL       string   `env:"REDIS_URL,required"`
	WorkerBaseURLs []string `env:"WORKER_BASE_URLS,required" envSeparator:","`

	JobResultsTTLSec int `env:"JOB_RESULTS_TTL_SEC" envDefault:"86400"`
	CacheTTLSec      int `env:"CACHE_TTL_SEC" envDefault:"604800"`

	// Worker client timeouts (ms).
	WorkerHealthMS  int `env:"WORKER_HEALTH" envDefault:"7000"`
	WorkerSearchMS  int `env:"WORKER_SEARCH" envDefault:"30000"`
	WorkerWarmupMS  int `env:"WORKER_WARMUP" envDefault:"20000"`
	WorkerRestartMS int `env:"WORKER_RESTART" envDefault:"15000"`
	WorkerRefreshMS int `env:"WORKER_REFRESH" envDefault:"15000"`

	// Job-level timeouts (ms).
	BullSearchMS int `env:"BULL_SEARCH" envDefault:"60000"`
	BullBulkMS   int `env:"BULL_BULK" envDefault:"3600000"`

	// Retry parameters.
	MaxAttempts         int    `env:"MAX_ATTEMPTS" envDefault:"3"`
	InitialDelayMS      int    `env:"INITIAL_DELAY" envDefault:"1000"`
	MaxDelayMS          int    `env:"MAX_DELAY" envDefault:"30000"`
	WaitForWorkerMaxMS  int    `env:"WAIT_FOR_WORKER_MAX" envDefault:"300000"`
	HealthCheckInterval int    `env:"HEALTH_CHECK_INTERVAL" envDefault:"5000"`
	DispatchMode        string `env:"DISPATCH_MODE" envDefault:"circuit"`

	// Optional prompt-hash result cache. Off by default: a cache hit
	// completes a job without touching a worker.
	SearchCacheEnabled bool `env:"SEARCH_CACHE_ENABLED" envDefault:"false"`

	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"prompt-dispatcher"`
}

// Load parses environment variables into a Config and normalizes the worker
// endpoint list (trailing slashes stripped, blanks dropped).
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	urls := make([]string, 0, len(cfg.WorkerBaseURLs))
	for _, u := range cfg.WorkerBaseURLs {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return Config{}, fmt.Errorf("op=config.Load: %w: WORKER_BASE_URLS must name at least one endpoint", errEmptyWorkers)
	}
	cfg.WorkerBaseURLs = urls
	if cfg.DispatchMode != DispatchModeCircuit && cfg.DispatchMode != DispatchModeBackoff {
		return Config{}, fmt.Errorf("op=config.Load: unknown DISPATCH_MODE %q", cfg.DispatchMode)
	}
	return cfg, nil
}

var errEmptyWorkers = fmt.Errorf("no worker endpoints")

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// WorkerHealthTimeout returns the per-call health probe timeout.
func (c Config) WorkerHealthTimeout() time.Duration { return ms(c.WorkerHealthMS) }

// WorkerSearchTimeout returns the per-call search timeout.
func (c Config) WorkerSearchTimeout() time.Duration { return ms(c.WorkerSearchMS) }

// WorkerWarmupTimeout returns the warmup call timeout.
func (c Config) WorkerWarmupTimeout() time.Duration { return ms(c.WorkerWarmupMS) }

// WorkerRestartTimeout returns the browser restart call timeout.
func (c Config) WorkerRestartTimeout() time.Duration { return ms(c.WorkerRestartMS) }

// WorkerRefreshTimeout returns the session refresh call timeout.
func (c Config) WorkerRefreshTimeout() time.Duration { return ms(c.WorkerRefreshMS) }

// SearchJobTimeout returns the per-dispatch deadline applied by the queue.
func (c Config) SearchJobTimeout() time.Duration { return ms(c.BullSearchMS) }

// BulkJobTimeout returns the overall bulk admission deadline.
func (c Config) BulkJobTimeout() time.Duration { return ms(c.BullBulkMS) }

// InitialDelay returns the backoff-mode initial wait between rounds.
func (c Config) InitialDelay() time.Duration { return ms(c.InitialDelayMS) }

// MaxDelay caps both the dispatcher backoff round and the queue retry delay.
func (c Config) MaxDelay() time.Duration { return ms(c.MaxDelayMS) }

// WaitForWorkerMax bounds the backoff-mode wait for any worker to recover.
func (c Config) WaitForWorkerMax() time.Duration { return ms(c.WaitForWorkerMaxMS) }

// HealthCheckEvery returns the background pool monitor interval.
func (c Config) HealthCheckEvery() time.Duration { return ms(c.HealthCheckInterval) }

// JobResultsTTL returns how long terminal jobs, batch sets, and idempotency
// records are retained.
func (c Config) JobResultsTTL() time.Duration {
	return time.Duration(c.JobResultsTTLSec) * time.Second
}

// CacheTTL returns the prompt-result cache retention.
func (c Config) CacheTTL() time.Duration { return time.Duration(c.CacheTTLSec) * time.Second }

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }
