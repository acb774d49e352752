// Command server starts the prompt dispatch HTTP server, the runner pool,
// the queue sweeper, and the worker pool monitor in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	httpserver "github.com/fairyhunter13/prompt-dispatcher/internal/adapter/httpserver"
	"github.com/fairyhunter13/prompt-dispatcher/internal/adapter/redisstore"
	"github.com/fairyhunter13/prompt-dispatcher/internal/adapter/workerclient"
	"github.com/fairyhunter13/prompt-dispatcher/internal/app"
	"github.com/fairyhunter13/prompt-dispatcher/internal/config"
	"github.com/fairyhunter13/prompt-dispatcher/internal/dispatch"
	"github.com/fairyhunter13/prompt-dispatcher/internal/observability"
	"github.com/fairyhunter13/prompt-dispatcher/internal/queue"
	"github.com/fairyhunter13/prompt-dispatcher/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := redisstore.New(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	workers := workerclient.New(cfg.WorkerBaseURLs, workerclient.Timeouts{
		Health:  cfg.WorkerHealthTimeout(),
		Search:  cfg.WorkerSearchTimeout(),
		Warmup:  cfg.WorkerWarmupTimeout(),
		Restart: cfg.WorkerRestartTimeout(),
		Refresh: cfg.WorkerRefreshTimeout(),
	})
	slog.Info("worker pool configured", slog.Int("workers", workers.Count()))

	q := queue.New(store, cfg)
	dispatcher := dispatch.New(workers, cfg)
	pool := queue.NewPool(q, dispatcher, workers.Count(), cfg.SearchJobTimeout())
	sweeper := queue.NewSweeper(q)
	monitor := usecase.NewPoolMonitor(workers, cfg.HealthCheckEvery())

	admitSvc := usecase.NewAdmitService(q, store, cfg.JobResultsTTL())
	batchSvc := usecase.NewBatchService(q, store)
	healthSvc := usecase.NewHealthService(store, workers)

	srv := httpserver.NewServer(cfg, admitSvc, batchSvc, healthSvc, q, workers)
	handler := app.BuildRouter(cfg, srv)

	var bg sync.WaitGroup
	bg.Add(3)
	go func() { defer bg.Done(); pool.Run(ctx) }()
	go func() { defer bg.Done(); sweeper.Run(ctx) }()
	go func() { defer bg.Done(); monitor.Run(ctx) }()

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	bg.Wait()
}
