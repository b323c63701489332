// Command worker runs the render queue consumer: it claims jobs, drives the
// render engine, and commits terminal states.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/imageforge/internal/adapter/engine/comfy"
	"github.com/fairyhunter13/imageforge/internal/adapter/observability"
	"github.com/fairyhunter13/imageforge/internal/adapter/progress/redisbus"
	"github.com/fairyhunter13/imageforge/internal/adapter/queue/asynqq"
	"github.com/fairyhunter13/imageforge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/imageforge/internal/app"
	"github.com/fairyhunter13/imageforge/internal/config"
	"github.com/fairyhunter13/imageforge/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// The worker exposes its own /metrics so job lifecycle and engine metrics
	// are scrapeable separately from the API process.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	jobRepo := postgres.NewJobRepo(pool)
	artifactRepo := postgres.NewArtifactRepo(pool)
	notifRepo := postgres.NewNotificationRepo(pool)

	engine := comfy.New(cfg)
	bus := redisbus.New(rdb, cfg)

	proc := &usecase.Processor{
		Jobs:               jobRepo,
		Artifacts:          artifactRepo,
		Notifications:      notifRepo,
		Bus:                bus,
		Engine:             engine,
		BuildWorkflow:      comfy.BuildWorkflow,
		ArtifactRoot:       cfg.ArtifactRoot,
		MaxDuration:        cfg.JobMaxDuration,
		CancelPollInterval: cfg.CancelPollInterval,
		ThumbnailSize:      cfg.ThumbnailSize,
	}

	worker, err := asynqq.NewWorker(cfg.RedisURL, cfg.WorkerConcurrency, proc)
	if err != nil {
		slog.Error("queue worker init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// The sweeper catches running jobs orphaned by a worker crash.
	if sweeper := app.NewStuckJobSweeper(jobRepo, cfg.JobMaxDuration, cfg.SweepInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	// Retention cleanup shares the worker process; the API stays read-write hot.
	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("queue worker starting", slog.Int("concurrency", cfg.WorkerConcurrency))
		errCh <- worker.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			slog.Error("worker error", slog.Any("error", err))
		}
	}

	worker.Shutdown()
	slog.Info("worker stopped")
}
