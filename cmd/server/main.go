// Command server starts the ImageForge HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/imageforge/internal/adapter/httpserver"
	"github.com/fairyhunter13/imageforge/internal/adapter/observability"
	"github.com/fairyhunter13/imageforge/internal/adapter/progress/redisbus"
	"github.com/fairyhunter13/imageforge/internal/adapter/queue/asynqq"
	"github.com/fairyhunter13/imageforge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/imageforge/internal/app"
	"github.com/fairyhunter13/imageforge/internal/config"
	"github.com/fairyhunter13/imageforge/internal/usecase"
)

// redisAdapter narrows *redis.Client to the readiness interface.
type redisAdapter struct{ *redis.Client }

func (a redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return a.Client.Ping(ctx) }

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

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
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
	notifRepo := postgres.NewNotificationRepo(pool)
	prefRepo := postgres.NewPreferenceRepo(pool)

	queue, err := asynqq.New(cfg.RedisURL)
	if err != nil {
		slog.Error("queue connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = queue.Close() }()

	bus := redisbus.New(rdb, cfg)

	jobSvc := usecase.NewJobService(jobRepo, queue, cfg.WorkerProbeTimeout)
	notifSvc := usecase.NewNotificationService(notifRepo, prefRepo)

	relay := httpserver.NewRelay(bus, jobSvc)
	srv := httpserver.NewServer(jobSvc, notifSvc, relay)

	readyz := app.ReadyzHandler(cfg, pool, redisAdapter{rdb})
	handler := app.BuildRouter(cfg, srv, relay, readyz)

	// No server-wide read/write timeouts: the stream endpoint holds its
	// connection open and enforces per-message deadlines itself. Plain API
	// requests are bounded by the router's timeout middleware.
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
