// Package main is the entrypoint for the retinal analysis pipeline worker.
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

	"github.com/aura-health/retina-pipeline/internal/ai"
	"github.com/aura-health/retina-pipeline/internal/api"
	"github.com/aura-health/retina-pipeline/internal/api/handler"
	"github.com/aura-health/retina-pipeline/internal/billing"
	"github.com/aura-health/retina-pipeline/internal/cache"
	"github.com/aura-health/retina-pipeline/internal/config"
	"github.com/aura-health/retina-pipeline/internal/files"
	"github.com/aura-health/retina-pipeline/internal/intake"
	"github.com/aura-health/retina-pipeline/internal/notify"
	"github.com/aura-health/retina-pipeline/internal/storage"
	"github.com/aura-health/retina-pipeline/internal/store"
	"github.com/aura-health/retina-pipeline/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "worker_enabled", cfg.Worker.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create the blob store (ensures the bucket exists)
	objects, err := storage.NewMinioStore(ctx, cfg.Minio)
	if err != nil {
		return fmt.Errorf("create blob store: %w", err)
	}
	slog.Info("blob store connected", "bucket", cfg.Minio.Bucket)

	// 6. Build services
	pgStore := store.NewPostgresStore(pool)
	fileService := files.NewService(pgStore, objects, cfg.Minio.PresignExpiry)
	inference := ai.NewClient(cfg.AI)
	ledger := billing.NewLedger(pgStore)
	notifier := notify.NewService(pgStore, logger)
	intakeService := intake.NewService(pgStore, objects, logger)

	coordinator := worker.NewCoordinator(pgStore)
	processor := worker.NewProcessor(pgStore, fileService, inference, ledger, notifier, redisCache, logger)

	// 7. Start the poller. It gets its own context so that in-flight jobs
	// drain on shutdown instead of being cancelled mid-inference.
	var poller *worker.Poller
	if cfg.Worker.Enabled {
		poller = worker.NewPoller(coordinator, processor, pgStore, cfg.Worker, logger)
		poller.Start(context.Background())
	} else {
		slog.Warn("analysis worker disabled, serving HTTP only")
	}

	// 8. Build router with dependencies
	deps := api.Dependencies{
		HealthHandler:      handler.NewHealthHandler(pgStore, redisCache),
		SubmitHandler:      handler.NewSubmitHandler(intakeService),
		GetAnalysisHandler: handler.NewGetAnalysisHandler(pgStore, redisCache),
		EnqueueHandler:     handler.NewEnqueueHandler(pgStore, coordinator),
		QueueStatsHandler:  handler.NewQueueStatsHandler(coordinator),
	}
	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining...")
	}

	if poller != nil {
		poller.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}
