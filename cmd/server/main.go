// Package main is the entrypoint for the exorun API server.
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

	_ "github.com/joho/godotenv/autoload"
	"github.com/kiranshivaraju/exorun/internal/api"
	"github.com/kiranshivaraju/exorun/internal/api/handler"
	mw "github.com/kiranshivaraju/exorun/internal/api/middleware"
	"github.com/kiranshivaraju/exorun/internal/api/response"
	"github.com/kiranshivaraju/exorun/internal/artifact"
	"github.com/kiranshivaraju/exorun/internal/cache"
	"github.com/kiranshivaraju/exorun/internal/config"
	"github.com/kiranshivaraju/exorun/internal/engine"
	"github.com/kiranshivaraju/exorun/internal/orchestrator"
	"github.com/kiranshivaraju/exorun/internal/status"
	"github.com/kiranshivaraju/exorun/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.Database.Driver,
		"concurrency", cfg.Orchestrator.Concurrency,
		"max_active", cfg.Orchestrator.MaxActive)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Job repository
	jobStore, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 4. Artifact store and engine
	artifacts, err := artifact.NewStore(cfg.Artifacts.Root, cfg.Engine.Outputs)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	invoker := engine.NewExecInvoker(engine.Config{
		Path:      cfg.Engine.Path,
		ExtraArgs: cfg.Engine.ExtraArgs,
		Timeout:   cfg.Engine.Timeout,
		KillGrace: cfg.Engine.KillGrace,
	})
	slog.Info("engine configured",
		"path", cfg.Engine.Path,
		"timeout", cfg.Engine.Timeout,
		"expected_outputs", artifacts.ExpectedOutputs())

	// 5. Orchestrator
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	orch := orchestrator.New(orchestrator.Config{
		Concurrency:        cfg.Orchestrator.Concurrency,
		MaxActive:          cfg.Orchestrator.MaxActive,
		PollInterval:       cfg.Orchestrator.PollInterval,
		RequeueInterrupted: cfg.Orchestrator.RequeueInterrupted,
		KillGrace:          cfg.Engine.KillGrace,
		UploadMaxBytes:     cfg.Artifacts.UploadMaxBytes,
	}, jobStore, artifacts, invoker, reg)
	reporter := status.NewReporter(jobStore)

	// 6. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(jobStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),

		HealthHandler: healthHandler(jobStore, redisCache),
		Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),

		SubmitJob: handler.NewSubmitHandler(orch, reporter, redisCache, cfg.Artifacts.UploadMaxBytes),
		ListJobs:  handler.NewListJobsHandler(reporter),
		GetJob:    handler.NewGetJobHandler(reporter),
		CancelJob: handler.NewCancelHandler(orch),
		GetOutput: handler.NewOutputHandler(reporter, artifacts),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server and scheduler
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Minute,
		// Uploads and output downloads can be large.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orch.Run(gctx)
	})

	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openStore returns the job repository selected by STORE_DRIVER and a
// function releasing its resources.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, func(), error) {
	if cfg.Driver == config.DriverMemory {
		mem, err := store.NewMemoryStore()
		if err != nil {
			return nil, nil, fmt.Errorf("create memory store: %w", err)
		}
		slog.Warn("using in-memory job repository; jobs are lost on restart")
		return mem, func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.URL, "migrations"); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), pool.Close, nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			slog.Warn("health check: database unreachable", "error", err)
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			slog.Warn("health check: cache unreachable", "error", err)
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, response.CodeInfrastructure,
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
