package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/csvimport/internal/config"
	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/ingest"
	"github.com/JonMunkholm/csvimport/internal/logging"
	"github.com/JonMunkholm/csvimport/internal/metrics"
	"github.com/JonMunkholm/csvimport/internal/queue"
	"github.com/JonMunkholm/csvimport/internal/scheduler"
	"github.com/JonMunkholm/csvimport/internal/store/pgstore"
	"github.com/JonMunkholm/csvimport/internal/web"
)

const (
	startupStopReason  = "interrupted: process restarted"
	shutdownStopReason = "interrupted: process shut down"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"queue_backend", cfg.Queue.Backend,
		"workers", cfg.Queue.Workers,
		"batch_size", cfg.Import.BatchSize,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	ctx := context.Background()
	pool, err := pgstore.Connect(ctx, cfg.Database.URL, pgstore.PoolConfig{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	if cfg.Database.AutoMigrate {
		applied, err := pgstore.Migrate(ctx, pool)
		if err != nil {
			slog.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("migrations applied", "count", len(applied))
	}

	files := ingest.NewService(cfg.Import.FilesDir, ingest.LocalPolicy{
		Allow:   cfg.Import.AllowLocalPaths,
		BaseDir: cfg.Import.LocalBaseDir,
	}, int64(cfg.Import.MaxFileSize))

	engine := importer.NewEngine(
		pgstore.NewImports(pool),
		pgstore.NewRecords(pool),
		files,
		nil,
		importer.WithObserver(metrics.Default()),
		importer.WithBatchSize(cfg.Import.BatchSize),
		importer.WithMemoryLimit(int64(cfg.Import.MemoryLimit)),
		importer.WithFileRemover(ingest.UploadDir(cfg.Import.StorageDir)),
	)

	runner := queue.NewRunner(engine, cfg.Queue.Workers)
	engine.SetCanceller(runner)
	metrics.RegisterRunner(prometheus.DefaultRegisterer, runner.Status)

	// With a shared redis queue other processes may own running imports, so only
	// a process with its own memory queue can stop them on its own.
	shared := cfg.Queue.Backend == "redis"
	if !shared {
		stopInFlight(engine, startupStopReason)
	}

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	runner.Start()
	sweep := scheduler.Config{Spec: cfg.Scheduler.Spec, StaleSweeps: cfg.Scheduler.StaleSweeps}

	var rdb redis.UniversalClient
	if shared {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "addr", cfg.Queue.RedisAddr, "error", err)
			os.Exit(1)
		}
		rq := queue.NewRedisQueue(rdb, cfg.Queue.RedisKey)
		engine.SetQueue(rq)
		go func() {
			if err := rq.Forward(jobCtx, runner); err != nil {
				slog.Error("redis forwarding stopped", "error", err)
			}
		}()
		sweep.StaleSweeps = 0
	} else {
		engine.SetQueue(runner)
	}

	var sweeper *scheduler.Sweeper
	if cfg.Scheduler.Enabled {
		sweeper = scheduler.New(engine, runner, sweep)
		if err := sweeper.Start(jobCtx); err != nil {
			slog.Error("failed to start scheduler", "error", err)
			os.Exit(1)
		}
	} else if n, err := engine.Requeue(ctx); err != nil {
		slog.Error("failed to requeue imports", "error", err)
	} else if n > 0 {
		slog.Info("requeued stored imports", "count", n)
	}

	server := web.NewServer(engine, cfg, web.WithHealthCheck(pool.Ping))

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if sweeper != nil {
			sweeper.Stop()
		}
		cancelJobs()
		if err := runner.Shutdown(shutdownCtx); err != nil {
			slog.Warn("tasks did not stop in time", "error", err)
		}
		if !shared {
			stopInFlight(engine, shutdownStopReason)
		}
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				slog.Warn("redis close error", "error", err)
			}
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	<-stopped
	slog.Info("server stopped")
}

// stopInFlight marks imports still running in storage as stopped.
func stopInFlight(engine *importer.Engine, reason string) {
	n, err := engine.StopInFlight(context.Background(), reason)
	if err != nil {
		slog.Error("failed to stop running imports", "error", err)
		return
	}
	if n > 0 {
		slog.Warn("stopped running imports", "count", n, "reason", reason)
	}
}
