package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/cycomachead/canvas-lms/internal/config"
	"github.com/cycomachead/canvas-lms/internal/csvimport"
	"github.com/cycomachead/canvas-lms/internal/logging"
	"github.com/cycomachead/canvas-lms/internal/queue"
	"github.com/cycomachead/canvas-lms/internal/sis"
	"github.com/cycomachead/canvas-lms/internal/store"
	"github.com/cycomachead/canvas-lms/internal/upload"
	"github.com/cycomachead/canvas-lms/internal/web"
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
		"import_workers", cfg.Import.Workers,
		"import_max_attempts", cfg.Import.MaxAttempts,
	)

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}

	db := store.New(pool)

	uploads, err := upload.NewStore(cfg.Import.UploadsDir)
	if err != nil {
		slog.Error("failed to prepare uploads dir", "error", err)
		os.Exit(1)
	}

	registry := sis.NewRegistry(
		csvimport.New(db).Entry(),
	)
	slog.Info("import types registered", "types", registry.Keys())

	reconciler := sis.NewReconciler(db, cfg.Reconcile.PageSize)
	processor := sis.NewProcessor(db, db, uploads, registry, reconciler)

	q := queue.New(cfg.Import.Workers)
	service := sis.NewService(db, db, uploads, registry, processor, q, cfg.Import.MaxAttempts)

	server := web.NewServer(service, cfg)

	// Queue workers run until shutdown cancels their context; an attempt
	// in flight always finishes first.
	queueCtx, cancelQueue := context.WithCancel(context.Background())
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		if err := q.Run(queueCtx); err != nil {
			slog.Error("queue stopped with error", "error", err)
		}
	}()

	// Re-enqueue batches that were submitted but never processed before
	// the last shutdown.
	if err := requeuePending(ctx, db, service); err != nil {
		slog.Warn("failed to requeue pending batches", "error", err)
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		if depth := q.Depth(); depth > 0 {
			slog.Info("waiting for queued imports", "depth", depth)
		}
		cancelQueue()
		select {
		case <-queueDone:
		case <-shutdownCtx.Done():
			slog.Warn("queue did not drain in time")
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil {
		slog.Info("server stopped", "error", err)
	}
	<-queueDone
}

// requeuePending re-enqueues every batch still in the created state, in
// creation order. The processor's created-state guard makes double
// enqueueing harmless.
func requeuePending(ctx context.Context, db *store.Store, service *sis.Service) error {
	batches, err := db.ListAllBatchesInState(ctx, sis.StateCreated)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if err := service.EnqueueBatch(b); err != nil {
			return err
		}
	}
	if len(batches) > 0 {
		slog.Info("requeued pending batches", "count", len(batches))
	}
	return nil
}
