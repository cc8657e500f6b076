// Command server runs the async core: it composes the event bus, storage
// manager, and job queue behind the operations HTTP API and owns their
// lifecycle from startup to graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"github.com/pagewright/asynccore/internal/api"
	"github.com/pagewright/asynccore/internal/config"
	"github.com/pagewright/asynccore/internal/events"
	"github.com/pagewright/asynccore/internal/kv"
	"github.com/pagewright/asynccore/internal/platform/logger"
	"github.com/pagewright/asynccore/internal/queue"
	"github.com/pagewright/asynccore/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.Setup(cfg.Server.LogLevel)
	log.Info("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"postgres", cfg.Database.URL != "")

	ctx := context.Background()

	// Persistent store: Postgres when configured, in-memory otherwise.
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := events.NewBus(log)

	manager := storage.NewManager(store, bus, storage.Config{
		WarningPercent:  cfg.Storage.WarningPercent,
		CriticalPercent: cfg.Storage.CriticalPercent,
		TargetPercent:   cfg.Storage.TargetPercent,
		MonitorInterval: cfg.Storage.MonitorInterval,
		AutoCleanup:     cfg.Storage.AutoCleanup,
	}, log)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start storage manager: %w", err)
	}
	defer manager.Stop()

	jobQueue := queue.New(queue.NewStorageJobStore(manager), bus, queue.Config{
		Concurrency:       cfg.Queue.Concurrency,
		TickInterval:      cfg.Queue.TickInterval,
		BaseRetryDelay:    cfg.Queue.BaseRetryDelay,
		DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
	}, log)

	// Job handlers are registered here, before Start, so recovered jobs
	// can execute. The core ships none; deployments add their own.
	if err := jobQueue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}
	defer jobQueue.Stop()

	handler := api.NewHandler(jobQueue, manager, bus, log)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.Info("shutdown signal received", "signal", sig.String())
		case <-groupCtx.Done():
			return groupCtx.Err()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown failed: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// Let in-flight non-blocking event dispatches drain before exit.
	bus.Wait()

	log.Info("shutdown complete")
	return nil
}

// openStore selects and initializes the persistent store backend.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (kv.Store, func(), error) {
	if cfg.Database.URL == "" {
		log.Info("using in-memory store", "quota_bytes", cfg.Storage.QuotaBytes)
		return kv.NewMemory(cfg.Storage.QuotaBytes), func() {}, nil
	}

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := kv.Migrate(db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	log.Info("using postgres store", "quota_bytes", cfg.Storage.QuotaBytes)
	return kv.NewPostgres(db, cfg.Storage.QuotaBytes), func() { _ = db.Close() }, nil
}
