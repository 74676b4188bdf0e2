package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldline/taskbridge/internal/api"
	"github.com/fieldline/taskbridge/internal/archive"
	"github.com/fieldline/taskbridge/internal/config"
	"github.com/fieldline/taskbridge/internal/jira"
	"github.com/fieldline/taskbridge/internal/store"
	"github.com/fieldline/taskbridge/internal/syncer"
	"github.com/fieldline/taskbridge/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "taskbridge",
	Short: "TaskBridge - bidirectional task tracker sync service",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(newLogHandler(cfg.Log))
	slog.SetDefault(logger)
	slog.Info("configuration loaded", "level", cfg.Log.Level)

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	uploader, err := archive.NewUploader(cfg.Archive)
	if err != nil {
		return err
	}
	slog.Info("archive initialized", "bucket", cfg.Archive.Bucket)

	engine := buildEngine(db, uploader, cfg)
	slog.Info("sync engine initialized")

	handler := api.NewHandler(db, engine, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler, cfg.Auth.APIKey)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	sweep := worker.NewRetrySweepWorker(db, engine,
		time.Duration(cfg.Worker.RetrySweepInterval),
		time.Duration(cfg.Worker.RetrySweepMaxAge))
	startWorker(ctx, &wg, "retry-sweep", sweep.Run)

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Any other error triggers shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// buildEngine wires the reconciliation engine with a factory that creates a
// real Jira client per integration's credentials.
func buildEngine(db store.Store, uploader archive.Uploader, cfg *config.Config) *syncer.Engine {
	factory := func(creds jira.Credentials) syncer.RemoteClient {
		return jira.NewClient(creds, time.Duration(cfg.Sync.RequestTimeout))
	}
	return syncer.New(db, factory, uploader, syncer.Config{
		RequestTimeout:   time.Duration(cfg.Sync.RequestTimeout),
		RateLimitCeiling: time.Duration(cfg.Sync.RateLimitCeiling),
		DefaultBackoff:   time.Duration(cfg.Sync.DefaultBackoff),
		MaxAuthFailures:  cfg.Sync.MaxAuthFailures,
	})
}

func newLogHandler(cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
