package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldline/taskbridge/internal/archive"
	"github.com/fieldline/taskbridge/internal/config"
	"github.com/fieldline/taskbridge/internal/mcp"
	"github.com/fieldline/taskbridge/internal/store"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve sync tools over the Model Context Protocol on stdio",
	Long:  "Runs the MCP stdio server against the same database and sync engine as the HTTP service. Intended to be launched by an MCP client, not interactively.",
	RunE:  runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Stdout carries the MCP protocol; logs must go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("store close error", "error", err)
		}
	}()

	uploader, err := archive.NewUploader(cfg.Archive)
	if err != nil {
		return err
	}

	engine := buildEngine(db, uploader, cfg)
	srv := mcp.NewServer(db, engine, Version)

	slog.Info("mcp server starting", "db", cfg.Database.Path)
	if err := srv.ServeStdio(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
