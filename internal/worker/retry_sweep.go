// Package worker contains background loops that run alongside the HTTP
// server. Workers are started from the root command and stop when the
// process context is cancelled.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fieldline/taskbridge/internal/syncer"
	"github.com/fieldline/taskbridge/internal/types"
)

// SweepStore defines the store operations needed by the retry sweep worker.
type SweepStore interface {
	ListActiveIntegrations(ctx context.Context) ([]types.Integration, error)
	ListStaleOutcomes(ctx context.Context, integrationID string, olderThan time.Time) ([]types.SyncRecord, error)
}

// PassRunner runs a reconciliation pass for one integration.
type PassRunner interface {
	Pass(ctx context.Context, integrationID string, opts types.PassOptions, resetFailed bool) (*types.PassResult, error)
}

// RetrySweepWorker periodically re-runs sync passes for integrations whose
// ledger carries failed or rate-limited outcomes older than maxAge. Failures
// are never deleted from the ledger; the sweep resets their attempt counters
// and lets a fresh pass reconcile them.
type RetrySweepWorker struct {
	store    SweepStore
	runner   PassRunner
	interval time.Duration
	maxAge   time.Duration
}

// NewRetrySweepWorker creates a new retry sweep worker.
func NewRetrySweepWorker(s SweepStore, runner PassRunner, interval, maxAge time.Duration) *RetrySweepWorker {
	return &RetrySweepWorker{
		store:    s,
		runner:   runner,
		interval: interval,
		maxAge:   maxAge,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
func (w *RetrySweepWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *RetrySweepWorker) sweep(ctx context.Context) {
	integrations, err := w.store.ListActiveIntegrations(ctx)
	if err != nil {
		slog.Error("retry sweep failed to list integrations",
			"error", err,
			"component", "worker",
		)
		return
	}

	cutoff := time.Now().UTC().Add(-w.maxAge)
	for _, integ := range integrations {
		stale, err := w.store.ListStaleOutcomes(ctx, integ.ID, cutoff)
		if err != nil {
			slog.Error("retry sweep failed to list stale outcomes",
				"integration_id", integ.ID,
				"error", err,
				"component", "worker",
			)
			continue
		}
		if len(stale) == 0 {
			continue
		}

		slog.Info("retry sweep triggering pass",
			"action", "retry_sweep",
			"integration_id", integ.ID,
			"stale_outcomes", len(stale),
			"component", "worker",
		)

		result, err := w.runner.Pass(ctx, integ.ID, types.DefaultPassOptions(), true)
		if err != nil {
			// A pass already running or an integration deactivated between
			// the list and the trigger is routine, not a sweep failure.
			if errors.Is(err, syncer.ErrPassInProgress) {
				continue
			}
			slog.Warn("retry sweep pass failed",
				"integration_id", integ.ID,
				"error", err,
				"component", "worker",
			)
			continue
		}

		slog.Info("retry sweep pass complete",
			"action", "retry_sweep",
			"integration_id", integ.ID,
			"outcome", string(result.Outcome),
			"errors", len(result.Errors),
			"component", "worker",
		)
	}
}
