// Package syncer implements the bidirectional reconciliation engine between
// the local task store and an external Jira project.
//
// A pass is one bounded, request-scoped unit of work: Snapshot, Classify,
// Resolve, Apply, Commit, in that order. Both snapshots are taken once at
// the start; entities modified mid-pass are deliberately left for the next
// pass rather than re-snapshotting. Per-entity write failures are recorded
// and skipped, never propagated, so one bad entity cannot sink the pass.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fieldline/taskbridge/internal/jira"
	"github.com/fieldline/taskbridge/internal/store"
	"github.com/fieldline/taskbridge/internal/types"
)

var (
	// ErrPassInProgress is returned when another pass holds the advisory
	// lock for the same integration.
	ErrPassInProgress = errors.New("sync pass already in progress")

	// ErrRateLimited is returned when rate-limit suspensions exceeded the
	// hard ceiling and the pass aborted. Unprocessed entities are left
	// untouched for the next pass.
	ErrRateLimited = errors.New("sync pass aborted: rate limit ceiling exceeded")

	// ErrAuthFailed is returned when the integration's credentials were
	// rejected. Fatal for the pass.
	ErrAuthFailed = errors.New("sync pass aborted: authentication failed")
)

// RemoteClient is the subset of the Jira client the engine drives. The
// concrete *jira.Client satisfies it; tests substitute fakes.
type RemoteClient interface {
	TestConnection(ctx context.Context) (bool, error)
	ListIssues(ctx context.Context, projectKey string, since *time.Time) ([]jira.Issue, error)
	GetIssue(ctx context.Context, externalID string) (*jira.Issue, error)
	ListStatuses(ctx context.Context, projectKey string) ([]jira.Status, error)
	CreateIssue(ctx context.Context, projectKey string, fields jira.IssueFields) (*jira.Issue, error)
	UpdateIssue(ctx context.Context, externalID string, fields jira.IssueFields) error
}

// ClientFactory builds a RemoteClient for an integration's credentials.
type ClientFactory func(creds jira.Credentials) RemoteClient

// Archiver receives the pass result for audit retention. The zero-config
// implementation is a no-op.
type Archiver interface {
	Upload(ctx context.Context, integrationID string, result *types.PassResult) error
}

// Config tunes pass behavior.
type Config struct {
	RequestTimeout   time.Duration
	RateLimitCeiling time.Duration
	DefaultBackoff   time.Duration
	MaxAuthFailures  int
}

// Engine coordinates reconciliation passes.
type Engine struct {
	store   store.Store
	clients ClientFactory
	archive Archiver
	cfg     Config
	locks   *passLocks
}

// New creates an Engine. archive may be nil.
func New(s store.Store, clients ClientFactory, archive Archiver, cfg Config) *Engine {
	if cfg.RateLimitCeiling <= 0 {
		cfg.RateLimitCeiling = 5 * time.Minute
	}
	if cfg.DefaultBackoff <= 0 {
		cfg.DefaultBackoff = 10 * time.Second
	}
	if cfg.MaxAuthFailures <= 0 {
		cfg.MaxAuthFailures = 3
	}
	return &Engine{
		store:   s,
		clients: clients,
		archive: archive,
		cfg:     cfg,
		locks:   newPassLocks(),
	}
}

// TestConnection probes the given credentials without persisting anything.
func (e *Engine) TestConnection(ctx context.Context, creds jira.Credentials) (bool, error) {
	return e.clients(creds).TestConnection(ctx)
}

// Status summarizes the ledger for one integration.
func (e *Engine) Status(ctx context.Context, integrationID string) (*types.SyncStatus, error) {
	integ, err := e.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	counts, err := e.store.CountSyncOutcomes(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	lastPass, err := e.store.LastSyncedAt(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	conflicts, err := e.store.ListPendingConflicts(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	return &types.SyncStatus{
		IntegrationID:    integrationID,
		Active:           integ.Active,
		CountsByOutcome:  counts,
		LastPassAt:       lastPass,
		PendingConflicts: conflicts,
	}, nil
}

// ResolveConflict marks a pending manual conflict resolved so the next pass
// can advance the entity's ledger entry.
func (e *Engine) ResolveConflict(ctx context.Context, key string) error {
	return e.store.ResolveConflict(ctx, key)
}

// passState is the per-pass working set: the remote client, the catalog
// caches (per pass, never across passes), the status mapping tables, and
// the accumulating result.
type passState struct {
	integ     *types.Integration
	client    RemoteClient
	opts      types.PassOptions
	result    *types.PassResult
	statuses  []jira.Status
	mappings  []types.StatusMapping
	toRemote  map[string]string // local status id -> external status name
	toLocal   map[string]string // external status name -> local status id
	suspended time.Duration     // cumulative rate-limit suspension
}

// Pass runs one reconciliation pass for an integration. resetFailed clears
// error outcomes before classification so this pass reattempts them.
//
// Fatal conditions (lock held, inactive integration, auth rejection,
// catalog fetch failure) return an error with no partial writes. Per-entity
// failures are accumulated in the result and do not fail the pass.
func (e *Engine) Pass(ctx context.Context, integrationID string, opts types.PassOptions, resetFailed bool) (*types.PassResult, error) {
	if !opts.ResolveConflicts.Valid() {
		opts.ResolveConflicts = types.PolicyMostRecentWins
	}

	if !e.locks.TryAcquire(integrationID) {
		return nil, ErrPassInProgress
	}
	defer e.locks.Release(integrationID)

	integ, err := e.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if !integ.Active {
		return nil, store.ErrIntegrationInactive
	}

	if resetFailed {
		if err := e.store.ResetFailed(ctx, integrationID); err != nil {
			return nil, fmt.Errorf("reset failed records: %w", err)
		}
	}

	ps := &passState{
		integ:  integ,
		client: e.clients(jira.Credentials{Domain: integ.Domain, Email: integ.Email, APIToken: integ.APIToken}),
		opts:   opts,
		result: &types.PassResult{
			Outcome:   types.OutcomeSuccess,
			StartedAt: time.Now().UTC(),
			Conflicts: []types.Conflict{},
			Errors:    []types.EntityError{},
		},
	}

	err = e.runPass(ctx, ps)
	ps.result.FinishedAt = time.Now().UTC()
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			ps.result.Outcome = types.OutcomeRateLimited
		} else {
			ps.result.Outcome = types.OutcomeError
		}
	}

	if e.archive != nil && ps.result != nil {
		// Audit upload is best-effort; a missing report never fails a pass.
		if uploadErr := e.archive.Upload(ctx, integrationID, ps.result); uploadErr != nil {
			slog.Warn("pass report archive failed",
				"component", "syncer",
				"integration_id", integrationID,
				"error", uploadErr,
			)
		}
	}

	if err != nil {
		return ps.result, err
	}

	slog.Info("sync pass complete",
		"component", "syncer",
		"integration_id", integrationID,
		"pushed", ps.result.TasksPushedToJira,
		"pulled", ps.result.TasksPulledFromJira,
		"conflicts", len(ps.result.Conflicts),
		"errors", len(ps.result.Errors),
	)
	return ps.result, nil
}

func (e *Engine) runPass(ctx context.Context, ps *passState) error {
	// Stage 1: snapshot. Catalog and remote snapshot failures are fatal;
	// nothing can be classified without them.
	if err := e.loadCatalogs(ctx, ps); err != nil {
		return err
	}

	if ps.opts.SyncStatuses {
		if err := e.reconcileStatuses(ctx, ps); err != nil {
			return err
		}
	}

	if !ps.opts.SyncTasks {
		return nil
	}

	fetchStart := time.Now().UTC()
	snap, err := e.takeSnapshot(ctx, ps)
	if err != nil {
		return err
	}

	// Stage 2: classify from the consistent snapshot pair.
	entities := classify(snap)

	// Stages 3-5: resolve, apply, and commit entity by entity. Each
	// entity's ledger entry is committed atomically with its write, which
	// is what keeps a pulled change from ping-ponging back out.
	for _, ent := range entities {
		// Only pass-fatal conditions propagate out of applyEntity;
		// per-entity failures were recorded there and return nil.
		if err := e.applyEntity(ctx, ps, ent); err != nil {
			return err
		}
	}

	// Advance the incremental-fetch watermark only after a fully
	// bidirectional pass with no entity failures. A failed entity may have
	// no ledger entry yet (a new_remote whose pull failed), and a pass with
	// a direction disabled skips entities whose records stay success; in
	// both cases only a refetch next pass can recover them. Conflicted
	// entities do have non-success entries and are refetched individually,
	// so pending conflicts do not hold the watermark back.
	if len(ps.result.Errors) > 0 || !ps.opts.PushToJira || !ps.opts.PullFromJira {
		return nil
	}
	if err := e.store.SetLastFetch(ctx, ps.integ.ID, fetchStart); err != nil {
		slog.Warn("failed to advance fetch watermark",
			"component", "syncer",
			"integration_id", ps.integ.ID,
			"error", err,
		)
	}
	return nil
}

// loadCatalogs fetches the remote status catalog once per pass. Cached for
// the pass only, so remote catalog changes are picked up next pass.
func (e *Engine) loadCatalogs(ctx context.Context, ps *passState) error {
	err := e.callRemote(ctx, ps, func(ctx context.Context) error {
		statuses, err := ps.client.ListStatuses(ctx, ps.integ.ProjectKey)
		if err != nil {
			return err
		}
		ps.statuses = statuses
		return nil
	})
	if err != nil {
		if errors.Is(err, jira.ErrAuthFailed) {
			return e.handleAuthFailure(ctx, ps)
		}
		return fmt.Errorf("fetch status catalog: %w", err)
	}

	// A successful authenticated call resets the consecutive-failure count.
	if err := e.store.ResetAuthFailures(ctx, ps.integ.ID); err != nil {
		return err
	}

	return e.loadMappings(ctx, ps)
}

func (e *Engine) loadMappings(ctx context.Context, ps *passState) error {
	mappings, err := e.store.ListStatusMappings(ctx, ps.integ.ID)
	if err != nil {
		return fmt.Errorf("load status mappings: %w", err)
	}
	ps.mappings = mappings
	ps.toRemote = make(map[string]string, len(mappings))
	ps.toLocal = make(map[string]string, len(mappings))
	for _, m := range mappings {
		ps.toRemote[m.LocalStatusID] = m.ExternalStatus
		// Reverse mapping may be many-to-one; the first local status in
		// stable order wins, keeping the collapse deterministic.
		if _, ok := ps.toLocal[m.ExternalStatus]; !ok {
			ps.toLocal[m.ExternalStatus] = m.LocalStatusID
		}
	}
	return nil
}

func (e *Engine) takeSnapshot(ctx context.Context, ps *passState) (snapshot, error) {
	var snap snapshot

	records, err := e.store.ListSyncRecords(ctx, ps.integ.ID)
	if err != nil {
		return snap, fmt.Errorf("load sync records: %w", err)
	}
	tasks, err := e.store.ListTasksByProject(ctx, ps.integ.ProjectID)
	if err != nil {
		return snap, fmt.Errorf("load local tasks: %w", err)
	}

	var issues []jira.Issue
	err = e.callRemote(ctx, ps, func(ctx context.Context) error {
		fetched, err := ps.client.ListIssues(ctx, ps.integ.ProjectKey, ps.integ.LastFetchAt)
		if err != nil {
			return err
		}
		issues = fetched
		return nil
	})
	if err != nil {
		if errors.Is(err, jira.ErrAuthFailed) {
			return snap, e.handleAuthFailure(ctx, ps)
		}
		return snap, fmt.Errorf("fetch remote snapshot: %w", err)
	}

	// The incremental fetch only returns issues edited since the watermark.
	// A conflicted or failed ledger entry is not done with its issue yet,
	// even when the remote side is unchanged: without its issue in the
	// snapshot the entity would misclassify as a one-sided edit and a manual
	// conflict would be silently pushed over. Refetch those individually.
	if ps.integ.LastFetchAt != nil {
		inSnapshot := make(map[string]bool, len(issues))
		for i := range issues {
			inSnapshot[issues[i].ID] = true
		}
		for i := range records {
			rec := &records[i]
			if rec.Outcome == types.OutcomeSuccess || rec.ExternalID == "" || inSnapshot[rec.ExternalID] {
				continue
			}
			issue, err := e.refetchIssue(ctx, ps, rec.ExternalID)
			if err != nil {
				if errors.Is(err, jira.ErrAuthFailed) {
					return snap, e.handleAuthFailure(ctx, ps)
				}
				return snap, fmt.Errorf("refetch unresolved issue %s: %w", rec.ExternalID, err)
			}
			if issue == nil {
				continue
			}
			issues = append(issues, *issue)
			inSnapshot[issue.ID] = true
		}
	}

	snap.records = records
	snap.tasks = tasks
	snap.issues = issues
	return snap, nil
}

// refetchIssue fetches one issue by id. A remotely deleted issue returns
// (nil, nil); there is nothing left to reconcile against.
func (e *Engine) refetchIssue(ctx context.Context, ps *passState, externalID string) (*jira.Issue, error) {
	var issue *jira.Issue
	err := e.callRemote(ctx, ps, func(ctx context.Context) error {
		got, err := ps.client.GetIssue(ctx, externalID)
		if err != nil {
			return err
		}
		issue = got
		return nil
	})
	if err != nil {
		var apiErr *jira.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return nil, nil
		}
		return nil, err
	}
	return issue, nil
}

// applyEntity routes one classified entity to its write action. Per-entity
// failures are recorded on the ledger and in the result; only rate-limit
// ceiling and auth failures propagate.
func (e *Engine) applyEntity(ctx context.Context, ps *passState, ent entity) error {
	var err error
	switch ent.kind {
	case kindUnchanged:
		ps.result.Unchanged++
		return nil
	case kindRelink:
		err = e.relink(ctx, ps, ent)
	case kindNewLocal:
		if !ps.opts.PushToJira {
			return nil
		}
		err = e.pushCreate(ctx, ps, ent)
	case kindNewRemote:
		if !ps.opts.PullFromJira {
			return nil
		}
		err = e.pull(ctx, ps, ent)
	case kindLocalOnlyChanged:
		if !ps.opts.PushToJira {
			return nil
		}
		err = e.pushUpdate(ctx, ps, ent)
	case kindRemoteOnlyChanged:
		if !ps.opts.PullFromJira {
			return nil
		}
		err = e.pull(ctx, ps, ent)
	case kindBothChanged:
		err = e.resolveAndApply(ctx, ps, ent)
	}

	if err != nil {
		if errors.Is(err, ErrRateLimited) || errors.Is(err, jira.ErrAuthFailed) || ctx.Err() != nil {
			if errors.Is(err, jira.ErrAuthFailed) {
				return e.handleAuthFailure(ctx, ps)
			}
			return err
		}
		e.recordEntityError(ctx, ps, ent, err)
	}
	return nil
}

// resolveAndApply routes a both-changed entity through the resolver.
func (e *Engine) resolveAndApply(ctx context.Context, ps *passState, ent entity) error {
	res := Resolve(ps.opts.ResolveConflicts, ent.task, ent.issue)

	switch res.Winner {
	case WinnerManual:
		conflict := types.Conflict{
			Key:        conflictKey(ps.integ.ID, ent.task.ID),
			TaskID:     ent.task.ID,
			ExternalID: ent.issue.ID,
			Diffs:      diffFields(ent.task, ent.issue, ps.toLocal[ent.issue.Status]),
			Resolution: "pending",
			DetectedAt: time.Now().UTC(),
		}
		// A dry run (neither direction enabled) reports the conflict but
		// persists nothing.
		if ps.opts.PushToJira || ps.opts.PullFromJira {
			if err := e.store.UpsertConflict(ctx, ps.integ.ID, &conflict); err != nil {
				return err
			}
			// The ledger entry keeps its prior revisions so the conflict
			// re-surfaces every pass until someone resolves it.
			record := *ent.record
			record.Outcome = types.OutcomeConflict
			record.Policy = ps.opts.ResolveConflicts
			if err := e.store.UpsertSyncRecord(ctx, &record); err != nil {
				return err
			}
		}
		ps.result.Conflicts = append(ps.result.Conflicts, conflict)
		return nil

	case WinnerLocal:
		if !ps.opts.PushToJira {
			return nil
		}
		return e.pushUpdate(ctx, ps, ent)

	default: // WinnerRemote
		if !ps.opts.PullFromJira {
			return nil
		}
		return e.pull(ctx, ps, ent)
	}
}

// pushCreate creates a remote issue for a new local task and links them.
func (e *Engine) pushCreate(ctx context.Context, ps *passState, ent entity) error {
	var created *jira.Issue
	err := e.callRemote(ctx, ps, func(ctx context.Context) error {
		issue, err := ps.client.CreateIssue(ctx, ps.integ.ProjectKey, e.issueFields(ps, ent.task))
		if err != nil {
			return err
		}
		created = issue
		return nil
	})
	if err != nil {
		return err
	}

	record := &types.SyncRecord{
		IntegrationID:  ps.integ.ID,
		LocalRevision:  types.RevisionToken(ent.task.UpdatedAt),
		RemoteRevision: types.RevisionToken(created.Updated),
		Outcome:        types.OutcomeSuccess,
		Policy:         ps.opts.ResolveConflicts,
	}
	if err := e.store.ApplyPush(ctx, ent.task.ID, created.ID, "jira", record); err != nil {
		return err
	}
	ps.result.TasksPushedToJira++
	return nil
}

// pushUpdate writes local field values to the existing remote issue, then
// refetches it so the ledger holds the authoritative remote revision.
func (e *Engine) pushUpdate(ctx context.Context, ps *passState, ent entity) error {
	fields := e.issueFields(ps, ent.task)
	err := e.callRemote(ctx, ps, func(ctx context.Context) error {
		return ps.client.UpdateIssue(ctx, ent.record.ExternalID, fields)
	})
	if err != nil {
		return err
	}

	var updated *jira.Issue
	err = e.callRemote(ctx, ps, func(ctx context.Context) error {
		issue, err := ps.client.GetIssue(ctx, ent.record.ExternalID)
		if err != nil {
			return err
		}
		updated = issue
		return nil
	})
	if err != nil {
		return err
	}

	record := *ent.record
	record.LocalRevision = types.RevisionToken(ent.task.UpdatedAt)
	record.RemoteRevision = types.RevisionToken(updated.Updated)
	record.Outcome = types.OutcomeSuccess
	record.Policy = ps.opts.ResolveConflicts
	record.Attempts = 0
	if err := e.store.UpsertSyncRecord(ctx, &record); err != nil {
		return err
	}
	ps.result.TasksPushedToJira++
	return nil
}

// pull writes the remote issue's values into the local task. The task write
// and ledger commit share one transaction (ApplyPull), which is the
// loop-prevention mechanism: the committed local revision already covers
// this write, so it can never classify as a local edit afterwards.
func (e *Engine) pull(ctx context.Context, ps *passState, ent entity) error {
	task := e.taskFromIssue(ps, ent.issue, ent.task)

	record := &types.SyncRecord{
		IntegrationID:  ps.integ.ID,
		ExternalID:     ent.issue.ID,
		RemoteRevision: types.RevisionToken(ent.issue.Updated),
		Outcome:        types.OutcomeSuccess,
		Policy:         ps.opts.ResolveConflicts,
	}
	if ent.record != nil {
		record.ID = ent.record.ID
	}

	if err := e.store.ApplyPull(ctx, task, record); err != nil {
		return err
	}
	ps.result.TasksPulledFromJira++
	return nil
}

// relink rebuilds a missing ledger entry for a task that already carries an
// external id. No side is written.
func (e *Engine) relink(ctx context.Context, ps *passState, ent entity) error {
	record := &types.SyncRecord{
		IntegrationID: ps.integ.ID,
		TaskID:        ent.task.ID,
		ExternalID:    *ent.task.ExternalID,
		LocalRevision: types.RevisionToken(ent.task.UpdatedAt),
		Outcome:       types.OutcomeSuccess,
		Policy:        ps.opts.ResolveConflicts,
	}
	if ent.issue != nil {
		record.RemoteRevision = types.RevisionToken(ent.issue.Updated)
	}
	if err := e.store.UpsertSyncRecord(ctx, record); err != nil {
		return err
	}
	ps.result.Unchanged++
	return nil
}

// recordEntityError logs and ledgers a per-entity failure. The prior
// revision tokens are preserved so the entity retries next pass.
func (e *Engine) recordEntityError(ctx context.Context, ps *passState, ent entity, cause error) {
	entErr := types.EntityError{Stage: string(ent.kind), Message: cause.Error()}
	if ent.task != nil {
		entErr.TaskID = ent.task.ID
	}
	if ent.issue != nil {
		entErr.ExternalID = ent.issue.ID
	}
	ps.result.Errors = append(ps.result.Errors, entErr)

	slog.Warn("entity sync failed",
		"component", "syncer",
		"integration_id", ps.integ.ID,
		"task_id", entErr.TaskID,
		"external_id", entErr.ExternalID,
		"kind", string(ent.kind),
		"error", cause,
	)

	if ent.record == nil {
		return
	}
	record := *ent.record
	record.Outcome = types.OutcomeError
	record.Attempts++
	record.LastSyncedAt = time.Now().UTC()
	if err := e.store.UpsertSyncRecord(ctx, &record); err != nil {
		slog.Error("failed to ledger entity error",
			"component", "syncer",
			"integration_id", ps.integ.ID,
			"task_id", record.TaskID,
			"error", err,
		)
	}
}

// callRemote runs one remote call with a bounded timeout, suspending and
// resuming on rate-limit responses. Cumulative suspension beyond the hard
// ceiling aborts with ErrRateLimited so the advisory lock is not held
// indefinitely.
func (e *Engine) callRemote(ctx context.Context, ps *passState, fn func(context.Context) error) error {
	for {
		callCtx := ctx
		var cancel context.CancelFunc
		if e.cfg.RequestTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		}
		err := fn(callCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}

		rle, ok := jira.IsRateLimited(err)
		if !ok {
			return err
		}

		delay := rle.RetryAfter
		if delay <= 0 {
			delay = e.cfg.DefaultBackoff
		}
		if ps.suspended+delay > e.cfg.RateLimitCeiling {
			return ErrRateLimited
		}
		ps.suspended += delay

		slog.Info("rate limited, suspending pass",
			"component", "syncer",
			"integration_id", ps.integ.ID,
			"delay", delay.String(),
			"suspended_total", ps.suspended.String(),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// handleAuthFailure increments the consecutive-failure counter and
// deactivates the integration at the policy limit, stopping further passes
// from hammering a dead credential. Owner notification is delegated to the
// surrounding application.
func (e *Engine) handleAuthFailure(ctx context.Context, ps *passState) error {
	count, err := e.store.RecordAuthFailure(ctx, ps.integ.ID)
	if err != nil {
		return fmt.Errorf("record auth failure: %w", err)
	}
	if count >= e.cfg.MaxAuthFailures {
		if err := e.store.DeactivateIntegration(ctx, ps.integ.ID); err != nil {
			return fmt.Errorf("deactivate integration: %w", err)
		}
		slog.Error("integration deactivated after repeated auth failures",
			"component", "syncer",
			"integration_id", ps.integ.ID,
			"failures", count,
		)
	}
	return ErrAuthFailed
}

// reconcileStatuses seeds status mappings from both catalogs. Remote
// statuses with no mapping get one (pulled); local statuses in use whose
// name matches a remote status get linked (pushed). Jira offers no API to
// create statuses, so an unmatched local status stays unmapped.
func (e *Engine) reconcileStatuses(ctx context.Context, ps *passState) error {
	mappedExternal := make(map[string]bool, len(ps.mappings))
	for _, m := range ps.mappings {
		mappedExternal[m.ExternalStatus] = true
	}

	for _, s := range ps.statuses {
		if mappedExternal[s.Name] {
			continue
		}
		mapping := &types.StatusMapping{
			IntegrationID:    ps.integ.ID,
			LocalStatusID:    statusSlug(s.Name),
			ExternalStatus:   s.Name,
			ExternalCategory: s.Category,
		}
		if err := e.store.UpsertStatusMapping(ctx, mapping); err != nil {
			return fmt.Errorf("seed pulled status mapping: %w", err)
		}
		ps.result.StatusesPulledFromJira++
	}

	if ps.opts.PushToJira {
		tasks, err := e.store.ListTasksByProject(ctx, ps.integ.ProjectID)
		if err != nil {
			return fmt.Errorf("list tasks for status push: %w", err)
		}
		inUse := make(map[string]bool)
		for _, t := range tasks {
			inUse[t.StatusID] = true
		}
		var localIDs []string
		for id := range inUse {
			localIDs = append(localIDs, id)
		}
		sort.Strings(localIDs)

		for _, localID := range localIDs {
			if _, mapped := ps.toRemote[localID]; mapped {
				continue
			}
			if remote := matchStatusByName(ps.statuses, localID); remote != nil {
				mapping := &types.StatusMapping{
					IntegrationID:    ps.integ.ID,
					LocalStatusID:    localID,
					ExternalStatus:   remote.Name,
					ExternalCategory: remote.Category,
				}
				if err := e.store.UpsertStatusMapping(ctx, mapping); err != nil {
					return fmt.Errorf("seed pushed status mapping: %w", err)
				}
				ps.result.StatusesPushedToJira++
			}
		}
	}

	// Reload so task reconciliation sees the seeded mappings.
	return e.loadMappings(ctx, ps)
}

// issueFields maps a local task onto writable remote fields.
func (e *Engine) issueFields(ps *passState, task *types.LocalTask) jira.IssueFields {
	fields := jira.IssueFields{
		Summary:     task.Title,
		Description: task.Description,
		Priority:    task.Priority,
	}
	if external, ok := ps.toRemote[task.StatusID]; ok {
		fields.Status = external
	}
	return fields
}

// taskFromIssue maps a remote issue onto the local task, preserving local
// identity fields and stashing unmapped remote fields in the opaque blob.
func (e *Engine) taskFromIssue(ps *passState, issue *jira.Issue, existing *types.LocalTask) *types.LocalTask {
	task := &types.LocalTask{
		ProjectID:      ps.integ.ProjectID,
		ExternalSystem: "jira",
	}
	if existing != nil {
		*task = *existing
	}
	externalID := issue.ID
	task.ExternalID = &externalID
	task.ExternalSystem = "jira"
	task.Title = issue.Summary
	task.Description = issue.Description
	task.Priority = issue.Priority

	if localID, ok := ps.toLocal[issue.Status]; ok {
		task.StatusID = localID
	} else if task.StatusID == "" {
		task.StatusID = statusSlug(issue.Status)
	}

	blob, err := json.Marshal(map[string]string{
		"key":             issue.Key,
		"issue_type":      issue.IssueType,
		"status":          issue.Status,
		"status_category": issue.StatusCategory,
		"assignee":        issue.Assignee,
		"parent_id":       issue.ParentID,
	})
	if err == nil {
		task.ExternalData = blob
	}
	return task
}

// matchStatusByName finds a remote status whose slug equals the local
// status id, or whose name matches it case-insensitively.
func matchStatusByName(statuses []jira.Status, localID string) *jira.Status {
	for i := range statuses {
		if statusSlug(statuses[i].Name) == localID || strings.EqualFold(statuses[i].Name, localID) {
			return &statuses[i]
		}
	}
	return nil
}

func statusSlug(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}
