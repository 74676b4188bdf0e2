package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldline/taskbridge/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestIntegration(t *testing.T, db *SQLiteStore) *types.Integration {
	t.Helper()
	integ := &types.Integration{
		WorkspaceID: "ws-1",
		ProjectID:   "proj-1",
		Domain:      "acme",
		Email:       "bot@acme.test",
		APIToken:    "secret",
		ProjectKey:  "ACME",
	}
	if err := db.CreateIntegration(context.Background(), integ); err != nil {
		t.Fatal(err)
	}
	return integ
}

// --- integrations ---

func TestIntegration_CreateAndGet(t *testing.T) {
	db := newTestStore(t)
	integ := newTestIntegration(t, db)

	if integ.ID == "" {
		t.Fatal("expected generated id")
	}
	got, err := db.GetIntegration(context.Background(), integ.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active {
		t.Error("new integration should be active")
	}
	if got.APIToken != "secret" {
		t.Error("token should round-trip through the store")
	}
	if got.LastFetchAt != nil {
		t.Error("new integration should have no fetch watermark")
	}
}

func TestIntegration_DuplicateScopeRejected(t *testing.T) {
	db := newTestStore(t)
	newTestIntegration(t, db)

	dup := &types.Integration{
		WorkspaceID: "ws-1",
		ProjectID:   "proj-1",
		Domain:      "other",
		Email:       "x@y.test",
		APIToken:    "t",
		ProjectKey:  "OTHER",
	}
	if err := db.CreateIntegration(context.Background(), dup); !errors.Is(err, ErrDuplicateScope) {
		t.Errorf("expected ErrDuplicateScope, got %v", err)
	}
}

func TestIntegration_GetByProjectKey(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	integ := newTestIntegration(t, db)

	got, err := db.GetIntegrationByProjectKey(ctx, "ACME")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != integ.ID {
		t.Errorf("resolved wrong integration: %s", got.ID)
	}

	// Deactivated integrations are not resolvable by project key.
	if err := db.DeactivateIntegration(ctx, integ.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetIntegrationByProjectKey(ctx, "ACME"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for deactivated integration, got %v", err)
	}
}

func TestIntegration_DeactivatePreservesLedger(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	integ := newTestIntegration(t, db)

	record := &types.SyncRecord{
		IntegrationID: integ.ID,
		TaskID:        "t1",
		ExternalID:    "10001",
		Outcome:       types.OutcomeSuccess,
		Policy:        types.PolicyMostRecentWins,
	}
	if err := db.UpsertSyncRecord(ctx, record); err != nil {
		t.Fatal(err)
	}

	if err := db.DeactivateIntegration(ctx, integ.ID); err != nil {
		t.Fatal(err)
	}
	if err := db.ReactivateIntegration(ctx, integ.ID); err != nil {
		t.Fatal(err)
	}

	records, err := db.ListSyncRecords(ctx, integ.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("ledger should survive deactivate/reactivate, got %d entries", len(records))
	}
}

func TestIntegration_AuthFailureCounter(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	integ := newTestIntegration(t, db)

	for want := 1; want <= 3; want++ {
		got, err := db.RecordAuthFailure(ctx, integ.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("expected count %d, got %d", want, got)
		}
	}

	if err := db.ResetAuthFailures(ctx, integ.ID); err != nil {
		t.Fatal(err)
	}
	fresh, err := db.GetIntegration(ctx, integ.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.AuthFailures != 0 {
		t.Errorf("expected reset counter, got %d", fresh.AuthFailures)
	}
}

func TestIntegration_ReactivateClearsAuthFailures(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	integ := newTestIntegration(t, db)

	if _, err := db.RecordAuthFailure(ctx, integ.ID); err != nil {
		t.Fatal(err)
	}
	if err := db.DeactivateIntegration(ctx, integ.ID); err != nil {
		t.Fatal(err)
	}
	if err := db.ReactivateIntegration(ctx, integ.ID); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetIntegration(ctx, integ.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active || got.AuthFailures != 0 {
		t.Errorf("reactivate should clear failures: active=%v failures=%d",
			got.Active, got.AuthFailures)
	}
}

func TestIntegration_SetLastFetch(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	integ := newTestIntegration(t, db)

	mark := time.Date(2026, 5, 1, 9, 30, 0, 123456789, time.UTC)
	if err := db.SetLastFetch(ctx, integ.ID, mark); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetIntegration(ctx, integ.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastFetchAt == nil || !got.LastFetchAt.Equal(mark) {
		t.Errorf("watermark did not round-trip: %v", got.LastFetchAt)
	}
}

// --- tasks ---

func TestTask_UpdateBumpsRevision(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	task := &types.LocalTask{ProjectID: "proj-1", Title: "v1", StatusID: "to_do"}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	before := types.RevisionToken(task.UpdatedAt)

	time.Sleep(2 * time.Millisecond)
	task.Title = "v2"
	if err := db.UpdateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if types.RevisionToken(got.UpdatedAt) == before {
		t.Error("application edits must advance the revision token")
	}
}

func TestApplyPull_CommitsTaskAndLedgerTogether(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	integ := newTestIntegration(t, db)

	external := "10001"
	task := &types.LocalTask{
		ProjectID:      "proj-1",
		ExternalID:     &external,
		ExternalSystem: "jira",
		Title:          "from remote",
		StatusID:       "to_do",
	}
	record := &types.SyncRecord{
		IntegrationID:  integ.ID,
		ExternalID:     external,
		RemoteRevision: types.RevisionToken(time.Now()),
		Outcome:        types.OutcomeSuccess,
		Policy:         types.PolicyMostRecentWins,
	}

	if err := db.ApplyPull(ctx, task, record); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := db.GetSyncRecordByTask(ctx, integ.ID, task.ID)
	if err != nil {
		t.Fatal(err)
	}

	// The committed local revision must cover the write itself, so the pull
	// can never be re-classified as a local edit.
	if rec.LocalRevision != types.RevisionToken(got.UpdatedAt) {
		t.Errorf("ledger local revision %q does not cover the pulled write %q",
			rec.LocalRevision, types.RevisionToken(got.UpdatedAt))
	}
}

func TestApplyPull_UpdatesExistingTask(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	integ := newTestIntegration(t, db)

	task := &types.LocalTask{ProjectID: "proj-1", Title: "v1", StatusID: "to_do"}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	external := "10001"
	task.ExternalID = &external
	task.Title = "v2 from remote"
	record := &types.SyncRecord{
		IntegrationID: integ.ID,
		ExternalID:    external,
		Outcome:       types.OutcomeSuccess,
		Policy:        types.PolicyMostRecentWins,
	}
	if err := db.ApplyPull(ctx, task, record); err != nil {
		t.Fatal(err)
	}

	tasks, err := db.ListTasksByProject(ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("pull of an existing task must not duplicate it, got %d rows", len(tasks))
	}
	if tasks[0].Title != "v2 from remote" {
		t.Errorf("expected updated title, got %q", tasks[0].Title)
	}
}

func TestApplyPush_DoesNotBumpTaskRevision(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	integ := newTestIntegration(t, db)

	task := &types.LocalTask{ProjectID: "proj-1", Title: "local", StatusID: "to_do"}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	before := types.RevisionToken(task.UpdatedAt)

	record := &types.SyncRecord{
		IntegrationID: integ.ID,
		LocalRevision: before,
		Outcome:       types.OutcomeSuccess,
		Policy:        types.PolicyMostRecentWins,
	}
	if err := db.ApplyPush(ctx, task.ID, "10001", "jira", record); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExternalID == nil || *got.ExternalID != "10001" {
		t.Error("push should link the external id")
	}
	// Linking is not a content change; bumping would fabricate a local edit.
	if types.RevisionToken(got.UpdatedAt) != before {
		t.Error("linking must not advance the revision token")
	}
}

// --- ledger ---

func TestSyncRecord_UpsertKeepsSingleLiveRow(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	integ := newTestIntegration(t, db)

	record := &types.SyncRecord{
		IntegrationID: integ.ID,
		TaskID:        "t1",
		ExternalID:    "10001",
		LocalRevision: "r1",
		Outcome:       types.OutcomeSuccess,
		Policy:        types.PolicyMostRecentWins,
	}
	if err := db.UpsertSyncRecord(ctx, record); err != nil {
		t.Fatal(err)
	}
	firstID := record.ID

	update := &types.SyncRecord{
		IntegrationID: integ.ID,
		TaskID:        "t1",
		ExternalID:    "10001",
		LocalRevision: "r2",
		Outcome:       types.OutcomeSuccess,
		Policy:        types.PolicyMostRecentWins,
	}
	if err := db.UpsertSyncRecord(ctx, update); err != nil {
		t.Fatal(err)
	}

	records, err := db.ListSyncRecords(ctx, integ.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 live row, got %d", len(records))
	}
	if records[0].ID != firstID {
		t.Error("upsert should update the live row in place")
	}
	if records[0].LocalRevision != "r2" {
		t.Errorf("expected updated revision, got %q", records[0].LocalRevision)
	}
}

func TestSyncRecord_StaleMarkHidesButKeeps(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	integ := newTestIntegration(t, db)

	record := &types.SyncRecord{
		IntegrationID: integ.ID,
		TaskID:        "t1",
		ExternalID:    "10001",
		Outcome:       types.OutcomeSuccess,
		Policy:        types.PolicyMostRecentWins,
	}
	if err := db.UpsertSyncRecord(ctx, record); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkSyncRecordStale(ctx, record.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := db.GetSyncRecordByTask(ctx, integ.ID, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale record should be invisible to live lookups, got %v", err)
	}

	// A fresh record for the same pair is allowed once the old one is stale.
	fresh := &types.SyncRecord{
		IntegrationID: integ.ID,
		TaskID:        "t1",
		ExternalID:    "10001",
		Outcome:       types.OutcomeSuccess,
		Policy:        types.PolicyMostRecentWins,
	}
	if err := db.UpsertSyncRecord(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if fresh.ID == record.ID {
		t.Error("fresh record should get a new id")
	}
}

func TestSyncRecord_ResetFailed(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	integ := newTestIntegration(t, db)

	for i, outcome := range []types.Outcome{types.OutcomeError, types.OutcomeSuccess, types.OutcomeConflict} {
		rec := &types.SyncRecord{
			IntegrationID: integ.ID,
			TaskID:        string(rune('a' + i)),
			ExternalID:    string(rune('1' + i)),
			Outcome:       outcome,
			Policy:        types.PolicyMostRecentWins,
			Attempts:      2,
		}
		if err := db.UpsertSyncRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.ResetFailed(ctx, integ.ID); err != nil {
		t.Fatal(err)
	}

	counts, err := db.CountSyncOutcomes(ctx, integ.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts[types.OutcomeError] != 0 {
		t.Errorf("expected no error outcomes after reset, got %d", counts[types.OutcomeError])
	}
	if counts[types.OutcomeSuccess] != 2 {
		t.Errorf("expected 2 success outcomes, got %d", counts[types.OutcomeSuccess])
	}
	// Conflicts are pending decisions, not failures; reset must not touch them.
	if counts[types.OutcomeConflict] != 1 {
		t.Errorf("reset must not clear conflicts, got %d", counts[types.OutcomeConflict])
	}
}

func TestSyncRecord_ListStaleOutcomes(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	integ := newTestIntegration(t, db)

	old := &types.SyncRecord{
		IntegrationID: integ.ID,
		TaskID:        "t-old",
		ExternalID:    "1",
		Outcome:       types.OutcomeError,
		Policy:        types.PolicyMostRecentWins,
		LastSyncedAt:  time.Now().UTC().Add(-2 * time.Hour),
	}
	recent := &types.SyncRecord{
		IntegrationID: integ.ID,
		TaskID:        "t-recent",
		ExternalID:    "2",
		Outcome:       types.OutcomeError,
		Policy:        types.PolicyMostRecentWins,
		LastSyncedAt:  time.Now().UTC(),
	}
	for _, r := range []*types.SyncRecord{old, recent} {
		if err := db.UpsertSyncRecord(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	stale, err := db.ListStaleOutcomes(ctx, integ.ID, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].TaskID != "t-old" {
		t.Errorf("expected only the old failure, got %+v", stale)
	}
}

// --- status mappings ---

func TestStatusMapping_UpsertIsIdempotent(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	integ := newTestIntegration(t, db)

	m := &types.StatusMapping{
		IntegrationID:  integ.ID,
		LocalStatusID:  "in_progress",
		ExternalStatus: "In Progress",
	}
	if err := db.UpsertStatusMapping(ctx, m); err != nil {
		t.Fatal(err)
	}

	m2 := &types.StatusMapping{
		IntegrationID:    integ.ID,
		LocalStatusID:    "in_progress",
		ExternalStatus:   "In Review",
		ExternalCategory: "indeterminate",
	}
	if err := db.UpsertStatusMapping(ctx, m2); err != nil {
		t.Fatal(err)
	}

	mappings, err := db.ListStatusMappings(ctx, integ.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(mappings) != 1 {
		t.Fatalf("expected 1 mapping per local status, got %d", len(mappings))
	}
	if mappings[0].ExternalStatus != "In Review" {
		t.Errorf("expected replaced mapping, got %q", mappings[0].ExternalStatus)
	}
}

// --- conflicts ---

func TestConflict_LifecycleKeepsAuditRow(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	integ := newTestIntegration(t, db)

	conflict := &types.Conflict{
		Key:        integ.ID + ":t1",
		TaskID:     "t1",
		ExternalID: "10001",
		Diffs:      []types.FieldDiff{{Field: "title", Local: "a", Remote: "b"}},
		DetectedAt: time.Now().UTC(),
	}
	if err := db.UpsertConflict(ctx, integ.ID, conflict); err != nil {
		t.Fatal(err)
	}

	pending, err := db.ListPendingConflicts(ctx, integ.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Resolution != "pending" {
		t.Fatalf("expected 1 pending conflict, got %+v", pending)
	}

	if err := db.ResolveConflict(ctx, conflict.Key); err != nil {
		t.Fatal(err)
	}
	pending, err = db.ListPendingConflicts(ctx, integ.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("resolved conflict still pending: %+v", pending)
	}

	// Resolving twice is an error; the row is already settled.
	if err := db.ResolveConflict(ctx, conflict.Key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double resolve, got %v", err)
	}

	// Re-detection reopens the same key.
	if err := db.UpsertConflict(ctx, integ.ID, conflict); err != nil {
		t.Fatal(err)
	}
	pending, err = db.ListPendingConflicts(ctx, integ.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("re-detected conflict should be pending again, got %d", len(pending))
	}
}
