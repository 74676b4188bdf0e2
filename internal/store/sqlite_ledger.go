package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/taskbridge/internal/types"
	"github.com/oklog/ulid/v2"
)

const syncRecordColumns = `id, integration_id, task_id, external_id, local_revision,
	remote_revision, last_synced_at, outcome, policy, attempts, stale`

// GetSyncRecordByTask fetches the live ledger entry for a task.
func (s *SQLiteStore) GetSyncRecordByTask(ctx context.Context, integrationID, taskID string) (*types.SyncRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+syncRecordColumns+` FROM sync_records
		WHERE integration_id = ? AND task_id = ? AND stale = 0
	`, integrationID, taskID)
	return scanSyncRecord(row)
}

// GetSyncRecordByExternalID fetches the live ledger entry for an external issue.
func (s *SQLiteStore) GetSyncRecordByExternalID(ctx context.Context, integrationID, externalID string) (*types.SyncRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+syncRecordColumns+` FROM sync_records
		WHERE integration_id = ? AND external_id = ? AND stale = 0
	`, integrationID, externalID)
	return scanSyncRecord(row)
}

// ListSyncRecords returns all live ledger entries for an integration.
func (s *SQLiteStore) ListSyncRecords(ctx context.Context, integrationID string) ([]types.SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+syncRecordColumns+` FROM sync_records
		WHERE integration_id = ? AND stale = 0 ORDER BY task_id
	`, integrationID)
	if err != nil {
		return nil, fmt.Errorf("list sync records: %w", err)
	}
	defer rows.Close()

	var out []types.SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// UpsertSyncRecord creates or updates the live ledger entry for
// (integration, task).
func (s *SQLiteStore) UpsertSyncRecord(ctx context.Context, record *types.SyncRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertSyncRecordTx(ctx, tx, record); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertSyncRecordTx(ctx context.Context, tx execer, record *types.SyncRecord) error {
	if record.LastSyncedAt.IsZero() {
		record.LastSyncedAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sync_records SET external_id = ?, local_revision = ?, remote_revision = ?,
			last_synced_at = ?, outcome = ?, policy = ?, attempts = ?
		WHERE integration_id = ? AND task_id = ? AND stale = 0
	`, record.ExternalID, record.LocalRevision, record.RemoteRevision,
		formatTime(record.LastSyncedAt), string(record.Outcome), string(record.Policy),
		record.Attempts, record.IntegrationID, record.TaskID)
	if err != nil {
		return fmt.Errorf("update sync record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return nil
	}

	if record.ID == "" {
		record.ID = ulid.Make().String()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_records (`+syncRecordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, record.ID, record.IntegrationID, record.TaskID, record.ExternalID,
		record.LocalRevision, record.RemoteRevision, formatTime(record.LastSyncedAt),
		string(record.Outcome), string(record.Policy), record.Attempts)
	if err != nil {
		return fmt.Errorf("insert sync record: %w", err)
	}
	return nil
}

// MarkSyncRecordStale supersedes a ledger entry without erasing it.
func (s *SQLiteStore) MarkSyncRecordStale(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_records SET stale = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark sync record stale: %w", err)
	}
	return requireRow(res)
}

// ListStaleOutcomes returns live entries whose last attempt failed before
// olderThan. Used by the retry sweep.
func (s *SQLiteStore) ListStaleOutcomes(ctx context.Context, integrationID string, olderThan time.Time) ([]types.SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+syncRecordColumns+` FROM sync_records
		WHERE integration_id = ? AND stale = 0 AND outcome = ? AND last_synced_at < ?
		ORDER BY last_synced_at
	`, integrationID, string(types.OutcomeError), formatTime(olderThan))
	if err != nil {
		return nil, fmt.Errorf("list stale outcomes: %w", err)
	}
	defer rows.Close()

	var out []types.SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ResetFailed clears error outcomes and attempt counters so the next pass
// reattempts those entities.
func (s *SQLiteStore) ResetFailed(ctx context.Context, integrationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_records SET outcome = ?, attempts = 0
		WHERE integration_id = ? AND stale = 0 AND outcome = ?
	`, string(types.OutcomeSuccess), integrationID, string(types.OutcomeError))
	if err != nil {
		return fmt.Errorf("reset failed sync records: %w", err)
	}
	return nil
}

// CountSyncOutcomes returns live ledger entry counts grouped by outcome.
func (s *SQLiteStore) CountSyncOutcomes(ctx context.Context, integrationID string) (map[types.Outcome]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*) FROM sync_records
		WHERE integration_id = ? AND stale = 0 GROUP BY outcome
	`, integrationID)
	if err != nil {
		return nil, fmt.Errorf("count sync outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[types.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

// LastSyncedAt returns the most recent ledger timestamp for an integration,
// or nil when no pass has run.
func (s *SQLiteStore) LastSyncedAt(ctx context.Context, integrationID string) (*time.Time, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(last_synced_at) FROM sync_records WHERE integration_id = ?
	`, integrationID).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("last synced at: %w", err)
	}
	return parseNullableTime(last), nil
}

func scanSyncRecord(row rowScanner) (*types.SyncRecord, error) {
	var rec types.SyncRecord
	var lastSynced, outcome, policy string
	var stale int

	err := row.Scan(&rec.ID, &rec.IntegrationID, &rec.TaskID, &rec.ExternalID,
		&rec.LocalRevision, &rec.RemoteRevision, &lastSynced, &outcome, &policy,
		&rec.Attempts, &stale)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sync record: %w", err)
	}

	rec.LastSyncedAt = parseTime(lastSynced)
	rec.Outcome = types.Outcome(outcome)
	rec.Policy = types.ResolutionPolicy(policy)
	rec.Stale = stale == 1
	return &rec, nil
}

// --- status mappings ---

// ListStatusMappings returns all status mappings for an integration.
func (s *SQLiteStore) ListStatusMappings(ctx context.Context, integrationID string) ([]types.StatusMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, integration_id, local_status_id, external_status, external_category
		FROM status_mappings WHERE integration_id = ? ORDER BY local_status_id
	`, integrationID)
	if err != nil {
		return nil, fmt.Errorf("list status mappings: %w", err)
	}
	defer rows.Close()

	var out []types.StatusMapping
	for rows.Next() {
		var m types.StatusMapping
		if err := rows.Scan(&m.ID, &m.IntegrationID, &m.LocalStatusID,
			&m.ExternalStatus, &m.ExternalCategory); err != nil {
			return nil, fmt.Errorf("scan status mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertStatusMapping creates or replaces the mapping for a local status.
// The UNIQUE(integration_id, local_status_id) constraint enforces the
// at-most-one-external-status invariant.
func (s *SQLiteStore) UpsertStatusMapping(ctx context.Context, mapping *types.StatusMapping) error {
	if mapping.ID == "" {
		mapping.ID = ulid.Make().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_mappings (id, integration_id, local_status_id, external_status, external_category)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(integration_id, local_status_id) DO UPDATE SET
			external_status = excluded.external_status,
			external_category = excluded.external_category
	`, mapping.ID, mapping.IntegrationID, mapping.LocalStatusID,
		mapping.ExternalStatus, mapping.ExternalCategory)
	if err != nil {
		return fmt.Errorf("upsert status mapping: %w", err)
	}
	return nil
}

// --- manual conflicts ---

// UpsertConflict records a pending manual conflict. The stable key keeps a
// re-surfacing conflict as one row across passes.
func (s *SQLiteStore) UpsertConflict(ctx context.Context, integrationID string, conflict *types.Conflict) error {
	diffs, err := json.Marshal(conflict.Diffs)
	if err != nil {
		return fmt.Errorf("marshal conflict diffs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (key, integration_id, task_id, external_id, diffs, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET
			diffs = excluded.diffs,
			detected_at = excluded.detected_at,
			resolved_at = NULL
	`, conflict.Key, integrationID, conflict.TaskID, conflict.ExternalID,
		string(diffs), formatTime(conflict.DetectedAt))
	if err != nil {
		return fmt.Errorf("upsert conflict: %w", err)
	}
	return nil
}

// ListPendingConflicts returns unresolved manual conflicts for an integration.
func (s *SQLiteStore) ListPendingConflicts(ctx context.Context, integrationID string) ([]types.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, task_id, external_id, diffs, detected_at FROM conflicts
		WHERE integration_id = ? AND resolved_at IS NULL ORDER BY detected_at
	`, integrationID)
	if err != nil {
		return nil, fmt.Errorf("list pending conflicts: %w", err)
	}
	defer rows.Close()

	var out []types.Conflict
	for rows.Next() {
		var c types.Conflict
		var diffs, detectedAt string
		if err := rows.Scan(&c.Key, &c.TaskID, &c.ExternalID, &diffs, &detectedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		if err := json.Unmarshal([]byte(diffs), &c.Diffs); err != nil {
			return nil, fmt.Errorf("unmarshal conflict diffs: %w", err)
		}
		c.Resolution = "pending"
		c.DetectedAt = parseTime(detectedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveConflict marks a manual conflict resolved. The row is kept for audit.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts SET resolved_at = ? WHERE key = ? AND resolved_at IS NULL
	`, formatTime(time.Now().UTC()), key)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	return requireRow(res)
}
