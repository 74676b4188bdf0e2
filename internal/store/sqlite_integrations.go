package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldline/taskbridge/internal/types"
	"github.com/oklog/ulid/v2"
)

const integrationColumns = `id, workspace_id, project_id, domain, email, api_token,
	project_key, active, auth_failures, last_fetch_at, created_at, updated_at`

// CreateIntegration inserts a new integration. The (workspace, project) scope
// is unique; a second integration for the same scope returns ErrDuplicateScope.
func (s *SQLiteStore) CreateIntegration(ctx context.Context, integ *types.Integration) error {
	now := time.Now().UTC()
	if integ.ID == "" {
		integ.ID = ulid.Make().String()
	}
	integ.Active = true
	integ.CreatedAt = now
	integ.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations (`+integrationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, 0, NULL, ?, ?)
	`, integ.ID, integ.WorkspaceID, integ.ProjectID, integ.Domain, integ.Email,
		integ.APIToken, integ.ProjectKey, formatTime(now), formatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateScope
		}
		return fmt.Errorf("insert integration: %w", err)
	}
	return nil
}

// GetIntegration fetches an integration by id.
func (s *SQLiteStore) GetIntegration(ctx context.Context, id string) (*types.Integration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE id = ?`, id)
	return scanIntegration(row)
}

// GetIntegrationByProjectKey fetches the active integration mapped to an
// external project key. Used by the webhook trigger to resolve scope.
func (s *SQLiteStore) GetIntegrationByProjectKey(ctx context.Context, projectKey string) (*types.Integration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE project_key = ? AND active = 1`,
		projectKey)
	return scanIntegration(row)
}

// ListActiveIntegrations returns all active integrations.
func (s *SQLiteStore) ListActiveIntegrations(ctx context.Context) ([]types.Integration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var out []types.Integration
	for rows.Next() {
		integ, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *integ)
	}
	return out, rows.Err()
}

// DeactivateIntegration soft-disables an integration. SyncRecord history is
// preserved for reconnects.
func (s *SQLiteStore) DeactivateIntegration(ctx context.Context, id string) error {
	return s.setActive(ctx, id, false)
}

// ReactivateIntegration re-enables an integration and clears its auth
// failure counter.
func (s *SQLiteStore) ReactivateIntegration(ctx context.Context, id string) error {
	if err := s.setActive(ctx, id, true); err != nil {
		return err
	}
	return s.ResetAuthFailures(ctx, id)
}

func (s *SQLiteStore) setActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update integration active flag: %w", err)
	}
	return requireRow(res)
}

// RecordAuthFailure increments the consecutive auth failure counter and
// returns the new count. The orchestrator deactivates at the policy limit.
func (s *SQLiteStore) RecordAuthFailure(ctx context.Context, id string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET auth_failures = auth_failures + 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return 0, fmt.Errorf("record auth failure: %w", err)
	}

	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT auth_failures FROM integrations WHERE id = ?`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

// ResetAuthFailures clears the consecutive auth failure counter after a
// successful authenticated call.
func (s *SQLiteStore) ResetAuthFailures(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET auth_failures = 0, updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("reset auth failures: %w", err)
	}
	return nil
}

// SetLastFetch advances the incremental-fetch watermark.
func (s *SQLiteStore) SetLastFetch(ctx context.Context, id string, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET last_fetch_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(t), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("set last fetch: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntegration(row rowScanner) (*types.Integration, error) {
	var integ types.Integration
	var active, authFailures int
	var lastFetch sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&integ.ID, &integ.WorkspaceID, &integ.ProjectID, &integ.Domain,
		&integ.Email, &integ.APIToken, &integ.ProjectKey, &active, &authFailures,
		&lastFetch, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan integration: %w", err)
	}

	integ.Active = active == 1
	integ.AuthFailures = authFailures
	integ.LastFetchAt = parseNullableTime(lastFetch)
	integ.CreatedAt = parseTime(createdAt)
	integ.UpdatedAt = parseTime(updatedAt)
	return &integ, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
