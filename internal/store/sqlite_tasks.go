package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/taskbridge/internal/types"
	"github.com/oklog/ulid/v2"
)

const taskColumns = `id, project_id, external_id, external_system, title, description,
	status_id, priority, assignee_id, external_data, created_at, updated_at`

// CreateTask inserts a new local task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *types.LocalTask) error {
	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = ulid.Make().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.ProjectID, nullableString(task.ExternalID), task.ExternalSystem,
		task.Title, task.Description, task.StatusID, task.Priority, task.AssigneeID,
		nullableBytes(task.ExternalData), formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*types.LocalTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetTaskByExternalID fetches the task linked to an external issue id.
func (s *SQLiteStore) GetTaskByExternalID(ctx context.Context, externalID string) (*types.LocalTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE external_id = ?`, externalID)
	return scanTask(row)
}

// ListTasksByProject returns every task in a project, ordered by id for
// deterministic pass processing.
func (s *SQLiteStore) ListTasksByProject(ctx context.Context, projectID string) ([]types.LocalTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []types.LocalTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

// UpdateTask writes task fields and bumps updated_at. Normal application
// writes go through here; the sync engine's pull writes use ApplyPull.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *types.LocalTask) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, status_id = ?, priority = ?,
			assignee_id = ?, external_data = ?, updated_at = ?
		WHERE id = ?
	`, task.Title, task.Description, task.StatusID, task.Priority, task.AssigneeID,
		nullableBytes(task.ExternalData), formatTime(task.UpdatedAt), task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireRow(res)
}

// ApplyPull writes a remote-sourced task change and its SyncRecord in one
// transaction. The task row is inserted when it does not exist yet
// (new_remote) and updated otherwise. Committing the record together with
// the write is what keeps a pulled change from re-classifying as a local
// edit later in the same pass.
func (s *SQLiteStore) ApplyPull(ctx context.Context, task *types.LocalTask, record *types.SyncRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pull transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = ulid.Make().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			external_id = excluded.external_id,
			external_system = excluded.external_system,
			title = excluded.title,
			description = excluded.description,
			status_id = excluded.status_id,
			priority = excluded.priority,
			assignee_id = excluded.assignee_id,
			external_data = excluded.external_data,
			updated_at = excluded.updated_at
	`, task.ID, task.ProjectID, nullableString(task.ExternalID), task.ExternalSystem,
		task.Title, task.Description, task.StatusID, task.Priority, task.AssigneeID,
		nullableBytes(task.ExternalData), formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert pulled task: %w", err)
	}

	record.TaskID = task.ID
	record.LocalRevision = types.RevisionToken(task.UpdatedAt)
	if err := upsertSyncRecordTx(ctx, tx, record); err != nil {
		return err
	}

	return tx.Commit()
}

// ApplyPush links a task to its external id (for newly created remote
// issues) and commits the SyncRecord, in one transaction.
func (s *SQLiteStore) ApplyPush(ctx context.Context, taskID, externalID, externalSystem string, record *types.SyncRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin push transaction: %w", err)
	}
	defer tx.Rollback()

	// Linking does not bump updated_at: the task content did not change,
	// and bumping it would make the next pass see a phantom local edit.
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET external_id = ?, external_system = ? WHERE id = ?
	`, externalID, externalSystem, taskID)
	if err != nil {
		return fmt.Errorf("link task external id: %w", err)
	}

	record.TaskID = taskID
	record.ExternalID = externalID
	if err := upsertSyncRecordTx(ctx, tx, record); err != nil {
		return err
	}

	return tx.Commit()
}

func scanTask(row rowScanner) (*types.LocalTask, error) {
	var task types.LocalTask
	var externalID, externalSystem, externalData sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&task.ID, &task.ProjectID, &externalID, &externalSystem,
		&task.Title, &task.Description, &task.StatusID, &task.Priority,
		&task.AssigneeID, &externalData, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if externalID.Valid {
		task.ExternalID = &externalID.String
	}
	task.ExternalSystem = externalSystem.String
	if externalData.Valid {
		task.ExternalData = []byte(externalData.String)
	}
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
	return &task, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
