package store

import (
	"context"
	"time"

	"github.com/fieldline/taskbridge/internal/types"
)

// Store defines the persistence contract for tasks, integrations, status
// mappings, and the sync ledger.
type Store interface {
	// Integrations
	CreateIntegration(ctx context.Context, integ *types.Integration) error
	GetIntegration(ctx context.Context, id string) (*types.Integration, error)
	GetIntegrationByProjectKey(ctx context.Context, projectKey string) (*types.Integration, error)
	ListActiveIntegrations(ctx context.Context) ([]types.Integration, error)
	DeactivateIntegration(ctx context.Context, id string) error
	ReactivateIntegration(ctx context.Context, id string) error
	RecordAuthFailure(ctx context.Context, id string) (int, error)
	ResetAuthFailures(ctx context.Context, id string) error
	SetLastFetch(ctx context.Context, id string, t time.Time) error

	// Tasks
	CreateTask(ctx context.Context, task *types.LocalTask) error
	GetTask(ctx context.Context, id string) (*types.LocalTask, error)
	GetTaskByExternalID(ctx context.Context, externalID string) (*types.LocalTask, error)
	ListTasksByProject(ctx context.Context, projectID string) ([]types.LocalTask, error)
	UpdateTask(ctx context.Context, task *types.LocalTask) error

	// ApplyPull writes a remote-sourced task change and its SyncRecord in one
	// transaction, so a crash never leaves the entity written but unlinked.
	ApplyPull(ctx context.Context, task *types.LocalTask, record *types.SyncRecord) error

	// ApplyPush links a task to its external id (when newly created remotely)
	// and commits the SyncRecord, in one transaction.
	ApplyPush(ctx context.Context, taskID, externalID, externalSystem string, record *types.SyncRecord) error

	// Sync ledger
	GetSyncRecordByTask(ctx context.Context, integrationID, taskID string) (*types.SyncRecord, error)
	GetSyncRecordByExternalID(ctx context.Context, integrationID, externalID string) (*types.SyncRecord, error)
	ListSyncRecords(ctx context.Context, integrationID string) ([]types.SyncRecord, error)
	UpsertSyncRecord(ctx context.Context, record *types.SyncRecord) error
	MarkSyncRecordStale(ctx context.Context, id string) error
	ListStaleOutcomes(ctx context.Context, integrationID string, olderThan time.Time) ([]types.SyncRecord, error)
	ResetFailed(ctx context.Context, integrationID string) error
	CountSyncOutcomes(ctx context.Context, integrationID string) (map[types.Outcome]int, error)
	LastSyncedAt(ctx context.Context, integrationID string) (*time.Time, error)

	// Status mappings
	ListStatusMappings(ctx context.Context, integrationID string) ([]types.StatusMapping, error)
	UpsertStatusMapping(ctx context.Context, mapping *types.StatusMapping) error

	// Manual conflicts
	UpsertConflict(ctx context.Context, integrationID string, conflict *types.Conflict) error
	ListPendingConflicts(ctx context.Context, integrationID string) ([]types.Conflict, error)
	ResolveConflict(ctx context.Context, key string) error

	Close() error
}
