package types

import (
	"encoding/json"
	"time"
)

// ResolutionPolicy selects who wins when both sides of a linked entity
// changed since the last successful sync.
type ResolutionPolicy string

const (
	PolicyManual         ResolutionPolicy = "manual"
	PolicyLocalWins      ResolutionPolicy = "localWins"
	PolicyRemoteWins     ResolutionPolicy = "remoteWins"
	PolicyMostRecentWins ResolutionPolicy = "mostRecentWins"
)

// Valid reports whether p is a recognized resolution policy.
func (p ResolutionPolicy) Valid() bool {
	switch p {
	case PolicyManual, PolicyLocalWins, PolicyRemoteWins, PolicyMostRecentWins:
		return true
	}
	return false
}

// Outcome is the terminal state of a sync attempt for one entity, or of a
// whole pass.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeConflict    Outcome = "conflict"
	OutcomeError       Outcome = "error"
	OutcomeRateLimited Outcome = "rate_limited"
)

// Integration links one local project to one external Jira project. It holds
// the credentials and the incremental-fetch watermark. Deactivated on
// disconnect or repeated auth failure, never hard-deleted, so SyncRecord
// history survives a reconnect.
type Integration struct {
	ID           string     `json:"id"`
	WorkspaceID  string     `json:"workspace_id"`
	ProjectID    string     `json:"project_id"`
	Domain       string     `json:"domain"`
	Email        string     `json:"email"`
	APIToken     string     `json:"-"`
	ProjectKey   string     `json:"project_key"`
	Active       bool       `json:"active"`
	AuthFailures int        `json:"auth_failures"`
	LastFetchAt  *time.Time `json:"last_fetch_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// LocalTask is the application-owned side of a synced entity. ExternalID is
// nil until the task has been linked to a remote issue.
type LocalTask struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	ExternalID     *string         `json:"external_id,omitempty"`
	ExternalSystem string          `json:"external_system,omitempty"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	StatusID       string          `json:"status_id"`
	Priority       string          `json:"priority,omitempty"`
	AssigneeID     string          `json:"assignee_id,omitempty"`
	ExternalData   json.RawMessage `json:"external_data,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// StatusMapping maps one local status to one external status per
// integration. The reverse direction may be many-to-one but must stay
// deterministic, so lookups always pick the mapping row, never guess.
type StatusMapping struct {
	ID               string `json:"id"`
	IntegrationID    string `json:"integration_id"`
	LocalStatusID    string `json:"local_status_id"`
	ExternalStatus   string `json:"external_status"`
	ExternalCategory string `json:"external_category,omitempty"`
}

// SyncRecord is the per-entity ledger entry. Exactly one non-stale record
// exists per linked pair; superseded records are marked stale for audit,
// never erased.
type SyncRecord struct {
	ID             string           `json:"id"`
	IntegrationID  string           `json:"integration_id"`
	TaskID         string           `json:"task_id"`
	ExternalID     string           `json:"external_id"`
	LocalRevision  string           `json:"local_revision"`
	RemoteRevision string           `json:"remote_revision"`
	LastSyncedAt   time.Time        `json:"last_synced_at"`
	Outcome        Outcome          `json:"outcome"`
	Policy         ResolutionPolicy `json:"policy"`
	Attempts       int              `json:"attempts"`
	Stale          bool             `json:"stale"`
}

// RevisionToken renders an updated-at timestamp as the opaque revision token
// stored on SyncRecords. Comparing tokens detects change without comparing
// field values.
func RevisionToken(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// FieldDiff records one field whose local and remote values diverge.
type FieldDiff struct {
	Field  string `json:"field"`
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// Conflict is produced during a pass for a both-changed entity. Key is
// stable across passes (integration id + task id) so the UI can deduplicate
// a conflict that keeps re-surfacing under the manual policy.
type Conflict struct {
	Key        string      `json:"key"`
	TaskID     string      `json:"task_id"`
	ExternalID string      `json:"external_id"`
	Diffs      []FieldDiff `json:"diffs"`
	Resolution string      `json:"resolution"`
	DetectedAt time.Time   `json:"detected_at"`
}

// PassOptions configures one reconciliation pass. Disabling both push and
// pull turns the pass into a classification-only dry run.
type PassOptions struct {
	PushToJira       bool             `json:"pushToJira"`
	PullFromJira     bool             `json:"pullFromJira"`
	ResolveConflicts ResolutionPolicy `json:"resolveConflicts"`
	SyncTasks        bool             `json:"syncTasks"`
	SyncStatuses     bool             `json:"syncStatuses"`
}

// DefaultPassOptions is the full bidirectional pass used when a trigger
// supplies no options.
func DefaultPassOptions() PassOptions {
	return PassOptions{
		PushToJira:       true,
		PullFromJira:     true,
		ResolveConflicts: PolicyMostRecentWins,
		SyncTasks:        true,
		SyncStatuses:     true,
	}
}

// EntityError records a per-entity failure that did not abort the pass.
type EntityError struct {
	TaskID     string `json:"task_id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Stage      string `json:"stage"`
	Message    string `json:"message"`
}

// PassResult is the structured summary returned by every pass.
type PassResult struct {
	Outcome                Outcome       `json:"outcome"`
	TasksPushedToJira      int           `json:"tasksPushedToJira"`
	TasksPulledFromJira    int           `json:"tasksPulledFromJira"`
	StatusesPushedToJira   int           `json:"statusesPushedToJira"`
	StatusesPulledFromJira int           `json:"statusesPulledFromJira"`
	Unchanged              int           `json:"unchanged"`
	Conflicts              []Conflict    `json:"conflicts"`
	Errors                 []EntityError `json:"errors"`
	StartedAt              time.Time     `json:"started_at"`
	FinishedAt             time.Time     `json:"finished_at"`
}

// SyncStatus summarizes the ledger for one integration.
type SyncStatus struct {
	IntegrationID    string          `json:"integration_id"`
	Active           bool            `json:"active"`
	CountsByOutcome  map[Outcome]int `json:"counts_by_outcome"`
	LastPassAt       *time.Time      `json:"last_pass_at,omitempty"`
	PendingConflicts []Conflict      `json:"pending_conflicts"`
}
