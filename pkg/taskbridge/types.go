package taskbridge

import "time"

// Integration is the service's view of a tracker link. The API token is
// write-only: it is sent on create and never returned.
type Integration struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	ProjectID   string     `json:"project_id"`
	Domain      string     `json:"domain"`
	Email       string     `json:"email"`
	ProjectKey  string     `json:"project_key"`
	Active      bool       `json:"active"`
	LastFetchAt *time.Time `json:"last_fetch_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CreateIntegrationParams is the payload for creating an integration.
type CreateIntegrationParams struct {
	WorkspaceID string `json:"workspaceId"`
	ProjectID   string `json:"projectId"`
	Domain      string `json:"domain"`
	Email       string `json:"email"`
	APIToken    string `json:"apiToken"`
	ProjectKey  string `json:"projectKey"`
}

// Credentials is the payload for a connection test.
type Credentials struct {
	Domain   string `json:"domain"`
	Email    string `json:"email"`
	APIToken string `json:"apiToken"`
}

// ConnectionResult reports whether the tracker accepted the credentials.
type ConnectionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SyncOptions configures a triggered pass. A nil SyncOptions means the
// server's full bidirectional defaults.
type SyncOptions struct {
	PushToJira       bool   `json:"pushToJira"`
	PullFromJira     bool   `json:"pullFromJira"`
	ResolveConflicts string `json:"resolveConflicts"`
	SyncTasks        bool   `json:"syncTasks"`
	SyncStatuses     bool   `json:"syncStatuses"`
}

// FieldDiff is one diverging field of a conflicted entity.
type FieldDiff struct {
	Field  string `json:"field"`
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// Conflict is a both-changed entity awaiting resolution.
type Conflict struct {
	Key        string      `json:"key"`
	TaskID     string      `json:"task_id"`
	ExternalID string      `json:"external_id"`
	Diffs      []FieldDiff `json:"diffs"`
	Resolution string      `json:"resolution"`
	DetectedAt time.Time   `json:"detected_at"`
}

// EntityError is a per-entity failure recorded during a pass.
type EntityError struct {
	TaskID     string `json:"task_id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Stage      string `json:"stage"`
	Message    string `json:"message"`
}

// SyncResult is the summary of one triggered pass.
type SyncResult struct {
	TasksPushedToJira      int           `json:"tasksPushedToJira"`
	TasksPulledFromJira    int           `json:"tasksPulledFromJira"`
	StatusesPushedToJira   int           `json:"statusesPushedToJira"`
	StatusesPulledFromJira int           `json:"statusesPulledFromJira"`
	Conflicts              []Conflict    `json:"conflicts"`
	Errors                 []EntityError `json:"errors"`
}

// SyncStatus summarizes the sync ledger for one integration.
type SyncStatus struct {
	IntegrationID    string         `json:"integration_id"`
	Active           bool           `json:"active"`
	CountsByOutcome  map[string]int `json:"counts_by_outcome"`
	LastPassAt       *time.Time     `json:"last_pass_at,omitempty"`
	PendingConflicts []Conflict     `json:"pending_conflicts"`
}
