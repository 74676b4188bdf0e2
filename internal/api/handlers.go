package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fieldline/taskbridge/internal/jira"
	"github.com/fieldline/taskbridge/internal/store"
	"github.com/fieldline/taskbridge/internal/types"
	"github.com/go-chi/chi/v5"
)

// Syncer is the orchestrator surface the API layer drives. Connection tests
// and status queries are first-class methods here, not reaches into client
// internals.
type Syncer interface {
	Pass(ctx context.Context, integrationID string, opts types.PassOptions, resetFailed bool) (*types.PassResult, error)
	Status(ctx context.Context, integrationID string) (*types.SyncStatus, error)
	TestConnection(ctx context.Context, creds jira.Credentials) (bool, error)
	ResolveConflict(ctx context.Context, key string) error
}

// Handler implements the API handlers.
type Handler struct {
	store   store.Store
	syncer  Syncer
	apiKey  string
	version string
}

// NewHandler creates a new Handler.
func NewHandler(s store.Store, sy Syncer, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		syncer:  sy,
		apiKey:  apiKey,
		version: version,
	}
}

// Health returns the health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"status":  "healthy",
		"version": h.version,
	}
	writeJSON(w, http.StatusOK, resp)
}

// createIntegrationRequest is the payload for POST /integrations.
type createIntegrationRequest struct {
	WorkspaceID string `json:"workspaceId"`
	ProjectID   string `json:"projectId"`
	Domain      string `json:"domain"`
	Email       string `json:"email"`
	APIToken    string `json:"apiToken"`
	ProjectKey  string `json:"projectKey"`
}

func (req *createIntegrationRequest) validate() error {
	var missing []string
	for field, v := range map[string]string{
		"workspaceId": req.WorkspaceID,
		"projectId":   req.ProjectID,
		"domain":      req.Domain,
		"email":       req.Email,
		"apiToken":    req.APIToken,
		"projectKey":  req.ProjectKey,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// CreateIntegration handles POST /api/v1/integrations. Credentials are
// probed before anything is written: invalid credentials are never persisted.
func (h *Handler) CreateIntegration(w http.ResponseWriter, r *http.Request) {
	var req createIntegrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if err := req.validate(); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	creds := jira.Credentials{Domain: req.Domain, Email: req.Email, APIToken: req.APIToken}
	ok, err := h.syncer.TestConnection(r.Context(), creds)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if !ok {
		WriteProblem(w, r, http.StatusBadRequest, "Credentials were rejected by the external tracker")
		return
	}

	integ := &types.Integration{
		WorkspaceID: req.WorkspaceID,
		ProjectID:   req.ProjectID,
		Domain:      req.Domain,
		Email:       req.Email,
		APIToken:    req.APIToken,
		ProjectKey:  req.ProjectKey,
	}
	if err := h.store.CreateIntegration(r.Context(), integ); err != nil {
		MapError(w, r, err)
		return
	}

	slog.Info("integration created",
		"component", "api",
		"integration_id", integ.ID,
		"project_key", integ.ProjectKey,
	)
	writeJSON(w, http.StatusCreated, integ)
}

// DeactivateIntegration handles POST /integrations/{integrationID}/deactivate.
func (h *Handler) DeactivateIntegration(w http.ResponseWriter, r *http.Request) {
	integ := MustIntegrationFromContext(r.Context())
	if err := h.store.DeactivateIntegration(r.Context(), integ.ID); err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "integration deactivated"})
}

// ReactivateIntegration handles POST /integrations/{integrationID}/reactivate.
// Sync history is intact: the ledger survives deactivation.
func (h *Handler) ReactivateIntegration(w http.ResponseWriter, r *http.Request) {
	integ := MustIntegrationFromContext(r.Context())
	if err := h.store.ReactivateIntegration(r.Context(), integ.ID); err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "integration reactivated"})
}

// testConnectionResponse is the payload for POST /integrations/test.
type testConnectionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// TestConnection handles POST /api/v1/integrations/test. Nothing is persisted.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var creds jira.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if creds.Domain == "" || creds.Email == "" || creds.APIToken == "" {
		WriteProblem(w, r, http.StatusBadRequest, "domain, email, and apiToken are required")
		return
	}

	ok, err := h.syncer.TestConnection(r.Context(), creds)
	if err != nil {
		MapError(w, r, err)
		return
	}

	resp := testConnectionResponse{Success: ok, Message: "Connection successful"}
	if !ok {
		resp.Message = "Authentication failed: check domain, email, and API token"
	}
	writeJSON(w, http.StatusOK, resp)
}

// triggerSyncRequest is the payload for POST /integrations/{id}/sync.
type triggerSyncRequest struct {
	Options     *types.PassOptions `json:"options"`
	ResetFailed bool               `json:"resetFailed"`
}

// triggerSyncResponse mirrors the structured pass summary.
type triggerSyncResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    triggerSyncData `json:"data"`
}

type triggerSyncData struct {
	TasksPushedToJira      int                 `json:"tasksPushedToJira"`
	TasksPulledFromJira    int                 `json:"tasksPulledFromJira"`
	StatusesPushedToJira   int                 `json:"statusesPushedToJira"`
	StatusesPulledFromJira int                 `json:"statusesPulledFromJira"`
	Conflicts              []types.Conflict    `json:"conflicts"`
	Errors                 []types.EntityError `json:"errors,omitempty"`
}

// TriggerSync handles POST /api/v1/integrations/{integrationID}/sync: one
// manual reconciliation pass, run to completion before responding.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	integ := MustIntegrationFromContext(r.Context())

	req := triggerSyncRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
			return
		}
	}

	opts := types.DefaultPassOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	if opts.ResolveConflicts != "" && !opts.ResolveConflicts.Valid() {
		WriteProblem(w, r, http.StatusBadRequest,
			fmt.Sprintf("Unknown conflict resolution policy %q", opts.ResolveConflicts))
		return
	}

	result, err := h.syncer.Pass(r.Context(), integ.ID, opts, req.ResetFailed)
	if err != nil {
		MapError(w, r, err)
		return
	}

	message := fmt.Sprintf("Sync complete: %d pushed, %d pulled, %d conflicts, %d errors",
		result.TasksPushedToJira, result.TasksPulledFromJira,
		len(result.Conflicts), len(result.Errors))

	writeJSON(w, http.StatusOK, triggerSyncResponse{
		Success: true,
		Message: message,
		Data: triggerSyncData{
			TasksPushedToJira:      result.TasksPushedToJira,
			TasksPulledFromJira:    result.TasksPulledFromJira,
			StatusesPushedToJira:   result.StatusesPushedToJira,
			StatusesPulledFromJira: result.StatusesPulledFromJira,
			Conflicts:              result.Conflicts,
			Errors:                 result.Errors,
		},
	})
}

// SyncStatus handles GET /api/v1/integrations/{integrationID}/sync/status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	integ := MustIntegrationFromContext(r.Context())

	status, err := h.syncer.Status(r.Context(), integ.ID)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ResolveConflict handles POST /integrations/{integrationID}/conflicts/{conflictKey}/resolve.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "conflictKey")
	if key == "" {
		WriteProblem(w, r, http.StatusBadRequest, "Missing conflict key")
		return
	}
	if err := h.syncer.ResolveConflict(r.Context(), key); err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "conflict resolved"})
}

// statusMappingRequest is the payload for PUT /integrations/{id}/status-mappings.
type statusMappingRequest struct {
	LocalStatusID    string `json:"localStatusId"`
	ExternalStatus   string `json:"externalStatus"`
	ExternalCategory string `json:"externalCategory"`
}

// UpsertStatusMapping handles PUT /api/v1/integrations/{integrationID}/status-mappings.
func (h *Handler) UpsertStatusMapping(w http.ResponseWriter, r *http.Request) {
	integ := MustIntegrationFromContext(r.Context())

	var req statusMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.LocalStatusID == "" || req.ExternalStatus == "" {
		WriteProblem(w, r, http.StatusBadRequest, "localStatusId and externalStatus are required")
		return
	}

	mapping := &types.StatusMapping{
		IntegrationID:    integ.ID,
		LocalStatusID:    req.LocalStatusID,
		ExternalStatus:   req.ExternalStatus,
		ExternalCategory: req.ExternalCategory,
	}
	if err := h.store.UpsertStatusMapping(r.Context(), mapping); err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapping)
}

// ListStatusMappings handles GET /api/v1/integrations/{integrationID}/status-mappings.
func (h *Handler) ListStatusMappings(w http.ResponseWriter, r *http.Request) {
	integ := MustIntegrationFromContext(r.Context())

	mappings, err := h.store.ListStatusMappings(r.Context(), integ.ID)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mappings)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
