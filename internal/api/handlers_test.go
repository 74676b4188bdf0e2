package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fieldline/taskbridge/internal/jira"
	"github.com/fieldline/taskbridge/internal/store"
	"github.com/fieldline/taskbridge/internal/syncer"
	"github.com/fieldline/taskbridge/internal/types"
)

const testAPIKey = "test-api-key"

// stubSyncer implements the Syncer interface for handler tests.
type stubSyncer struct {
	passResult   *types.PassResult
	passErr      error
	passCalls    int
	lastIntegID  string
	lastOpts     types.PassOptions
	lastReset    bool
	status       *types.SyncStatus
	statusErr    error
	connOK       bool
	connErr      error
	resolveErr   error
	resolvedKeys []string
}

func (s *stubSyncer) Pass(ctx context.Context, integrationID string, opts types.PassOptions, resetFailed bool) (*types.PassResult, error) {
	s.passCalls++
	s.lastIntegID = integrationID
	s.lastOpts = opts
	s.lastReset = resetFailed
	if s.passErr != nil {
		return nil, s.passErr
	}
	if s.passResult != nil {
		return s.passResult, nil
	}
	return &types.PassResult{Outcome: types.OutcomeSuccess}, nil
}

func (s *stubSyncer) Status(ctx context.Context, integrationID string) (*types.SyncStatus, error) {
	return s.status, s.statusErr
}

func (s *stubSyncer) TestConnection(ctx context.Context, creds jira.Credentials) (bool, error) {
	return s.connOK, s.connErr
}

func (s *stubSyncer) ResolveConflict(ctx context.Context, key string) error {
	s.resolvedKeys = append(s.resolvedKeys, key)
	return s.resolveErr
}

func newTestAPI(t *testing.T, sy *stubSyncer) (http.Handler, *store.SQLiteStore) {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	h := NewHandler(db, sy, testAPIKey, "test")
	return NewRouter(h, testAPIKey), db
}

func seedIntegration(t *testing.T, db *store.SQLiteStore) *types.Integration {
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

func doRequest(router http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- health ---

func TestHealth_NoAuthRequired(t *testing.T) {
	router, _ := newTestAPI(t, &stubSyncer{})
	w := doRequest(router, http.MethodGet, "/health", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

// --- auth ---

func TestAPI_RejectsMissingToken(t *testing.T) {
	router, _ := newTestAPI(t, &stubSyncer{})
	w := doRequest(router, http.MethodPost, "/api/v1/integrations", "{}", false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %s", ct)
	}
}

// --- create integration ---

func TestCreateIntegration_ProbesCredentialsFirst(t *testing.T) {
	sy := &stubSyncer{connOK: true}
	router, db := newTestAPI(t, sy)

	body := `{"workspaceId":"ws-1","projectId":"proj-1","domain":"acme","email":"bot@acme.test","apiToken":"secret","projectKey":"ACME"}`
	w := doRequest(router, http.MethodPost, "/api/v1/integrations", body, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// The token must never appear in the response.
	if strings.Contains(w.Body.String(), "secret") {
		t.Error("api token leaked into response body")
	}

	integ, err := db.GetIntegrationByProjectKey(context.Background(), "ACME")
	if err != nil {
		t.Fatal(err)
	}
	if !integ.Active {
		t.Error("created integration should be active")
	}
}

func TestCreateIntegration_RejectedCredentialsNeverPersisted(t *testing.T) {
	sy := &stubSyncer{connOK: false}
	router, db := newTestAPI(t, sy)

	body := `{"workspaceId":"ws-1","projectId":"proj-1","domain":"acme","email":"bot@acme.test","apiToken":"bad","projectKey":"ACME"}`
	w := doRequest(router, http.MethodPost, "/api/v1/integrations", body, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	if _, err := db.GetIntegrationByProjectKey(context.Background(), "ACME"); err == nil {
		t.Error("integration with rejected credentials must not be persisted")
	}
}

func TestCreateIntegration_MissingFields(t *testing.T) {
	router, _ := newTestAPI(t, &stubSyncer{connOK: true})
	w := doRequest(router, http.MethodPost, "/api/v1/integrations", `{"workspaceId":"ws-1"}`, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateIntegration_DuplicateScope(t *testing.T) {
	sy := &stubSyncer{connOK: true}
	router, db := newTestAPI(t, sy)
	seedIntegration(t, db)

	body := `{"workspaceId":"ws-1","projectId":"proj-1","domain":"acme","email":"bot@acme.test","apiToken":"secret","projectKey":"ACME"}`
	w := doRequest(router, http.MethodPost, "/api/v1/integrations", body, true)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate scope, got %d", w.Code)
	}
}

// --- connection test ---

func TestTestConnection_ReportsFailureWithoutPersisting(t *testing.T) {
	sy := &stubSyncer{connOK: false}
	router, _ := newTestAPI(t, sy)

	body := `{"domain":"acme","email":"bot@acme.test","apiToken":"bad"}`
	w := doRequest(router, http.MethodPost, "/api/v1/integrations/test", body, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp testConnectionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success {
		t.Error("expected failed connection result")
	}
	if resp.Message == "" {
		t.Error("expected actionable message")
	}
}

// --- trigger sync ---

func TestTriggerSync_DefaultsAndResponseShape(t *testing.T) {
	sy := &stubSyncer{passResult: &types.PassResult{
		Outcome:             types.OutcomeSuccess,
		TasksPushedToJira:   2,
		TasksPulledFromJira: 3,
		Conflicts:           []types.Conflict{},
		Errors:              []types.EntityError{},
	}}
	router, db := newTestAPI(t, sy)
	integ := seedIntegration(t, db)

	w := doRequest(router, http.MethodPost, "/api/v1/integrations/"+integ.ID+"/sync", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp triggerSyncResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Error("expected success=true")
	}
	if resp.Data.TasksPushedToJira != 2 || resp.Data.TasksPulledFromJira != 3 {
		t.Errorf("unexpected counts: %+v", resp.Data)
	}

	// Empty body means full bidirectional defaults.
	if !sy.lastOpts.PushToJira || !sy.lastOpts.PullFromJira || !sy.lastOpts.SyncTasks {
		t.Errorf("expected default pass options, got %+v", sy.lastOpts)
	}
	if sy.lastIntegID != integ.ID {
		t.Errorf("pass triggered for wrong integration: %s", sy.lastIntegID)
	}
}

func TestTriggerSync_ExplicitOptions(t *testing.T) {
	sy := &stubSyncer{}
	router, db := newTestAPI(t, sy)
	integ := seedIntegration(t, db)

	body := `{"options":{"pushToJira":false,"pullFromJira":true,"syncTasks":true,"resolveConflicts":"manual"},"resetFailed":true}`
	w := doRequest(router, http.MethodPost, "/api/v1/integrations/"+integ.ID+"/sync", body, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if sy.lastOpts.PushToJira {
		t.Error("expected push disabled")
	}
	if sy.lastOpts.ResolveConflicts != types.PolicyManual {
		t.Errorf("expected manual policy, got %s", sy.lastOpts.ResolveConflicts)
	}
	if !sy.lastReset {
		t.Error("expected resetFailed to pass through")
	}
}

func TestTriggerSync_UnknownPolicyRejected(t *testing.T) {
	sy := &stubSyncer{}
	router, db := newTestAPI(t, sy)
	integ := seedIntegration(t, db)

	body := `{"options":{"resolveConflicts":"coinFlip"}}`
	w := doRequest(router, http.MethodPost, "/api/v1/integrations/"+integ.ID+"/sync", body, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if sy.passCalls != 0 {
		t.Error("pass must not run with an invalid policy")
	}
}

func TestTriggerSync_PassInProgressMapsTo409(t *testing.T) {
	sy := &stubSyncer{passErr: syncer.ErrPassInProgress}
	router, db := newTestAPI(t, sy)
	integ := seedIntegration(t, db)

	w := doRequest(router, http.MethodPost, "/api/v1/integrations/"+integ.ID+"/sync", "", true)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestTriggerSync_RateLimitedMapsToRetryable429(t *testing.T) {
	sy := &stubSyncer{passErr: syncer.ErrRateLimited}
	router, db := newTestAPI(t, sy)
	integ := seedIntegration(t, db)

	w := doRequest(router, http.MethodPost, "/api/v1/integrations/"+integ.ID+"/sync", "", true)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if !p.Retryable {
		t.Error("rate-limited pass should be marked retryable")
	}
}

func TestTriggerSync_UnknownIntegration(t *testing.T) {
	router, _ := newTestAPI(t, &stubSyncer{})
	w := doRequest(router, http.MethodPost, "/api/v1/integrations/nope/sync", "", true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// --- status ---

func TestSyncStatus_ReturnsLedgerSummary(t *testing.T) {
	last := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	sy := &stubSyncer{status: &types.SyncStatus{
		IntegrationID:   "x",
		Active:          true,
		CountsByOutcome: map[types.Outcome]int{types.OutcomeSuccess: 4, types.OutcomeError: 1},
		LastPassAt:      &last,
	}}
	router, db := newTestAPI(t, sy)
	integ := seedIntegration(t, db)

	w := doRequest(router, http.MethodGet, "/api/v1/integrations/"+integ.ID+"/sync/status", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var status types.SyncStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.CountsByOutcome[types.OutcomeSuccess] != 4 {
		t.Errorf("unexpected counts: %+v", status.CountsByOutcome)
	}
}

// --- conflict resolution ---

func TestResolveConflict_PassesKeyThrough(t *testing.T) {
	sy := &stubSyncer{}
	router, db := newTestAPI(t, sy)
	integ := seedIntegration(t, db)

	key := integ.ID + ":task-1"
	w := doRequest(router, http.MethodPost,
		"/api/v1/integrations/"+integ.ID+"/conflicts/"+key+"/resolve", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(sy.resolvedKeys) != 1 || sy.resolvedKeys[0] != key {
		t.Errorf("expected key %q resolved, got %v", key, sy.resolvedKeys)
	}
}

func TestResolveConflict_UnknownKeyMapsTo404(t *testing.T) {
	sy := &stubSyncer{resolveErr: store.ErrNotFound}
	router, db := newTestAPI(t, sy)
	integ := seedIntegration(t, db)

	w := doRequest(router, http.MethodPost,
		"/api/v1/integrations/"+integ.ID+"/conflicts/nope/resolve", "", true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// --- status mappings ---

func TestStatusMappings_UpsertAndList(t *testing.T) {
	router, db := newTestAPI(t, &stubSyncer{})
	integ := seedIntegration(t, db)

	body := `{"localStatusId":"in_progress","externalStatus":"In Progress","externalCategory":"indeterminate"}`
	w := doRequest(router, http.MethodPut,
		"/api/v1/integrations/"+integ.ID+"/status-mappings", body, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(router, http.MethodGet,
		"/api/v1/integrations/"+integ.ID+"/status-mappings", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var mappings []types.StatusMapping
	if err := json.Unmarshal(w.Body.Bytes(), &mappings); err != nil {
		t.Fatal(err)
	}
	if len(mappings) != 1 || mappings[0].ExternalStatus != "In Progress" {
		t.Errorf("unexpected mappings: %+v", mappings)
	}
}

// --- lifecycle ---

func TestDeactivateReactivate(t *testing.T) {
	router, db := newTestAPI(t, &stubSyncer{})
	integ := seedIntegration(t, db)
	ctx := context.Background()

	w := doRequest(router, http.MethodPost, "/api/v1/integrations/"+integ.ID+"/deactivate", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got, err := db.GetIntegration(ctx, integ.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Active {
		t.Error("expected deactivated integration")
	}

	w = doRequest(router, http.MethodPost, "/api/v1/integrations/"+integ.ID+"/reactivate", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got, err = db.GetIntegration(ctx, integ.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active {
		t.Error("expected reactivated integration")
	}
}
