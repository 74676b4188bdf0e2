package taskbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(srv.URL, "test-key")
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New("", "key"); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestPing(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	if err := client.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSync_SendsAuthAndDecodesResult(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if r.URL.Path != "/api/v1/integrations/int-1/sync" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			Options     *SyncOptions `json:"options"`
			ResetFailed bool         `json:"resetFailed"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Options != nil {
			t.Error("nil options should be omitted so server defaults apply")
		}
		if !body.ResetFailed {
			t.Error("resetFailed not carried")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"message": "ok",
			"data":    SyncResult{TasksPushedToJira: 1, TasksPulledFromJira: 4},
		})
	})

	result, err := client.Sync(context.Background(), "int-1", nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if result.TasksPulledFromJira != 4 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestErrorResponsesDecodeAsAPIError(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    429,
			"title":     "Too Many Requests",
			"detail":    "rate limit ceiling exceeded",
			"retryable": true,
		})
	})

	_, err := client.Sync(context.Background(), "int-1", nil, false)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || !apiErr.Retryable {
		t.Errorf("unexpected error fields: %+v", apiErr)
	}
}

func TestCreateIntegration(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		var params CreateIntegrationParams
		json.NewDecoder(r.Body).Decode(&params)
		if params.ProjectKey != "ACME" {
			t.Errorf("unexpected payload: %+v", params)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Integration{ID: "int-1", ProjectKey: "ACME", Active: true})
	})

	integ, err := client.CreateIntegration(context.Background(), CreateIntegrationParams{
		WorkspaceID: "ws-1", ProjectID: "proj-1",
		Domain: "acme", Email: "bot@acme.test", APIToken: "t", ProjectKey: "ACME",
	})
	if err != nil {
		t.Fatal(err)
	}
	if integ.ID != "int-1" || !integ.Active {
		t.Errorf("unexpected integration: %+v", integ)
	}
}

func TestResolveConflict_EscapesKey(t *testing.T) {
	var gotPath string
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})

	if err := client.ResolveConflict(context.Background(), "int-1", "int-1:task/9"); err != nil {
		t.Fatal(err)
	}
	want := "/api/v1/integrations/int-1/conflicts/int-1:task%2F9/resolve"
	if gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
}
