package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fieldline/taskbridge/internal/store"
	"github.com/fieldline/taskbridge/internal/syncer"
	"github.com/fieldline/taskbridge/internal/types"
)

// webhookPayload is the subset of the Jira webhook envelope we act on.
type webhookPayload struct {
	WebhookEvent string `json:"webhookEvent"`
	Timestamp    int64  `json:"timestamp"`
	Issue        struct {
		ID     string `json:"id"`
		Key    string `json:"key"`
		Fields struct {
			Project struct {
				Key string `json:"key"`
			} `json:"project"`
		} `json:"fields"`
	} `json:"issue"`
}

// JiraWebhook handles POST /api/v1/webhooks/jira. Issue events trigger a
// pull-only pass for the integration matched by project key; everything the
// event carries beyond the project key is treated as a hint, never as data.
// The pass refetches from the source of truth.
func (h *Handler) JiraWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	if !strings.HasPrefix(payload.WebhookEvent, "jira:issue_") &&
		!strings.HasPrefix(payload.WebhookEvent, "issue_") {
		// Worklog, version, and other event families are acknowledged and
		// ignored so Jira does not retry them.
		slog.Debug("webhook event ignored", "event", payload.WebhookEvent)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "event ignored"})
		return
	}

	projectKey := payload.Issue.Fields.Project.Key
	if projectKey == "" {
		WriteProblem(w, r, http.StatusBadRequest, "Webhook issue event is missing the project key")
		return
	}

	integ, err := h.store.GetIntegrationByProjectKey(r.Context(), projectKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Not every project in the Jira site is synced. Acknowledge so
			// Jira does not retry, but do nothing.
			slog.Info("webhook for unmatched project",
				"project_key", projectKey,
				"event", payload.WebhookEvent,
			)
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "no integration for project"})
			return
		}
		MapError(w, r, err)
		return
	}

	opts := types.PassOptions{
		PushToJira:       false,
		PullFromJira:     true,
		SyncTasks:        true,
		SyncStatuses:     false,
		ResolveConflicts: types.PolicyManual,
	}

	result, err := h.syncer.Pass(r.Context(), integ.ID, opts, false)
	if err != nil {
		if errors.Is(err, syncer.ErrPassInProgress) {
			// A running pass will pick the change up through its own
			// snapshot. Acknowledge rather than force Jira into retries.
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "sync already in progress"})
			return
		}
		MapError(w, r, err)
		return
	}

	slog.Info("webhook sync complete",
		"integration_id", integ.ID,
		"event", payload.WebhookEvent,
		"issue_key", payload.Issue.Key,
		"pulled", result.TasksPulledFromJira,
		"conflicts", len(result.Conflicts),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Pulled %d tasks", result.TasksPulledFromJira),
	})
}
