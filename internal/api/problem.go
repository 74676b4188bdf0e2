package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fieldline/taskbridge/internal/jira"
	"github.com/fieldline/taskbridge/internal/store"
	"github.com/fieldline/taskbridge/internal/syncer"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://taskbridge.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://taskbridge.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://taskbridge.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusConflict: {
		typeURI: "https://taskbridge.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusTooManyRequests: {
		typeURI: "https://taskbridge.dev/errors/rate-limit",
		title:   "Too Many Requests",
	},
	http.StatusBadGateway: {
		typeURI: "https://taskbridge.dev/errors/upstream-error",
		title:   "Upstream Error",
	},
	http.StatusInternalServerError: {
		typeURI: "https://taskbridge.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemFull(w, r, status, detail, false)
}

func writeProblemFull(w http.ResponseWriter, r *http.Request, status int, detail string, retryable bool) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://taskbridge.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:      pt.typeURI,
		Title:     pt.title,
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		Retryable: retryable,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapError converts domain errors to Problem Details responses.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *jira.APIError
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, store.ErrDuplicateScope):
		WriteProblem(w, r, http.StatusConflict, "An integration already exists for this project")
	case errors.Is(err, store.ErrIntegrationInactive):
		WriteProblem(w, r, http.StatusConflict, "Integration is inactive")
	case errors.Is(err, syncer.ErrPassInProgress):
		WriteProblem(w, r, http.StatusConflict, "A sync pass is already running for this integration")
	case errors.Is(err, syncer.ErrRateLimited):
		writeProblemFull(w, r, http.StatusTooManyRequests,
			"Sync pass aborted: external rate limit ceiling exceeded", true)
	case errors.Is(err, syncer.ErrAuthFailed), errors.Is(err, jira.ErrAuthFailed):
		WriteProblem(w, r, http.StatusBadGateway, "External tracker rejected the integration credentials")
	case errors.As(err, &apiErr):
		WriteProblem(w, r, http.StatusBadGateway, "External tracker request failed")
	default:
		// Never expose internal error details to clients
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
