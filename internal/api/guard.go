package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/fieldline/taskbridge/internal/store"
	"github.com/fieldline/taskbridge/internal/types"
	"github.com/go-chi/chi/v5"
)

// integrationContextKey is the context key for the resolved integration.
type integrationContextKey struct{}

// ErrNoIntegrationInContext indicates no integration was resolved for the request.
var ErrNoIntegrationInContext = errors.New("no integration in context")

// WithIntegration returns a new context with the integration attached.
func WithIntegration(ctx context.Context, integ *types.Integration) context.Context {
	return context.WithValue(ctx, integrationContextKey{}, integ)
}

// IntegrationFromContext extracts the integration from the context.
func IntegrationFromContext(ctx context.Context) (*types.Integration, error) {
	integ, ok := ctx.Value(integrationContextKey{}).(*types.Integration)
	if !ok || integ == nil {
		return nil, ErrNoIntegrationInContext
	}
	return integ, nil
}

// MustIntegrationFromContext extracts the integration or panics.
// Use only when middleware guarantees integration presence.
func MustIntegrationFromContext(ctx context.Context) *types.Integration {
	integ, err := IntegrationFromContext(ctx)
	if err != nil {
		panic("integration not in context: middleware misconfiguration")
	}
	return integ
}

// IntegrationCtx is the scope half of the access guard: it resolves the
// {integrationID} route parameter to a stored Integration once, so handlers
// never repeat the lookup-and-404 dance.
func (h *Handler) IntegrationCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "integrationID")
		if id == "" {
			WriteProblem(w, r, http.StatusBadRequest, "Missing integration id")
			return
		}

		integ, err := h.store.GetIntegration(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				WriteProblem(w, r, http.StatusNotFound, "Integration not found")
				return
			}
			MapError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIntegration(r.Context(), integ)))
	})
}
