package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"chatbloom/internal/models"
	"chatbloom/internal/ws"
)

type contextKey struct{}

// RequireAuth rejects requests without a valid token and stores the
// verified identity in the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.auth.Verify(ws.Token(r))
		if err != nil {
			slog.Debug("request rejected", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, identity)))
	}
}

func identityFrom(ctx context.Context) models.Identity {
	identity, _ := ctx.Value(contextKey{}).(models.Identity)
	return identity
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.APIResponse{
		Success: false,
		Message: message,
	})
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
