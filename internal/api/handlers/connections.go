package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/portal-connect/internal/auth/token"
)

// ConnectionsHandler lists the acting user's connection state per provider.
func ConnectionsHandler(tokens *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := actingUser(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		statuses, err := tokens.Status(r.Context(), user)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"user":        user,
			"connections": statuses,
		})
	}
}

// DisconnectHandler revokes and deactivates the acting user's credential.
func DisconnectHandler(tokens *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := actingUser(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		p, err := tokens.Provider(chi.URLParam(r, "provider"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if err := tokens.Disconnect(r.Context(), user, p.ID); err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{
			"status":   "disconnected",
			"provider": p.ID,
		})
	}
}

// RefreshConnectionHandler forces a refresh of the acting user's credential.
func RefreshConnectionHandler(tokens *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := actingUser(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		p, err := tokens.Provider(chi.URLParam(r, "provider"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		rec, err := tokens.Refresh(r.Context(), user, p.ID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"status":     "refreshed",
			"provider":   p.ID,
			"expires_at": rec.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
}
