package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/portal-connect/internal/auth/token"
	"github.com/pysugar/portal-connect/internal/db"
	"github.com/pysugar/portal-connect/internal/util"
	"gorm.io/gorm"
)

// ClearProviderHandler hard-deletes every credential for a provider.
func ClearProviderHandler(tokens *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := chi.URLParam(r, "provider")
		n, err := tokens.ClearProvider(r.Context(), provider)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"provider": provider, "deleted": n})
	}
}

// ForceReauthHandler deactivates every credential for a provider.
func ForceReauthHandler(tokens *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := chi.URLParam(r, "provider")
		n, err := tokens.ForceReauth(r.Context(), provider)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"provider": provider, "deactivated": n})
	}
}

type tokenSummary struct {
	UserEmail    string    `json:"user_email"`
	AccountEmail string    `json:"account_email,omitempty"`
	AccessToken  string    `json:"access_token"`
	Refreshable  bool      `json:"refreshable"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastUsed     time.Time `json:"last_used"`
	Status       string    `json:"status"`
}

// ListProviderTokensHandler lists active credentials with masked tokens.
func ListProviderTokensHandler(tokens *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := chi.URLParam(r, "provider")
		recs, err := tokens.ListActive(r.Context(), provider)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		now := tokens.Now()
		out := make([]tokenSummary, 0, len(recs))
		for _, rec := range recs {
			out = append(out, tokenSummary{
				UserEmail:    rec.UserEmail,
				AccountEmail: rec.AccountEmail,
				AccessToken:  util.MaskToken(rec.AccessToken),
				Refreshable:  rec.CanRefresh(),
				ExpiresAt:    rec.ExpiresAt.UTC(),
				LastUsed:     rec.LastUsed.UTC(),
				Status:       string(token.Evaluate(rec, now)),
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"provider": provider, "tokens": out})
	}
}

// EventsHandler lists audited lifecycle events, newest first.
func EventsHandler(audit *db.AuditLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		filter := db.EventFilter{Limit: limit}
		if user := q.Get("user"); user != "" {
			email, err := token.NormalizeEmail(user)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			filter.UserEmail = email
		}
		if provider := q.Get("provider"); provider != "" {
			p, err := token.ParseProvider(provider)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			filter.Provider = string(p)
		}
		events, err := audit.ListEvents(r.Context(), filter)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

// GetAPIKeyHandler returns the portal API key, masked when mask is set.
func GetAPIKeyHandler(database *gorm.DB, mask bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := db.GetAPIKey(database)
		if mask {
			apiKey = util.MaskToken(apiKey)
		}
		WriteJSON(w, http.StatusOK, map[string]any{"api_key": apiKey, "masked": mask})
	}
}

// RegenerateAPIKeyHandler replaces the portal API key.
func RegenerateAPIKeyHandler(database *gorm.DB, mask bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey, err := db.RegenerateAPIKey(database)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if mask {
			apiKey = util.MaskToken(apiKey)
		}
		WriteJSON(w, http.StatusOK, map[string]any{"api_key": apiKey, "masked": mask})
	}
}
