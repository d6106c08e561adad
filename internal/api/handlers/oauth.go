package handlers

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/portal-connect/internal/auth/oauthflow"
)

// ConnectURLHandler starts a connect flow for the acting user and returns
// the provider consent URL. The front end redirects the browser there.
func ConnectURLHandler(flow *oauthflow.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := actingUser(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		var req struct {
			ReturnTo string `json:"return_to"`
		}
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				WriteError(w, r, err)
				return
			}
		}
		provider := chi.URLParam(r, "provider")
		authURL, err := flow.Begin(r, user, provider, req.ReturnTo)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"auth_url": authURL})
	}
}

// CallbackHandler completes the flow. Browsers that started with a
// return_to path are sent back there; other callers get JSON.
func CallbackHandler(flow *oauthflow.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := flow.Complete(r.Context(), r, chi.URLParam(r, "provider"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		provider := string(res.Record.Provider)
		if res.ReturnTo != "" {
			target, _ := url.Parse(res.ReturnTo)
			q := target.Query()
			q.Set("connected", provider)
			target.RawQuery = q.Encode()
			http.Redirect(w, r, target.String(), http.StatusFound)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"status":        "connected",
			"provider":      provider,
			"account_email": res.Record.AccountEmail,
			"expires_at":    res.Record.ExpiresAt.UTC(),
		})
	}
}
