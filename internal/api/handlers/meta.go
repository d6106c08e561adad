package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/providers/catalog"
	"github.com/pysugar/portal-connect/internal/version"
)

// VersionHandler returns build information.
func VersionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{
			"version":    version.Version,
			"commit":     version.Commit,
			"build_time": version.BuildTime,
		})
	}
}

type providerInfo struct {
	ID         string   `json:"id"`
	Kind       string   `json:"kind"`
	AuthMode   string   `json:"auth_mode"`
	Configured bool     `json:"configured"`
	Scopes     []string `json:"scopes,omitempty"`
	LoginPath  string   `json:"login_path,omitempty"`
}

// ProvidersHandler lists the enabled providers and how to connect them.
func ProvidersHandler(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providers := make([]providerInfo, 0)
		for _, p := range cat.List() {
			if !p.Enabled {
				continue
			}
			info := providerInfo{
				ID:         p.ID,
				Kind:       p.Kind,
				AuthMode:   p.AuthMode,
				Configured: p.Configured(),
				Scopes:     p.Scopes,
			}
			if p.Kind == catalog.KindOAuth2 {
				info.LoginPath = "/api/connections/" + p.ID + "/login"
			}
			providers = append(providers, info)
		}
		WriteJSON(w, http.StatusOK, map[string]any{"providers": providers})
	}
}

// HealthHandler reports readiness. ping checks the token store backend.
func HealthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				WriteError(w, r, apperr.Persistence("health check", err))
				return
			}
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
