// Package api assembles the portal HTTP router.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pysugar/portal-connect/internal/api/handlers"
	"github.com/pysugar/portal-connect/internal/api/middleware"
	"github.com/pysugar/portal-connect/internal/auth/oauthflow"
	"github.com/pysugar/portal-connect/internal/auth/token"
	"github.com/pysugar/portal-connect/internal/db"
	"github.com/pysugar/portal-connect/internal/integrations/calendar"
	"github.com/pysugar/portal-connect/internal/integrations/crm"
	"github.com/pysugar/portal-connect/internal/integrations/mailer"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps are the services the router exposes.
type Deps struct {
	Tokens   *token.Manager
	Flow     *oauthflow.Flow
	Mail     *mailer.Sender
	Calendar *calendar.Service
	CRM      *crm.Client
	DB       *gorm.DB
	Audit    *db.AuditLog
	Logger   *zap.Logger
	// Ping checks the token store for /healthz.
	Ping func(ctx context.Context) error

	AdminPassword string
	RequireAPIKey bool
	MaskSecrets   bool
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.L()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Metrics)
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.ActingUser)

	r.Get("/healthz", handlers.HealthHandler(d.Ping))
	r.Handle("/metrics", promhttp.Handler())

	// The provider redirects the browser here; the user is recovered from
	// the state issued by /api/connections/{provider}/login.
	r.Get("/auth/{provider}/callback", handlers.CallbackHandler(d.Flow))

	r.Route("/api", func(r chi.Router) {
		if d.RequireAPIKey {
			r.Use(middleware.APIKeyAuth(func() string { return db.GetAPIKey(d.DB) }))
		}
		r.Get("/version", handlers.VersionHandler())
		r.Get("/providers", handlers.ProvidersHandler(d.Tokens.Catalog()))

		r.Get("/connections", handlers.ConnectionsHandler(d.Tokens))
		r.Post("/connections/{provider}/login", handlers.ConnectURLHandler(d.Flow))
		r.Delete("/connections/{provider}", handlers.DisconnectHandler(d.Tokens))
		r.Post("/connections/{provider}/refresh", handlers.RefreshConnectionHandler(d.Tokens))

		r.Post("/email/send", handlers.SendEmailHandler(d.Mail))
		r.Get("/calendar/events", handlers.ListEventsHandler(d.Calendar))
		r.Post("/calendar/events", handlers.CreateEventHandler(d.Calendar))

		r.Post("/crm/connect", handlers.CRMConnectHandler(d.CRM))
		r.Get("/crm/contacts", handlers.CRMContactsHandler(d.CRM))
		r.Post("/crm/activity", handlers.CRMActivityHandler(d.CRM))
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminAuth(d.AdminPassword))
		r.Get("/providers/{provider}/tokens", handlers.ListProviderTokensHandler(d.Tokens))
		r.Post("/providers/{provider}/clear", handlers.ClearProviderHandler(d.Tokens))
		r.Post("/providers/{provider}/force-reauth", handlers.ForceReauthHandler(d.Tokens))
		r.Get("/events", handlers.EventsHandler(d.Audit))
		r.Get("/config/apikey", handlers.GetAPIKeyHandler(d.DB, d.MaskSecrets))
		r.Post("/config/apikey/regenerate", handlers.RegenerateAPIKeyHandler(d.DB, d.MaskSecrets))
	})

	return r
}
