// Package app assembles the portal from configuration: database, token
// store, refresh lock, provider catalog, integrations and the HTTP router.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pysugar/portal-connect/internal/api"
	"github.com/pysugar/portal-connect/internal/auth/oauthflow"
	"github.com/pysugar/portal-connect/internal/auth/token"
	"github.com/pysugar/portal-connect/internal/config"
	"github.com/pysugar/portal-connect/internal/db"
	"github.com/pysugar/portal-connect/internal/db/pg"
	"github.com/pysugar/portal-connect/internal/integrations/calendar"
	"github.com/pysugar/portal-connect/internal/integrations/crm"
	"github.com/pysugar/portal-connect/internal/integrations/mailer"
	"github.com/pysugar/portal-connect/internal/locks"
	"github.com/pysugar/portal-connect/internal/providers/catalog"
	"github.com/pysugar/portal-connect/internal/upstream"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App holds the wired services. Close releases every backend connection.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	DB      *gorm.DB
	Audit   *db.AuditLog
	Tokens  *token.Manager
	Handler http.Handler

	ping    func(ctx context.Context) error
	pool    *pgxpool.Pool
	redis   goredislib.UniversalClient
	closers []func()
}

// New builds the application. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.DB, err = db.InitDB(db.Options{Dialect: cfg.DBDialect, DSN: cfg.DBDSN, Debug: cfg.DBDebug})
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	a.closers = append(a.closers, func() {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	a.Audit = db.NewAuditLog(a.DB)

	store, err := a.openTokenStore(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.TokenCacheTTL > 0 {
		store = token.NewCachedStore(store, cfg.TokenCacheTTL)
	}

	locker, err := a.openLocker(ctx)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Load(cfg.ProvidersFile)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	for _, p := range cat.List() {
		if p.Enabled && !p.Configured() {
			log.Warn("provider is not configured", zap.String("provider", p.ID),
				zap.String("client_id_env", p.ClientIDEnv))
		}
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}
	a.Tokens = token.NewManager(store, cat, token.Options{
		Locker:     locker,
		LockTTL:    cfg.LockTTL,
		Audit:      a.Audit,
		Logger:     log,
		HTTPClient: httpClient,
	})
	calls := upstream.NewCaller(a.Tokens, httpClient, log)

	// OAuth state follows the lock backend: with Redis any instance can
	// complete a callback.
	var states oauthflow.StateStore
	if a.redis != nil {
		states = oauthflow.NewRedisStates(a.redis)
	} else {
		if cfg.LockBackend == config.LockPostgres {
			log.Warn("oauth state is kept in process; route /auth callbacks to the instance that issued the login URL")
		}
		states = oauthflow.NewMemoryStates()
	}

	a.Handler = api.NewRouter(api.Deps{
		Tokens: a.Tokens,
		Flow: oauthflow.New(a.Tokens, oauthflow.Options{
			BaseURL:    cfg.BaseURL,
			States:     states,
			HTTPClient: httpClient,
			Logger:     log,
		}),
		Mail:          mailer.NewSender(calls),
		Calendar:      calendar.NewService(calls),
		CRM:           crm.NewClient(calls, a.Tokens, httpClient),
		DB:            a.DB,
		Audit:         a.Audit,
		Logger:        log,
		Ping:          a.ping,
		AdminPassword: cfg.AdminPassword,
		RequireAPIKey: cfg.RequireAPIKey,
		MaskSecrets:   cfg.IsProd(),
	})
	return a, nil
}

func (a *App) openTokenStore(ctx context.Context) (token.Store, error) {
	switch a.Config.TokenStore {
	case config.TokenStorePgx:
		pool, err := a.postgres(ctx)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		a.ping = pool.Ping
		return pg.NewStore(pool, nil), nil
	case config.TokenStoreMemory:
		a.Logger.Warn("using in-memory token store; credentials are lost on restart")
		s := token.NewMemoryStore(nil)
		a.closers = append(a.closers, func() { _ = s.Close() })
		return s, nil
	default:
		a.ping = func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
		return db.NewTokenStore(a.DB, nil), nil
	}
}

func (a *App) openLocker(ctx context.Context) (locks.Locker, error) {
	switch a.Config.LockBackend {
	case config.LockRedis:
		client := goredislib.NewClient(&goredislib.Options{
			Addr:     a.Config.RedisAddr,
			Password: a.Config.RedisPassword,
			DB:       a.Config.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis %s: %w", a.Config.RedisAddr, err)
		}
		a.redis = client
		return locks.NewRedis(client)
	case config.LockPostgres:
		pool, err := a.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return pg.NewAdvisoryLocker(pool), nil
	default:
		return locks.NewLocal(), nil
	}
}

// postgres opens the shared pgx pool on first use.
func (a *App) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	pool, err := pg.NewPool(ctx, a.Config.PostgresDSN)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	return pool, nil
}

// Close releases backends in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests for up to the configured shutdown timeout.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.Addr(),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("portal-connect listening",
			zap.String("addr", srv.Addr),
			zap.String("token_store", a.Config.TokenStore),
			zap.String("lock_backend", a.Config.LockBackend))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down", zap.Duration("timeout", a.Config.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
