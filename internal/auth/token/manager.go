package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/locks"
	"github.com/pysugar/portal-connect/internal/logging"
	"github.com/pysugar/portal-connect/internal/metrics"
	"github.com/pysugar/portal-connect/internal/providers/catalog"
	"github.com/pysugar/portal-connect/internal/util"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const defaultLockTTL = 30 * time.Second

// Options configures a Manager. Zero values select in-process defaults.
type Options struct {
	// Locker serializes refreshes of the same key across instances.
	Locker locks.Locker
	// LockTTL bounds both lock expiry and the time spent waiting for it.
	LockTTL    time.Duration
	Refresher  Refresher
	Revoker    Revoker
	Audit      AuditSink
	Clock      Clock
	Logger     *zap.Logger
	HTTPClient *http.Client
}

// Manager handles the token lifecycle: connect, lazy refresh, invalidation,
// disconnect and the administrative bulk operations.
type Manager struct {
	store     Store
	catalog   *catalog.Catalog
	refresher Refresher
	revoker   Revoker
	locker    locks.Locker
	lockTTL   time.Duration
	audit     AuditSink
	now       Clock
	log       *zap.Logger
	group     singleflight.Group
}

// forgetter is implemented by stores that cache reads.
type forgetter interface {
	Forget(userEmail string, provider Provider)
}

// NewManager creates a token manager over store.
func NewManager(store Store, cat *catalog.Catalog, opts Options) *Manager {
	clock := opts.Clock.orDefault()
	m := &Manager{
		store:     store,
		catalog:   cat,
		refresher: opts.Refresher,
		revoker:   opts.Revoker,
		locker:    opts.Locker,
		lockTTL:   opts.LockTTL,
		audit:     opts.Audit,
		now:       clock,
		log:       opts.Logger,
	}
	if m.refresher == nil {
		m.refresher = NewOAuthRefresher(cat, opts.HTTPClient, clock)
	}
	if m.revoker == nil {
		m.revoker = NewHTTPRevoker(cat, opts.HTTPClient)
	}
	if m.locker == nil {
		m.locker = locks.NewLocal()
	}
	if m.lockTTL <= 0 {
		m.lockTTL = defaultLockTTL
	}
	if m.audit == nil {
		m.audit = nopAudit{}
	}
	if m.log == nil {
		m.log = zap.L()
	}
	return m
}

// Catalog returns the provider catalog the manager was built with.
func (m *Manager) Catalog() *catalog.Catalog {
	return m.catalog
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// Provider resolves a provider tag against the catalog.
func (m *Manager) Provider(tag string) (catalog.Provider, error) {
	p, err := ParseProvider(tag)
	if err != nil {
		return catalog.Provider{}, err
	}
	cp, ok := m.catalog.Get(string(p))
	if !ok || !cp.Enabled {
		return catalog.Provider{}, apperr.Validationf("unsupported provider %q", tag)
	}
	return cp, nil
}

// Connect stores rec as the user's credential for its provider, replacing
// and reactivating any previous record.
func (m *Manager) Connect(ctx context.Context, rec *Record) (*Record, error) {
	if rec == nil {
		return nil, apperr.Validation("token record is required")
	}
	if _, err := m.Provider(string(rec.Provider)); err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, m.storeErr("save", err)
	}

	logging.With(m.log, ctx).Info("token connected",
		zap.String("user", rec.UserEmail),
		zap.String("provider", string(rec.Provider)),
		zap.String("token", util.MaskToken(rec.AccessToken)),
		zap.Bool("refreshable", rec.CanRefresh()),
		zap.Time("expires_at", rec.ExpiresAt))
	m.record(ctx, ActionConnected, rec.UserEmail, rec.Provider, rec.AccountEmail)
	return rec.Clone(), nil
}

// ConnectOAuth stores the result of an authorization code exchange.
func (m *Manager) ConnectOAuth(ctx context.Context, userEmail, provider string, tok *oauth2.Token, accountEmail string) (*Record, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, apperr.Validation("token response carried no access token")
	}
	p, err := m.Provider(provider)
	if err != nil {
		return nil, err
	}

	now := m.now()
	rec := &Record{
		UserEmail:    userEmail,
		Provider:     Provider(p.ID),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    ExpiryFor(tok, now, p.TokenTTL),
		Scopes:       p.Scopes,
		AccountEmail: strings.ToLower(strings.TrimSpace(accountEmail)),
		LastUsed:     now,
	}
	if scope, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(scope) != "" {
		rec.Scopes = strings.Fields(scope)
	}
	// Some providers omit the refresh token on re-consent; keep the one we have.
	if rec.RefreshToken == "" {
		if prev, err := m.store.Get(ctx, userEmail, rec.Provider); err == nil {
			rec.RefreshToken = prev.RefreshToken
		}
	}
	return m.Connect(ctx, rec)
}

// ConnectAPIKey stores a long-lived API key as the access token. It expires
// after the provider's configured TTL and never refreshes.
func (m *Manager) ConnectAPIKey(ctx context.Context, userEmail, provider, apiKey, accountEmail string) (*Record, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, apperr.Validation("api key is required")
	}
	p, err := m.Provider(provider)
	if err != nil {
		return nil, err
	}
	if p.Kind != catalog.KindAPIKey {
		return nil, apperr.Validationf("provider %s does not accept api keys", p.ID)
	}

	now := m.now()
	return m.Connect(ctx, &Record{
		UserEmail:    userEmail,
		Provider:     Provider(p.ID),
		AccessToken:  apiKey,
		ExpiresAt:    now.Add(p.TokenTTL),
		AccountEmail: strings.ToLower(strings.TrimSpace(accountEmail)),
		LastUsed:     now,
	})
}

// Get returns the active record for the key without refreshing it.
func (m *Manager) Get(ctx context.Context, userEmail, provider string) (*Record, error) {
	key, err := NewKey(userEmail, provider)
	if err != nil {
		return nil, err
	}
	rec, err := m.store.Get(ctx, key.UserEmail, key.Provider)
	if errors.Is(err, ErrNotFound) {
		return nil, m.missing(ctx, key)
	}
	if err != nil {
		return nil, m.storeErr("get", err)
	}
	return rec, nil
}

// HasValidTokens reports whether the user holds a usable credential for the
// provider right now.
func (m *Manager) HasValidTokens(ctx context.Context, userEmail, provider string) (bool, error) {
	key, err := NewKey(userEmail, provider)
	if err != nil {
		return false, err
	}
	ok, err := HasValidTokens(ctx, m.store, key.UserEmail, key.Provider, m.now())
	if err != nil {
		return false, m.storeErr("get", err)
	}
	return ok, nil
}

// AccessToken returns a record whose access token is valid for use,
// refreshing it first when it is expired or inside the grace window.
// Concurrent callers for the same key share one refresh.
func (m *Manager) AccessToken(ctx context.Context, userEmail, provider string) (*Record, error) {
	key, err := NewKey(userEmail, provider)
	if err != nil {
		return nil, err
	}
	rec, err := m.store.Get(ctx, key.UserEmail, key.Provider)
	if errors.Is(err, ErrNotFound) {
		return nil, m.missing(ctx, key)
	}
	if err != nil {
		return nil, m.storeErr("get", err)
	}
	if IsValid(rec, m.now()) {
		return rec, nil
	}
	return m.refreshShared(ctx, key, false)
}

// Refresh forces a refresh regardless of the current expiry.
func (m *Manager) Refresh(ctx context.Context, userEmail, provider string) (*Record, error) {
	key, err := NewKey(userEmail, provider)
	if err != nil {
		return nil, err
	}
	return m.refreshShared(ctx, key, true)
}

func (m *Manager) refreshShared(ctx context.Context, key Key, force bool) (*Record, error) {
	sfKey := key.String()
	if force {
		sfKey += "|force"
	}
	v, err, _ := m.group.Do(sfKey, func() (any, error) {
		// Shared by every waiter, so one caller's cancellation must not fail
		// the others. The lock TTL bounds the whole operation.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.lockTTL)
		defer cancel()
		return m.refreshLocked(sctx, key, force)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record).Clone(), nil
}

func (m *Manager) refreshLocked(ctx context.Context, key Key, force bool) (*Record, error) {
	log := logging.With(m.log, ctx).With(
		zap.String("user", key.UserEmail),
		zap.String("provider", string(key.Provider)))

	unlock, err := m.locker.Lock(ctx, "token-refresh:"+key.String(), m.lockTTL)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(string(key.Provider), "lock_error").Inc()
		return nil, apperr.Persistence("refresh lock", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to release refresh lock", zap.Error(err))
		}
	}()

	// Another instance may have refreshed while we waited for the lock.
	if f, ok := m.store.(forgetter); ok {
		f.Forget(key.UserEmail, key.Provider)
	}
	rec, err := m.store.Get(ctx, key.UserEmail, key.Provider)
	if errors.Is(err, ErrNotFound) {
		return nil, m.missing(ctx, key)
	}
	if err != nil {
		return nil, m.storeErr("get", err)
	}
	if !force && IsValid(rec, m.now()) {
		log.Debug("token already refreshed by a concurrent caller")
		return rec, nil
	}

	fresh, err := m.refresher.Refresh(ctx, rec)
	if err != nil {
		if errors.Is(err, ErrRefreshRejected) {
			log.Warn("refresh token rejected, deactivating record", zap.Error(err))
			if rmErr := m.store.Remove(ctx, key.UserEmail, key.Provider); rmErr != nil {
				log.Error("failed to deactivate rejected record", zap.Error(rmErr))
				return nil, m.storeErr("remove", rmErr)
			}
			metrics.TokenInvalidations.WithLabelValues(string(key.Provider), ActionRefreshRejected).Inc()
			m.record(ctx, ActionRefreshRejected, key.UserEmail, key.Provider, "")
			return nil, err
		}
		if apperr.Is(err, apperr.KindReauthorizationRequired) {
			log.Info("token expired and cannot be refreshed")
			return nil, err
		}
		log.Warn("token refresh failed", zap.Error(err))
		return nil, err
	}

	if !fresh.ExpiresAt.After(rec.ExpiresAt) && !force {
		return nil, apperr.Upstream(string(key.Provider), 0,
			fmt.Errorf("refreshed token expiry %s does not extend %s", fresh.ExpiresAt.Format(time.RFC3339), rec.ExpiresAt.Format(time.RFC3339)))
	}
	if err := m.store.Save(ctx, fresh); err != nil {
		metrics.TokenRefreshes.WithLabelValues(string(key.Provider), "persistence_error").Inc()
		return nil, m.storeErr("save", err)
	}

	log.Info("token refreshed",
		zap.String("token", util.MaskToken(fresh.AccessToken)),
		zap.Bool("rotated", fresh.RefreshToken != rec.RefreshToken),
		zap.Time("expires_at", fresh.ExpiresAt))
	m.record(ctx, ActionRefreshed, key.UserEmail, key.Provider, "")

	// The record is kept so a rotated refresh token is not lost, but a token
	// that is already inside the grace window is not handed out.
	if !IsValid(fresh, m.now()) {
		log.Warn("provider issued a token inside the grace window",
			zap.Time("expires_at", fresh.ExpiresAt),
			zap.Duration("grace", GraceWindow))
		return nil, apperr.Upstream(string(key.Provider), 0,
			fmt.Errorf("refreshed token expires at %s, inside the %s grace window", fresh.ExpiresAt.Format(time.RFC3339), GraceWindow))
	}
	return fresh, nil
}

// Invalidate deactivates the record after the provider rejected its access
// token live, and returns the error callers should surface.
func (m *Manager) Invalidate(ctx context.Context, userEmail, provider, reason string) error {
	key, err := NewKey(userEmail, provider)
	if err != nil {
		return err
	}
	if err := m.store.Remove(ctx, key.UserEmail, key.Provider); err != nil {
		return m.storeErr("remove", err)
	}
	metrics.TokenInvalidations.WithLabelValues(string(key.Provider), "upstream_unauthorized").Inc()
	logging.With(m.log, ctx).Warn("token invalidated",
		zap.String("user", key.UserEmail),
		zap.String("provider", string(key.Provider)),
		zap.String("reason", reason))
	m.record(ctx, ActionInvalidated, key.UserEmail, key.Provider, reason)
	return apperr.Reauthorization(string(key.Provider), errors.New(reason))
}

// Disconnect revokes the credential at the provider, best effort, and
// deactivates the local record. Disconnecting twice is not an error.
func (m *Manager) Disconnect(ctx context.Context, userEmail, provider string) error {
	key, err := NewKey(userEmail, provider)
	if err != nil {
		return err
	}
	log := logging.With(m.log, ctx).With(
		zap.String("user", key.UserEmail),
		zap.String("provider", string(key.Provider)))

	rec, err := m.store.Get(ctx, key.UserEmail, key.Provider)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return m.storeErr("get", err)
	default:
		if err := m.revoker.Revoke(ctx, rec); err != nil {
			log.Warn("provider revoke failed, removing local record anyway", zap.Error(err))
		}
	}

	if err := m.store.Remove(ctx, key.UserEmail, key.Provider); err != nil {
		return m.storeErr("remove", err)
	}
	log.Info("token disconnected")
	m.record(ctx, ActionDisconnected, key.UserEmail, key.Provider, "")
	return nil
}

// TouchLastUsed records a successful use. Failures are logged and swallowed.
func (m *Manager) TouchLastUsed(ctx context.Context, userEmail, provider string) {
	key, err := NewKey(userEmail, provider)
	if err != nil {
		return
	}
	if err := m.store.TouchLastUsed(ctx, key.UserEmail, key.Provider, m.now()); err != nil {
		_ = m.storeErr("touch", err)
		logging.With(m.log, ctx).Warn("failed to update token last_used",
			zap.String("user", key.UserEmail),
			zap.String("provider", string(key.Provider)),
			zap.Error(err))
	}
}

// ConnectionStatus is one row of a user's connection overview.
type ConnectionStatus struct {
	Provider     Provider   `json:"provider"`
	Kind         string     `json:"kind"`
	Connected    bool       `json:"connected"`
	Valid        bool       `json:"valid"`
	Status       Status     `json:"status"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
	AccountEmail string     `json:"account_email,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
}

// Status reports the user's connection state for every enabled provider.
func (m *Manager) Status(ctx context.Context, userEmail string) ([]ConnectionStatus, error) {
	email, err := NormalizeEmail(userEmail)
	if err != nil {
		return nil, err
	}
	recs, err := m.store.ListByUser(ctx, email)
	if err != nil {
		return nil, m.storeErr("list", err)
	}
	byProvider := make(map[Provider]*Record, len(recs))
	for _, rec := range recs {
		byProvider[rec.Provider] = rec
	}

	now := m.now()
	var out []ConnectionStatus
	for _, p := range m.catalog.List() {
		if !p.Enabled {
			continue
		}
		rec := byProvider[Provider(p.ID)]
		st := ConnectionStatus{
			Provider: Provider(p.ID),
			Kind:     p.Kind,
			Status:   Evaluate(rec, now),
		}
		if rec != nil && rec.IsActive {
			expires, lastUsed := rec.ExpiresAt, rec.LastUsed
			st.Connected = true
			st.Valid = IsValid(rec, now)
			st.ExpiresAt = &expires
			st.LastUsed = &lastUsed
			st.AccountEmail = rec.AccountEmail
			st.Scopes = rec.Scopes
		}
		out = append(out, st)
	}
	return out, nil
}

// ListActive returns the active records for provider ordered by user.
func (m *Manager) ListActive(ctx context.Context, provider string) ([]*Record, error) {
	p, err := ParseProvider(provider)
	if err != nil {
		return nil, err
	}
	recs, err := m.store.ListActiveByProvider(ctx, p)
	if err != nil {
		return nil, m.storeErr("list", err)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].UserEmail < recs[j].UserEmail })
	return recs, nil
}

// ClearProvider hard-deletes every record for provider.
func (m *Manager) ClearProvider(ctx context.Context, provider string) (int64, error) {
	p, err := ParseProvider(provider)
	if err != nil {
		return 0, err
	}
	n, err := m.store.ClearProvider(ctx, p)
	if err != nil {
		return 0, m.storeErr("clear", err)
	}
	logging.With(m.log, ctx).Warn("provider tokens cleared",
		zap.String("provider", string(p)), zap.Int64("count", n))
	m.record(ctx, ActionCleared, "", p, fmt.Sprintf("%d records", n))
	return n, nil
}

// ForceReauth deactivates every active record for provider so each user
// must reconnect.
func (m *Manager) ForceReauth(ctx context.Context, provider string) (int64, error) {
	p, err := ParseProvider(provider)
	if err != nil {
		return 0, err
	}
	n, err := m.store.DeactivateProvider(ctx, p)
	if err != nil {
		return 0, m.storeErr("deactivate", err)
	}
	logging.With(m.log, ctx).Warn("provider tokens deactivated",
		zap.String("provider", string(p)), zap.Int64("count", n))
	m.record(ctx, ActionForceReauth, "", p, fmt.Sprintf("%d records", n))
	return n, nil
}

// missing distinguishes a user who never connected from one whose record
// was deactivated.
func (m *Manager) missing(ctx context.Context, key Key) error {
	recs, err := m.store.ListByUser(ctx, key.UserEmail)
	if err != nil {
		return m.storeErr("list", err)
	}
	for _, rec := range recs {
		if rec.Provider == key.Provider {
			return apperr.Reauthorization(string(key.Provider), nil)
		}
	}
	return apperr.NotConnected(string(key.Provider))
}

func (m *Manager) storeErr(op string, err error) error {
	if apperr.Is(err, apperr.KindPersistence) {
		metrics.StoreErrors.WithLabelValues(op).Inc()
	}
	return err
}

func (m *Manager) record(ctx context.Context, action, userEmail string, provider Provider, detail string) {
	ev := AuditEvent{
		Action:    action,
		UserEmail: userEmail,
		Provider:  provider,
		Detail:    detail,
		At:        m.now().UTC(),
	}
	if err := m.audit.RecordEvent(ctx, ev); err != nil {
		logging.With(m.log, ctx).Warn("failed to record audit event",
			zap.String("action", action), zap.Error(err))
	}
}
