// Package oauthflow runs the authorization code flow that connects a portal
// user to an OAuth2 provider.
package oauthflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/auth/token"
	"github.com/pysugar/portal-connect/internal/logging"
	"github.com/pysugar/portal-connect/internal/providers/catalog"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const defaultStateTTL = 10 * time.Minute

// Connector stores the exchanged credential. *token.Manager implements it.
type Connector interface {
	Provider(tag string) (catalog.Provider, error)
	ConnectOAuth(ctx context.Context, userEmail, provider string, tok *oauth2.Token, accountEmail string) (*token.Record, error)
}

// Options configures a Flow.
type Options struct {
	// BaseURL is the public origin used for redirect URIs. When empty the
	// origin is derived from the incoming request.
	BaseURL  string
	StateTTL time.Duration
	// States defaults to MemoryStates. Deployments with more than one
	// instance behind a load balancer need a shared store.
	States     StateStore
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Flow issues authorization redirects and completes callbacks.
type Flow struct {
	tokens   Connector
	states   StateStore
	stateTTL time.Duration
	baseURL  string
	client   *http.Client
	log      *zap.Logger
}

// New creates a Flow.
func New(tokens Connector, opts Options) *Flow {
	ttl := opts.StateTTL
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.States == nil {
		opts.States = NewMemoryStates()
	}
	return &Flow{
		tokens:   tokens,
		states:   opts.States,
		stateTTL: ttl,
		baseURL:  strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		client:   opts.HTTPClient,
		log:      opts.Logger,
	}
}

// Begin returns the provider consent URL for userEmail. returnTo must be a
// local path; anything else is dropped.
func (f *Flow) Begin(r *http.Request, userEmail, provider, returnTo string) (string, error) {
	email, err := token.NormalizeEmail(userEmail)
	if err != nil {
		return "", apperr.AuthenticationRequired()
	}
	p, err := f.oauthProvider(provider)
	if err != nil {
		return "", err
	}

	state, err := newState()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	pend := Pending{UserEmail: email, Provider: p.ID, ReturnTo: safeReturnTo(returnTo)}
	if err := f.states.Put(r.Context(), state, pend, f.stateTTL); err != nil {
		return "", apperr.Persistence("store oauth state", err)
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
	}
	if p.ID == string(token.ProviderGoogle) && isPrivateHost(r.Host) {
		// Google requires a device id for redirect URIs on private addresses.
		deviceID, _ := newState()
		opts = append(opts,
			oauth2.SetAuthURLParam("device_id", deviceID),
			oauth2.SetAuthURLParam("device_name", "portal-connect"),
		)
	}
	if p.ID == string(token.ProviderGoogle) {
		opts = append(opts, oauth2.SetAuthURLParam("include_granted_scopes", "true"))
	}

	cfg := p.OAuth2Config(f.RedirectURL(r, p.ID))
	return cfg.AuthCodeURL(state, opts...), nil
}

// Result is a completed connection.
type Result struct {
	Record   *token.Record
	ReturnTo string
}

// Complete validates the callback state, exchanges the code and stores the
// credential for the user who started the flow.
func (f *Flow) Complete(ctx context.Context, r *http.Request, provider string) (*Result, error) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		msg := "authorization was denied: " + e
		if d := q.Get("error_description"); d != "" {
			msg += " (" + d + ")"
		}
		return nil, apperr.Validation(msg)
	}

	p, err := f.oauthProvider(provider)
	if err != nil {
		return nil, err
	}
	state := q.Get("state")
	if state == "" {
		return nil, apperr.Validation("invalid or expired state")
	}
	st, ok, err := f.states.Take(ctx, state)
	if err != nil {
		return nil, apperr.Persistence("load oauth state", err)
	}
	if !ok {
		return nil, apperr.Validation("invalid or expired state")
	}
	if st.Provider != p.ID {
		return nil, apperr.Validation("state was issued for a different provider")
	}

	code := q.Get("code")
	if code == "" {
		return nil, apperr.Validation("missing authorization code")
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	if f.client != nil {
		exchangeCtx = context.WithValue(exchangeCtx, oauth2.HTTPClient, f.client)
	}
	tok, err := p.OAuth2Config(f.RedirectURL(r, p.ID)).Exchange(exchangeCtx, code)
	if err != nil {
		status := 0
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			status = re.Response.StatusCode
		}
		logging.With(f.log, ctx).Warn("authorization code exchange failed",
			zap.String("provider", p.ID), zap.String("user", st.UserEmail), zap.Error(err))
		return nil, apperr.Upstream(p.ID, status, fmt.Errorf("code exchange: %w", err))
	}

	rec, err := f.tokens.ConnectOAuth(ctx, st.UserEmail, p.ID, tok, AccountEmail(tok))
	if err != nil {
		return nil, err
	}
	return &Result{Record: rec, ReturnTo: st.ReturnTo}, nil
}

// RedirectURL is the callback URL registered with the provider.
func (f *Flow) RedirectURL(r *http.Request, providerID string) string {
	base := f.baseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/auth/" + providerID + "/callback"
}

func (f *Flow) oauthProvider(tag string) (catalog.Provider, error) {
	p, err := f.tokens.Provider(tag)
	if err != nil {
		return catalog.Provider{}, err
	}
	if p.Kind != catalog.KindOAuth2 || p.AuthURL == "" {
		return catalog.Provider{}, apperr.Validationf("provider %s does not use an authorization redirect", p.ID)
	}
	if !p.Configured() {
		return catalog.Provider{}, apperr.Validationf("provider %s is missing client credentials", p.ID)
	}
	return p, nil
}

// AccountEmail reads the provider-side identity from the id_token returned
// with the token response. The token came straight from the token endpoint
// over TLS, so its signature is not checked.
func AccountEmail(tok *oauth2.Token) string {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	for _, key := range []string{"email", "preferred_username", "upn"} {
		if v, ok := claims[key].(string); ok && strings.Contains(v, "@") {
			return strings.ToLower(v)
		}
	}
	return ""
}

func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func safeReturnTo(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" {
		return ""
	}
	return raw
}

func isPrivateHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "localhost" {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsPrivate()
}
