package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/metrics"
	"github.com/pysugar/portal-connect/internal/providers/catalog"
	"golang.org/x/oauth2"
)

// ErrRefreshRejected is the cause of a reauthorization error produced when
// the provider permanently refused the refresh credential. Callers use it to
// tell a rejected grant apart from a record that simply cannot refresh.
var ErrRefreshRejected = errors.New("token: refresh credential rejected by provider")

// Refresher exchanges a record's refresh credential for a new access token.
// It performs at most one token endpoint call and never retries. The
// returned record has the same key as rec.
type Refresher interface {
	Refresh(ctx context.Context, rec *Record) (*Record, error)
}

// OAuthRefresher refreshes through the provider's OAuth2 token endpoint.
type OAuthRefresher struct {
	catalog *catalog.Catalog
	client  *http.Client
	now     Clock
}

// NewOAuthRefresher creates a refresher. A nil client uses
// http.DefaultClient; timeouts come from the provider catalog.
func NewOAuthRefresher(cat *catalog.Catalog, client *http.Client, clock Clock) *OAuthRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuthRefresher{catalog: cat, client: client, now: clock.orDefault()}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, rec *Record) (*Record, error) {
	provider := string(rec.Provider)
	p, ok := r.catalog.Get(provider)
	if !ok {
		return nil, apperr.Upstream(provider, 0, fmt.Errorf("provider %q is not in the catalog", provider))
	}
	if !p.Refreshable() || !rec.CanRefresh() {
		metrics.TokenRefreshes.WithLabelValues(provider, "not_applicable").Inc()
		return nil, apperr.Reauthorization(provider, nil)
	}
	if !p.Configured() {
		metrics.TokenRefreshes.WithLabelValues(provider, "not_configured").Inc()
		return nil, apperr.Upstream(provider, 0, fmt.Errorf("provider %q has no client credentials configured", provider))
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)

	start := time.Now()
	src := p.OAuth2Config("").TokenSource(ctx, &oauth2.Token{RefreshToken: rec.RefreshToken})
	tok, err := src.Token()
	metrics.TokenRefreshDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err != nil {
		if isPermanentRefreshError(err) {
			metrics.TokenRefreshes.WithLabelValues(provider, "reauth_required").Inc()
			return nil, apperr.Reauthorization(provider, fmt.Errorf("%w: %v", ErrRefreshRejected, err))
		}
		metrics.TokenRefreshes.WithLabelValues(provider, "upstream_error").Inc()
		return nil, apperr.Upstream(provider, retrieveStatus(err), err)
	}

	now := r.now()
	fresh := rec.Clone()
	fresh.AccessToken = tok.AccessToken
	fresh.ExpiresAt = ExpiryFor(tok, now, p.TokenTTL)
	fresh.LastUsed = now
	fresh.IsActive = true
	// Providers that rotate refresh tokens invalidate the old one.
	if tok.RefreshToken != "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(scope) != "" {
		fresh.Scopes = strings.Fields(scope)
	}
	metrics.TokenRefreshes.WithLabelValues(provider, "success").Inc()
	return fresh, nil
}

// ExpiryFor computes now + expires_in from a token endpoint response,
// falling back to the library's computed expiry and then to the provider TTL.
func ExpiryFor(tok *oauth2.Token, now time.Time, fallback time.Duration) time.Time {
	if secs := expiresInSeconds(tok); secs > 0 {
		return now.Add(time.Duration(secs) * time.Second)
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	return now.Add(fallback)
}

func expiresInSeconds(tok *oauth2.Token) int64 {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n
	}
	return tok.ExpiresIn
}

// isPermanentRefreshError reports whether the provider refused the grant
// itself. Server errors, rate limiting and transport failures are transient
// and surface as upstream errors instead.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client", "unsupported_grant_type":
			return true
		case "temporarily_unavailable", "server_error", "slow_down":
			return false
		}
		if re.Response != nil {
			status := re.Response.StatusCode
			return status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout
		}
	}

	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func retrieveStatus(err error) int {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode
	}
	return 0
}
