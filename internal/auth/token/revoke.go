package token

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/providers/catalog"
)

// Revoker invalidates a credential at the provider. Disconnect treats
// revocation as best effort: the local record is removed either way.
type Revoker interface {
	Revoke(ctx context.Context, rec *Record) error
}

// HTTPRevoker posts the RFC 7009 form to the provider's revoke URL.
// Providers without a revoke URL are skipped.
type HTTPRevoker struct {
	catalog *catalog.Catalog
	client  *http.Client
}

func NewHTTPRevoker(cat *catalog.Catalog, client *http.Client) *HTTPRevoker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRevoker{catalog: cat, client: client}
}

func (r *HTTPRevoker) Revoke(ctx context.Context, rec *Record) error {
	provider := string(rec.Provider)
	p, ok := r.catalog.Get(provider)
	if !ok || p.RevokeURL == "" {
		return nil
	}
	// Revoking the refresh token also revokes the access tokens minted from it.
	tok := rec.RefreshToken
	if tok == "" {
		tok = rec.AccessToken
	}
	if tok == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	form := url.Values{"token": {tok}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return apperr.Upstream(provider, 0, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	// 400 means the token was already invalid, which is the goal.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusBadRequest {
		return apperr.Upstream(provider, resp.StatusCode, fmt.Errorf("revoke returned %s", resp.Status))
	}
	return nil
}
