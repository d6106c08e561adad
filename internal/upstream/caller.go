// Package upstream performs authorized provider API calls on behalf of a
// portal user. Every integration endpoint goes through Caller.Do, which owns
// token lookup, lazy refresh, credential injection and the reaction to a
// provider rejecting the credential.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/auth/token"
	"github.com/pysugar/portal-connect/internal/logging"
	"github.com/pysugar/portal-connect/internal/metrics"
	"github.com/pysugar/portal-connect/internal/providers/catalog"
	"github.com/pysugar/portal-connect/internal/util"
	"go.uber.org/zap"
)

const maxResponseBytes = 10 << 20

// TokenSource is the part of the token manager the caller needs.
type TokenSource interface {
	Provider(tag string) (catalog.Provider, error)
	AccessToken(ctx context.Context, userEmail, provider string) (*token.Record, error)
	Invalidate(ctx context.Context, userEmail, provider, reason string) error
	TouchLastUsed(ctx context.Context, userEmail, provider string)
}

// Doer is what integrations depend on; *Caller implements it.
type Doer interface {
	Do(ctx context.Context, userEmail, provider string, req Request) (*Response, error)
}

// Request describes one provider API call relative to the provider's API
// base URL.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
	Header      http.Header
}

// JSONRequest builds a request with a JSON encoded body.
func JSONRequest(method, path string, body any) (Request, error) {
	req := Request{Method: method, Path: path}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Request{}, fmt.Errorf("encode request body: %w", err)
		}
		req.Body = b
		req.ContentType = "application/json"
	}
	return req, nil
}

// Response is a fully read 2xx provider response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(provider string, v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return apperr.Upstream(provider, r.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Caller performs authorized provider calls.
type Caller struct {
	tokens TokenSource
	client *http.Client
	log    *zap.Logger
}

// NewCaller creates a caller. Per-call timeouts come from the provider
// catalog, so the client should not set its own.
func NewCaller(tokens TokenSource, client *http.Client, log *zap.Logger) *Caller {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.L()
	}
	return &Caller{tokens: tokens, client: client, log: log}
}

// Do resolves a usable credential for (userEmail, provider) and performs
// exactly one request with it. A 401 from the provider deactivates the
// credential and yields a reauthorization error; the request is never
// retried.
func (c *Caller) Do(ctx context.Context, userEmail, provider string, req Request) (*Response, error) {
	if strings.TrimSpace(userEmail) == "" {
		return nil, apperr.AuthenticationRequired()
	}
	p, err := c.tokens.Provider(provider)
	if err != nil {
		return nil, err
	}
	rec, err := c.tokens.AccessToken(ctx, userEmail, p.ID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	httpReq, err := buildRequest(ctx, p, req, rec.AccessToken)
	if err != nil {
		return nil, err
	}

	log := logging.With(c.log, ctx).With(
		zap.String("provider", p.ID),
		zap.String("method", httpReq.Method),
		zap.String("path", httpReq.URL.Path))

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	metrics.UpstreamDuration.WithLabelValues(p.ID).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamCalls.WithLabelValues(p.ID, "error").Inc()
		log.Warn("provider call failed", zap.Error(err))
		return nil, apperr.Upstream(p.ID, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	metrics.UpstreamCalls.WithLabelValues(p.ID, statusClass(resp.StatusCode)).Inc()
	if err != nil {
		return nil, apperr.Upstream(p.ID, resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		log.Warn("provider rejected a locally valid credential",
			zap.String("token", util.MaskToken(rec.AccessToken)))
		return nil, c.tokens.Invalidate(ctx, userEmail, p.ID, "provider returned 401")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		detail := strings.ReplaceAll(util.TruncateBytes(body), rec.AccessToken, "****")
		log.Warn("provider call returned an error", zap.Int("status", resp.StatusCode), zap.String("body", detail))
		return nil, apperr.Upstream(p.ID, resp.StatusCode, fmt.Errorf("%s", detail))
	}

	c.tokens.TouchLastUsed(ctx, userEmail, p.ID)
	log.Debug("provider call succeeded", zap.Int("status", resp.StatusCode), zap.Duration("took", time.Since(start)))
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

func buildRequest(ctx context.Context, p catalog.Provider, req Request, credential string) (*http.Request, error) {
	if p.APIBaseURL == "" {
		return nil, fmt.Errorf("provider %s has no api base url", p.ID)
	}
	if strings.Contains(req.Path, "://") {
		return nil, apperr.Validationf("path must be relative to the provider api, got %q", req.Path)
	}
	target, err := url.Parse(p.APIBaseURL + "/" + strings.TrimLeft(req.Path, "/"))
	if err != nil {
		return nil, fmt.Errorf("build provider url: %w", err)
	}
	if len(req.Query) > 0 {
		target.RawQuery = req.Query.Encode()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create provider request: %w", err)
	}

	copyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Set("Accept", "application/json")
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if id := logging.GetRequestID(ctx); id != "" {
		httpReq.Header.Set("X-Request-ID", id)
	}

	switch p.AuthMode {
	case catalog.AuthModeBasic:
		// API key as the username with an empty password.
		httpReq.SetBasicAuth(credential, "")
	default:
		httpReq.Header.Set("Authorization", "Bearer "+credential)
	}
	return httpReq, nil
}

// copyHeaders copies caller supplied headers, never letting them override
// credentials or hop-by-hop headers.
func copyHeaders(dst, src http.Header) {
	for k, values := range src {
		canonical := http.CanonicalHeaderKey(k)
		switch canonical {
		case "Authorization", "Proxy-Authorization", "Cookie", "Connection",
			"Keep-Alive", "Transfer-Encoding", "Te", "Trailer", "Upgrade", "Host":
			continue
		}
		for _, v := range values {
			dst.Add(canonical, v)
		}
	}
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
