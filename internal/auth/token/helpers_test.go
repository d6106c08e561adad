package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pysugar/portal-connect/internal/providers/catalog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeProvider is an OAuth token and revoke endpoint.
type fakeProvider struct {
	srv         *httptest.Server
	tokenCalls  atomic.Int32
	revokeCalls atomic.Int32
	delay       time.Duration

	mu        sync.Mutex
	status    int
	body      map[string]any
	lastForm  map[string]string
	revokedTK string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{
		status: http.StatusOK,
		body: map[string]any{
			"access_token": "new-access-token-value",
			"token_type":   "Bearer",
			"expires_in":   3600,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		fp.tokenCalls.Add(1)
		if fp.delay > 0 {
			time.Sleep(fp.delay)
		}
		_ = r.ParseForm()
		fp.mu.Lock()
		fp.lastForm = map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"client_id":     r.PostForm.Get("client_id"),
			"client_secret": r.PostForm.Get("client_secret"),
			"refresh_token": r.PostForm.Get("refresh_token"),
		}
		status, body := fp.status, fp.body
		fp.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		fp.revokeCalls.Add(1)
		_ = r.ParseForm()
		fp.mu.Lock()
		fp.revokedTK = r.PostForm.Get("token")
		fp.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	fp.srv = httptest.NewServer(mux)
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakeProvider) respond(status int, body map[string]any) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.status, fp.body = status, body
}

func (fp *fakeProvider) form(key string) string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.lastForm[key]
}

func testCatalog(t *testing.T, fp *fakeProvider) *catalog.Catalog {
	t.Helper()
	t.Setenv("PORTAL_GOOGLE_CLIENT_ID", "test-client")
	t.Setenv("PORTAL_GOOGLE_CLIENT_SECRET", "test-secret")
	return catalog.New(
		catalog.ProviderConfig{
			ID:         "google",
			Kind:       catalog.KindOAuth2,
			AuthURL:    fp.srv.URL + "/auth",
			TokenURL:   fp.srv.URL + "/token",
			RevokeURL:  fp.srv.URL + "/revoke",
			APIBaseURL: fp.srv.URL,
			Scopes:     []string{"openid", "email"},
			Timeout:    "2s",
		},
		catalog.ProviderConfig{
			ID:         "followupboss",
			Kind:       catalog.KindAPIKey,
			APIBaseURL: fp.srv.URL,
		},
	)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (a *recordingAudit) RecordEvent(_ context.Context, ev AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Action)
	}
	return out
}
