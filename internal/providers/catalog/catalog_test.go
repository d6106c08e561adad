package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestCatalogLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "providers.yaml")
	cfg := `providers:
  - id: google
    kind: oauth2
    auth_url: https://accounts.example.com/auth
    token_url: https://accounts.example.com/token
    api_base_url: https://api.example.com/
    scopes: [openid, email, email]
    timeout: 15s
  - id: followupboss
    kind: api_key
    api_base_url: https://fub.example.com/v1
  - id: "Bad ID!"
    kind: oauth2
  - id: legacy
    kind: saml
`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PORTAL_GOOGLE_CLIENT_ID", "client-123")
	t.Setenv("PORTAL_GOOGLE_CLIENT_SECRET", "secret-456")

	c, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	if got := len(c.List()); got != 2 {
		t.Fatalf("expected 2 valid providers, got %d (%+v)", got, c.List())
	}

	g, ok := c.Get("GOOGLE")
	if !ok {
		t.Fatal("expected google provider")
	}
	if !g.Configured() || !g.Refreshable() {
		t.Fatalf("expected google configured and refreshable, got %+v", g)
	}
	if g.APIBaseURL != "https://api.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %s", g.APIBaseURL)
	}
	if len(g.Scopes) != 2 {
		t.Fatalf("expected deduplicated scopes, got %v", g.Scopes)
	}
	if g.Timeout != 15*time.Second {
		t.Fatalf("expected 15s timeout, got %s", g.Timeout)
	}
	if g.AuthMode != AuthModeBearer {
		t.Fatalf("expected bearer auth, got %s", g.AuthMode)
	}

	fub, ok := c.Get("followupboss")
	if !ok {
		t.Fatal("expected followupboss provider")
	}
	if fub.Refreshable() {
		t.Fatal("api key provider must never be refreshable")
	}
	if fub.AuthMode != AuthModeBasic {
		t.Fatalf("expected basic auth default for api key provider, got %s", fub.AuthMode)
	}
	if fub.TokenTTL != 365*24*time.Hour {
		t.Fatalf("expected one year ttl, got %s", fub.TokenTTL)
	}
	if !fub.Configured() {
		t.Fatal("api key provider needs no client credentials")
	}
}

func TestCatalogEnvOverrides(t *testing.T) {
	t.Setenv("PORTAL_MICROSOFT_TOKEN_URL", "http://127.0.0.1:9999/token")
	t.Setenv("PORTAL_MICROSOFT_API_BASE_URL", "http://127.0.0.1:9999/graph/")
	t.Setenv("PORTAL_MICROSOFT_TIMEOUT", "3s")

	c := New(DefaultProviders()...)
	ms, ok := c.Get("microsoft")
	if !ok {
		t.Fatal("expected microsoft provider")
	}
	if ms.TokenURL != "http://127.0.0.1:9999/token" {
		t.Fatalf("expected env token url override, got %s", ms.TokenURL)
	}
	if ms.APIBaseURL != "http://127.0.0.1:9999/graph" {
		t.Fatalf("expected env api base override, got %s", ms.APIBaseURL)
	}
	if ms.Timeout != 3*time.Second {
		t.Fatalf("expected env timeout override, got %s", ms.Timeout)
	}
	if ms.Configured() {
		t.Fatal("microsoft without client credentials must not be configured")
	}
}

func TestProviderOAuth2Config(t *testing.T) {
	t.Setenv("PORTAL_GOOGLE_CLIENT_ID", "cid")
	t.Setenv("PORTAL_GOOGLE_CLIENT_SECRET", "csecret")

	c := New(DefaultProviders()...)
	g, _ := c.Get("google")
	cfg := g.OAuth2Config("https://portal.example.com/auth/google/callback")

	if cfg.Endpoint.AuthStyle != oauth2.AuthStyleInParams {
		t.Fatalf("expected client credentials in params, got %v", cfg.Endpoint.AuthStyle)
	}
	if cfg.ClientID != "cid" || cfg.ClientSecret != "csecret" {
		t.Fatalf("unexpected credentials %+v", cfg)
	}
	if cfg.RedirectURL != "https://portal.example.com/auth/google/callback" {
		t.Fatalf("unexpected redirect url %s", cfg.RedirectURL)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit providers file")
	}
}
