package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"gopkg.in/yaml.v3"
)

const (
	// KindOAuth2 providers issue short-lived access tokens plus a refresh token.
	KindOAuth2 = "oauth2"
	// KindAPIKey providers store a long-lived API key as the access token and
	// never refresh.
	KindAPIKey = "api_key"

	AuthModeBearer = "bearer"
	AuthModeBasic  = "basic"

	defaultTimeout  = 20 * time.Second
	defaultTokenTTL = time.Hour
	apiKeyTokenTTL  = 365 * 24 * time.Hour
)

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type fileConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig is one entry of the providers yaml file.
type ProviderConfig struct {
	ID         string   `yaml:"id"`
	Enabled    *bool    `yaml:"enabled"`
	Kind       string   `yaml:"kind"`
	AuthMode   string   `yaml:"auth_mode"`
	AuthURL    string   `yaml:"auth_url"`
	TokenURL   string   `yaml:"token_url"`
	RevokeURL  string   `yaml:"revoke_url"`
	APIBaseURL string   `yaml:"api_base_url"`
	Scopes     []string `yaml:"scopes"`
	Timeout    string   `yaml:"timeout"`
	TokenTTL   string   `yaml:"token_ttl"`
}

// Provider is the resolved, runtime view of a provider.
type Provider struct {
	ID           string        `json:"id"`
	Enabled      bool          `json:"enabled"`
	Kind         string        `json:"kind"`
	AuthMode     string        `json:"auth_mode"`
	AuthURL      string        `json:"auth_url,omitempty"`
	TokenURL     string        `json:"token_url,omitempty"`
	RevokeURL    string        `json:"revoke_url,omitempty"`
	APIBaseURL   string        `json:"api_base_url"`
	Scopes       []string      `json:"scopes,omitempty"`
	Timeout      time.Duration `json:"timeout"`
	TokenTTL     time.Duration `json:"token_ttl"`
	ClientID     string        `json:"client_id,omitempty"`
	ClientSecret string        `json:"-"`
	// ClientIDEnv and ClientSecretEnv name the env vars the credentials are read from.
	ClientIDEnv     string `json:"client_id_env,omitempty"`
	ClientSecretEnv string `json:"client_secret_env,omitempty"`
}

// Refreshable reports whether refresh_token grants apply to this provider.
func (p Provider) Refreshable() bool {
	return p.Kind == KindOAuth2 && p.TokenURL != ""
}

// Configured reports whether the provider can be used at runtime. OAuth2
// providers need client credentials; API key providers need nothing.
func (p Provider) Configured() bool {
	if !p.Enabled {
		return false
	}
	if p.Kind == KindAPIKey {
		return p.APIBaseURL != ""
	}
	return p.ClientID != "" && p.ClientSecret != "" && p.TokenURL != ""
}

// OAuth2Config returns the x/oauth2 configuration for code exchange and
// refresh. Client credentials are sent in the request body.
func (p Provider) OAuth2Config(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       append([]string(nil), p.Scopes...),
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Catalog is an immutable set of providers keyed by ID.
type Catalog struct {
	byID  map[string]Provider
	order []string
}

// New builds a catalog from explicit configs, applying env overrides. Invalid
// entries are skipped.
func New(configs ...ProviderConfig) *Catalog {
	c := &Catalog{byID: make(map[string]Provider, len(configs))}
	for _, cfg := range configs {
		p, ok := normalizeConfig(cfg)
		if !ok {
			continue
		}
		if _, exists := c.byID[p.ID]; !exists {
			c.order = append(c.order, p.ID)
		}
		c.byID[p.ID] = p
	}
	sort.Strings(c.order)
	return c
}

// Load reads providers from path (or the first discovered config file when
// path is empty), falling back to the built-in defaults when no file exists.
func Load(path string) (*Catalog, error) {
	configs, err := loadConfigProviders(path)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		configs = DefaultProviders()
	}
	return New(configs...), nil
}

// Get returns a provider by ID.
func (c *Catalog) Get(id string) (Provider, bool) {
	if c == nil {
		return Provider{}, false
	}
	p, ok := c.byID[normalizeProviderID(id)]
	if !ok {
		return Provider{}, false
	}
	p.Scopes = append([]string(nil), p.Scopes...)
	return p, true
}

// List returns all providers ordered by ID.
func (c *Catalog) List() []Provider {
	if c == nil {
		return nil
	}
	result := make([]Provider, 0, len(c.order))
	for _, id := range c.order {
		p, _ := c.Get(id)
		result = append(result, p)
	}
	return result
}

func loadConfigProviders(explicit string) ([]ProviderConfig, error) {
	path, err := resolveConfigPath(explicit)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file %q: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse providers file %q: %w", path, err)
	}

	return cfg.Providers, nil
}

func resolveConfigPath(explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/providers.yaml",
		"/etc/portal-connect/providers.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "portal-connect", "providers.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func normalizeConfig(cfg ProviderConfig) (Provider, bool) {
	id := normalizeProviderID(cfg.ID)
	if !providerIDRegexp.MatchString(id) {
		return Provider{}, false
	}

	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}

	kind := strings.TrimSpace(strings.ToLower(cfg.Kind))
	if kind == "" {
		kind = KindOAuth2
	}
	if kind != KindOAuth2 && kind != KindAPIKey {
		return Provider{}, false
	}

	authMode := strings.TrimSpace(strings.ToLower(cfg.AuthMode))
	if authMode == "" {
		authMode = AuthModeBearer
		if kind == KindAPIKey {
			authMode = AuthModeBasic
		}
	}
	if authMode != AuthModeBearer && authMode != AuthModeBasic {
		return Provider{}, false
	}

	tokenTTL := defaultTokenTTL
	if kind == KindAPIKey {
		tokenTTL = apiKeyTokenTTL
	}
	tokenTTL = durationOr(cfg.TokenTTL, tokenTTL)
	tokenTTL = durationOr(os.Getenv(providerEnvName(id, "TOKEN_TTL")), tokenTTL)

	timeout := durationOr(cfg.Timeout, defaultTimeout)
	timeout = durationOr(os.Getenv(providerEnvName(id, "TIMEOUT")), timeout)

	p := Provider{
		ID:              id,
		Enabled:         enabled,
		Kind:            kind,
		AuthMode:        authMode,
		AuthURL:         envOr(providerEnvName(id, "AUTH_URL"), cfg.AuthURL),
		TokenURL:        envOr(providerEnvName(id, "TOKEN_URL"), cfg.TokenURL),
		RevokeURL:       envOr(providerEnvName(id, "REVOKE_URL"), cfg.RevokeURL),
		APIBaseURL:      strings.TrimRight(envOr(providerEnvName(id, "API_BASE_URL"), cfg.APIBaseURL), "/"),
		Scopes:          normalizeScopes(cfg.Scopes),
		Timeout:         timeout,
		TokenTTL:        tokenTTL,
		ClientIDEnv:     providerEnvName(id, "CLIENT_ID"),
		ClientSecretEnv: providerEnvName(id, "CLIENT_SECRET"),
	}
	if kind == KindOAuth2 {
		p.ClientID = strings.TrimSpace(os.Getenv(p.ClientIDEnv))
		p.ClientSecret = strings.TrimSpace(os.Getenv(p.ClientSecretEnv))
	} else {
		p.ClientIDEnv, p.ClientSecretEnv = "", ""
	}
	return p, true
}

func normalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(scopes))
	result := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, exists := set[s]; exists {
			continue
		}
		set[s] = struct{}{}
		result = append(result, s)
	}
	return result
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

func normalizeProviderID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func providerEnvName(id, suffix string) string {
	upper := strings.ToUpper(id)
	replacer := strings.NewReplacer("-", "_", ".", "_", "/", "_", " ", "_")
	upper = replacer.Replace(upper)
	return fmt.Sprintf("PORTAL_%s_%s", upper, suffix)
}

// DefaultProviders returns the built-in provider set used when no providers
// file is present.
func DefaultProviders() []ProviderConfig {
	msEndpoint := microsoft.AzureADEndpoint("common")
	return []ProviderConfig{
		{
			ID:         "google",
			Enabled:    boolPtr(true),
			Kind:       KindOAuth2,
			AuthURL:    google.Endpoint.AuthURL,
			TokenURL:   google.Endpoint.TokenURL,
			RevokeURL:  "https://oauth2.googleapis.com/revoke",
			APIBaseURL: "https://www.googleapis.com",
			Scopes: []string{
				"openid",
				"email",
				"https://www.googleapis.com/auth/gmail.send",
				"https://www.googleapis.com/auth/calendar.events",
			},
		},
		{
			ID:         "microsoft",
			Enabled:    boolPtr(true),
			Kind:       KindOAuth2,
			AuthURL:    msEndpoint.AuthURL,
			TokenURL:   msEndpoint.TokenURL,
			APIBaseURL: "https://graph.microsoft.com/v1.0",
			Scopes:     []string{"openid", "email", "offline_access", "Mail.Send", "Calendars.ReadWrite"},
		},
		{
			ID:         "followupboss",
			Enabled:    boolPtr(true),
			Kind:       KindAPIKey,
			AuthMode:   AuthModeBasic,
			APIBaseURL: "https://api.followupboss.com/v1",
		},
	}
}

func boolPtr(v bool) *bool {
	return &v
}
