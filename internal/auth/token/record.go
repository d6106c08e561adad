package token

import (
	"regexp"
	"strings"
	"time"

	"github.com/pysugar/portal-connect/internal/apperr"
)

// Provider tags the external system that issued a credential.
type Provider string

const (
	ProviderGoogle       Provider = "google"
	ProviderMicrosoft    Provider = "microsoft"
	ProviderFollowUpBoss Provider = "followupboss"
)

var providerAliases = map[string]Provider{
	"google":         ProviderGoogle,
	"gmail":          ProviderGoogle,
	"gcal":           ProviderGoogle,
	"microsoft":      ProviderMicrosoft,
	"outlook":        ProviderMicrosoft,
	"office365":      ProviderMicrosoft,
	"azure":          ProviderMicrosoft,
	"azuread":        ProviderMicrosoft,
	"followupboss":   ProviderFollowUpBoss,
	"follow-up-boss": ProviderFollowUpBoss,
	"follow_up_boss": ProviderFollowUpBoss,
	"fub":            ProviderFollowUpBoss,
}

var providerTagRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ParseProvider normalizes a provider tag, resolving the aliases the front
// end has historically sent ("gmail", "outlook", "fub", ...). Unknown tags
// that are well-formed slugs pass through so catalog-defined providers work.
func ParseProvider(s string) (Provider, error) {
	tag := strings.ToLower(strings.TrimSpace(s))
	if tag == "" {
		return "", apperr.Validation("provider is required")
	}
	if p, ok := providerAliases[tag]; ok {
		return p, nil
	}
	if !providerTagRegexp.MatchString(tag) {
		return "", apperr.Validationf("invalid provider %q", s)
	}
	return Provider(tag), nil
}

// NormalizeEmail lower-cases and trims a portal account email.
func NormalizeEmail(s string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(s))
	if email == "" {
		return "", apperr.Validation("user email is required")
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
		return "", apperr.Validationf("invalid user email %q", s)
	}
	return email, nil
}

// Key is the natural key of a token record.
type Key struct {
	UserEmail string
	Provider  Provider
}

// NewKey normalizes both key components.
func NewKey(userEmail, provider string) (Key, error) {
	email, err := NormalizeEmail(userEmail)
	if err != nil {
		return Key{}, err
	}
	p, err := ParseProvider(provider)
	if err != nil {
		return Key{}, err
	}
	return Key{UserEmail: email, Provider: p}, nil
}

func (k Key) String() string {
	return k.UserEmail + "|" + string(k.Provider)
}

// Record is one stored credential for a (user, provider) pair.
type Record struct {
	ID           string
	UserEmail    string
	Provider     Provider
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
	// AccountEmail is the provider-side identity, informational only.
	AccountEmail string
	CreatedAt    time.Time
	LastUsed     time.Time
	UpdatedAt    time.Time
	IsActive     bool
}

// Key returns the record's natural key.
func (r *Record) Key() Key {
	return Key{UserEmail: r.UserEmail, Provider: r.Provider}
}

// CanRefresh reports whether the record carries a refresh credential.
func (r *Record) CanRefresh() bool {
	return r != nil && r.RefreshToken != ""
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Scopes = append([]string(nil), r.Scopes...)
	return &cp
}

// PrepareSave normalizes rec in place and enforces the write invariants every
// backend shares: a complete key, a credential, and an expiry strictly after
// now.
func PrepareSave(rec *Record, now time.Time) error {
	if rec == nil {
		return apperr.Validation("token record is required")
	}
	key, err := NewKey(rec.UserEmail, string(rec.Provider))
	if err != nil {
		return err
	}
	rec.UserEmail, rec.Provider = key.UserEmail, key.Provider
	if rec.AccessToken == "" {
		return apperr.Validation("access token is required")
	}
	if rec.ExpiresAt.IsZero() || !rec.ExpiresAt.After(now) {
		return apperr.Validationf("refusing to store %s token that is already expired", rec.Provider)
	}
	rec.ExpiresAt = rec.ExpiresAt.UTC().Round(0)
	if rec.LastUsed.IsZero() {
		rec.LastUsed = now
	}
	rec.LastUsed = rec.LastUsed.UTC().Round(0)
	rec.IsActive = true
	return nil
}
