// Package crm integrates with Follow Up Boss, the portal's CRM. Credentials
// are per-user API keys sent as the basic auth username.
package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/auth/token"
	"github.com/pysugar/portal-connect/internal/providers/catalog"
	"github.com/pysugar/portal-connect/internal/upstream"
	"github.com/pysugar/portal-connect/internal/util"
)

const (
	provider = string(token.ProviderFollowUpBoss)
	// systemName identifies this integration to Follow Up Boss.
	systemName = "portal-connect"

	defaultContactLimit = 25
	maxContactLimit     = 100
)

// KeyConnector stores a verified API key. *token.Manager implements it.
type KeyConnector interface {
	Provider(tag string) (catalog.Provider, error)
	ConnectAPIKey(ctx context.Context, userEmail, provider, apiKey, accountEmail string) (*token.Record, error)
}

// Client calls the Follow Up Boss API.
type Client struct {
	calls  upstream.Doer
	keys   KeyConnector
	client *http.Client
}

// NewClient creates a CRM client. httpClient is only used to verify keys
// before they are stored; nil selects http.DefaultClient.
func NewClient(calls upstream.Doer, keys KeyConnector, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{calls: calls, keys: keys, client: httpClient}
}

// Identity is the owner of an API key.
type Identity struct {
	AccountID   int64  `json:"account_id"`
	AccountName string `json:"account_name"`
	UserID      int64  `json:"user_id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
}

// Connect verifies apiKey against the identity endpoint and stores it as
// userEmail's CRM credential.
func (c *Client) Connect(ctx context.Context, userEmail, apiKey string) (*token.Record, *Identity, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, nil, apperr.Validation("api_key is required")
	}
	if _, err := token.NormalizeEmail(userEmail); err != nil {
		return nil, nil, apperr.AuthenticationRequired()
	}
	id, err := c.VerifyKey(ctx, apiKey)
	if err != nil {
		return nil, nil, err
	}
	rec, err := c.keys.ConnectAPIKey(ctx, userEmail, provider, apiKey, id.Email)
	if err != nil {
		return nil, nil, err
	}
	return rec, id, nil
}

// VerifyKey calls GET /identity with a key that is not stored yet.
func (c *Client) VerifyKey(ctx context.Context, apiKey string) (*Identity, error) {
	p, err := c.keys.Provider(provider)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.APIBaseURL+"/identity", nil)
	if err != nil {
		return nil, fmt.Errorf("create identity request: %w", err)
	}
	req.SetBasicAuth(apiKey, "")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-System", systemName)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperr.Upstream(p.ID, 0, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Upstream(p.ID, resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperr.Validation("Follow Up Boss rejected the API key")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		detail := strings.ReplaceAll(util.TruncateBytes(body), apiKey, "****")
		return nil, apperr.Upstream(p.ID, resp.StatusCode, fmt.Errorf("%s", detail))
	}

	var out struct {
		Account struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"account"`
		User struct {
			ID    int64  `json:"id"`
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"user"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apperr.Upstream(p.ID, resp.StatusCode, fmt.Errorf("decode identity: %w", err))
	}
	return &Identity{
		AccountID:   out.Account.ID,
		AccountName: out.Account.Name,
		UserID:      out.User.ID,
		Name:        out.User.Name,
		Email:       out.User.Email,
	}, nil
}

// Contact is a Follow Up Boss person.
type Contact struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	FirstName string   `json:"first_name,omitempty"`
	LastName  string   `json:"last_name,omitempty"`
	Stage     string   `json:"stage,omitempty"`
	Emails    []string `json:"emails,omitempty"`
	Phones    []string `json:"phones,omitempty"`
	Created   string   `json:"created,omitempty"`
	Updated   string   `json:"updated,omitempty"`
}

// ContactQuery filters ListContacts.
type ContactQuery struct {
	Email  string
	Phone  string
	Name   string
	Limit  int
	Offset int
}

// ContactPage is one page of contacts.
type ContactPage struct {
	Contacts []Contact `json:"contacts"`
	Total    int       `json:"total"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
}

type fubValue struct {
	Value string `json:"value"`
}

type fubPerson struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	FirstName string     `json:"firstName"`
	LastName  string     `json:"lastName"`
	Stage     string     `json:"stage"`
	Emails    []fubValue `json:"emails"`
	Phones    []fubValue `json:"phones"`
	Created   string     `json:"created"`
	Updated   string     `json:"updated"`
}

func values(vs []fubValue) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if v.Value != "" {
			out = append(out, v.Value)
		}
	}
	return out
}

// ListContacts returns the user's CRM contacts, most recently updated first.
func (c *Client) ListContacts(ctx context.Context, userEmail string, q ContactQuery) (*ContactPage, error) {
	switch {
	case q.Limit <= 0:
		q.Limit = defaultContactLimit
	case q.Limit > maxContactLimit:
		q.Limit = maxContactLimit
	}
	if q.Offset < 0 {
		return nil, apperr.Validation("offset must not be negative")
	}

	query := url.Values{}
	query.Set("sort", "-updated")
	query.Set("limit", strconv.Itoa(q.Limit))
	query.Set("offset", strconv.Itoa(q.Offset))
	if q.Email != "" {
		query.Set("email", q.Email)
	}
	if q.Phone != "" {
		query.Set("phone", q.Phone)
	}
	if q.Name != "" {
		query.Set("name", q.Name)
	}

	resp, err := c.calls.Do(ctx, userEmail, provider, upstream.Request{
		Method: http.MethodGet,
		Path:   "/people",
		Query:  query,
		Header: http.Header{"X-System": {systemName}},
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Metadata struct {
			Total  int `json:"total"`
			Limit  int `json:"limit"`
			Offset int `json:"offset"`
		} `json:"_metadata"`
		People []fubPerson `json:"people"`
	}
	if err := resp.DecodeJSON(provider, &out); err != nil {
		return nil, err
	}

	page := &ContactPage{
		Contacts: make([]Contact, 0, len(out.People)),
		Total:    out.Metadata.Total,
		Limit:    q.Limit,
		Offset:   q.Offset,
	}
	for _, p := range out.People {
		page.Contacts = append(page.Contacts, Contact{
			ID:        p.ID,
			Name:      p.Name,
			FirstName: p.FirstName,
			LastName:  p.LastName,
			Stage:     p.Stage,
			Emails:    values(p.Emails),
			Phones:    values(p.Phones),
			Created:   p.Created,
			Updated:   p.Updated,
		})
	}
	return page, nil
}

// Activity is an event logged against a person, creating the person when
// Follow Up Boss does not know them yet.
type Activity struct {
	Type        string `json:"type"`
	Message     string `json:"message,omitempty"`
	Description string `json:"description,omitempty"`
	PageURL     string `json:"page_url,omitempty"`
	Person      struct {
		FirstName string `json:"first_name,omitempty"`
		LastName  string `json:"last_name,omitempty"`
		Email     string `json:"email,omitempty"`
		Phone     string `json:"phone,omitempty"`
	} `json:"person"`
}

var activityTypes = map[string]struct{}{
	"General Inquiry":    {},
	"Property Inquiry":   {},
	"Seller Inquiry":     {},
	"Property Search":    {},
	"Saved Property":     {},
	"Viewed Property":    {},
	"Visited Website":    {},
	"Registration":       {},
	"Incoming Call":      {},
	"Visited Open House": {},
}

// Validate checks the activity type and that the person is identifiable.
func (a Activity) Validate() error {
	if _, ok := activityTypes[a.Type]; !ok {
		return apperr.Validationf("unsupported activity type %q", a.Type)
	}
	if a.Person.Email == "" && a.Person.Phone == "" {
		return apperr.Validation("person email or phone is required")
	}
	return nil
}

// ActivityResult identifies the created event and person.
type ActivityResult struct {
	ID       int64 `json:"id,omitempty"`
	PersonID int64 `json:"person_id,omitempty"`
}

// LogActivity posts a to /events.
func (c *Client) LogActivity(ctx context.Context, userEmail string, a Activity) (*ActivityResult, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	person := map[string]any{}
	if a.Person.FirstName != "" {
		person["firstName"] = a.Person.FirstName
	}
	if a.Person.LastName != "" {
		person["lastName"] = a.Person.LastName
	}
	if a.Person.Email != "" {
		person["emails"] = []fubValue{{Value: a.Person.Email}}
	}
	if a.Person.Phone != "" {
		person["phones"] = []fubValue{{Value: a.Person.Phone}}
	}
	body := map[string]any{
		"source": systemName,
		"system": systemName,
		"type":   a.Type,
		"person": person,
	}
	if a.Message != "" {
		body["message"] = a.Message
	}
	if a.Description != "" {
		body["description"] = a.Description
	}
	if a.PageURL != "" {
		body["pageUrl"] = a.PageURL
	}

	req, err := upstream.JSONRequest(http.MethodPost, "/events", body)
	if err != nil {
		return nil, err
	}
	req.Header = http.Header{"X-System": {systemName}}
	resp, err := c.calls.Do(ctx, userEmail, provider, req)
	if err != nil {
		return nil, err
	}
	var out struct {
		ID       int64 `json:"id"`
		PersonID int64 `json:"personId"`
	}
	if err := resp.DecodeJSON(provider, &out); err != nil {
		return nil, err
	}
	return &ActivityResult{ID: out.ID, PersonID: out.PersonID}, nil
}
