package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/auth/token"
	"github.com/pysugar/portal-connect/internal/providers/catalog"
	"github.com/pysugar/portal-connect/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKeys struct {
	provider catalog.Provider
	saved    map[string]string
	account  string
}

func (f *fakeKeys) Provider(string) (catalog.Provider, error) {
	return f.provider, nil
}

func (f *fakeKeys) ConnectAPIKey(_ context.Context, userEmail, _ string, apiKey, accountEmail string) (*token.Record, error) {
	if f.saved == nil {
		f.saved = map[string]string{}
	}
	f.saved[userEmail] = apiKey
	f.account = accountEmail
	return &token.Record{UserEmail: userEmail, Provider: token.ProviderFollowUpBoss, AccessToken: apiKey, IsActive: true}, nil
}

type stubDoer struct {
	reqs []upstream.Request
	body string
}

func (d *stubDoer) Do(_ context.Context, _ string, provider string, req upstream.Request) (*upstream.Response, error) {
	if provider != "followupboss" {
		panic("unexpected provider " + provider)
	}
	d.reqs = append(d.reqs, req)
	return &upstream.Response{StatusCode: http.StatusOK, Body: []byte(d.body)}, nil
}

func identityServer(t *testing.T, validKey string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/identity" {
			http.NotFound(w, r)
			return
		}
		user, _, ok := r.BasicAuth()
		if !ok || user != validKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"account":{"id":7,"name":"Sunset Realty"},"user":{"id":42,"name":"Pat Agent","email":"pat@sunset.example"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func keysFor(srv *httptest.Server) *fakeKeys {
	return &fakeKeys{provider: catalog.Provider{
		ID:         "followupboss",
		Enabled:    true,
		Kind:       catalog.KindAPIKey,
		AuthMode:   catalog.AuthModeBasic,
		APIBaseURL: srv.URL + "/v1",
		Timeout:    2 * time.Second,
	}}
}

func TestConnect_VerifiesAndStoresKey(t *testing.T) {
	srv := identityServer(t, "fub-good-key")
	keys := keysFor(srv)
	c := NewClient(&stubDoer{}, keys, srv.Client())

	rec, id, err := c.Connect(context.Background(), "agent@example.com", "  fub-good-key ")
	require.NoError(t, err)
	assert.Equal(t, "fub-good-key", rec.AccessToken)
	assert.Equal(t, "pat@sunset.example", id.Email)
	assert.Equal(t, int64(7), id.AccountID)
	assert.Equal(t, "fub-good-key", keys.saved["agent@example.com"])
	assert.Equal(t, "pat@sunset.example", keys.account)
}

func TestConnect_RejectedKeyIsNotStored(t *testing.T) {
	srv := identityServer(t, "fub-good-key")
	keys := keysFor(srv)
	c := NewClient(&stubDoer{}, keys, srv.Client())

	_, _, err := c.Connect(context.Background(), "agent@example.com", "fub-bad-key")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Empty(t, keys.saved)

	_, _, err = c.Connect(context.Background(), "agent@example.com", " ")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, _, err = c.Connect(context.Background(), "", "fub-good-key")
	assert.Equal(t, apperr.KindAuthenticationRequired, apperr.KindOf(err))
}

func TestVerifyKey_ProviderOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(&stubDoer{}, keysFor(srv), srv.Client())
	_, err := c.VerifyKey(context.Background(), "whatever")
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	assert.Equal(t, http.StatusBadGateway, apperr.HTTPStatus(err))
}

func TestListContacts(t *testing.T) {
	d := &stubDoer{body: `{"_metadata":{"total":31,"limit":100,"offset":0},"people":[
		{"id":1,"name":"Jo Buyer","firstName":"Jo","lastName":"Buyer","stage":"Lead","emails":[{"value":"jo@example.com"}],"phones":[{"value":"555-0100"}]}
	]}`}
	c := NewClient(d, &fakeKeys{}, nil)

	page, err := c.ListContacts(context.Background(), "agent@example.com", ContactQuery{Email: "jo@example.com", Limit: 500})
	require.NoError(t, err)
	require.Len(t, page.Contacts, 1)
	assert.Equal(t, 31, page.Total)
	assert.Equal(t, 100, page.Limit)
	assert.Equal(t, []string{"jo@example.com"}, page.Contacts[0].Emails)
	assert.Equal(t, "Lead", page.Contacts[0].Stage)

	req := d.reqs[0]
	assert.Equal(t, "/people", req.Path)
	assert.Equal(t, "100", req.Query.Get("limit"))
	assert.Equal(t, "-updated", req.Query.Get("sort"))
	assert.Equal(t, "jo@example.com", req.Query.Get("email"))
	assert.Equal(t, "portal-connect", req.Header.Get("X-System"))

	_, err = c.ListContacts(context.Background(), "agent@example.com", ContactQuery{Offset: -1})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestLogActivity(t *testing.T) {
	d := &stubDoer{body: `{"id":900,"personId":1}`}
	c := NewClient(d, &fakeKeys{}, nil)

	a := Activity{Type: "Property Inquiry", Message: "Interested in 12 Elm St"}
	a.Person.FirstName = "Jo"
	a.Person.Email = "jo@example.com"

	res, err := c.LogActivity(context.Background(), "agent@example.com", a)
	require.NoError(t, err)
	assert.Equal(t, int64(900), res.ID)
	assert.Equal(t, int64(1), res.PersonID)

	req := d.reqs[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/events", req.Path)
	var body map[string]any
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, "Property Inquiry", body["type"])
	assert.Equal(t, "portal-connect", body["source"])
	person := body["person"].(map[string]any)
	assert.Equal(t, "Jo", person["firstName"])
	assert.Equal(t, "jo@example.com", person["emails"].([]any)[0].(map[string]any)["value"])
}

func TestLogActivity_Validation(t *testing.T) {
	d := &stubDoer{}
	c := NewClient(d, &fakeKeys{}, nil)

	_, err := c.LogActivity(context.Background(), "agent@example.com", Activity{Type: "Spam"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = c.LogActivity(context.Background(), "agent@example.com", Activity{Type: "General Inquiry"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Empty(t, d.reqs)
}
