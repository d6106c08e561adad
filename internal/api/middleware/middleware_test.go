package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pysugar/portal-connect/internal/logging"
	"github.com/pysugar/portal-connect/internal/metrics"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth(func() string { return "sk-secret" })(ok)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{name: "bearer", header: "Authorization", value: "Bearer sk-secret", want: http.StatusNoContent},
		{name: "x-api-key", header: "x-api-key", value: "sk-secret", want: http.StatusNoContent},
		{name: "wrong key", header: "Authorization", value: "Bearer sk-other", want: http.StatusUnauthorized},
		{name: "no key", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.JSONEq(t, `{"error":{"code":"AUTHENTICATION_REQUIRED","message":"invalid api key"}}`, rec.Body.String())
			}
		})
	}
}

func TestAPIKeyAuth_NoKeyConfigured(t *testing.T) {
	h := APIKeyAuth(func() string { return "" })(ok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/connections", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminAuth(t *testing.T) {
	h := AdminAuth("hunter2")(ok)

	req := httptest.NewRequest(http.MethodPost, "/admin/providers/google/clear", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req.SetBasicAuth("admin", "hunter2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	disabled := AdminAuth("")(ok)
	rec = httptest.NewRecorder()
	disabled.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActingUser(t *testing.T) {
	var got string
	h := ActingUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/connections?user=query@example.com", nil)
	req.Header.Set(UserHeader, " Agent@Example.COM ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "agent@example.com", got)

	// The query string never names the acting user.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/connections?user=Query@example.com", nil))
	assert.Empty(t, got)

	req = httptest.NewRequest(http.MethodGet, "/api/connections", nil)
	req.Header.Set(UserHeader, "not-an-email")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Empty(t, got)
}

func TestRequestID(t *testing.T) {
	var got string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = logging.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-abc", got)
	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, got, 8)
	assert.Equal(t, got, rec.Header().Get("X-Request-ID"))
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics, RequestLogger(zap.NewNop()))
	r.Get("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	counter := metrics.HTTPRequests.WithLabelValues(http.MethodGet, "/things/{id}", "202")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"1", "2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/things/"+id, nil))
	}
	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}
