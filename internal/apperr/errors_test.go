package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: Validation("missing to"), want: http.StatusBadRequest},
		{name: "authentication", err: AuthenticationRequired(), want: http.StatusUnauthorized},
		{name: "not connected", err: NotConnected("google"), want: http.StatusUnauthorized},
		{name: "reauthorization", err: Reauthorization("microsoft", nil), want: http.StatusUnauthorized},
		{name: "upstream outage", err: Upstream("google", 503, nil), want: http.StatusBadGateway},
		{name: "upstream rate limit", err: Upstream("google", 429, nil), want: http.StatusTooManyRequests},
		{name: "persistence", err: Persistence("get", errors.New("dial tcp: refused")), want: http.StatusServiceUnavailable},
		{name: "unclassified", err: errors.New("boom"), want: http.StatusInternalServerError},
		{name: "wrapped", err: fmt.Errorf("send mail: %w", NotConnected("google")), want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindReauthorizationRequired, KindOf(fmt.Errorf("wrap: %w", Reauthorization("google", nil))))
	assert.True(t, Is(Persistence("save", nil), KindPersistence))
	assert.False(t, Is(nil, KindPersistence))
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Persistence("save", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NotContains(t, err.Message, "connection reset")
}
