package middleware

import (
	"context"
	"net/http"

	"github.com/pysugar/portal-connect/internal/auth/token"
)

type contextKey string

const userKey contextKey = "actingUser"

// UserHeader carries the portal account email of the acting user. The portal
// front end sets it after its own session check.
const UserHeader = "X-User-Email"

// ActingUser resolves the acting user from the X-User-Email header only.
// Requests without a valid email pass through with no user set.
func ActingUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if email, err := token.NormalizeEmail(r.Header.Get(UserHeader)); err == nil {
			r = r.WithContext(WithUser(r.Context(), email))
		}
		next.ServeHTTP(w, r)
	})
}

// WithUser stores the acting user email in ctx.
func WithUser(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, userKey, email)
}

// UserFromContext returns the acting user email or "".
func UserFromContext(ctx context.Context) string {
	email, _ := ctx.Value(userKey).(string)
	return email
}
