package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyAuth validates the portal API key from the Authorization header
// (Bearer) or the x-api-key header. lookup returns the current key; when it
// returns "" every request is allowed (first-run scenario).
func APIKeyAuth(lookup func() string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expectedKey := lookup()
			if expectedKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				if keysEqual(strings.TrimPrefix(auth, "Bearer "), expectedKey) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if keysEqual(r.Header.Get("x-api-key"), expectedKey) {
				next.ServeHTTP(w, r)
				return
			}

			writeUnauthorized(w, "invalid api key")
		})
	}
}

// AdminAuth requires HTTP basic auth with password. An empty password
// disables the routes entirely.
func AdminAuth(password string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if password == "" {
				http.NotFound(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || !keysEqual(pass, password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="Portal Admin"`)
				writeUnauthorized(w, "admin credentials required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func keysEqual(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"AUTHENTICATION_REQUIRED","message":"` + message + `"}}`))
}
