package api

import (
	"net/http"
	"strings"
)

// ClientAuth validates the shared client token. An empty configured token
// disables the check entirely (open gateway).
func ClientAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := extractToken(r)
			if got == "" {
				writeError(w, http.StatusUnauthorized, "missing_token", "API key is required")
				return
			}
			if got != token {
				writeError(w, http.StatusUnauthorized, "invalid_token", "Invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken pulls the client credential from any of the header
// conventions clients use.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if key := r.Header.Get("x-goog-api-key"); key != "" {
		return key
	}
	return ""
}

// AdminAuth validates the shared admin secret.
func AdminAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeError(w, http.StatusServiceUnavailable, "not_configured", "Admin secret not configured")
				return
			}
			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if token == "" || token == auth {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Missing admin token")
				return
			}
			if token != secret {
				writeError(w, http.StatusForbidden, "forbidden", "Invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
