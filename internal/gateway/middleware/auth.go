// Package middleware provides the HTTP guards in front of the QA API:
// admin key authentication, CORS, and per-client rate limiting.
package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kangjinkui/katokbot/internal/auth/apikey"
	"github.com/kangjinkui/katokbot/pkg/logger"
)

// AdminKey rejects requests that do not carry a configured admin key in
// X-API-Key or Authorization: Bearer. Without any configured key every admin
// request is refused.
func AdminKey(validator *apikey.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validator.Configured() {
				writeError(w, http.StatusForbidden, "admin api is disabled")
				return
			}
			switch err := validator.Validate(extractAPIKey(r)); err {
			case nil:
				next.ServeHTTP(w, r)
			case apikey.ErrMissingKey:
				writeError(w, http.StatusUnauthorized, "missing api key")
			default:
				logger.FromContext(r.Context()).Warn("admin key rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
				writeError(w, http.StatusUnauthorized, "invalid api key")
			}
		})
	}
}

// extractAPIKey reads the key from X-API-Key, falling back to a bearer token.
func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
