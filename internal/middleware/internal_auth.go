package middleware

import (
	"crypto/subtle"
	"net/http"
)

// InternalTokenHeader carries the operator token on internal routes.
const InternalTokenHeader = "X-Internal-Token"

// InternalAuth rejects requests whose X-Internal-Token does not match token.
// An empty token rejects every request, so internal routes stay closed until
// a token is configured.
func InternalAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(InternalTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSONError(w, r, http.StatusUnauthorized, "auth_failed", "A valid internal token is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
