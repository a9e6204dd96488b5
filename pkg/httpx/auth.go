package httpx

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireBearer guards admin routes with a static bearer token. An empty token disables
// the routes entirely rather than leaving them open.
func RequireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				RespondError(w, http.StatusForbidden, CodeAuthFailed)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
				RespondError(w, http.StatusUnauthorized, CodeAuthFailed)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
