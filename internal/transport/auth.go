package transport

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/recordguard/recordguard/internal/domain"
)

// AuthMiddleware returns a chi-compatible middleware validating a Bearer
// token with constant-time comparison, mirroring internal/proxy's
// AuthMiddleware.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	tokenBytes := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if authHeader == "" || !strings.HasPrefix(authHeader, prefix) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSONError(w, http.StatusUnauthorized, domain.ErrInputError, "authentication required")
				return
			}

			provided := []byte(strings.TrimPrefix(authHeader, prefix))
			if subtle.ConstantTimeCompare(provided, tokenBytes) != 1 {
				writeJSONError(w, http.StatusForbidden, domain.ErrInputError, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
