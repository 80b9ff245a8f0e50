package httpserver

import (
	"crypto/subtle"
	"net/http"

	apierrors "github.com/KeyHarbor/server/internal/errors"
)

// securityHeadersMiddleware adds security headers to all responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// adminMetricsAuth protects /metrics with an API key. With no key
// configured the endpoint is open, which suits single-host deployments
// behind a private network.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			expected := "Bearer " + apiKey
			if subtle.ConstantTimeCompare([]byte(authHeader), []byte(expected)) != 1 {
				apierrors.WriteStatusError(w, http.StatusUnauthorized,
					apierrors.ErrCodeInvalidField, "invalid or missing admin API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
