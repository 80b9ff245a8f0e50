package logger

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Middleware injects a request-scoped logger into the context and logs one
// completion line per request with status and duration. The request ID is
// taken from X-Request-ID when the proxy supplies one, generated otherwise,
// and always echoed back.
func Middleware(root zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = newRequestID()
			}
			w.Header().Set("X-Request-ID", requestID)

			reqLogger := root.With().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", RemoteAddr(r)).
				Logger()

			ctx := WithRequestID(WithContext(r.Context(), reqLogger), requestID)

			sw := statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(&sw, r.WithContext(ctx))

			reqLogger.Info().
				Int("status", sw.status).
				Dur("duration", time.Since(start)).
				Str("user_agent", r.UserAgent()).
				Msg("request.completed")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func newRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "req_" + hex.EncodeToString([]byte(time.Now().Format("150405.000")))
	}
	return "req_" + hex.EncodeToString(b)
}

// RemoteAddr extracts the client IP, trusting X-Forwarded-For and
// X-Real-IP from the fronting proxy. The reveal access log records this
// value alongside the token hash.
func RemoteAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
