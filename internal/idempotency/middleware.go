package idempotency

import (
	"bytes"
	"net/http"
	"time"
)

const (
	// HeaderKey is the request header carrying the caller's key.
	HeaderKey = "Idempotency-Key"

	// DefaultTTL keeps a cached checkout response for a day.
	DefaultTTL = 24 * time.Hour
)

// recordingWriter captures the response for caching while streaming it
// to the real writer.
type recordingWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Middleware replays cached responses for requests that repeat an
// Idempotency-Key. Keys are scoped by method and path so the same key
// cannot collide across endpoints. Only 2xx responses are cached;
// failures may legitimately be retried.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Method + ":" + r.URL.Path + ":" + rawKey

			if cached, ok := store.Get(r.Context(), key); ok {
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("X-Idempotency-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				w.Write(cached.Body)
				return
			}

			rw := &recordingWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			if rw.statusCode >= 200 && rw.statusCode < 300 {
				headers := make(map[string]string)
				for k := range rw.Header() {
					headers[k] = rw.Header().Get(k)
				}
				store.Set(r.Context(), key, &Response{
					StatusCode: rw.statusCode,
					Headers:    headers,
					Body:       rw.body.Bytes(),
					CachedAt:   time.Now(),
				}, ttl)
			}
		})
	}
}
