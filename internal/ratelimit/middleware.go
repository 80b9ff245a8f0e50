package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/KeyHarbor/server/internal/metrics"
	"github.com/go-chi/httprate"
)

// Config holds the HTTP rate limiting configuration.
type Config struct {
	// Global limit across all callers.
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	// Per-IP limit, the main abuse throttle for webhook and reveal
	// endpoints.
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Metrics collector (optional).
	Metrics *metrics.Metrics
}

// DefaultConfig returns limits generous enough for legitimate provider
// webhook bursts while stopping obvious spam.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  1 * time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  1 * time.Minute,
	}
}

// rateLimitResponse is the JSON body for 429 responses.
type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// createLimitHandler builds the shared 429 responder for both limiters.
func createLimitHandler(
	limitType string,
	windowSeconds int,
	extractIdentifier func(*http.Request) string,
	metricsCollector *metrics.Metrics,
) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := "all"
		if extractIdentifier != nil {
			if id := extractIdentifier(r); id != "" {
				identifier = id
			}
		}
		if metricsCollector != nil {
			metricsCollector.ObserveRateLimit(limitType, identifier)
		}

		message := "Rate limit exceeded. Please try again later."
		if limitType == "global" {
			message = "Global rate limit exceeded. Please try again later."
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           message,
			RetryAfterSeconds: windowSeconds,
		})
	}
}

// GlobalLimiter caps total request volume across all callers.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(
			createLimitHandler("global", int(cfg.GlobalWindow.Seconds()), nil, cfg.Metrics),
		),
	)
}

// IPLimiter caps request volume per caller IP.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(
			createLimitHandler(
				"per_ip",
				int(cfg.PerIPWindow.Seconds()),
				func(r *http.Request) string { return r.RemoteAddr },
				cfg.Metrics,
			),
		),
	)
}

func passthrough(next http.Handler) http.Handler {
	return next
}
