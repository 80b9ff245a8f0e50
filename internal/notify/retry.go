package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/KeyHarbor/server/internal/circuitbreaker"
	"github.com/KeyHarbor/server/internal/httputil"
	"github.com/KeyHarbor/server/internal/logger"
)

// RetryConfig holds notification retry configuration.
type RetryConfig struct {
	MaxAttempts     int           // Maximum attempts (default: 5)
	InitialInterval time.Duration // Initial backoff interval (default: 1s)
	MaxInterval     time.Duration // Maximum backoff interval (default: 5m)
	Multiplier      float64       // Backoff multiplier (default: 2.0)
	Timeout         time.Duration // Per-attempt timeout (default: 10s)
}

// DefaultRetryConfig returns sensible defaults for notification retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Timeout:         10 * time.Second,
	}
}

// RetryableClient posts order events to a configured URL with exponential
// backoff. Delivery runs detached from the triggering request so webhook
// handlers never block on the operator endpoint.
type RetryableClient struct {
	url        string
	headers    map[string]string
	retryCfg   RetryConfig
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	logger     zerolog.Logger
}

// RetryOption customizes the retry client behavior.
type RetryOption func(*RetryableClient)

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger zerolog.Logger) RetryOption {
	return func(c *RetryableClient) {
		c.logger = logger
	}
}

// WithRetryConfig sets custom retry configuration.
func WithRetryConfig(cfg RetryConfig) RetryOption {
	return func(c *RetryableClient) {
		c.retryCfg = cfg
	}
}

// WithHeaders sets extra headers sent with every notification (auth tokens
// and the like).
func WithHeaders(headers map[string]string) RetryOption {
	return func(c *RetryableClient) {
		c.headers = headers
	}
}

// WithBreakers routes deliveries through the notifier circuit breaker.
// When the endpoint is down, retries trip the breaker instead of
// hammering it for the full backoff schedule.
func WithBreakers(breakers *circuitbreaker.Manager) RetryOption {
	return func(c *RetryableClient) {
		c.breakers = breakers
	}
}

// NewRetryableClient constructs a notifier with retry support.
// An empty URL disables notifications entirely.
func NewRetryableClient(url string, opts ...RetryOption) Notifier {
	if url == "" {
		return NoopNotifier{}
	}

	client := &RetryableClient{
		url:      url,
		retryCfg: DefaultRetryConfig(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(client)
	}
	client.httpClient = httputil.NewClient(client.retryCfg.Timeout)

	return client
}

// OrderCompleted dispatches the event asynchronously with retry logic.
// The EventID is generated once and preserved across attempts.
func (c *RetryableClient) OrderCompleted(ctx context.Context, event OrderEvent) {
	if c == nil || c.url == "" {
		return
	}
	PrepareOrderEvent(&event)

	// Detach from the caller's deadline: a webhook handler timeout must
	// not cancel an admin notification mid-retry.
	go c.deliverWithRetry(context.WithoutCancel(ctx), event)
}

func (c *RetryableClient) deliverWithRetry(ctx context.Context, event OrderEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error().Err(err).Str("event_id", event.EventID).Msg("notify.marshal_failed")
		return
	}

	interval := c.retryCfg.InitialInterval
	for attempt := 1; attempt <= c.retryCfg.MaxAttempts; attempt++ {
		err := c.send(ctx, payload)
		if err == nil {
			c.logger.Info().
				Str("event_id", event.EventID).
				Str("order_id", event.OrderID).
				Int("attempt", attempt).
				Msg("notify.delivered")
			return
		}

		c.logger.Warn().
			Err(err).
			Str("event_id", event.EventID).
			Str("order_id", event.OrderID).
			Str("email", logger.RedactEmail(event.Email)).
			Int("attempt", attempt).
			Int("max_attempts", c.retryCfg.MaxAttempts).
			Msg("notify.attempt_failed")

		if attempt == c.retryCfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * c.retryCfg.Multiplier)
		if interval > c.retryCfg.MaxInterval {
			interval = c.retryCfg.MaxInterval
		}
	}

	c.logger.Error().
		Str("event_id", event.EventID).
		Str("order_id", event.OrderID).
		Msg("notify.exhausted")
}

func (c *RetryableClient) send(ctx context.Context, payload []byte) error {
	if c.breakers == nil {
		return c.deliver(ctx, payload)
	}
	_, err := c.breakers.Execute(circuitbreaker.ServiceNotifier, func() (interface{}, error) {
		return nil, c.deliver(ctx, payload)
	})
	return err
}

func (c *RetryableClient) deliver(ctx context.Context, payload []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.retryCfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}
