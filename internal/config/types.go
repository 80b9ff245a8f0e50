package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or
// bare numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and
// environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Providers      ProvidersConfig      `yaml:"providers"`
	Delivery       DeliveryConfig       `yaml:"delivery"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Storage        StorageConfig        `yaml:"storage"`
	Notifications  NotificationsConfig  `yaml:"notifications"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Checkout       CheckoutConfig       `yaml:"checkout"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics (empty disables protection)
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug | info | warn | error
	Format      string `yaml:"format"`      // json | console
	Environment string `yaml:"environment"` // production | development
}

// ProvidersConfig holds per-provider webhook secrets.
type ProvidersConfig struct {
	OxaPay ProviderConfig `yaml:"oxapay"`
	Paylix ProviderConfig `yaml:"paylix"`
}

// ProviderConfig configures one inbound payment provider.
type ProviderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// DeliveryConfig configures delivery token minting.
type DeliveryConfig struct {
	// Secret signs delivery tokens. Rotating it invalidates every
	// outstanding token.
	Secret   string   `yaml:"secret"`
	TokenTTL Duration `yaml:"token_ttl"`
	// BaseURL is the storefront delivery page; the token rides along as
	// a query parameter.
	BaseURL string `yaml:"base_url"`
}

// ReconciliationConfig configures the chain explorer fallback.
type ReconciliationConfig struct {
	Enabled          bool     `yaml:"enabled"`
	ExplorerURL      string   `yaml:"explorer_url"`
	ExplorerTimeout  Duration `yaml:"explorer_timeout"`
	MinConfirmations int      `yaml:"min_confirmations"`
	// AmountTolerance is the accepted fraction of the expected amount;
	// received totals below expected*tolerance stay open for review.
	AmountTolerance float64  `yaml:"amount_tolerance"`
	PendingAge      Duration `yaml:"pending_age"`
	PollInterval    Duration `yaml:"poll_interval"`
	BatchSize       int      `yaml:"batch_size"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend         string `yaml:"backend"` // memory | postgres | mongodb
	PostgresURL     string `yaml:"postgres_url"`
	MongoDBURL      string `yaml:"mongodb_url"`
	MongoDBDatabase string `yaml:"mongodb_database"`
}

// NotificationsConfig configures the admin order-completed webhook.
type NotificationsConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout Duration          `yaml:"timeout"`
	Retry   RetryConfig       `yaml:"retry"`
}

// RetryConfig configures outbound notification retries.
type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	Multiplier      float64  `yaml:"multiplier"`
}

// RateLimitConfig configures HTTP and action rate limiting.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`

	// Reveal attempts per order, enforced by the action limiter.
	RevealLimit  int      `yaml:"reveal_limit"`
	RevealWindow Duration `yaml:"reveal_window"`

	// Backend selects where limiter counters live: memory | redis.
	Backend  string `yaml:"backend"`
	RedisURL string `yaml:"redis_url"`
}

// CircuitBreakerConfig configures breakers for outbound dependencies.
type CircuitBreakerConfig struct {
	Enabled  bool                 `yaml:"enabled"`
	Explorer BreakerServiceConfig `yaml:"explorer"`
	Notifier BreakerServiceConfig `yaml:"notifier"`
}

// BreakerServiceConfig configures one circuit breaker.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}

// CheckoutConfig configures the order creation endpoint.
type CheckoutConfig struct {
	IdempotencyTTL     Duration `yaml:"idempotency_ttl"`
	IdempotencyMaxSize int      `yaml:"idempotency_max_size"`
}
