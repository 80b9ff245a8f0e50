package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		// Providers are opt-in: a provider omitted from the config file
		// stays disabled and gets no webhook route.
		Providers: ProvidersConfig{},
		Delivery: DeliveryConfig{
			TokenTTL: Duration{Duration: 72 * time.Hour},
		},
		Reconciliation: ReconciliationConfig{
			Enabled:          false,
			ExplorerTimeout:  Duration{Duration: 15 * time.Second},
			MinConfirmations: 1,
			AmountTolerance:  0.95,
			PendingAge:       Duration{Duration: 2 * time.Minute},
			PollInterval:     Duration{Duration: 30 * time.Second},
			BatchSize:        50,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Notifications: NotificationsConfig{
			Headers: make(map[string]string),
			Timeout: Duration{Duration: 10 * time.Second},
			Retry: RetryConfig{
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled: true,
			GlobalLimit:   1000,
			GlobalWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:  true,
			PerIPLimit:    120,
			PerIPWindow:   Duration{Duration: 1 * time.Minute},
			RevealLimit:   10,
			RevealWindow:  Duration{Duration: 1 * time.Minute},
			Backend:       "memory",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Explorer: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Notifier: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
		Checkout: CheckoutConfig{
			IdempotencyTTL:     Duration{Duration: 24 * time.Hour},
			IdempotencyMaxSize: 10000,
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
