package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Delivery.TokenTTL.Duration <= 0 {
		c.Delivery.TokenTTL = Duration{Duration: 72 * time.Hour}
	}
	if c.Reconciliation.AmountTolerance <= 0 || c.Reconciliation.AmountTolerance > 1 {
		c.Reconciliation.AmountTolerance = 0.95
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}

	return c.validate()
}

// validate rejects configurations that cannot run.
func (c *Config) validate() error {
	var problems []string

	if c.Providers.OxaPay.Enabled && c.Providers.OxaPay.WebhookSecret == "" {
		problems = append(problems, "providers.oxapay.webhook_secret is required when oxapay is enabled")
	}
	if c.Providers.Paylix.Enabled && c.Providers.Paylix.WebhookSecret == "" {
		problems = append(problems, "providers.paylix.webhook_secret is required when paylix is enabled")
	}
	if !c.Providers.OxaPay.Enabled && !c.Providers.Paylix.Enabled {
		problems = append(problems, "at least one payment provider must be enabled")
	}

	if c.Delivery.Secret == "" {
		problems = append(problems, "delivery.secret is required")
	}
	if c.Delivery.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Delivery.BaseURL); err != nil {
			problems = append(problems, fmt.Sprintf("delivery.base_url is not a valid URL: %v", err))
		}
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			problems = append(problems, "storage.postgres_url is required for the postgres backend")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			problems = append(problems, "storage.mongodb_url is required for the mongodb backend")
		}
		if c.Storage.MongoDBDatabase == "" {
			problems = append(problems, "storage.mongodb_database is required for the mongodb backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q is not one of memory, postgres, mongodb", c.Storage.Backend))
	}

	if c.Reconciliation.Enabled && c.Reconciliation.ExplorerURL == "" {
		problems = append(problems, "reconciliation.explorer_url is required when reconciliation is enabled")
	}

	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			problems = append(problems, "rate_limit.redis_url is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("rate_limit.backend %q is not one of memory, redis", c.RateLimit.Backend))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
