package config

import (
	"net/textproto"
	"os"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the HARBOR_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "HARBOR_SERVER_ADDRESS")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "HARBOR_ADMIN_METRICS_API_KEY")

	// Logging config
	setIfEnv(&c.Logging.Level, "HARBOR_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "HARBOR_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "HARBOR_ENVIRONMENT")

	// Provider secrets. These are the values most deployments keep out
	// of the config file.
	setBoolIfEnv(&c.Providers.OxaPay.Enabled, "HARBOR_OXAPAY_ENABLED")
	setIfEnv(&c.Providers.OxaPay.WebhookSecret, "HARBOR_OXAPAY_WEBHOOK_SECRET")
	setBoolIfEnv(&c.Providers.Paylix.Enabled, "HARBOR_PAYLIX_ENABLED")
	setIfEnv(&c.Providers.Paylix.WebhookSecret, "HARBOR_PAYLIX_WEBHOOK_SECRET")

	// Delivery config
	setIfEnv(&c.Delivery.Secret, "HARBOR_DELIVERY_SECRET")
	setIfEnv(&c.Delivery.BaseURL, "HARBOR_DELIVERY_BASE_URL")
	setDurationIfEnv(&c.Delivery.TokenTTL, "HARBOR_DELIVERY_TOKEN_TTL")

	// Reconciliation config
	setBoolIfEnv(&c.Reconciliation.Enabled, "HARBOR_RECONCILIATION_ENABLED")
	setIfEnv(&c.Reconciliation.ExplorerURL, "HARBOR_EXPLORER_URL")
	setDurationIfEnv(&c.Reconciliation.ExplorerTimeout, "HARBOR_EXPLORER_TIMEOUT")
	setDurationIfEnv(&c.Reconciliation.PollInterval, "HARBOR_RECONCILIATION_POLL_INTERVAL")

	// Storage config
	setIfEnv(&c.Storage.Backend, "HARBOR_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "HARBOR_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "HARBOR_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "HARBOR_MONGODB_DATABASE")

	// Notifications config
	setIfEnv(&c.Notifications.URL, "HARBOR_NOTIFICATIONS_URL")
	setDurationIfEnv(&c.Notifications.Timeout, "HARBOR_NOTIFICATIONS_TIMEOUT")
	// Custom headers for the admin webhook (HARBOR_NOTIFICATION_HEADER_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "HARBOR_NOTIFICATION_HEADER_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "HARBOR_NOTIFICATION_HEADER_")
		if name == "" {
			continue
		}
		if c.Notifications.Headers == nil {
			c.Notifications.Headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Notifications.Headers[headerName] = parts[1]
	}

	// Rate limit config
	setIfEnv(&c.RateLimit.Backend, "HARBOR_RATELIMIT_BACKEND")
	setIfEnv(&c.RateLimit.RedisURL, "HARBOR_REDIS_URL")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}
