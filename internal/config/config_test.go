package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
providers:
  oxapay:
    enabled: true
    webhook_secret: oxa-secret
  paylix:
    enabled: false
delivery:
  secret: delivery-secret
`

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("server address = %q", cfg.Server.Address)
	}
	if cfg.Delivery.TokenTTL.Duration != 72*time.Hour {
		t.Errorf("token ttl = %v, want 72h", cfg.Delivery.TokenTTL.Duration)
	}
	if cfg.Reconciliation.AmountTolerance != 0.95 {
		t.Errorf("amount tolerance = %v, want 0.95", cfg.Reconciliation.AmountTolerance)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("storage backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %s/%s", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoad_OmittedProviderStaysDisabled(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, `
providers:
  oxapay:
    enabled: true
    webhook_secret: oxa-secret
delivery:
  secret: delivery-secret
  base_url: https://shop.example.com/delivery
storage:
  backend: memory
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Providers.OxaPay.Enabled {
		t.Error("oxapay should be enabled")
	}
	if cfg.Providers.Paylix.Enabled {
		t.Error("paylix omitted from config but enabled")
	}
}

func TestLoad_FileValues(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, `
server:
  address: ":9090"
  read_timeout: 30s
providers:
  oxapay:
    enabled: true
    webhook_secret: oxa-secret
  paylix:
    enabled: true
    webhook_secret: paylix-secret
delivery:
  secret: delivery-secret
  token_ttl: 24h
  base_url: https://shop.example.com/delivery
reconciliation:
  enabled: true
  explorer_url: https://explorer.example.com
  amount_tolerance: 0.90
rate_limit:
  reveal_limit: 5
  reveal_window: 30s
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != ":9090" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if cfg.Server.ReadTimeout.Duration != 30*time.Second {
		t.Errorf("read timeout = %v", cfg.Server.ReadTimeout.Duration)
	}
	if cfg.Delivery.TokenTTL.Duration != 24*time.Hour {
		t.Errorf("token ttl = %v", cfg.Delivery.TokenTTL.Duration)
	}
	if cfg.Reconciliation.AmountTolerance != 0.90 {
		t.Errorf("tolerance = %v", cfg.Reconciliation.AmountTolerance)
	}
	if cfg.RateLimit.RevealLimit != 5 || cfg.RateLimit.RevealWindow.Duration != 30*time.Second {
		t.Errorf("reveal limit = %d/%v", cfg.RateLimit.RevealLimit, cfg.RateLimit.RevealWindow.Duration)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HARBOR_SERVER_ADDRESS", ":7070")
	t.Setenv("HARBOR_OXAPAY_WEBHOOK_SECRET", "env-oxa-secret")
	t.Setenv("HARBOR_DELIVERY_SECRET", "env-delivery-secret")
	t.Setenv("HARBOR_DELIVERY_TOKEN_TTL", "48h")
	t.Setenv("HARBOR_STORAGE_BACKEND", "memory")
	t.Setenv("HARBOR_NOTIFICATION_HEADER_X_API_KEY", "hook-key")

	cfg, err := Load(writeConfigFile(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != ":7070" {
		t.Errorf("address = %q, env override lost", cfg.Server.Address)
	}
	if cfg.Providers.OxaPay.WebhookSecret != "env-oxa-secret" {
		t.Error("webhook secret env override lost")
	}
	if cfg.Delivery.TokenTTL.Duration != 48*time.Hour {
		t.Errorf("token ttl = %v, want 48h", cfg.Delivery.TokenTTL.Duration)
	}
	if cfg.Notifications.Headers["X-Api-Key"] != "hook-key" {
		t.Errorf("notification headers = %v", cfg.Notifications.Headers)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing provider secret",
			yaml: `
providers:
  oxapay:
    enabled: true
delivery:
  secret: s
`,
			wantErr: "providers.oxapay.webhook_secret",
		},
		{
			name: "no provider enabled",
			yaml: `
providers:
  oxapay:
    enabled: false
  paylix:
    enabled: false
delivery:
  secret: s
`,
			wantErr: "at least one payment provider",
		},
		{
			name:    "missing delivery secret",
			yaml:    minimalConfig[:strings.Index(minimalConfig, "delivery:")],
			wantErr: "delivery.secret",
		},
		{
			name: "postgres without url",
			yaml: minimalConfig + `
storage:
  backend: postgres
`,
			wantErr: "storage.postgres_url",
		},
		{
			name: "unknown storage backend",
			yaml: minimalConfig + `
storage:
  backend: cassandra
`,
			wantErr: "storage.backend",
		},
		{
			name: "reconciliation without explorer",
			yaml: minimalConfig + `
reconciliation:
  enabled: true
`,
			wantErr: "reconciliation.explorer_url",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfigFile(t, tt.yaml))
			if err == nil {
				t.Fatal("Load() succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDuration_Unmarshal(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, minimalConfig+`
notifications:
  timeout: 90
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	// Bare numbers parse as seconds.
	if cfg.Notifications.Timeout.Duration != 90*time.Second {
		t.Errorf("timeout = %v, want 90s", cfg.Notifications.Timeout.Duration)
	}
}
