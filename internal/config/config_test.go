package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var managedKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL", "MANUAL_RELEASE_ONLY",
	"PLATFORM_FEE_RATE", "DEFAULT_AUTO_RELEASE_HOURS", "SWEEP_INTERVAL", "SWEEP_BATCH_SIZE",
	"SWEEP_IN_PROCESS", "REDIS_URL", "JWT_SECRET", "PAYSTACK_SECRET_KEY",
	"FLUTTERWAVE_WEBHOOK_HASH", "STRIPE_WEBHOOK_SECRET", "NOTIFY_RELAY_URL",
	"NOTIFY_RELAY_SECRET", "ADMIN_USER_IDS", "BREVO_API_KEY", "ALERT_EMAIL_FROM",
	"ALERT_EMAIL_TO", "OTEL_EXPORTER_OTLP_ENDPOINT", "CORS_ALLOWED_ORIGINS", "RECONCILE_INTERVAL",
	"NOTIFY_TIMEOUT",
}

// clearEnv blanks every variable Load reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range managedKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.True(t, cfg.ManualReleaseOnly)
	assert.True(t, cfg.PlatformFeeRate.Equal(decimal.RequireFromString("0.2")))
	assert.Equal(t, 24, cfg.AutoReleaseHours)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.Equal(t, DefaultNotifyTimeout, cfg.NotifyTimeout)
	assert.Equal(t, 100, cfg.SweepBatchSize)
	assert.False(t, cfg.SweepInProcess)
	assert.Empty(t, cfg.DatabaseURL)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("MANUAL_RELEASE_ONLY", "false")
	t.Setenv("PLATFORM_FEE_RATE", "0.15")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("NOTIFY_TIMEOUT", "10s")
	t.Setenv("ADMIN_USER_IDS", "7, 9")
	t.Setenv("ALERT_EMAIL_TO", "ops@example.com,finance@example.com")
	t.Setenv("BREVO_API_KEY", "key")
	t.Setenv("ALERT_EMAIL_FROM", "alerts@example.com")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://admin.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.ManualReleaseOnly)
	assert.True(t, cfg.PlatformFeeRate.Equal(decimal.RequireFromString("0.15")))
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 10*time.Second, cfg.NotifyTimeout)
	assert.Equal(t, []int64{7, 9}, cfg.AdminUserIDs)
	assert.Equal(t, []string{"ops@example.com", "finance@example.com"}, cfg.AlertEmailTo)
	assert.Equal(t, []string{"https://admin.example.com"}, cfg.CORSOrigins)
}

func TestLoad_MalformedValuesAreErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADMIN_USER_IDS", "7,abc")
	t.Setenv("SWEEP_INTERVAL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_USER_IDS")
	assert.Contains(t, err.Error(), "SWEEP_INTERVAL")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:               "development",
			LogFormat:         "text",
			PlatformFeeRate:   DefaultPlatformFeeRate,
			SweepInterval:     time.Minute,
			SweepBatchSize:    100,
			ReconcileInterval: 5 * time.Minute,
			NotifyTimeout:     30 * time.Second,
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown env", func(c *Config) { c.Env = "qa" }, "ENV"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"fee rate one", func(c *Config) { c.PlatformFeeRate = decimal.NewFromInt(1) }, "PLATFORM_FEE_RATE"},
		{"negative fee rate", func(c *Config) { c.PlatformFeeRate = decimal.RequireFromString("-0.1") }, "PLATFORM_FEE_RATE"},
		{"zero fee rate", func(c *Config) { c.PlatformFeeRate = decimal.Zero }, ""},
		{"zero interval", func(c *Config) { c.SweepInterval = 0 }, "SWEEP_INTERVAL"},
		{"zero reconcile interval", func(c *Config) { c.ReconcileInterval = 0 }, "RECONCILE_INTERVAL"},
		{"zero notify timeout", func(c *Config) { c.NotifyTimeout = 0 }, "NOTIFY_TIMEOUT"},
		{"production without secret", func(c *Config) { c.Env = "production" }, "JWT_SECRET"},
		{"production with secret", func(c *Config) { c.Env = "production"; c.JWTSecret = "s" }, ""},
		{"relay without secret", func(c *Config) { c.NotifyRelayURL = "https://bot.internal/messages" }, "NOTIFY_RELAY_SECRET"},
		{"brevo without recipients", func(c *Config) { c.BrevoAPIKey = "k" }, "ALERT_EMAIL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
