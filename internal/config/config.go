// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (optional, uses in-memory if not set)
	DatabaseURL string

	// Escrow policy
	ManualReleaseOnly bool
	PlatformFeeRate   decimal.Decimal
	AutoReleaseHours  int

	// Sweep
	SweepInterval     time.Duration
	SweepBatchSize    int
	SweepInProcess    bool
	ReconcileInterval time.Duration
	RedisURL          string // enables the cross-replica sweep lease

	// Security
	JWTSecret   string
	CORSOrigins []string // admin console origins

	// Payment providers; an empty secret disables the webhook
	PaystackSecretKey      string
	FlutterwaveWebhookHash string
	StripeWebhookSecret    string

	// Notifications
	NotifyRelayURL    string
	NotifyRelaySecret string
	NotifyTimeout     time.Duration
	AdminUserIDs      []int64
	BrevoAPIKey       string
	AlertEmailFrom    string
	AlertEmailTo      []string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultAutoReleaseHours  = 24
	DefaultSweepInterval     = time.Minute
	DefaultSweepBatchSize    = 100
	DefaultReconcileInterval = 5 * time.Minute
	DefaultNotifyTimeout     = 30 * time.Second
)

// DefaultPlatformFeeRate is the platform's share of non access-fee escrows.
var DefaultPlatformFeeRate = decimal.RequireFromString("0.20")

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		ManualReleaseOnly:      p.bool("MANUAL_RELEASE_ONLY", true),
		PlatformFeeRate:        p.decimal("PLATFORM_FEE_RATE", DefaultPlatformFeeRate),
		AutoReleaseHours:       p.int("DEFAULT_AUTO_RELEASE_HOURS", DefaultAutoReleaseHours),
		SweepInterval:          p.duration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepBatchSize:         p.int("SWEEP_BATCH_SIZE", DefaultSweepBatchSize),
		SweepInProcess:         p.bool("SWEEP_IN_PROCESS", false),
		ReconcileInterval:      p.duration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		RedisURL:               os.Getenv("REDIS_URL"),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		CORSOrigins:            splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		PaystackSecretKey:      os.Getenv("PAYSTACK_SECRET_KEY"),
		FlutterwaveWebhookHash: os.Getenv("FLUTTERWAVE_WEBHOOK_HASH"),
		StripeWebhookSecret:    os.Getenv("STRIPE_WEBHOOK_SECRET"),
		NotifyRelayURL:         os.Getenv("NOTIFY_RELAY_URL"),
		NotifyRelaySecret:      os.Getenv("NOTIFY_RELAY_SECRET"),
		NotifyTimeout:          p.duration("NOTIFY_TIMEOUT", DefaultNotifyTimeout),
		AdminUserIDs:           p.int64List("ADMIN_USER_IDS"),
		BrevoAPIKey:            os.Getenv("BREVO_API_KEY"),
		AlertEmailFrom:         os.Getenv("ALERT_EMAIL_FROM"),
		AlertEmailTo:           splitList(os.Getenv("ALERT_EMAIL_TO")),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.PlatformFeeRate.IsNegative() || c.PlatformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("PLATFORM_FEE_RATE must be in [0, 1), got %s", c.PlatformFeeRate)
	}
	if c.AutoReleaseHours < 0 {
		return fmt.Errorf("DEFAULT_AUTO_RELEASE_HOURS must not be negative")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("NOTIFY_TIMEOUT must be positive")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}
	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if c.NotifyRelayURL != "" && c.NotifyRelaySecret == "" {
		return fmt.Errorf("NOTIFY_RELAY_SECRET is required with NOTIFY_RELAY_URL")
	}
	if c.BrevoAPIKey != "" && (c.AlertEmailFrom == "" || len(c.AlertEmailTo) == 0) {
		return fmt.Errorf("ALERT_EMAIL_FROM and ALERT_EMAIL_TO are required with BREVO_API_KEY")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects every malformed variable instead of stopping at the first.
type parser struct {
	errs []error
}

func (p *parser) fail(key, value string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s: invalid value %q: %w", key, value, err))
}

func (p *parser) bool(key string, def bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return b
}

func (p *parser) int(key string, def int) int {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return i
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return d
}

func (p *parser) decimal(key string, def decimal.Decimal) decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return d
}

func (p *parser) int64List(key string) []int64 {
	var out []int64
	for _, part := range splitList(os.Getenv(key)) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			p.fail(key, part, err)
			continue
		}
		out = append(out, id)
	}
	return out
}
