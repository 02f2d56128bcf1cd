// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" env-default:"8080"`
	Env       string `env:"ENV" env-default:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"LOG_FORMAT" env-default:"text"`

	// Storage. Empty DATABASE_URL runs fully in memory.
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// Security
	JWTSecret          string   `env:"JWT_SECRET"`
	RateLimitPerMinute int64    `env:"RATE_LIMIT_PER_MINUTE" env-default:"600"`
	CORSOrigins        []string `env:"CORS_ORIGINS" env-separator:","`

	// Marketplace policy
	PlatformFeePercent string        `env:"PLATFORM_FEE_PERCENT" env-default:"5"`
	AutoReleaseAfter   time.Duration `env:"AUTO_RELEASE_AFTER" env-default:"72h"`
	DisputeWindow      time.Duration `env:"DISPUTE_WINDOW" env-default:"168h"`
	PaymentWindow      time.Duration `env:"PAYMENT_WINDOW" env-default:"30m"`
	MinWithdrawal      int64         `env:"MIN_WITHDRAWAL" env-default:"10000"`
	SettingsTTL        time.Duration `env:"SETTINGS_TTL" env-default:"60s"`

	// Background loops
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" env-default:"1m"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" env-default:"5m"`

	// Notifications
	NotifyTimeout time.Duration `env:"NOTIFY_TIMEOUT" env-default:"5s"`
	WebhookURL    string        `env:"WEBHOOK_URL"`
	WebhookSecret string        `env:"WEBHOOK_SECRET"`
	KafkaBrokers  []string      `env:"KAFKA_BROKERS" env-separator:","`
	KafkaTopic    string        `env:"KAFKA_TOPIC" env-default:"bazaar.events"`

	// Tracing (optional, disabled when empty)
	OTLPEndpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TraceSampleRatio float64 `env:"OTEL_TRACES_SAMPLER_ARG" env-default:"1"`
}

const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}

	pct, err := strconv.ParseFloat(strings.TrimSpace(c.PlatformFeePercent), 64)
	if err != nil {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must be a number: %w", err)
	}
	if pct < 0 || pct > 100 {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must be between 0 and 100")
	}

	if c.MinWithdrawal <= 0 {
		return fmt.Errorf("MIN_WITHDRAWAL must be positive")
	}

	for name, d := range map[string]time.Duration{
		"AUTO_RELEASE_AFTER": c.AutoReleaseAfter,
		"DISPUTE_WINDOW":     c.DisputeWindow,
		"PAYMENT_WINDOW":     c.PaymentWindow,
		"SWEEP_INTERVAL":     c.SweepInterval,
		"RECONCILE_INTERVAL": c.ReconcileInterval,
		"NOTIFY_TIMEOUT":     c.NotifyTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}

	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
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

// UsesPostgres reports whether a database is configured.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}
