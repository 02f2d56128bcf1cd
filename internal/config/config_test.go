package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Port:               DefaultPort,
		Env:                DefaultEnv,
		LogLevel:           DefaultLogLevel,
		LogFormat:          "text",
		RateLimitPerMinute: 600,
		PlatformFeePercent: "5",
		AutoReleaseAfter:   72 * time.Hour,
		DisputeWindow:      168 * time.Hour,
		PaymentWindow:      30 * time.Minute,
		MinWithdrawal:      10000,
		SettingsTTL:        time.Minute,
		SweepInterval:      time.Minute,
		ReconcileInterval:  5 * time.Minute,
		NotifyTimeout:      5 * time.Second,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "PLATFORM_FEE_PERCENT", "2.5")
	setEnv(t, "KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "2.5", cfg.PlatformFeePercent)
	assert.Equal(t, 72*time.Hour, cfg.AutoReleaseAfter)
	assert.Equal(t, 30*time.Minute, cfg.PaymentWindow)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.False(t, cfg.UsesPostgres())
}

func TestLoad_InvalidDuration(t *testing.T) {
	setEnv(t, "SWEEP_INTERVAL", "soon")

	_, err := Load()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"production without jwt secret", func(c *Config) { c.Env = "production" }, "JWT_SECRET is required"},
		{"short jwt secret", func(c *Config) { c.JWTSecret = "short" }, "at least 32"},
		{"fee not a number", func(c *Config) { c.PlatformFeePercent = "five" }, "must be a number"},
		{"fee above 100", func(c *Config) { c.PlatformFeePercent = "101" }, "between 0 and 100"},
		{"zero min withdrawal", func(c *Config) { c.MinWithdrawal = 0 }, "MIN_WITHDRAWAL"},
		{"zero dispute window", func(c *Config) { c.DisputeWindow = 0 }, "DISPUTE_WINDOW"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.True(t, cfg.IsProduction())

	cfg.DatabaseURL = "postgres://localhost/bazaar"
	assert.True(t, cfg.UsesPostgres())
}
