package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("PORT", "9090")
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("BILLING_TIMEOUT", "")
	t.Setenv("INVITATION_TTL", "")
	t.Setenv("RATE_LIMIT_RPM", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultBillingTimeout, cfg.BillingTimeout)
	assert.Equal(t, DefaultInvitationTTL, cfg.InvitationTTL)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPM)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV", "staging")
	t.Setenv("BILLING_TIMEOUT", "2s")
	t.Setenv("INVITATION_TTL", "48h")
	t.Setenv("RESYNC_SCHEDULE", "")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_x")
	t.Setenv("STRIPE_PRODUCT_ID", "prod_123")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.BillingTimeout)
	assert.Equal(t, 48*time.Hour, cfg.InvitationTTL)
	assert.Empty(t, cfg.ResyncSchedule, "explicit empty disables the resync")
	assert.Equal(t, "prod_123", cfg.StripeProductID)
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("STRIPE_SECRET_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY is required")
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			Env:            "development",
			BillingTimeout: time.Second,
			InvitationTTL:  time.Hour,
			RateLimitRPM:   60,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid development", mutate: func(*Config) {}},
		{
			name:    "zero billing timeout",
			mutate:  func(c *Config) { c.BillingTimeout = 0 },
			wantErr: "BILLING_TIMEOUT",
		},
		{
			name:    "zero invitation ttl",
			mutate:  func(c *Config) { c.InvitationTTL = 0 },
			wantErr: "INVITATION_TTL",
		},
		{
			name:    "stripe without product",
			mutate:  func(c *Config) { c.StripeSecretKey = "sk_test" },
			wantErr: "STRIPE_PRODUCT_ID",
		},
		{
			name: "production missing webhook secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.StripeSecretKey = "sk_live"
				c.StripeProductID = "prod_1"
				c.AdminSecret = "x"
			},
			wantErr: "STRIPE_WEBHOOK_SECRET",
		},
		{
			name: "production missing admin secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.StripeSecretKey = "sk_live"
				c.StripeProductID = "prod_1"
				c.StripeWebhookSecret = "whsec"
			},
			wantErr: "ADMIN_SECRET",
		},
		{
			name: "production complete",
			mutate: func(c *Config) {
				c.Env = "production"
				c.StripeSecretKey = "sk_live"
				c.StripeProductID = "prod_1"
				c.StripeWebhookSecret = "whsec"
				c.AdminSecret = "x"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
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

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_VAR", "custom_value")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INVALID", "not_a_number")
	t.Setenv("TEST_DUR", "90s")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_INVALID", time.Second))
	assert.Equal(t, "d", getEnvAllowEmpty("NONEXISTENT_VAR", "d"))
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("TEST_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("TEST_EMPTY", "")

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, getEnvList("TEST_ORIGINS", nil))
	assert.Empty(t, getEnvList("TEST_EMPTY", []string{"*"}), "explicit empty disables CORS")
	assert.Equal(t, []string{"*"}, getEnvList("NONEXISTENT_VAR", []string{"*"}))
}
