package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapResolver map[string]string

func (m mapResolver) Resolve(key string) (string, error) {
	return m[key], nil
}

type brokenResolver struct{}

func (brokenResolver) Resolve(string) (string, error) {
	return "", errors.New("doppler unavailable")
}

func validSecrets() mapResolver {
	return mapResolver{
		"STRIPE_SECRET_KEY":     "sk_test_123",
		"STRIPE_WEBHOOK_SECRET": "whsec_test_secret",
		"EMAIL_API_KEY":         "re_test_key",
		"CODE_HASH_SECRET":      "0123456789abcdef0123",
	}
}

func setRequiredEnv(t *testing.T) {
	t.Setenv("EMAIL_FROM", "receipts@operatorkit.dev")
	t.Setenv("COMMISSION_TABLE", "operator_monthly:285,operator_annual:2850")
	t.Setenv("HOLD_DAYS", "14")
	t.Setenv("REFUND_PAUSE_THRESHOLD", "3")
}

func TestLoadValidConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SWEEP_INTERVAL", "15m")
	t.Setenv("CODE_PREFIX", "ops")

	cfg, err := Load(validSecrets())
	require.NoError(t, err)

	assert.Equal(t, "sk_test_123", cfg.Stripe.SecretKey)
	assert.Equal(t, "whsec_test_secret", cfg.Stripe.WebhookSecret)
	assert.Equal(t, "OPS", cfg.Codes.Prefix)
	assert.Equal(t, int64(285), cfg.Settlement.CommissionCents["operator_monthly"])
	assert.Equal(t, 30, cfg.Settlement.AccessDays["operator_monthly"])
	assert.Equal(t, 14, cfg.Settlement.HoldDays)
	assert.Equal(t, 3, cfg.Settlement.RefundPauseThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Empty(t, cfg.Redis.URL)

	p, err := cfg.Settlement.Policy()
	require.NoError(t, err)
	cents, ok := p.CommissionFor("operator_annual")
	assert.True(t, ok)
	assert.Equal(t, int64(2850), cents)
}

func TestLoadReportsEveryMissingValue(t *testing.T) {
	t.Setenv("EMAIL_FROM", "")
	t.Setenv("COMMISSION_TABLE", "")
	t.Setenv("HOLD_DAYS", "")
	t.Setenv("REFUND_PAUSE_THRESHOLD", "")

	_, err := Load(mapResolver{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	for _, key := range []string{
		"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "EMAIL_API_KEY", "EMAIL_FROM",
		"CODE_HASH_SECRET", "COMMISSION_TABLE", "HOLD_DAYS", "REFUND_PAUSE_THRESHOLD",
	} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := map[string]struct {
		key, value string
	}{
		"hold days not a number":  {"HOLD_DAYS", "two weeks"},
		"negative hold days":      {"HOLD_DAYS", "-1"},
		"zero threshold":          {"REFUND_PAUSE_THRESHOLD", "0"},
		"bad commission table":    {"COMMISSION_TABLE", "operator_monthly=285"},
		"bad access table":        {"ACCESS_DAYS_TABLE", "operator_monthly:forever"},
		"bad sweep interval":      {"SWEEP_INTERVAL", "hourly"},
		"sender without at sign":  {"EMAIL_FROM", "receipts"},
		"bad max conns":           {"DATABASE_MAX_CONNS", "many"},
		"non-positive rate limit": {"WEBHOOK_RATE_PER_SECOND", "0"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load(validSecrets())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoadRejectsWeakSecrets(t *testing.T) {
	setRequiredEnv(t)

	s := validSecrets()
	s["CODE_HASH_SECRET"] = "short"
	s["STRIPE_WEBHOOK_SECRET"] = "not-a-signing-secret"
	s["STRIPE_SECRET_KEY"] = "pk_test_123"

	_, err := Load(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CODE_HASH_SECRET")
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")
}

func TestLoadAcceptsRestrictedStripeKey(t *testing.T) {
	setRequiredEnv(t)

	s := validSecrets()
	s["STRIPE_SECRET_KEY"] = "rk_live_123"

	cfg, err := Load(s)
	require.NoError(t, err)
	assert.Equal(t, "rk_live_123", cfg.Stripe.SecretKey)
}

func TestLoadSurfacesResolverFailures(t *testing.T) {
	setRequiredEnv(t)

	_, err := Load(brokenResolver{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doppler unavailable")
}
