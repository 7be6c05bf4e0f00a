package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("FIELD_ENCRYPTION_KEY", "a2V5")
	t.Setenv("APP_URL", "https://wallet.example.com/")

	cfg, err := LoadConfig()

	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "wallet_", cfg.CachePrefix)
	assert.Equal(t, 10*time.Second, cfg.LockTTL)
	assert.Equal(t, 30*time.Minute, cfg.CorrelationTTL)
	assert.Equal(t, 3, cfg.CreditRetries)
	assert.Equal(t, "https://wallet.example.com/wallet/link/callback", cfg.AgreementCallbackURL())
	assert.Equal(t, "https://wallet.example.com/wallet/payment/callback", cfg.PaymentCallbackURL())
	assert.Contains(t, cfg.DatabaseDSN(), "@localhost:5432/wallet_db")
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("FIELD_ENCRYPTION_KEY", "a2V5")
	t.Setenv("WALLET_LOCK_TTL", "3s")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("CALLBACK_CREDIT_RETRIES", "not-a-number")
	t.Setenv("BKASH_APP_KEY", "app-key")

	cfg, err := LoadConfig()

	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.LockTTL)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 3, cfg.CreditRetries, "invalid values fall back to the default")
	assert.Equal(t, "app-key", cfg.Gateway.AppKey)
}

func TestLoadConfig_RequiresSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("FIELD_ENCRYPTION_KEY", "a2V5")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("FIELD_ENCRYPTION_KEY", "")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "FIELD_ENCRYPTION_KEY")
}
