package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("IBKR_CONSUMER_KEY", "CKEY")
	t.Setenv("IBKR_ACCESS_TOKEN", "token")
	t.Setenv("IBKR_ACCESS_TOKEN_SECRET", "c2VjcmV0")
	t.Setenv("IBKR_SIGNATURE_KEY_PATH", "/keys/signature.pem")
	t.Setenv("IBKR_ENCRYPTION_KEY_PATH", "/keys/encryption.pem")
	t.Setenv("IBKR_DH_PRIME_HEX", "ffffffffffffffc5")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.ibkr.com/v1/api", cfg.IBKRBaseURL)
	assert.Equal(t, "SMART", cfg.DefaultExchange)
	assert.Equal(t, "STK", cfg.DefaultSecType)
	assert.True(t, cfg.PaperTrading, "paper trading is on unless explicitly disabled")
	assert.Equal(t, "DU", cfg.PaperAccountPrefix)
	assert.Equal(t, 60*time.Second, cfg.KeepAliveInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.DevMode)
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IBKR_BASE_URL", "https://localhost:5000/v1/api")
	t.Setenv("IBKR_PAPER_TRADING", "false")
	t.Setenv("IBKR_PAPER_ACCOUNT_PREFIX", "DF")
	t.Setenv("IBKR_KEEPALIVE_SECONDS", "30")
	t.Setenv("IBKR_DEFAULT_EXCHANGE", "ASX")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://localhost:5000/v1/api", cfg.IBKRBaseURL)
	assert.False(t, cfg.PaperTrading)
	assert.Equal(t, "DF", cfg.PaperAccountPrefix)
	assert.Equal(t, 30*time.Second, cfg.KeepAliveInterval)
	assert.Equal(t, "ASX", cfg.DefaultExchange)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IBKR_CONSUMER_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IBKR_CONSUMER_KEY")
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IBKR_KEEPALIVE_SECONDS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.KeepAliveInterval)
}

func TestGetEnvAsBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	assert.True(t, getEnvAsBool("TEST_BOOL", false))

	t.Setenv("TEST_BOOL", "garbage")
	assert.True(t, getEnvAsBool("TEST_BOOL", true), "unparseable value falls back to default")
}
