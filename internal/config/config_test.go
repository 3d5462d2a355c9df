package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SESSION_BACKEND", "")
	t.Setenv("MARKET_API_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.API.BaseURL)
	assert.Equal(t, BackendFile, cfg.Session.Backend)
	assert.Equal(t, 120*time.Second, cfg.OTP.Countdown)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MARKET_API_URL", "https://api.example.com")
	t.Setenv("SESSION_BACKEND", "Redis")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("OTP_COUNTDOWN", "90s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Session.Backend)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 90*time.Second, cfg.OTP.Countdown)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	t.Setenv("SESSION_BACKEND", "sqlite")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("SESSION_BACKEND", "memory")
	t.Setenv("MARKET_API_URL", "not a url")
	_, err = Load()
	require.Error(t, err)
}

func TestLoadIdentityProvider_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "")
	_, err := LoadIdentityProvider()
	require.Error(t, err)

	t.Setenv("JWT_SECRET_KEY", "short")
	_, err = LoadIdentityProvider()
	require.Error(t, err)
}

func TestLoadIdentityProvider_Seed(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("DEVIDP_SEED", "admin@example.com:secret:ADMIN, mentor@example.com:pw:mentor")

	cfg, err := LoadIdentityProvider()
	require.NoError(t, err)
	require.Len(t, cfg.Seed, 2)
	assert.Equal(t, "admin@example.com", cfg.Seed[0].Email)
	assert.Equal(t, "mentor", cfg.Seed[1].Role)

	t.Setenv("DEVIDP_SEED", "broken")
	_, err = LoadIdentityProvider()
	require.Error(t, err)
}
