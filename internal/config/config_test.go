package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 100, cfg.RateLimitRPS)
	assert.Equal(t, 3, cfg.MaxAutoExtends)
	assert.False(t, cfg.Debug)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Run("PORT", func(t *testing.T) {
		os.Setenv("PORT", "9090")
		defer os.Unsetenv("PORT")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "9090", cfg.Port)
	})

	t.Run("RATE_LIMIT_RPS", func(t *testing.T) {
		os.Setenv("RATE_LIMIT_RPS", "250")
		defer os.Unsetenv("RATE_LIMIT_RPS")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 250, cfg.RateLimitRPS)
	})

	t.Run("MAX_AUTO_EXTENDS", func(t *testing.T) {
		os.Setenv("MAX_AUTO_EXTENDS", "5")
		defer os.Unsetenv("MAX_AUTO_EXTENDS")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.MaxAutoExtends)
	})

	t.Run("invalid int falls back to default", func(t *testing.T) {
		os.Setenv("MAX_AUTO_EXTENDS", "not-a-number")
		defer os.Unsetenv("MAX_AUTO_EXTENDS")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.MaxAutoExtends)
	})

	t.Run("DEBUG enables wildcard origins", func(t *testing.T) {
		os.Setenv("DEBUG", "true")
		defer os.Unsetenv("DEBUG")

		cfg, err := Load()
		require.NoError(t, err)
		assert.True(t, cfg.Debug)
		assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	})

	t.Run("ALLOWED_ORIGINS splits on comma", func(t *testing.T) {
		os.Setenv("ALLOWED_ORIGINS", "http://a.test,http://b.test")
		defer os.Unsetenv("ALLOWED_ORIGINS")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	})
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, cfg.MaxSession())
	assert.Equal(t, 5*time.Second, cfg.MinInterval())
	assert.Equal(t, 30*time.Second, cfg.MaxInterval())
	assert.Equal(t, 5*time.Minute, cfg.ExtendStep())
	assert.Equal(t, 120*time.Second, cfg.ExtendMargin())
	assert.Equal(t, 60*time.Second, cfg.CleanupPeriod())
	assert.Equal(t, 24*time.Hour, cfg.StaleMaxAge())
	assert.Equal(t, 120*time.Second, cfg.WarnWindow())
}

func TestLoadDoesNotMutatePackageState(t *testing.T) {
	cfgA, err := Load()
	require.NoError(t, err)
	cfgB, err := Load()
	require.NoError(t, err)

	assert.NotSame(t, cfgA, cfgB, "Load must return a fresh value each call, not a shared singleton")
}
