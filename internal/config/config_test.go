package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "asynq", cfg.Jobs.Driver)
	assert.Equal(t, 3, cfg.Jobs.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Jobs.BackoffBase)
	assert.Equal(t, 10, cfg.Jobs.Concurrency["check-recovered"])
	assert.Equal(t, 12*time.Hour, cfg.Cart.RecoveryCheckAfter)
	assert.Equal(t, 7*24*time.Hour, cfg.Cart.TTL)
	assert.Equal(t, "messages.outcomes", cfg.Kafka.Topics.Outcomes)
	assert.False(t, cfg.RateLimit.EnforceAllowedHours)
	assert.False(t, cfg.RateLimit.AutoPauseOnLowQuality)
	assert.Zero(t, cfg.RateLimit.FailureGuardMinSample)
	assert.Equal(t, 5, cfg.Evolution.Breaker.FailThreshold)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs:\n  driver: memory\ncart:\n  ttl: 48h\n"), 0o600))
	t.Setenv("CARTREC_HTTP_ADDR", ":9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Jobs.Driver)
	assert.Equal(t, 48*time.Hour, cfg.Cart.TTL)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	// untouched keys keep their defaults
	assert.Equal(t, 12*time.Hour, cfg.Cart.RecoveryCheckAfter)
}

func TestLoad_ConfigFileErrors(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("jobs: [driver\n"), 0o600))
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("default file is optional", func(t *testing.T) {
		wd, err := os.Getwd()
		require.NoError(t, err)
		require.NoError(t, os.Chdir(t.TempDir()))
		t.Cleanup(func() { _ = os.Chdir(wd) })
		cfg, err := Load(DefaultPath)
		require.NoError(t, err)
		assert.Equal(t, "asynq", cfg.Jobs.Driver)
	})
}
