package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmorrow/taskd/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, []string{"default"}, cfg.Queues)
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.StallTimeout)
	assert.Equal(t, 24*time.Hour, cfg.CleanupAge)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://app:secret@db:5432/taskd")
	t.Setenv("QUEUES", "emails,reports")
	t.Setenv("MAX_CONCURRENT", "16")
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("APP_ENV", "production")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://app:secret@db:5432/taskd", cfg.DatabaseURL)
	assert.Equal(t, []string{"emails", "reports"}, cfg.Queues)
	assert.Equal(t, 16, cfg.MaxConcurrent)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadBadDuration(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "soon")

	_, err := config.Load()
	assert.Error(t, err)
}
