package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybridge/tallysync/internal/config"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 15*time.Second, cfg.Agent.HeartbeatInterval)
	assert.Equal(t, filepath.Join(".tallysync", "tallysync.db"), cfg.Store.Path())
	assert.Equal(t, "http://localhost:8080/api/v1", cfg.Source.BaseURL)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty listen addr", func(c *config.Config) { c.Server.ListenAddr = "" }},
		{"zero timeout", func(c *config.Config) { c.Tally.Timeout = 0 }},
		{"bad http port", func(c *config.Config) { c.Tally.HTTPPort = 70000 }},
		{"non-increasing health thresholds", func(c *config.Config) { c.Agent.UnhealthyMissed = c.Agent.WarningMissed }},
		{"zero queue", func(c *config.Config) { c.Agent.QueueSize = 0 }},
		{"zero workers", func(c *config.Config) { c.Sync.Workers = 0 }},
		{"cap below base", func(c *config.Config) { c.Sync.BackoffCap = c.Sync.BaseDelay - time.Second }},
		{"empty source base url", func(c *config.Config) { c.Source.BaseURL = "" }},
		{"bad log level", func(c *config.Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *config.Config) { c.Log.Format = "xml" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoaderFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tallysync.yaml")
	content := []byte(`
tally:
  http_host: tally.internal
  http_port: 9100
sync:
  workers: 8
  max_attempts: 5
log:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := config.NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "tally.internal", cfg.Tally.HTTPHost)
	assert.Equal(t, 9100, cfg.Tally.HTTPPort)
	assert.Equal(t, 8, cfg.Sync.Workers)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched sections keep defaults.
	assert.Equal(t, ":8843", cfg.Server.ListenAddr)
	assert.Equal(t, 200, cfg.Agent.QueueSize)
}

func TestLoaderEnvOverride(t *testing.T) {
	t.Setenv("TALLYSYNC_SYNC_WORKERS", "12")
	t.Setenv("TALLYSYNC_LOG_FORMAT", "json")

	cfg, err := config.NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Sync.Workers)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoaderEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tallysync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  workers: 2\n"), 0o600))
	t.Setenv("TALLYSYNC_SYNC_WORKERS", "6")

	cfg, err := config.NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Sync.Workers)
}

func TestLoaderInvalidFileValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tallysync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600))

	_, err := config.NewLoader(path).Load()
	assert.Error(t, err)
}
