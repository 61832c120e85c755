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
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "0.0.0.0:8484", cfg.Server.Address())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
database:
  path: /var/lib/shelfstream/db.sqlite
prowlarr:
  url: http://prowlarr:9696
  api_key: abc
pipeline:
  monitor_interval: 30s
  require_approval: true
`), 0o644))

	t.Setenv("SHELFSTREAM_SERVER_PORT", "9100")
	t.Setenv("SHELFSTREAM_PIPELINE_MISSING_POLL_THRESHOLD", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "env overrides file")
	assert.Equal(t, "/var/lib/shelfstream/db.sqlite", cfg.Database.Path)
	assert.True(t, cfg.Prowlarr.Enabled())
	assert.Equal(t, 30*time.Second, cfg.Pipeline.MonitorInterval)
	assert.True(t, cfg.Pipeline.RequireApproval)
	assert.Equal(t, 8, cfg.Pipeline.MissingPollThreshold)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.MonitorInitialDelay, "defaults fill the rest")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"empty database path", func(c *Config) { c.Database.Path = " " }, "database.path"},
		{"zero interval", func(c *Config) { c.Pipeline.MonitorInterval = 0 }, "monitor_interval"},
		{"negative delay", func(c *Config) { c.Pipeline.MonitorInitialDelay = -time.Second }, "monitor_initial_delay"},
		{"zero threshold", func(c *Config) { c.Pipeline.MissingPollThreshold = 0 }, "missing_poll_threshold"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"prowlarr without key", func(c *Config) { c.Prowlarr.URL = "http://prowlarr:9696" }, "api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, Default().Validate())
}
