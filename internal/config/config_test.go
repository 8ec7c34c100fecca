package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func envFrom(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  url: postgres://localhost/barcodes
listener:
  retry_delay: 2s
websocket:
  allowed_origins:
    - https://barcodes.example.com
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/barcodes", cfg.Database.URL)
	assert.Equal(t, 2*time.Second, cfg.Listener.RetryDelay)
	assert.Equal(t, []string{"https://barcodes.example.com"}, cfg.WebSocket.AllowedOrigins)

	// Defaults should still be applied for unspecified fields.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "barcodes", cfg.Listener.Channel)
	assert.Equal(t, 10, cfg.Listener.MaxAttempts)
	assert.Equal(t, 64, cfg.WebSocket.SendBuffer)
	assert.Equal(t, "info", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, ":::not valid yaml")
	_, err := Load(path)
	assert.Error(t, err)

	_, err = LoadOrDefault(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envFrom(map[string]string{
		EnvDatabaseURL:    "postgres://db/barcodes",
		EnvPort:           "3000",
		EnvLogLevel:       "notice",
		EnvAllowedOrigins: " https://a.example , ,https://b.example",
	}))
	require.NoError(t, err)

	assert.Equal(t, "postgres://db/barcodes", cfg.Database.URL)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "notice", cfg.Log.Level)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.WebSocket.AllowedOrigins)
}

func TestApplyEnvLeavesUnsetFields(t *testing.T) {
	cfg := Default()
	cfg.Database.URL = "postgres://file"
	require.NoError(t, cfg.ApplyEnv(envFrom(map[string]string{EnvPort: ""})))
	assert.Equal(t, "postgres://file", cfg.Database.URL)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestApplyEnvBadPort(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envFrom(map[string]string{EnvPort: "eighty"}))
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Database.URL = "postgres://localhost/barcodes"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"no shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 0 }},
		{"empty channel", func(c *Config) { c.Listener.Channel = " " }},
		{"no retry delay", func(c *Config) { c.Listener.RetryDelay = 0 }},
		{"no attempts", func(c *Config) { c.Listener.MaxAttempts = 0 }},
		{"no send buffer", func(c *Config) { c.WebSocket.SendBuffer = -1 }},
		{"no write timeout", func(c *Config) { c.WebSocket.WriteTimeout = 0 }},
		{"no queue", func(c *Config) { c.Durability.QueueSize = 0 }},
		{"no op timeout", func(c *Config) { c.Durability.OpTimeout = 0 }},
		{"no database", func(c *Config) { c.Database.URL = "" }},
		{"mock without users", func(c *Config) { c.Mock.Enabled = true; c.Mock.Users = nil }},
		{"mock without interval", func(c *Config) { c.Mock.Enabled = true; c.Mock.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
		})
	}
}

func TestValidateMockNeedsNoDatabase(t *testing.T) {
	cfg := Default()
	cfg.Mock.Enabled = true
	assert.NoError(t, cfg.Validate())
}
