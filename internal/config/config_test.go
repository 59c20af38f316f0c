package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bhandras/delight/mobile/internal/store"
	"github.com/bhandras/delight/mobile/internal/transport"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"DELIGHT_SERVER_URL", "HAPPY_SERVER_URL", "DELIGHT_AUTH_TOKEN", "HAPPY_AUTH_TOKEN",
		"DELIGHT_SESSION_ID", "DELIGHT_CONTEXT_KEY", "DELIGHT_TRANSPORT", "DELIGHT_STORE",
		"DELIGHT_DATA_KEY", "DELIGHT_LOG_LEVEL", "DEBUG", "DELIGHT_DEBUG", "HAPPY_DEBUG",
		"DELIGHT_CONFIG",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("DELIGHT_HOME_DIR", home)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, home, cfg.DelightHome)
	require.Equal(t, defaultServerURL, cfg.ServerURL)
	require.Equal(t, transport.KindWebSocket, cfg.Transport)
	require.Equal(t, store.KindFile, cfg.Store)
	require.Equal(t, 5*time.Minute, cfg.PermissionTimeout)
	require.Equal(t, 500*time.Millisecond, cfg.Policy().Base)
	require.Empty(t, cfg.File)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("DELIGHT_HOME_DIR", home)

	yamlBody := `
serverUrl: https://file.example.com
contextKey: project-x
permissionTimeout: 90s
alwaysAllowScope: process
reconnect:
  base: 1s
  max: 10s
  jitter: 0s
  debounce: 5s
  maxAttempts: 4
pingInterval: 0s
historyPageSize: 20
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "mobile.yaml"), []byte(yamlBody), 0o600))
	t.Setenv("DELIGHT_SERVER_URL", "http://127.0.0.1:3005")
	t.Setenv("DELIGHT_AUTH_TOKEN", "tok")
	t.Setenv("DELIGHT_STORE", "sqlite")
	t.Setenv("DEBUG", "1")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:3005", cfg.ServerURL)
	require.Equal(t, "tok", cfg.AuthToken)
	require.Equal(t, "project-x", cfg.ContextKey)
	require.Equal(t, store.KindSQLite, cfg.Store)
	require.Equal(t, 90*time.Second, cfg.PermissionTimeout)
	require.Equal(t, "process", cfg.AlwaysAllowScope)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 20, cfg.HistoryPageSize)

	p := cfg.Policy()
	require.Equal(t, time.Second, p.Base)
	require.Equal(t, 10*time.Second, p.Max)
	require.Equal(t, 5*time.Second, p.DebounceWindow)
	require.Equal(t, 4, p.MaxAttempts)
	require.Zero(t, p.PingInterval)
	require.Equal(t, filepath.Join(home, "mobile.yaml"), cfg.File)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("DELIGHT_HOME_DIR", t.TempDir())
	t.Setenv("DELIGHT_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad url", func(c *Config) { c.ServerURL = "not a url" }},
		{"bad scheme", func(c *Config) { c.ServerURL = "ftp://x.example.com" }},
		{"empty context", func(c *Config) { c.ContextKey = " " }},
		{"bad transport", func(c *Config) { c.Transport = "pigeon" }},
		{"bad store", func(c *Config) { c.Store = "redis" }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad scope", func(c *Config) { c.AlwaysAllowScope = "forever" }},
		{"zero timeout", func(c *Config) { c.PermissionTimeout = 0 }},
		{"max below base", func(c *Config) { c.Reconnect.Max = time.Millisecond }},
		{"negative attempts", func(c *Config) { c.Reconnect.MaxAttempts = -1 }},
		{"zero page size", func(c *Config) { c.HistoryPageSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	require.NoError(t, cfg.Validate())
}
