// Package config loads client settings from the environment and an optional
// YAML file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bhandras/delight/mobile/internal/connection"
	"github.com/bhandras/delight/mobile/internal/logger"
	"github.com/bhandras/delight/mobile/internal/permission"
	"github.com/bhandras/delight/mobile/internal/store"
	"github.com/bhandras/delight/mobile/internal/transport"
	"gopkg.in/yaml.v3"
)

const defaultServerURL = "https://happy-api.slopus.com"

// Reconnect mirrors connection.Policy in the YAML file.
type Reconnect struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	Jitter      time.Duration `yaml:"jitter"`
	Debounce    time.Duration `yaml:"debounce"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

// Config is the full client configuration.
type Config struct {
	// ServerURL is the base URL of the agent service.
	ServerURL string `yaml:"serverUrl"`
	// AuthToken is the bearer token. Acquiring it is not this client's job.
	AuthToken string `yaml:"-"`
	// SessionID is an explicit session to attach to at startup.
	SessionID string `yaml:"sessionId"`
	// ContextKey names the conversation context whose session id is
	// persisted.
	ContextKey string `yaml:"contextKey"`

	// DelightHome is where local state lives.
	DelightHome string `yaml:"-"`
	// File is the YAML file that was read, if any.
	File string `yaml:"-"`

	Transport transport.Kind `yaml:"transport"`
	Store     store.Kind     `yaml:"store"`

	LogLevel string `yaml:"logLevel"`
	Debug    bool   `yaml:"debug"`

	PermissionTimeout time.Duration `yaml:"permissionTimeout"`
	AlwaysAllowScope  string        `yaml:"alwaysAllowScope"`
	Reconnect         Reconnect     `yaml:"reconnect"`
	PingInterval      time.Duration `yaml:"pingInterval"`
	HistoryPageSize   int           `yaml:"historyPageSize"`

	// DataKey is the base64 SecretBox key for encrypted transcript content.
	DataKey string `yaml:"dataKey"`
}

// Default returns the built-in settings.
func Default() Config {
	p := connection.DefaultPolicy()
	return Config{
		ServerURL:         defaultServerURL,
		ContextKey:        "default",
		Transport:         transport.KindWebSocket,
		Store:             store.KindFile,
		LogLevel:          "info",
		PermissionTimeout: permission.DefaultTimeout,
		AlwaysAllowScope:  string(permission.ScopeSession),
		Reconnect: Reconnect{
			Base:     p.Base,
			Max:      p.Max,
			Jitter:   p.Jitter,
			Debounce: p.DebounceWindow,
		},
		PingInterval:    p.PingInterval,
		HistoryPageSize: 100,
	}
}

// Load builds the configuration: defaults, then the YAML file, then the
// environment.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	delightHome := getenvFirst("DELIGHT_HOME_DIR", "HAPPY_HOME_DIR")
	if delightHome == "" {
		delightHome = filepath.Join(homeDir, ".delight")
	}
	if err := os.MkdirAll(delightHome, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create delight home: %w", err)
	}

	cfg := Default()
	cfg.DelightHome = delightHome

	path := os.Getenv("DELIGHT_CONFIG")
	required := path != ""
	if path == "" {
		path = filepath.Join(delightHome, "mobile.yaml")
	}
	if err := cfg.mergeFile(path, required); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeFile overlays YAML settings. A missing optional file is fine.
func (c *Config) mergeFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.File = path
	return nil
}

func (c *Config) applyEnv() {
	if v := getenvFirst("DELIGHT_SERVER_URL", "HAPPY_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := getenvFirst("DELIGHT_AUTH_TOKEN", "HAPPY_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("DELIGHT_SESSION_ID"); v != "" {
		c.SessionID = v
	}
	if v := os.Getenv("DELIGHT_CONTEXT_KEY"); v != "" {
		c.ContextKey = v
	}
	if v := os.Getenv("DELIGHT_TRANSPORT"); v != "" {
		c.Transport = transport.Kind(v)
	}
	if v := os.Getenv("DELIGHT_STORE"); v != "" {
		c.Store = store.Kind(v)
	}
	if v := os.Getenv("DELIGHT_DATA_KEY"); v != "" {
		c.DataKey = v
	}
	if v := os.Getenv("DELIGHT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if envBool("DEBUG") || envBool("DELIGHT_DEBUG") || envBool("HAPPY_DEBUG") {
		c.Debug = true
	}
	if c.Debug && c.LogLevel == "info" {
		c.LogLevel = "debug"
	}
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid server url %q", c.ServerURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(c.ContextKey) == "" {
		return fmt.Errorf("context key must not be empty")
	}
	switch c.Transport {
	case transport.KindWebSocket, transport.KindSocketIO:
	default:
		return fmt.Errorf("invalid transport %q (expected websocket or socketio)", c.Transport)
	}
	switch c.Store {
	case store.KindFile, store.KindSQLite, store.KindMemory:
	default:
		return fmt.Errorf("invalid store %q (expected file, sqlite or memory)", c.Store)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := permission.ParseScope(c.AlwaysAllowScope); err != nil {
		return err
	}
	if c.PermissionTimeout <= 0 {
		return fmt.Errorf("permission timeout must be positive")
	}
	r := c.Reconnect
	if r.Base <= 0 || r.Max < r.Base {
		return fmt.Errorf("invalid reconnect backoff base=%s max=%s", r.Base, r.Max)
	}
	if r.Jitter < 0 || r.Debounce < 0 || r.MaxAttempts < 0 {
		return fmt.Errorf("reconnect jitter, debounce and maxAttempts must not be negative")
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("ping interval must not be negative")
	}
	if c.HistoryPageSize <= 0 {
		return fmt.Errorf("history page size must be positive")
	}
	return nil
}

// Policy returns the connection policy described by the config.
func (c *Config) Policy() connection.Policy {
	return connection.Policy{
		Base:           c.Reconnect.Base,
		Max:            c.Reconnect.Max,
		Jitter:         c.Reconnect.Jitter,
		DebounceWindow: c.Reconnect.Debounce,
		MaxAttempts:    c.Reconnect.MaxAttempts,
		PingInterval:   c.PingInterval,
	}
}

func getenvFirst(primary, fallback string) string {
	if val := os.Getenv(primary); val != "" {
		return val
	}
	return os.Getenv(fallback)
}

func envBool(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && v
}
