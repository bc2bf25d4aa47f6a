package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// APIConfig holds settings for the notification REST backend.
type APIConfig struct {
	// BaseURL is the API root, e.g. http://localhost:8080/api.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// TimeoutSec bounds a single request.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`

	// PageSize is the limit used for list fetches.
	PageSize int `mapstructure:"page_size" yaml:"page_size"`
}

// RealtimeConfig holds settings for the push channel.
type RealtimeConfig struct {
	URL                 string `mapstructure:"url" yaml:"url"`
	Destination         string `mapstructure:"destination" yaml:"destination"`
	ReconnectDelayMS    int    `mapstructure:"reconnect_delay_ms" yaml:"reconnect_delay_ms"`
	HeartbeatIncomingMS int    `mapstructure:"heartbeat_incoming_ms" yaml:"heartbeat_incoming_ms"`
	HeartbeatOutgoingMS int    `mapstructure:"heartbeat_outgoing_ms" yaml:"heartbeat_outgoing_ms"`
}

// SyncConfig controls background reconciliation.
type SyncConfig struct {
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// SessionConfig controls chat session exit tracking.
type SessionConfig struct {
	// StrictHarness enables the one-shot guard that skips the first
	// cleanup of a double-invoked setup/cleanup pair.
	StrictHarness bool `mapstructure:"strict_harness" yaml:"strict_harness"`

	// ExitTimeoutMS bounds a detached exit request.
	ExitTimeoutMS int `mapstructure:"exit_timeout_ms" yaml:"exit_timeout_ms"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// CacheConfig holds the warm-start cache location.
type CacheConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	API      APIConfig      `mapstructure:"api" yaml:"api"`
	Realtime RealtimeConfig `mapstructure:"realtime" yaml:"realtime"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
}

// RequestTimeout returns the API timeout as a duration.
func (c APIConfig) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// ReconnectDelay returns the fixed reconnect backoff.
func (c RealtimeConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMS) * time.Millisecond
}

// HeartbeatIncoming returns the expected server heartbeat interval.
func (c RealtimeConfig) HeartbeatIncoming() time.Duration {
	return time.Duration(c.HeartbeatIncomingMS) * time.Millisecond
}

// HeartbeatOutgoing returns the client heartbeat interval.
func (c RealtimeConfig) HeartbeatOutgoing() time.Duration {
	return time.Duration(c.HeartbeatOutgoingMS) * time.Millisecond
}

// PollInterval returns the reconciliation interval.
func (c SyncConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// ExitTimeout returns the detached exit request timeout.
func (c SessionConfig) ExitTimeout() time.Duration {
	return time.Duration(c.ExitTimeoutMS) * time.Millisecond
}

// configDir returns ~/.config/notifycenter, or the working directory
// when the home directory cannot be resolved.
func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "notifycenter")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/notifycenter/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// defaults are applied to every viper instance and to the zero config.
var defaults = map[string]interface{}{
	"api.base_url":                   "http://localhost:8080/api",
	"api.timeout_sec":                30,
	"api.page_size":                  50,
	"realtime.url":                   "ws://localhost:8080/notify-ws/websocket",
	"realtime.destination":           "/user/queue/notifications",
	"realtime.reconnect_delay_ms":    3000,
	"realtime.heartbeat_incoming_ms": 10000,
	"realtime.heartbeat_outgoing_ms": 10000,
	"sync.poll_interval_sec":         120,
	"session.strict_harness":         false,
	"session.exit_timeout_ms":        5000,
	"log.level":                      "info",
	"log.format":                     "json",
	"log.file":                       filepath.Join(configDir(), "notifycenter.log"),
	"cache.path":                     filepath.Join(configDir(), "cache.db"),
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("NOTIFYCENTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with NOTIFYCENTER_ override file values.
// If the file does not exist, defaults (plus env overrides) are used.
func LoadConfig(path string) (*AppConfig, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyFloors()
	return cfg, nil
}

// applyFloors replaces non-positive numeric settings with defaults.
func (c *AppConfig) applyFloors() {
	if c.API.TimeoutSec <= 0 {
		c.API.TimeoutSec = 30
	}
	if c.API.PageSize <= 0 {
		c.API.PageSize = 50
	}
	if c.Realtime.ReconnectDelayMS <= 0 {
		c.Realtime.ReconnectDelayMS = 3000
	}
	if c.Realtime.HeartbeatIncomingMS < 0 {
		c.Realtime.HeartbeatIncomingMS = 0
	}
	if c.Realtime.HeartbeatOutgoingMS < 0 {
		c.Realtime.HeartbeatOutgoingMS = 0
	}
	if c.Sync.PollIntervalSec <= 0 {
		c.Sync.PollIntervalSec = 120
	}
	if c.Session.ExitTimeoutMS <= 0 {
		c.Session.ExitTimeoutMS = 5000
	}
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("api", cfg.API)
	v.Set("realtime", cfg.Realtime)
	v.Set("sync", cfg.Sync)
	v.Set("session", cfg.Session)
	v.Set("log", cfg.Log)
	v.Set("cache", cfg.Cache)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
