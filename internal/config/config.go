// Package config loads and saves the client configuration file
// (~/.chatkit/config.toml by default).
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tandemapp/chatkit/internal/retry"
)

// Config represents the full config.toml.
type Config struct {
	User      UserConfig    `toml:"user"`
	Server    ServerConfig  `toml:"server"`
	Retry     BackoffConfig `toml:"retry"`
	Reconnect BackoffConfig `toml:"reconnect"`
	Archive   ArchiveConfig `toml:"archive"`
	Log       LogConfig     `toml:"log"`
}

// UserConfig identifies the local user.
type UserConfig struct {
	ID string `toml:"id"`
}

// ServerConfig holds the REST and websocket endpoints plus the bearer token.
type ServerConfig struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
	Token   string `toml:"token"`
}

// BackoffConfig is the on-disk shape of a retry schedule. Delays are in
// milliseconds.
type BackoffConfig struct {
	MaxAttempts int   `toml:"max_attempts"`
	BaseDelayMs int64 `toml:"base_delay_ms"`
	MaxDelayMs  int64 `toml:"max_delay_ms"`
}

// Policy converts the on-disk schedule into a retry policy. A zero config
// falls back to fallback.
func (b BackoffConfig) Policy(fallback retry.Policy) retry.Policy {
	if b == (BackoffConfig{}) {
		return fallback
	}
	return retry.Policy{
		MaxAttempts: b.MaxAttempts,
		BaseDelay:   time.Duration(b.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(b.MaxDelayMs) * time.Millisecond,
	}
}

// ArchiveConfig points at the local sqlite journal.
type ArchiveConfig struct {
	Path string `toml:"path"`
}

// LogConfig points at the log file.
type LogConfig struct {
	Path string `toml:"path"`
}

// DefaultDir returns the config directory under the user's home.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatkit"
	}
	return filepath.Join(home, ".chatkit")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.toml")
}

// Load reads config from the given path and fills in path defaults for the
// archive and the log file. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if cfg.Archive.Path == "" {
		cfg.Archive.Path = filepath.Join(dir, "archive.db")
	}
	if cfg.Log.Path == "" {
		cfg.Log.Path = filepath.Join(dir, "chatkitd.log")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks the fields the client cannot run without.
func (c *Config) Validate() error {
	if c.User.ID == "" {
		return errors.New("config: user.id is required")
	}
	if c.Server.BaseURL == "" {
		return errors.New("config: server.base_url is required")
	}
	if c.Server.WSURL == "" {
		return errors.New("config: server.ws_url is required")
	}
	return nil
}
