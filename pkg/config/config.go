package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the on-disk configuration, stored as JSON at
// ~/.runclaw/config.json. Environment variables (RUNCLAW_*) override
// file values after load.
type Config struct {
	// Shell is the binary used to spawn commands. Empty means the
	// platform default (/bin/sh, powershell on windows).
	Shell string `json:"shell" env:"RUNCLAW_SHELL"`
	// TimeoutSeconds caps execution wall-clock time. Zero means no
	// deadline.
	TimeoutSeconds int           `json:"timeout_seconds" env:"RUNCLAW_TIMEOUT_SECONDS"`
	Log            LogConfig     `json:"log"`
	Rules          RulesConfig   `json:"rules"`
	History        HistoryConfig `json:"history"`
	Audit          AuditConfig   `json:"audit"`
	Serve          ServeConfig   `json:"serve"`
}

type LogConfig struct {
	Level string `json:"level" env:"RUNCLAW_LOG_LEVEL"`
}

// RulesConfig points at an optional YAML file with extra danger rules
// layered after the builtin set.
type RulesConfig struct {
	Path string `json:"path,omitempty" env:"RUNCLAW_RULES"`
}

type HistoryConfig struct {
	Enabled bool   `json:"enabled" env:"RUNCLAW_HISTORY_ENABLED"`
	Path    string `json:"path,omitempty" env:"RUNCLAW_HISTORY_PATH"`
}

type AuditConfig struct {
	Enabled bool   `json:"enabled" env:"RUNCLAW_AUDIT_ENABLED"`
	Path    string `json:"path,omitempty" env:"RUNCLAW_AUDIT_PATH"`
}

type ServeConfig struct {
	Addr string `json:"addr" env:"RUNCLAW_SERVE_ADDR"`
}

// Timeout returns TimeoutSeconds as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate checks field ranges, naming the offending field in the
// error.
func (c *Config) Validate() error {
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must be >= 0, got %d", c.TimeoutSeconds)
	}
	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path is required when history.enabled is true")
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required when audit.enabled is true")
	}
	return nil
}

// ConfigDir returns the runclaw home directory (~/.runclaw).
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".runclaw"
	}
	return filepath.Join(home, ".runclaw")
}

// GetConfigPath returns the standard config file path.
func GetConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	dir := ConfigDir()
	return &Config{
		Shell:          "",
		TimeoutSeconds: 0,
		Log:            LogConfig{Level: "info"},
		History: HistoryConfig{
			Enabled: true,
			Path:    filepath.Join(dir, "history.db"),
		},
		Audit: AuditConfig{
			Enabled: false,
			Path:    filepath.Join(dir, "audit.jsonl"),
		},
		Serve: ServeConfig{
			Addr: "127.0.0.1:8787",
		},
	}
}

// LoadConfig reads the JSON config at path, layered over defaults,
// then applies RUNCLAW_* environment overrides. A missing file is an
// error so callers can fall back to DefaultConfig and persist it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the config at path, falling back to defaults when
// no file exists yet. Environment overrides apply either way, so the
// CLI works before `config init` has run.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = DefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes the config atomically: temp file in the same
// directory, then rename.
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}
