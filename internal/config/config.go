// Package config loads the courier configuration: a YAML file with
// environment variables expanded, then COURIER_* overrides, then defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Prefix    string          `yaml:"prefix" env:"COURIER_PREFIX"`
	Owner     string          `yaml:"owner" env:"COURIER_OWNER"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Store     StoreConfig     `yaml:"store"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type PluginsConfig struct {
	Dir         string        `yaml:"dir" env:"COURIER_PLUGINS_DIR"`
	Timeout     time.Duration `yaml:"timeout" env:"COURIER_PLUGIN_TIMEOUT"`
	MaxCrashes  int           `yaml:"max_crashes" env:"COURIER_MAX_CRASHES"`
	CrashWindow time.Duration `yaml:"crash_window" env:"COURIER_CRASH_WINDOW"`
}

type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests" env:"COURIER_RATE_LIMIT_MAX"`
	Window      time.Duration `yaml:"window" env:"COURIER_RATE_LIMIT_WINDOW"`
	Disabled    bool          `yaml:"disabled" env:"COURIER_RATE_LIMIT_DISABLED"`
}

type StoreConfig struct {
	Path string `yaml:"path" env:"COURIER_STORE_PATH"`
}

type WhatsAppConfig struct {
	SessionPath string `yaml:"session_path" env:"COURIER_SESSION_PATH"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"COURIER_LOG_LEVEL"`
	Format string `yaml:"format" env:"COURIER_LOG_FORMAT"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(baseDir(), "config.yaml")
}

func baseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".courier"
	}
	return filepath.Join(home, ".courier")
}

// Load reads the configuration file at path, expands environment variables
// in it, applies COURIER_* overrides and defaults, and validates the result.
// A missing file is not an error when path is the default location; the
// runtime then starts on defaults and overrides alone.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err) && path == DefaultPath():
		// Defaults only.
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Prefix == "" {
		cfg.Prefix = "."
	}
	if cfg.Plugins.Dir == "" {
		cfg.Plugins.Dir = filepath.Join(baseDir(), "plugins")
	}
	if cfg.Plugins.Timeout == 0 {
		cfg.Plugins.Timeout = 30 * time.Second
	}
	if cfg.Plugins.MaxCrashes == 0 {
		cfg.Plugins.MaxCrashes = 3
	}
	if cfg.Plugins.CrashWindow == 0 {
		cfg.Plugins.CrashWindow = time.Hour
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 10
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Minute
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(baseDir(), "courier.db")
	}
	if cfg.WhatsApp.SessionPath == "" {
		cfg.WhatsApp.SessionPath = filepath.Join(baseDir(), "session.db")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for values the runtime cannot start with.
func (c *Config) Validate() error {
	if strings.ContainsAny(c.Prefix, " \t\n") {
		return fmt.Errorf("prefix %q must not contain whitespace", c.Prefix)
	}
	if c.Plugins.Timeout <= 0 {
		return fmt.Errorf("plugins.timeout must be positive, got %s", c.Plugins.Timeout)
	}
	if c.Plugins.MaxCrashes < 1 {
		return fmt.Errorf("plugins.max_crashes must be at least 1, got %d", c.Plugins.MaxCrashes)
	}
	if c.Plugins.CrashWindow <= 0 {
		return fmt.Errorf("plugins.crash_window must be positive, got %s", c.Plugins.CrashWindow)
	}
	if c.RateLimit.MaxRequests < 1 {
		return fmt.Errorf("ratelimit.max_requests must be at least 1, got %d", c.RateLimit.MaxRequests)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be positive, got %s", c.RateLimit.Window)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not json or text", c.Logging.Format)
	}
	return nil
}
