// Package config loads and validates gateway configuration. A YAML file
// declares the listener, the transformer set and the provider catalogue;
// a small set of environment variables overrides the operational knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/mcowger/llms/internal/models"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Log          LogConfig           `yaml:"log"`
	Transformers []TransformerConfig `yaml:"transformers"`
	Providers    []models.Provider   `yaml:"providers"`
}

// ServerConfig defines the listener and outbound transport.
type ServerConfig struct {
	Host           string        `yaml:"host" env:"LLMS_HOST"`
	Port           int           `yaml:"port" env:"LLMS_PORT"`
	ProxyURL       string        `yaml:"proxy_url" env:"LLMS_PROXY_URL"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"LLMS_REQUEST_TIMEOUT"`
}

// LogConfig controls log verbosity and output format.
type LogConfig struct {
	Level  string `yaml:"level" env:"LLMS_LOG_LEVEL"`
	Format string `yaml:"format" env:"LLMS_LOG_FORMAT"`
}

// TransformerConfig declares one transformer to load at startup. Use names a
// built-in factory; Path points at a plugin exposing a New symbol instead.
type TransformerConfig struct {
	Use     string         `yaml:"use"`
	Path    string         `yaml:"path"`
	Options map[string]any `yaml:"options"`
}

// Ref returns the loadable reference for the entry.
func (t TransformerConfig) Ref() string {
	if t.Path != "" {
		return t.Path
	}
	return t.Use
}

// Default values applied before the file and environment are read.
const (
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 3000
	DefaultRequestTimeout = 30 * time.Minute
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
)

// Load reads YAML configuration from disk, applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host:           DefaultHost,
			Port:           DefaultPort,
			RequestTimeout: DefaultRequestTimeout,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := env.Parse(&cfg.Server); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := env.Parse(&cfg.Log); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive, got %s", c.Server.RequestTimeout)
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format %q must be console or json", c.Log.Format)
	}
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not a recognized level", c.Log.Level)
	}

	names := make(map[string]struct{}, len(c.Transformers))
	for i, t := range c.Transformers {
		if t.Use == "" && t.Path == "" {
			return fmt.Errorf("transformers[%d]: use or path must be provided", i)
		}
		if t.Use != "" && t.Path != "" {
			return fmt.Errorf("transformers[%d]: use and path are mutually exclusive", i)
		}
		ref := t.Ref()
		if _, dup := names[ref]; dup {
			return fmt.Errorf("transformers[%d]: %q declared twice", i, ref)
		}
		names[ref] = struct{}{}
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i, provider := range c.Providers {
		if err := provider.Validate(); err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
		if _, dup := seen[provider.Name]; dup {
			return fmt.Errorf("providers[%d]: provider %q declared twice", i, provider.Name)
		}
		seen[provider.Name] = struct{}{}
	}

	return nil
}
