// Package config loads and represents the proxy's YAML configuration document.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	// SDKConfig embeds the fields shared with SDK consumers (proxy URL, API keys,
	// streaming behavior) so external embedders can construct one without this package.
	SDKConfig `yaml:",inline"`

	// Port is the HTTP listening port. Default 8317.
	Port int `yaml:"port"`

	// AuthDir is the directory holding credential store files.
	AuthDir string `yaml:"auth-dir"`

	// Debug toggles verbose logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile switches log output from stdout to a rotating file.
	LoggingToFile bool `yaml:"logging-to-file"`

	// LogsMaxTotalSizeMB bounds the total size of rotated log files; 0 disables cleanup.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb"`

	// Store selects and configures the credential persistence backend.
	Store StoreConfig `yaml:"store"`

	// Fallback configures virtual-model / fallback-chain resolution.
	Fallback FallbackDocumentConfig `yaml:"fallback"`

	// RetryCount and MaxRetryWaitMs configure the pool's outer retry loop.
	RetryCount     int `yaml:"retry-count"`
	MaxRetryWaitMs int `yaml:"max-retry-wait-ms"`

	// Selector picks the credential-selection strategy: "round-robin" (default)
	// or "fill-first".
	Selector string `yaml:"selector"`

	// DisableCooling turns the cooldown state machine off process-wide;
	// per-credential disable_cooling metadata still overrides it either way.
	DisableCooling bool `yaml:"disable-cooling"`
}

// StoreConfig selects the credential Store backend.
type StoreConfig struct {
	// Backend is "file" (default) or "postgres".
	Backend string `yaml:"backend"`
	// PostgresDSN is required when Backend == "postgres".
	PostgresDSN string `yaml:"postgres-dsn"`
}

// FallbackDocumentConfig points at the fallback/virtual-model JSON document and
// controls whether virtual-model resolution is active at all.
type FallbackDocumentConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

const defaultPort = 8317

// LoadConfig reads and parses the YAML configuration file at path.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigOptional(path, false)
}

// LoadConfigOptional reads the YAML configuration file at path. When optional is
// true, a missing file yields a zero-value Config (with defaults applied) instead
// of an error, so the server can run with environment-only configuration.
func LoadConfigOptional(path string, optional bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			cfg := &Config{}
			applyDefaults(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = 2
	}
	if cfg.MaxRetryWaitMs == 0 {
		cfg.MaxRetryWaitMs = 30_000
	}
}

