package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/novelshelf/catalogd/internal/domain"
)

// FileName is the config file looked up in the config directory
const FileName = "config.yaml"

// Index kinds understood by the remote repository
const (
	IndexJSON    = "json"
	IndexGraphQL = "graphql"
)

// Config holds global runtime settings
type Config struct {
	InstallerMode    domain.InstallerMode `yaml:"-"`
	InstallerModeStr string               `yaml:"installer_mode"`

	ExtensionsDir string `yaml:"extensions_dir,omitempty"` // Defaults to <data>/extensions
	SystemDir     string `yaml:"system_dir,omitempty"`     // Defaults to <data>/system-packages

	IndexURL  string `yaml:"index_url,omitempty"`
	IndexKind string `yaml:"index_kind"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file,omitempty"`

	HTTPTimeout         time.Duration `yaml:"http_timeout"`
	InstallTimeout      time.Duration `yaml:"install_timeout"`
	ScriptTimeout       time.Duration `yaml:"script_timeout"`
	RemoteCheckInterval time.Duration `yaml:"remote_check_interval"`

	ScriptPlugins bool   `yaml:"script_plugins"`
	UserAgent     string `yaml:"user_agent"`

	RateLimit RateLimit `yaml:"rate_limit"`
}

// RateLimit configures the per-source token buckets
type RateLimit struct {
	Capacity int32                `yaml:"capacity"`
	RefillMS int64                `yaml:"refill_ms"`
	Sources  map[string]RateEntry `yaml:"sources,omitempty"` // Keyed by decimal source id
}

// RateEntry overrides the bucket shape for one source
type RateEntry struct {
	Capacity int32 `yaml:"capacity"`
	RefillMS int64 `yaml:"refill_ms"`
}

// Default returns the settings used when no config file exists
func Default() *Config {
	return &Config{
		InstallerMode:       domain.InstallerSystem,
		IndexKind:           IndexJSON,
		LogLevel:            "info",
		HTTPTimeout:         30 * time.Second,
		InstallTimeout:      2 * time.Minute,
		ScriptTimeout:       30 * time.Second,
		RemoteCheckInterval: 24 * time.Hour,
		ScriptPlugins:       true,
		UserAgent:           "catalogd/1.0",
		RateLimit: RateLimit{
			Capacity: 10,
			RefillMS: 1000,
		},
	}
}

// Load reads configuration from the given directory
func Load(configDir string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Join(configDir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.InstallerModeStr != "" {
		cfg.InstallerMode = domain.ParseInstallerMode(cfg.InstallerModeStr)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the runtime cannot work with
func (c *Config) Validate() error {
	switch c.IndexKind {
	case IndexJSON, IndexGraphQL:
	default:
		return fmt.Errorf("invalid index_kind %q: want %s or %s", c.IndexKind, IndexJSON, IndexGraphQL)
	}
	if c.RateLimit.Capacity <= 0 || c.RateLimit.RefillMS <= 0 {
		return fmt.Errorf("rate_limit capacity and refill_ms must be positive")
	}
	for key := range c.RateLimit.Sources {
		if _, err := strconv.ParseInt(key, 10, 64); err != nil {
			return fmt.Errorf("rate_limit source %q is not a source id", key)
		}
	}
	if c.InstallTimeout <= 0 {
		return fmt.Errorf("install_timeout must be positive")
	}
	return nil
}

// SourceLimits returns the per-source overrides keyed by source id
func (c *Config) SourceLimits() map[int64]RateEntry {
	out := make(map[int64]RateEntry, len(c.RateLimit.Sources))
	for key, entry := range c.RateLimit.Sources {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		out[id] = entry
	}
	return out
}

// Save writes configuration to the given directory
func (c *Config) Save(configDir string) error {
	c.InstallerModeStr = c.InstallerMode.String()

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(configDir, FileName), data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}
