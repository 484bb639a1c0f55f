// Package config loads the warden host configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"plugin-warden/internal/policy"
)

// Config holds all host-side configuration.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Containerd ContainerdConfig `yaml:"containerd"`
	Database   DatabaseConfig   `yaml:"database"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// EngineConfig controls sandbox defaults.
type EngineConfig struct {
	DefaultLevel          string        `yaml:"default_level"`
	WorkspaceRoot         string        `yaml:"workspace_root"`
	ResourceCheckInterval time.Duration `yaml:"resource_check_interval"`
	ReleaseTimeout        time.Duration `yaml:"release_timeout"`
}

// ContainerdConfig is used by maximum-level sandboxes only.
type ContainerdConfig struct {
	Socket    string `yaml:"socket"`
	Namespace string `yaml:"namespace"`
}

type DatabaseConfig struct {
	DSN        string `yaml:"dsn"`
	BufferSize int    `yaml:"buffer_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Load reads configuration from a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from a CLI flag
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			DefaultLevel:          string(policy.LevelStandard),
			WorkspaceRoot:         "",
			ResourceCheckInterval: 0, // 0 keeps the level preset
			ReleaseTimeout:        30 * time.Second,
		},
		Containerd: ContainerdConfig{
			Socket:    "/run/containerd/containerd.sock",
			Namespace: "warden",
		},
		Database: DatabaseConfig{
			DSN:        "",
			BufferSize: 1000,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if _, err := policy.ParseLevel(c.Engine.DefaultLevel); err != nil {
		return fmt.Errorf("engine.default_level: %w", err)
	}
	if c.Engine.ResourceCheckInterval < 0 {
		return fmt.Errorf("engine.resource_check_interval must not be negative")
	}
	if c.Engine.ReleaseTimeout <= 0 {
		return fmt.Errorf("engine.release_timeout must be positive")
	}
	if c.Engine.WorkspaceRoot != "" && !filepath.IsAbs(c.Engine.WorkspaceRoot) {
		return fmt.Errorf("engine.workspace_root must be an absolute path, got %q", c.Engine.WorkspaceRoot)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}
