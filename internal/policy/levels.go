package policy

import (
	"fmt"
	"time"
)

// IsolationLevel is a named preset bundling isolation and monitoring
// defaults for one sandbox.
type IsolationLevel string

const (
	LevelMinimal  IsolationLevel = "minimal"  // workspace + deadline only
	LevelStandard IsolationLevel = "standard" // + monitoring and filesystem policy
	LevelStrict   IsolationLevel = "strict"   // + out-of-process execution, network controls
	LevelMaximum  IsolationLevel = "maximum"  // + container isolation
)

// Levels lists all isolation levels from weakest to strongest.
func Levels() []IsolationLevel {
	return []IsolationLevel{LevelMinimal, LevelStandard, LevelStrict, LevelMaximum}
}

// ParseLevel converts a string into an IsolationLevel.
func ParseLevel(s string) (IsolationLevel, error) {
	switch IsolationLevel(s) {
	case LevelMinimal, LevelStandard, LevelStrict, LevelMaximum:
		return IsolationLevel(s), nil
	default:
		return "", fmt.Errorf("unknown isolation level %q: must be minimal, standard, strict, or maximum", s)
	}
}

// IsolationConfig is the per-sandbox policy. Immutable once a sandbox has
// been acquired with it.
type IsolationConfig struct {
	Level IsolationLevel `yaml:"level"`

	ProcessIsolation    bool `yaml:"process_isolation"`
	NetworkIsolation    bool `yaml:"network_isolation"`
	FilesystemIsolation bool `yaml:"filesystem_isolation"`

	MonitoringEnabled     bool          `yaml:"monitoring_enabled"`
	ResourceCheckInterval time.Duration `yaml:"resource_check_interval"`

	ViolationThreshold    int  `yaml:"violation_threshold"`
	AutoRecoveryEnabled   bool `yaml:"auto_recovery_enabled"`
	QuarantineOnViolation bool `yaml:"quarantine_on_violation"`

	MaxSandboxLifetime time.Duration `yaml:"max_sandbox_lifetime"`
	WatchdogTimeout    time.Duration `yaml:"watchdog_timeout"`
}

// Preset returns the default configuration bundle for an isolation level.
func Preset(level IsolationLevel) IsolationConfig {
	cfg := IsolationConfig{
		Level:                 level,
		MonitoringEnabled:     true,
		ResourceCheckInterval: time.Second,
		ViolationThreshold:    3,
		AutoRecoveryEnabled:   true,
		QuarantineOnViolation: true,
		MaxSandboxLifetime:    time.Hour,
		WatchdogTimeout:       30 * time.Second,
	}

	switch level {
	case LevelMinimal:
		cfg.MonitoringEnabled = false
		cfg.AutoRecoveryEnabled = false
		cfg.QuarantineOnViolation = false
	case LevelStandard:
		cfg.FilesystemIsolation = true
	case LevelStrict:
		cfg.ProcessIsolation = true
		cfg.NetworkIsolation = true
		cfg.FilesystemIsolation = true
		cfg.ResourceCheckInterval = 500 * time.Millisecond
	case LevelMaximum:
		cfg.ProcessIsolation = true
		cfg.NetworkIsolation = true
		cfg.FilesystemIsolation = true
		cfg.ResourceCheckInterval = 250 * time.Millisecond
		cfg.ViolationThreshold = 1
	}

	return cfg
}

// Validate checks that the configuration is internally consistent.
func (c IsolationConfig) Validate() error {
	if _, err := ParseLevel(string(c.Level)); err != nil {
		return err
	}
	if c.MonitoringEnabled && c.ResourceCheckInterval <= 0 {
		return fmt.Errorf("resource_check_interval must be positive when monitoring is enabled")
	}
	if c.ViolationThreshold < 1 {
		return fmt.Errorf("violation_threshold must be >= 1, got %d", c.ViolationThreshold)
	}
	if c.MaxSandboxLifetime <= 0 {
		return fmt.Errorf("max_sandbox_lifetime must be positive")
	}
	if c.WatchdogTimeout <= 0 {
		return fmt.Errorf("watchdog_timeout must be positive")
	}
	return nil
}
