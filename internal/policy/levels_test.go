package policy

import (
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in     string
		want   IsolationLevel
		wantOK bool
	}{
		{"minimal", LevelMinimal, true},
		{"standard", LevelStandard, true},
		{"strict", LevelStrict, true},
		{"maximum", LevelMaximum, true},
		{"", "", false},
		{"Strict", "", false},
		{"paranoid", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantOK && (err != nil || got != tt.want) {
				t.Errorf("ParseLevel(%q) = %v, %v; want %v, nil", tt.in, got, err, tt.want)
			}
			if !tt.wantOK && err == nil {
				t.Errorf("ParseLevel(%q) = %v, want error", tt.in, got)
			}
		})
	}
}

func TestPresetStrength(t *testing.T) {
	minimal := Preset(LevelMinimal)
	if minimal.MonitoringEnabled || minimal.ProcessIsolation || minimal.QuarantineOnViolation {
		t.Error("minimal preset should disable monitoring, process isolation, and quarantine")
	}

	standard := Preset(LevelStandard)
	if !standard.MonitoringEnabled || !standard.FilesystemIsolation {
		t.Error("standard preset should enable monitoring and filesystem isolation")
	}
	if standard.ProcessIsolation {
		t.Error("standard preset should not move execution out of process")
	}

	strict := Preset(LevelStrict)
	if !strict.ProcessIsolation || !strict.NetworkIsolation {
		t.Error("strict preset should enable process and network isolation")
	}

	maximum := Preset(LevelMaximum)
	if maximum.ViolationThreshold != 1 {
		t.Errorf("maximum ViolationThreshold = %d, want 1", maximum.ViolationThreshold)
	}
	if maximum.ResourceCheckInterval != 250*time.Millisecond {
		t.Errorf("maximum ResourceCheckInterval = %s, want 250ms", maximum.ResourceCheckInterval)
	}

	// Sampling tightens as isolation strengthens.
	if !(strict.ResourceCheckInterval < standard.ResourceCheckInterval) {
		t.Error("strict should sample more often than standard")
	}
	if !(maximum.ResourceCheckInterval < strict.ResourceCheckInterval) {
		t.Error("maximum should sample more often than strict")
	}

	for _, level := range Levels() {
		if err := Preset(level).Validate(); err != nil {
			t.Errorf("Preset(%s).Validate() = %v, want nil", level, err)
		}
	}
}

func TestIsolationConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*IsolationConfig)
	}{
		{"bad level", func(c *IsolationConfig) { c.Level = "extreme" }},
		{"zero interval with monitoring", func(c *IsolationConfig) { c.ResourceCheckInterval = 0 }},
		{"zero threshold", func(c *IsolationConfig) { c.ViolationThreshold = 0 }},
		{"zero lifetime", func(c *IsolationConfig) { c.MaxSandboxLifetime = 0 }},
		{"zero watchdog timeout", func(c *IsolationConfig) { c.WatchdogTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Preset(LevelStandard)
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
