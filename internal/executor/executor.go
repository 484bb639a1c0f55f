// Package executor provides the execution backends the sandbox chooses
// between: an in-process goroutine for the lighter isolation levels, a
// namespaced subprocess for strict isolation, and a containerd-backed
// container for maximum isolation.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"plugin-warden/internal/policy"
	"plugin-warden/internal/registry"
)

// RunSpec carries everything a backend needs to run one plugin call.
type RunSpec struct {
	SandboxID string
	Plugin    *registry.Plugin
	Args      map[string]any
	Env       registry.Env
	Isolation policy.IsolationConfig
}

// Outcome is the conclusion of one plugin call.
type Outcome struct {
	Output   any
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// Execution is one in-flight plugin call.
type Execution interface {
	// Wait blocks until the call concludes. It must be called exactly once.
	Wait() Outcome
	// Kill forcibly terminates the executing unit. Best-effort for the
	// in-process tier, definitive for the external tiers.
	Kill()
	// PID returns the pid of the executing unit for resource monitoring;
	// 0 means the call shares the host process.
	PID() int
}

// Backend starts plugin executions for one isolation tier.
type Backend interface {
	Start(ctx context.Context, spec RunSpec) (Execution, error)
	Close() error
}

// ContainerOptions configures the maximum-isolation tier.
type ContainerOptions struct {
	Socket    string
	Namespace string
}

// decodeOutput interprets a plugin's stdout: JSON is decoded for the
// host, anything else passes through as trimmed text.
func decodeOutput(stdout string) any {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		return decoded
	}
	return trimmed
}

// ForLevel picks the backend implementation for an isolation level.
// The containerd connection is only established when a maximum-level
// sandbox actually needs it.
func ForLevel(ctx context.Context, level policy.IsolationLevel, opts ContainerOptions) (Backend, error) {
	switch level {
	case policy.LevelMinimal, policy.LevelStandard:
		return NewInProcess(), nil
	case policy.LevelStrict:
		return NewSubprocess(), nil
	case policy.LevelMaximum:
		return NewContainer(ctx, opts)
	default:
		return nil, fmt.Errorf("no execution backend for isolation level %q", level)
	}
}
