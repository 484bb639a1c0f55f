// Package registry holds the host-owned catalog of loadable plugins.
// Plugins are addressed by opaque handles; the sandbox never sees raw code
// references. There is no process-wide registry instance: hosts construct
// one and pass it into sandbox acquisition.
package registry

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"plugin-warden/internal/policy"
)

// Handle is an opaque reference to a registered plugin.
type Handle string

// Env is the execution environment handed to an in-process plugin entry
// point. All filesystem paths live under the sandbox workspace; Dial is
// the policy-gated dialer.
type Env struct {
	SandboxID string
	WorkDir   string
	DataDir   string
	LogDir    string
	Environ   []string
	Dial      func(ctx context.Context, network, address string) (net.Conn, error)
}

// Entry is the capability interface every in-process plugin implements.
type Entry interface {
	Invoke(ctx context.Context, env Env, args map[string]any) (any, error)
}

// EntryFunc adapts a plain function to the Entry interface.
type EntryFunc func(ctx context.Context, env Env, args map[string]any) (any, error)

func (f EntryFunc) Invoke(ctx context.Context, env Env, args map[string]any) (any, error) {
	return f(ctx, env, args)
}

// Manifest describes one plugin: identity, entry command for
// out-of-process tiers, and its policy.
type Manifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description,omitempty"`
	Author      string `yaml:"author,omitempty"`

	// Command is the argv used by the subprocess and container tiers.
	// Plugins registered with an in-process Entry may leave it empty.
	Command []string `yaml:"command,omitempty"`
	// Image is the container image for the maximum isolation tier.
	Image string `yaml:"image,omitempty"`

	Limits      policy.PluginLimits      `yaml:"limits"`
	Permissions policy.PluginPermissions `yaml:"permissions"`
}

// ID returns the stable plugin identifier used in telemetry and
// quarantine records.
func (m Manifest) ID() string {
	if m.Version == "" {
		return m.Name
	}
	return m.Name + "@" + m.Version
}

// Validate checks the manifest for completeness.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest name is required")
	}
	if err := m.Limits.Validate(); err != nil {
		return fmt.Errorf("manifest %s limits: %w", m.Name, err)
	}
	if err := m.Permissions.Validate(); err != nil {
		return fmt.Errorf("manifest %s permissions: %w", m.Name, err)
	}
	return nil
}

// LoadManifest reads a plugin manifest from a YAML file, applying default
// limits and permissions for fields the file omits.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}

	m := Manifest{
		Limits:      policy.DefaultLimits(),
		Permissions: policy.DefaultPermissions(),
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Plugin is a registered plugin with its resolved entry point.
type Plugin struct {
	Handle   Handle
	Manifest Manifest
	Entry    Entry // nil for command-only plugins
}

// QuarantineEvent is a quarantine signal retained for host inspection.
type QuarantineEvent struct {
	PluginID  string    `json:"plugin_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry maps handles to plugins and tracks quarantine state for the
// current process lifetime.
type Registry struct {
	mu          sync.RWMutex
	byHandle    map[Handle]*Plugin
	byID        map[string]Handle
	quarantined map[string]QuarantineEvent
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byHandle:    make(map[Handle]*Plugin),
		byID:        make(map[string]Handle),
		quarantined: make(map[string]QuarantineEvent),
	}
}

// Register adds a plugin and returns its opaque handle. entry may be nil
// when the manifest carries a Command for out-of-process execution.
func (r *Registry) Register(m Manifest, entry Entry) (Handle, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	if entry == nil && len(m.Command) == 0 {
		return "", fmt.Errorf("plugin %s has neither an entry point nor a command", m.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byID[m.ID()]; dup {
		return "", fmt.Errorf("plugin %s already registered", m.ID())
	}

	h := Handle(uuid.New().String())
	r.byHandle[h] = &Plugin{Handle: h, Manifest: m, Entry: entry}
	r.byID[m.ID()] = h
	return h, nil
}

// Resolve returns the plugin for a handle.
func (r *Registry) Resolve(h Handle) (*Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byHandle[h]
	if !ok {
		return nil, fmt.Errorf("unknown plugin handle %q", h)
	}
	return p, nil
}

// MarkQuarantined records a quarantine signal for a plugin id. Subsequent
// signals for the same id keep the first event.
func (r *Registry) MarkQuarantined(pluginID, reason string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.quarantined[pluginID]; dup {
		return
	}
	r.quarantined[pluginID] = QuarantineEvent{PluginID: pluginID, Reason: reason, Timestamp: at}
}

// Quarantined reports whether a plugin id is blocked from execution.
func (r *Registry) Quarantined(pluginID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.quarantined[pluginID]
	return ok
}

// QuarantineEvents returns all quarantine signals recorded so far.
func (r *Registry) QuarantineEvents() []QuarantineEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]QuarantineEvent, 0, len(r.quarantined))
	for _, ev := range r.quarantined {
		out = append(out, ev)
	}
	return out
}
