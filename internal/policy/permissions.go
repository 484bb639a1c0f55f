package policy

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SecurityLevel grades how aggressively permission checks are applied.
type SecurityLevel string

const (
	SecurityLow     SecurityLevel = "low"
	SecurityMedium  SecurityLevel = "medium"
	SecurityHigh    SecurityLevel = "high"
	SecurityMaximum SecurityLevel = "maximum"
)

// PluginPermissions is the capability grant set for one execution.
type PluginPermissions struct {
	FileAccess         bool     `yaml:"file_access"`
	AllowedDirectories []string `yaml:"allowed_directories"`
	BlockedDirectories []string `yaml:"blocked_directories"`
	AllowFileCreation  bool     `yaml:"allow_file_creation"`
	AllowFileDeletion  bool     `yaml:"allow_file_deletion"`

	NetworkAccess bool     `yaml:"network_access"`
	AllowedHosts  []string `yaml:"allowed_hosts"`
	BlockedHosts  []string `yaml:"blocked_hosts"`
	AllowedPorts  []int    `yaml:"allowed_ports"`

	AllowedModules []string `yaml:"allowed_modules"`
	BlockedModules []string `yaml:"blocked_modules"`

	AllowSubprocess bool `yaml:"allow_subprocess"`
	AllowThreads    bool `yaml:"allow_threads"`

	EnvPassthrough []string `yaml:"env_passthrough"`

	SecurityLevel SecurityLevel `yaml:"security_level"`
	RunAs         string        `yaml:"run_as,omitempty"`
}

// DefaultPermissions denies everything except reads inside the sandbox
// workspace, which is always implicitly allowed.
func DefaultPermissions() PluginPermissions {
	return PluginPermissions{
		SecurityLevel: SecurityMedium,
	}
}

// Validate checks the grant set for internal consistency.
func (p PluginPermissions) Validate() error {
	switch p.SecurityLevel {
	case SecurityLow, SecurityMedium, SecurityHigh, SecurityMaximum:
	default:
		return fmt.Errorf("unknown security level %q", p.SecurityLevel)
	}
	for _, dir := range append(append([]string{}, p.AllowedDirectories...), p.BlockedDirectories...) {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("directory policy entries must be absolute paths, got %q", dir)
		}
	}
	for _, port := range p.AllowedPorts {
		if port < 1 || port > 65535 {
			return fmt.Errorf("allowed_ports entry %d out of range", port)
		}
	}
	return nil
}

// DirAllowed reports whether path falls under the directory policy. The
// sandbox workspace root is passed as workspace and is always permitted.
// Blocked directories win over allowed ones.
func (p PluginPermissions) DirAllowed(workspace, path string) bool {
	path = filepath.Clean(path)

	for _, blocked := range p.BlockedDirectories {
		if underDir(blocked, path) {
			return false
		}
	}
	if workspace != "" && underDir(workspace, path) {
		return true
	}
	if !p.FileAccess {
		return false
	}
	if len(p.AllowedDirectories) == 0 {
		return false
	}
	for _, allowed := range p.AllowedDirectories {
		if underDir(allowed, path) {
			return true
		}
	}
	return false
}

// HostAllowed reports whether an outbound connection to host:port is
// permitted. It does not account for the request-count ceiling.
func (p PluginPermissions) HostAllowed(host string, port int) bool {
	if !p.NetworkAccess {
		return false
	}
	for _, blocked := range p.BlockedHosts {
		if hostMatch(blocked, host) {
			return false
		}
	}
	if len(p.AllowedHosts) > 0 {
		var ok bool
		for _, allowed := range p.AllowedHosts {
			if hostMatch(allowed, host) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(p.AllowedPorts) > 0 {
		for _, allowed := range p.AllowedPorts {
			if allowed == port {
				return true
			}
		}
		return false
	}
	return true
}

// ModuleAllowed reports whether a plugin may import the named module.
// The block list wins; an empty allow list permits everything not blocked.
func (p PluginPermissions) ModuleAllowed(name string) bool {
	for _, blocked := range p.BlockedModules {
		if blocked == name {
			return false
		}
	}
	if len(p.AllowedModules) == 0 {
		return true
	}
	for _, allowed := range p.AllowedModules {
		if allowed == name {
			return true
		}
	}
	return false
}

func underDir(dir, path string) bool {
	dir = filepath.Clean(dir)
	if path == dir {
		return true
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}

// hostMatch supports exact hosts and "*.example.com" suffix wildcards.
func hostMatch(pattern, host string) bool {
	if pattern == host {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return false
}
