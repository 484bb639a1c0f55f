//go:build !linux

package executor

import (
	"os"
	"syscall"

	"plugin-warden/internal/policy"
)

// Namespaces and prlimit are Linux facilities; other platforms fall back
// to a plain child process that the monitor and deadline still bound.
func sysProcAttr(spec RunSpec) *syscall.SysProcAttr {
	return nil
}

func applyRlimits(pid int, limits policy.PluginLimits) error {
	return nil
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Kill()
	}
}
