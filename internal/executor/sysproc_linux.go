//go:build linux

package executor

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"plugin-warden/internal/policy"
)

// sysProcAttr builds the process attributes for a strict-tier plugin:
// its own process group (so the whole tree can be killed at once), death
// on host exit, and fresh namespaces when process isolation is enabled.
// Network access denial is a namespace, not a filter: a plugin without the
// network grant gets an empty network namespace.
func sysProcAttr(spec RunSpec) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if !spec.Isolation.ProcessIsolation {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if spec.Isolation.NetworkIsolation && !spec.Plugin.Manifest.Permissions.NetworkAccess {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	cloneFlags |= syscall.CLONE_NEWUSER

	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}

// applyRlimits caps the started process's kernel resources. Memory and CPU
// ceilings stay with the resource monitor, which can distinguish warning
// thresholds; rlimits cover the ceilings the kernel enforces better than
// sampling can.
func applyRlimits(pid int, limits policy.PluginLimits) error {
	fileBytes := uint64(limits.MaxFileSizeMB) * (1 << 20)
	rlimits := []struct {
		resource int
		value    uint64
	}{
		{unix.RLIMIT_NOFILE, uint64(limits.MaxOpenFiles)},
		{unix.RLIMIT_FSIZE, fileBytes},
		{unix.RLIMIT_CORE, 0},
	}
	if limits.MaxSubprocesses > 0 {
		rlimits = append(rlimits, struct {
			resource int
			value    uint64
		}{unix.RLIMIT_NPROC, uint64(limits.MaxSubprocesses) + uint64(limits.MaxThreads)})
	}

	for _, rl := range rlimits {
		lim := unix.Rlimit{Cur: rl.value, Max: rl.value}
		if err := unix.Prlimit(pid, rl.resource, &lim, nil); err != nil {
			return err
		}
	}
	return nil
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}
