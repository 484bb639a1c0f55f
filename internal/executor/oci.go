package executor

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"plugin-warden/internal/policy"
	"plugin-warden/pkg/seccomp"
)

// applyPluginLimits translates a plugin's resource ceilings into the OCI
// runtime spec. CPU uses a CFS quota so the cap is hard rather than the
// best-effort shares mechanism.
func applyPluginLimits(spec *specs.Spec, limits policy.PluginLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}

	// period=100ms, quota = MaxCPUPercent% of it, minimum 1ms.
	period := uint64(100000)
	quota := int64(limits.MaxCPUPercent / 100.0 * float64(period))
	if quota < 1000 {
		quota = 1000
	}
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := int64(limits.MaxMemoryMB) * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes, // no swap headroom beyond the memory cap
	}

	pids := int64(limits.MaxThreads + limits.MaxSubprocesses + 1)
	if pids < 2 {
		pids = 2
	}
	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: pids,
	}

	tmpfsBytes := int64(limits.MaxDiskUsageMB) * 1024 * 1024
	spec.Mounts = mountIfAbsent(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
		},
	})

	fileBytes := uint64(limits.MaxFileSizeMB) * 1024 * 1024
	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: uint64(limits.MaxOpenFiles), Soft: uint64(limits.MaxOpenFiles)},
		{Type: "RLIMIT_NPROC", Hard: uint64(pids), Soft: uint64(pids)},
		{Type: "RLIMIT_FSIZE", Hard: fileBytes, Soft: fileBytes},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_STACK", Hard: 8388608, Soft: 8388608},
	}
}

// applyPluginSecurity locks the container down: no capabilities, fresh
// namespaces, masked kernel paths, unprivileged user, readonly root, and
// a seccomp profile scoped to the plugin's permission grant.
func applyPluginSecurity(spec *specs.Spec, perms policy.PluginPermissions) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}
	if spec.Process.Capabilities == nil {
		spec.Process.Capabilities = &specs.LinuxCapabilities{}
	}

	spec.Linux.Seccomp = seccomp.ProfileFor(perms)

	none := []string{}
	spec.Process.Capabilities.Bounding = none
	spec.Process.Capabilities.Effective = none
	spec.Process.Capabilities.Inheritable = none
	spec.Process.Capabilities.Permitted = none
	spec.Process.Capabilities.Ambient = none

	spec.Linux.Namespaces = []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.NetworkNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.IPCNamespace},
		{Type: specs.UserNamespace},
	}

	spec.Linux.MaskedPaths = []string{
		"/proc/acpi",
		"/proc/kcore",
		"/proc/keys",
		"/proc/latency_stats",
		"/proc/timer_list",
		"/proc/timer_stats",
		"/proc/sched_debug",
		"/proc/scsi",
		"/sys/firmware",
		"/sys/devices/virtual/powercap",
	}
	spec.Linux.ReadonlyPaths = []string{
		"/proc/asound",
		"/proc/bus",
		"/proc/fs",
		"/proc/irq",
		"/proc/sys",
		"/proc/sysrq-trigger",
	}

	spec.Process.NoNewPrivileges = true
	spec.Process.User = specs.User{UID: 65534, GID: 65534}

	if spec.Root != nil {
		spec.Root.Readonly = true
	}
}

func mountIfAbsent(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
