package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"plugin-warden/internal/policy"
)

// ProfileFor derives the seccomp profile from a plugin's permission grant:
// network syscalls only with the network grant, process-spawning syscalls
// only with the subprocess grant.
func ProfileFor(perms policy.PluginPermissions) *specs.LinuxSeccomp {
	b := NewBuilder()
	b = base(b)

	if perms.NetworkAccess {
		b.Allow(
			"socket", "connect", "bind", "listen", "accept", "accept4",
			"sendto", "recvfrom", "sendmsg", "recvmsg",
			"getsockopt", "setsockopt",
			"getsockname", "getpeername",
			"shutdown",
		)
	}

	if perms.AllowSubprocess {
		b.Allow("execve", "execveat", "vfork", "wait4", "waitid")
	}
	// clone is needed for threads even without the subprocess grant; the
	// pids cgroup limit bounds how far it can go.
	if perms.AllowThreads || perms.AllowSubprocess {
		b.Allow("clone", "clone3")
	}

	b = hardened(b)
	return b.Build()
}

// base allowlists the syscalls any runtime needs: file I/O within the
// container, memory management, signals, timers, and process identity.
func base(b *ProfileBuilder) *ProfileBuilder {
	return b.
		Allow(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents64",
		).
		Allow(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise",
		).
		Allow(
			"exit", "exit_group",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
		).
		Allow(
			"futex",
			"gettid",
			"tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
		).
		Allow(
			"clock_gettime", "clock_getres",
			"gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		Allow(
			"getpid", "getppid",
			"getuid", "geteuid",
			"getgid", "getegid",
			"uname",
			"getcwd",
		).
		Allow(
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		).
		Allow(
			"getrandom",
			"arch_prctl",
			"prctl",
			"ioctl",
			"sysinfo",
			"getrlimit", "prlimit64",
			"umask",
			"chmod", "fchmod", "fchmodat",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat",
			"rmdir",
			"symlink", "symlinkat",
			"link", "linkat",
			"ftruncate",
			"fallocate",
			"fsync", "fdatasync",
			"flock",
			"statfs", "fstatfs",
			"statx",
			"memfd_create",
			"copy_file_range",
		)
}

// hardened traps introspection/injection syscalls so attempts show up as
// SIGSYS, and blocks host-reconfiguration syscalls outright.
func hardened(b *ProfileBuilder) *ProfileBuilder {
	return b.
		Trap(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		Deny(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"ioperm", "iopl",
		)
}
