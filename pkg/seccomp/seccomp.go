// Package seccomp builds the syscall filters applied to maximum-isolation
// plugin containers. Profiles are deny-by-default and widen only with the
// capabilities the plugin's permission grant actually includes.
package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ProfileBuilder assembles a LinuxSeccomp profile rule by rule.
type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

// NewBuilder starts a deny-by-default profile for the common architectures.
func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

// Allow permits the named syscalls.
func (b *ProfileBuilder) Allow(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActAllow,
	})
	return b
}

// Deny rejects the named syscalls with ENOSYS-style errno.
func (b *ProfileBuilder) Deny(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActErrno,
	})
	return b
}

// Trap raises SIGSYS for the named syscalls so attempts surface as
// security events rather than silent failures.
func (b *ProfileBuilder) Trap(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActTrap,
	})
	return b
}

// Build returns the assembled profile.
func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}
