package sandbox

import (
	"errors"
	"fmt"

	"plugin-warden/internal/telemetry"
)

// Sentinel errors for typed error checking.
var (
	ErrExecutionTimeout  = errors.New("plugin execution timed out")
	ErrResourceLimit     = errors.New("resource limit exceeded")
	ErrSecurityViolation = errors.New("security violation detected")
	ErrInitialization    = errors.New("sandbox initialization failed")
	ErrPluginFailed      = errors.New("plugin execution failed")
	ErrQuarantined       = errors.New("plugin is quarantined")
	ErrClosed            = errors.New("sandbox is closed")
)

// SandboxError wraps errors with sandbox context. Violation is set when
// the failure was triggered by a recorded violation.
type SandboxError struct {
	SandboxID string
	Op        string // The operation that failed
	Violation *telemetry.Violation
	Err       error
}

func (e *SandboxError) Error() string {
	if e.SandboxID != "" {
		return fmt.Sprintf("sandbox %s: %s: %s", e.SandboxID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *SandboxError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is an execution or lifetime timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrExecutionTimeout)
}

// IsSecurityViolation returns true if the error is a security violation.
func IsSecurityViolation(err error) bool {
	return errors.Is(err, ErrSecurityViolation)
}

// IsResourceLimit returns true if the error is a resource ceiling breach.
func IsResourceLimit(err error) bool {
	return errors.Is(err, ErrResourceLimit)
}

// IsQuarantined returns true if the error is a quarantine rejection.
func IsQuarantined(err error) bool {
	return errors.Is(err, ErrQuarantined)
}

// violationCause maps a violation to the sentinel the host checks against.
func violationCause(v telemetry.Violation) error {
	switch v.Kind {
	case telemetry.ExecutionTimeout:
		return ErrExecutionTimeout
	case telemetry.ResourceExceeded:
		return ErrResourceLimit
	default:
		return ErrSecurityViolation
	}
}
