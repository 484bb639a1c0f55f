package telemetry

import "time"

// ViolationKind classifies a recorded policy breach.
type ViolationKind string

const (
	ResourceExceeded    ViolationKind = "resource_exceeded"
	FilesystemViolation ViolationKind = "filesystem_violation"
	NetworkViolation    ViolationKind = "network_violation"
	ExecutionTimeout    ViolationKind = "execution_timeout"
	PermissionDenied    ViolationKind = "permission_denied"
	SecurityBreach      ViolationKind = "security_breach"
)

// Severity levels for violations.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Violation is one recorded breach of a resource or permission policy.
// Violations are append-only within a sandbox lifetime.
type Violation struct {
	Kind              ViolationKind `json:"kind"`
	Metric            string        `json:"metric,omitempty"` // offending metric, path, or host
	Message           string        `json:"message"`
	Severity          Severity      `json:"severity"`
	Timestamp         time.Time     `json:"timestamp"`
	Resolved          bool          `json:"resolved"`
	RecoveryAttempted bool          `json:"recovery_attempted"`
}

// Hard reports whether the violation kind can never be soft-recovered.
func (v Violation) Hard() bool {
	switch v.Kind {
	case SecurityBreach, FilesystemViolation, NetworkViolation, ExecutionTimeout:
		return true
	default:
		return v.Severity >= SeverityCritical
	}
}
