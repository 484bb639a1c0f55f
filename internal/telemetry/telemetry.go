// Package telemetry holds the structured records produced by one sandboxed
// execution: resource samples, violations, and the final Record handed back
// to the host.
package telemetry

import (
	"sync"
	"time"
)

// Sample is one point-in-time resource observation of the executing unit.
type Sample struct {
	Timestamp  time.Time `json:"timestamp"`
	MemoryMB   float64   `json:"memory_mb"`
	CPUPercent float64   `json:"cpu_percent"`
	Threads    int       `json:"threads"`
	OpenFiles  int       `json:"open_files"`
	Elapsed    float64   `json:"elapsed_seconds"`
}

// Record accumulates everything observed during one sandbox lifetime.
// It is mutated by the sandbox and its monitor until Finalize, after which
// all writes are rejected.
type Record struct {
	mu        sync.Mutex
	finalized bool

	SandboxID string    `json:"sandbox_id"`
	PluginID  string    `json:"plugin_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`

	PeakMemoryMB   float64 `json:"peak_memory_mb"`
	PeakCPUPercent float64 `json:"peak_cpu_percent"`

	FileOps int64 `json:"file_operations_count"`
	NetOps  int64 `json:"network_operations_count"`

	Samples    []Sample    `json:"resource_samples"`
	Violations []Violation `json:"violations"`

	ExitCode          int    `json:"exit_code"`
	ExitReason        string `json:"exit_reason"`
	CleanupSuccessful bool   `json:"cleanup_successful"`
}

// NewRecord creates a record at sandbox initialization time.
func NewRecord(sandboxID, pluginID string) *Record {
	return &Record{
		SandboxID: sandboxID,
		PluginID:  pluginID,
		StartTime: time.Now(),
	}
}

// AddSample appends a resource sample and maintains the monotonic peaks.
func (r *Record) AddSample(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.Samples = append(r.Samples, s)
	if s.MemoryMB > r.PeakMemoryMB {
		r.PeakMemoryMB = s.MemoryMB
	}
	if s.CPUPercent > r.PeakCPUPercent {
		r.PeakCPUPercent = s.CPUPercent
	}
}

// AppendViolation records a violation. Violations are append-only and
// ignored after finalization.
func (r *Record) AppendViolation(v Violation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.Violations = append(r.Violations, v)
}

// AddFileOp bumps the file-operation counter and returns the new total.
func (r *Record) AddFileOp() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finalized {
		r.FileOps++
	}
	return r.FileOps
}

// AddNetOp bumps the network-operation counter and returns the new total.
func (r *Record) AddNetOp() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finalized {
		r.NetOps++
	}
	return r.NetOps
}

// Peaks returns the peak memory and CPU observed so far.
func (r *Record) Peaks() (memMB, cpuPercent float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.PeakMemoryMB, r.PeakCPUPercent
}

// SampleCount returns the number of resource samples collected so far.
func (r *Record) SampleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Samples)
}

// ViolationCount returns the number of recorded violations.
func (r *Record) ViolationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Violations)
}

// Snapshot returns a copy of the violation list safe to hand out while the
// sandbox is still running.
func (r *Record) Snapshot() []Violation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Violation, len(r.Violations))
	copy(out, r.Violations)
	return out
}

// Finalize seals the record. Only the first call has any effect; it sets
// the end time, exit details, and the cleanup flag.
func (r *Record) Finalize(exitCode int, exitReason string, cleanupOK bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.finalized = true
	r.EndTime = time.Now()
	r.ExitCode = exitCode
	r.ExitReason = exitReason
	r.CleanupSuccessful = cleanupOK
}

// Finalized reports whether the record has been sealed.
func (r *Record) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}
