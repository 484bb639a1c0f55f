// Package recovery applies typed remediations to warning-level violations
// before they are escalated, and emits quarantine signals for plugins whose
// sandboxes crossed the violation threshold.
package recovery

import (
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"plugin-warden/internal/telemetry"
)

// QuarantineFunc receives the quarantine signal. Persistence of the signal
// is the host's responsibility; the manager only emits it.
type QuarantineFunc func(pluginID, reason string, at time.Time)

// Record is one entry in the recovery history.
type Record struct {
	Timestamp time.Time           `json:"timestamp"`
	Violation telemetry.Violation `json:"violation"`
	Action    string              `json:"action"`
	Succeeded bool                `json:"succeeded"`
}

// Manager maps soft violation kinds to remediations and tracks quarantine
// decisions for the current process lifetime.
type Manager struct {
	enabled      bool
	quarantineFn QuarantineFunc

	mu          sync.Mutex
	targetPID   int
	history     []Record
	quarantined map[string]struct{}
}

// New creates a manager. quarantineFn may be nil when the host does not
// consume quarantine signals.
func New(enabled bool, quarantineFn QuarantineFunc) *Manager {
	return &Manager{
		enabled:      enabled,
		quarantineFn: quarantineFn,
		quarantined:  make(map[string]struct{}),
	}
}

// SetTarget tells the manager which process the current execution runs in,
// so CPU deprioritization reaches the right unit.
func (m *Manager) SetTarget(pid int) {
	m.mu.Lock()
	m.targetPID = pid
	m.mu.Unlock()
}

// AttemptRecovery applies the remediation matching the violation's metric.
// It returns true when the remediation succeeded; inherently hard
// violations always return false.
func (m *Manager) AttemptRecovery(v telemetry.Violation) bool {
	if !m.enabled || v.Hard() {
		return false
	}

	var action string
	var ok bool

	switch v.Metric {
	case "memory_mb":
		action, ok = m.recoverMemory()
	case "cpu_percent":
		action, ok = m.recoverCPU()
	case "open_files", "threads":
		// Brief backoff gives the plugin a chance to release handles.
		time.Sleep(100 * time.Millisecond)
		action, ok = "io_backoff", true
	default:
		action, ok = "none", false
	}

	m.mu.Lock()
	m.history = append(m.history, Record{
		Timestamp: time.Now(),
		Violation: v,
		Action:    action,
		Succeeded: ok,
	})
	m.mu.Unlock()

	log.Info().
		Str("metric", v.Metric).
		Str("action", action).
		Bool("succeeded", ok).
		Msg("recovery attempted")

	return ok
}

// recoverMemory forces an allocator compaction pass. This only helps when
// the plugin shares our address space; external tiers rely on their own
// memory ceilings.
func (m *Manager) recoverMemory() (string, bool) {
	m.mu.Lock()
	pid := m.targetPID
	m.mu.Unlock()

	if pid != 0 && pid != os.Getpid() {
		return "none", false
	}
	debug.FreeOSMemory()
	return "free_os_memory", true
}

// recoverCPU deprioritizes the executing unit.
func (m *Manager) recoverCPU() (string, bool) {
	m.mu.Lock()
	pid := m.targetPID
	m.mu.Unlock()
	if pid == 0 {
		pid = os.Getpid()
	}

	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, 10); err != nil {
		log.Warn().Int("pid", pid).Err(err).Msg("failed to deprioritize process")
		return "deprioritize", false
	}
	return "deprioritize", true
}

// Quarantine emits the quarantine signal for a plugin id exactly once per
// manager lifetime.
func (m *Manager) Quarantine(pluginID, reason string) {
	m.mu.Lock()
	if _, dup := m.quarantined[pluginID]; dup {
		m.mu.Unlock()
		return
	}
	m.quarantined[pluginID] = struct{}{}
	fn := m.quarantineFn
	m.mu.Unlock()

	at := time.Now()
	log.Warn().
		Str("plugin_id", pluginID).
		Str("reason", reason).
		Msg("plugin quarantined")

	if fn != nil {
		fn(pluginID, reason, at)
	}
}

// Quarantined reports whether the manager has emitted a quarantine signal
// for the plugin id.
func (m *Manager) Quarantined(pluginID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.quarantined[pluginID]
	return ok
}

// History returns all recovery attempts made so far.
func (m *Manager) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.history))
	copy(out, m.history)
	return out
}
