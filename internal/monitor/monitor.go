// Package monitor samples the resource usage of an executing plugin on a
// fixed interval and classifies breaches of its limits as recoverable
// warnings or hard violations.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"plugin-warden/internal/policy"
	"plugin-warden/internal/telemetry"
)

// RecoverFunc is invoked for warning-level breaches. It returns true when
// the breach was remediated; false escalates it to a hard violation.
type RecoverFunc func(telemetry.Violation) bool

// Monitor runs an independent sampling loop against one target. It never
// blocks on, and is never blocked by, the plugin call it observes.
type Monitor struct {
	limits    policy.PluginLimits
	interval  time.Duration
	record    *telemetry.Record
	recoverFn RecoverFunc
	metrics   *Metrics

	sink chan<- telemetry.Violation

	mu         sync.Mutex
	target     Target
	violations []telemetry.Violation
	last       telemetry.Sample

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a monitor. recoverFn may be nil, in which case every warning
// escalates immediately. Hard violations are delivered to sink, which the
// sandbox races against plugin completion.
func New(limits policy.PluginLimits, interval time.Duration, record *telemetry.Record, recoverFn RecoverFunc, sink chan<- telemetry.Violation) *Monitor {
	return &Monitor{
		limits:    limits,
		interval:  interval,
		record:    record,
		recoverFn: recoverFn,
		sink:      sink,
		done:      make(chan struct{}),
	}
}

// UseMetrics attaches engine metrics to the sampling loop. Call before
// Start.
func (m *Monitor) UseMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// Start begins the sampling loop for the given target.
func (m *Monitor) Start(target Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("monitor already started")
	}
	if m.interval <= 0 {
		return fmt.Errorf("sample interval must be positive, got %s", m.interval)
	}
	m.target = target
	m.started = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop()
	}()
	return nil
}

// Retarget switches the sampling loop to a new target. The sandbox calls
// this when an execution moves the plugin into its own process.
func (m *Monitor) Retarget(target Target) {
	m.mu.Lock()
	m.target = target
	m.mu.Unlock()
}

// Stop signals the loop to exit and waits for it within timeout. It returns
// true when the loop confirmed shutdown.
func (m *Monitor) Stop(timeout time.Duration) bool {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return true
	}
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return true
	case <-time.After(timeout):
		log.Warn().Msg("resource monitor did not stop within timeout")
		return false
	}
}

// CurrentStats returns the most recent sample.
func (m *Monitor) CurrentStats() telemetry.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// CheckViolations returns the hard violations raised so far.
func (m *Monitor) CheckViolations() []telemetry.Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]telemetry.Violation, len(m.violations))
	copy(out, m.violations)
	return out
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			target := m.target
			m.mu.Unlock()
			if target == nil || !target.Alive() {
				continue
			}
			sample, err := target.Sample()
			if err != nil {
				log.Debug().Err(err).Msg("resource sample failed")
				continue
			}
			m.record.AddSample(sample)
			if m.metrics != nil {
				m.metrics.SamplesTotal.Inc()
			}

			m.mu.Lock()
			m.last = sample
			m.mu.Unlock()

			m.classify(sample)
		}
	}
}

// classify applies the hard ceilings and warning thresholds to one sample.
func (m *Monitor) classify(s telemetry.Sample) {
	if s.MemoryMB > float64(m.limits.MaxMemoryMB) {
		m.raise(telemetry.Violation{
			Kind:      telemetry.ResourceExceeded,
			Metric:    "memory_mb",
			Message:   fmt.Sprintf("memory usage %.1fMB exceeds limit %dMB", s.MemoryMB, m.limits.MaxMemoryMB),
			Severity:  telemetry.SeverityHigh,
			Timestamp: s.Timestamp,
		})
	} else if s.MemoryMB > m.limits.MemoryWarningMB() {
		m.warn(telemetry.Violation{
			Kind:      telemetry.ResourceExceeded,
			Metric:    "memory_mb",
			Message:   fmt.Sprintf("memory usage %.1fMB above warning threshold %.1fMB", s.MemoryMB, m.limits.MemoryWarningMB()),
			Severity:  telemetry.SeverityMedium,
			Timestamp: s.Timestamp,
		})
	}

	if s.CPUPercent > m.limits.MaxCPUPercent {
		m.raise(telemetry.Violation{
			Kind:      telemetry.ResourceExceeded,
			Metric:    "cpu_percent",
			Message:   fmt.Sprintf("CPU usage %.1f%% exceeds limit %.1f%%", s.CPUPercent, m.limits.MaxCPUPercent),
			Severity:  telemetry.SeverityMedium,
			Timestamp: s.Timestamp,
		})
	} else if s.CPUPercent > m.limits.CPUWarningPercent() {
		m.warn(telemetry.Violation{
			Kind:      telemetry.ResourceExceeded,
			Metric:    "cpu_percent",
			Message:   fmt.Sprintf("CPU usage %.1f%% above warning threshold %.1f%%", s.CPUPercent, m.limits.CPUWarningPercent()),
			Severity:  telemetry.SeverityLow,
			Timestamp: s.Timestamp,
		})
	}

	if int64(s.Threads) > m.limits.MaxThreads {
		m.raise(telemetry.Violation{
			Kind:      telemetry.ResourceExceeded,
			Metric:    "threads",
			Message:   fmt.Sprintf("thread count %d exceeds limit %d", s.Threads, m.limits.MaxThreads),
			Severity:  telemetry.SeverityHigh,
			Timestamp: s.Timestamp,
		})
	}

	if int64(s.OpenFiles) > m.limits.MaxOpenFiles {
		m.raise(telemetry.Violation{
			Kind:      telemetry.ResourceExceeded,
			Metric:    "open_files",
			Message:   fmt.Sprintf("open file handles %d exceed limit %d", s.OpenFiles, m.limits.MaxOpenFiles),
			Severity:  telemetry.SeverityMedium,
			Timestamp: s.Timestamp,
		})
	}
}

// warn routes a warning-level breach through recovery; unrecovered warnings
// escalate to hard violations.
func (m *Monitor) warn(v telemetry.Violation) {
	if m.recoverFn != nil {
		v.RecoveryAttempted = true
		if m.recoverFn(v) {
			log.Debug().
				Str("metric", v.Metric).
				Msg("soft resource warning recovered")
			return
		}
	}
	v.Severity = telemetry.SeverityHigh
	m.raise(v)
}

// raise records a hard violation and notifies the sandbox.
func (m *Monitor) raise(v telemetry.Violation) {
	m.record.AppendViolation(v)

	m.mu.Lock()
	m.violations = append(m.violations, v)
	m.mu.Unlock()

	log.Warn().
		Str("kind", string(v.Kind)).
		Str("metric", v.Metric).
		Str("severity", v.Severity.String()).
		Msg(v.Message)

	if m.sink != nil {
		select {
		case m.sink <- v:
		default: // sandbox is already aborting; drop rather than block the loop
		}
	}
}
