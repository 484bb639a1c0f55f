package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the plugin sandbox engine.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ViolationsTotal   *prometheus.CounterVec
	ActiveSandboxes   prometheus.Gauge
	RecoveryAttempts  *prometheus.CounterVec
	QuarantinesTotal  prometheus.Counter
	PeakMemoryMB      prometheus.Histogram
	SamplesTotal      prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "warden",
				Name:      "executions_total",
				Help:      "Total number of sandboxed plugin executions by isolation level and outcome.",
			},
			[]string{"level", "outcome"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "warden",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sandboxed plugin executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"level"},
		),

		ViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "warden",
				Name:      "violations_total",
				Help:      "Total hard violations recorded, by kind.",
			},
			[]string{"kind"},
		),

		ActiveSandboxes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "warden",
				Name:      "active_sandboxes",
				Help:      "Number of sandboxes currently between acquisition and close.",
			},
		),

		RecoveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "warden",
				Name:      "recovery_attempts_total",
				Help:      "Soft-violation recovery attempts by outcome.",
			},
			[]string{"outcome"},
		),

		QuarantinesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "warden",
				Name:      "quarantines_total",
				Help:      "Quarantine signals emitted to the host.",
			},
		),

		PeakMemoryMB: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "warden",
				Name:      "peak_memory_mb",
				Help:      "Peak resident memory observed per execution, in MB.",
				Buckets:   prometheus.ExponentialBuckets(8, 2, 12),
			},
		),

		SamplesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "warden",
				Name:      "resource_samples_total",
				Help:      "Resource samples collected across all monitors.",
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ViolationsTotal,
		m.ActiveSandboxes,
		m.RecoveryAttempts,
		m.QuarantinesTotal,
		m.PeakMemoryMB,
		m.SamplesTotal,
	)

	return m
}

// RecordExecution records metrics for one finished execution.
func (m *Metrics) RecordExecution(level, outcome string, durationSec, peakMemoryMB float64) {
	m.ExecutionsTotal.WithLabelValues(level, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(level).Observe(durationSec)
	m.PeakMemoryMB.Observe(peakMemoryMB)
}

// RecordViolation records one hard violation by kind.
func (m *Metrics) RecordViolation(kind string) {
	m.ViolationsTotal.WithLabelValues(kind).Inc()
}

// RecordRecovery records one recovery attempt.
func (m *Metrics) RecordRecovery(ok bool) {
	outcome := "failed"
	if ok {
		outcome = "recovered"
	}
	m.RecoveryAttempts.WithLabelValues(outcome).Inc()
}
