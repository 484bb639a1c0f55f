package monitor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"plugin-warden/internal/policy"
	"plugin-warden/internal/telemetry"
)

func testLimits() policy.PluginLimits {
	l := policy.DefaultLimits()
	l.MaxMemoryMB = 100
	l.MaxCPUPercent = 50
	l.MaxThreads = 8
	l.MaxOpenFiles = 64
	return l
}

func TestClassify_HardViolations(t *testing.T) {
	tests := []struct {
		name   string
		sample telemetry.Sample
		metric string
	}{
		{"memory over ceiling", telemetry.Sample{MemoryMB: 150}, "memory_mb"},
		{"cpu over ceiling", telemetry.Sample{CPUPercent: 75}, "cpu_percent"},
		{"threads over ceiling", telemetry.Sample{Threads: 9}, "threads"},
		{"open files over ceiling", telemetry.Sample{OpenFiles: 100}, "open_files"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := telemetry.NewRecord("sb", "p")
			sink := make(chan telemetry.Violation, 4)
			m := New(testLimits(), time.Second, record, nil, sink)

			m.classify(tt.sample)

			select {
			case v := <-sink:
				if v.Metric != tt.metric {
					t.Errorf("sink violation metric = %q, want %q", v.Metric, tt.metric)
				}
				if v.Kind != telemetry.ResourceExceeded {
					t.Errorf("violation kind = %q, want resource_exceeded", v.Kind)
				}
			default:
				t.Fatal("expected a violation on the sink")
			}

			if record.ViolationCount() != 1 {
				t.Errorf("record violations = %d, want 1", record.ViolationCount())
			}
			if got := m.CheckViolations(); len(got) != 1 {
				t.Errorf("CheckViolations() = %d entries, want 1", len(got))
			}
		})
	}
}

func TestClassify_WarningRecovered(t *testing.T) {
	record := telemetry.NewRecord("sb", "p")
	sink := make(chan telemetry.Violation, 4)

	var recovered []telemetry.Violation
	recoverFn := func(v telemetry.Violation) bool {
		recovered = append(recovered, v)
		return true
	}
	m := New(testLimits(), time.Second, record, recoverFn, sink)

	// 80% of the 100MB ceiling is the warning threshold.
	m.classify(telemetry.Sample{MemoryMB: 90})

	if len(recovered) != 1 {
		t.Fatalf("recovery attempts = %d, want 1", len(recovered))
	}
	if !recovered[0].RecoveryAttempted {
		t.Error("violation handed to recovery should be marked attempted")
	}
	if record.ViolationCount() != 0 {
		t.Error("recovered warning must not become a violation")
	}
	select {
	case <-sink:
		t.Error("recovered warning must not reach the sink")
	default:
	}
}

func TestClassify_WarningEscalates(t *testing.T) {
	record := telemetry.NewRecord("sb", "p")
	sink := make(chan telemetry.Violation, 4)
	recoverFn := func(telemetry.Violation) bool { return false }
	m := New(testLimits(), time.Second, record, recoverFn, sink)

	m.classify(telemetry.Sample{CPUPercent: 45}) // above the 40% warning line

	select {
	case v := <-sink:
		if v.Severity != telemetry.SeverityHigh {
			t.Errorf("escalated severity = %s, want high", v.Severity)
		}
		if !v.RecoveryAttempted {
			t.Error("escalated violation should record the recovery attempt")
		}
	default:
		t.Fatal("unrecovered warning should escalate to the sink")
	}
}

func TestClassify_NilRecoverEscalatesImmediately(t *testing.T) {
	record := telemetry.NewRecord("sb", "p")
	sink := make(chan telemetry.Violation, 4)
	m := New(testLimits(), time.Second, record, nil, sink)

	m.classify(telemetry.Sample{MemoryMB: 85})

	if record.ViolationCount() != 1 {
		t.Errorf("violations = %d, want 1 (no recovery configured)", record.ViolationCount())
	}
}

func TestClassify_WithinLimits(t *testing.T) {
	record := telemetry.NewRecord("sb", "p")
	sink := make(chan telemetry.Violation, 4)
	m := New(testLimits(), time.Second, record, nil, sink)

	m.classify(telemetry.Sample{MemoryMB: 40, CPUPercent: 10, Threads: 2, OpenFiles: 8})

	if record.ViolationCount() != 0 {
		t.Errorf("violations = %d, want 0", record.ViolationCount())
	}
}

type stubTarget struct {
	sample telemetry.Sample
}

func (s *stubTarget) Sample() (telemetry.Sample, error) {
	s.sample.Timestamp = time.Now()
	return s.sample, nil
}

func (s *stubTarget) Alive() bool { return true }

func TestMonitorLoop(t *testing.T) {
	record := telemetry.NewRecord("sb", "p")
	sink := make(chan telemetry.Violation, 16)
	m := New(testLimits(), 5*time.Millisecond, record, nil, sink)

	if err := m.Start(&stubTarget{sample: telemetry.Sample{MemoryMB: 30, CPUPercent: 5}}); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if err := m.Start(&stubTarget{}); err == nil {
		t.Error("second Start() should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for record.SampleCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if record.SampleCount() < 3 {
		t.Fatal("monitor loop did not collect samples")
	}

	if !m.Stop(time.Second) {
		t.Error("Stop() should confirm shutdown")
	}
	// Stop is idempotent.
	if !m.Stop(time.Second) {
		t.Error("repeated Stop() should still confirm")
	}

	stats := m.CurrentStats()
	if stats.MemoryMB != 30 {
		t.Errorf("CurrentStats().MemoryMB = %g, want 30", stats.MemoryMB)
	}
}

func TestMonitorLoopCountsSamples(t *testing.T) {
	record := telemetry.NewRecord("sb", "p")
	metrics := NewMetrics()
	m := New(testLimits(), 5*time.Millisecond, record, nil, nil)
	m.UseMetrics(metrics)

	if err := m.Start(&stubTarget{sample: telemetry.Sample{MemoryMB: 30}}); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for record.SampleCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop(time.Second)

	collected := record.SampleCount()
	if collected < 3 {
		t.Fatal("monitor loop did not collect samples")
	}
	if got := testutil.ToFloat64(metrics.SamplesTotal); got != float64(collected) {
		t.Errorf("resource_samples_total = %g, want %d", got, collected)
	}
}

func TestMonitorRetarget(t *testing.T) {
	record := telemetry.NewRecord("sb", "p")
	sink := make(chan telemetry.Violation, 16)
	m := New(testLimits(), 5*time.Millisecond, record, nil, sink)

	if err := m.Start(&stubTarget{sample: telemetry.Sample{MemoryMB: 10}}); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer m.Stop(time.Second)

	m.Retarget(&stubTarget{sample: telemetry.Sample{MemoryMB: 70}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.CurrentStats().MemoryMB == 70 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("samples should come from the new target after Retarget")
}

func TestStartRejectsBadInterval(t *testing.T) {
	m := New(testLimits(), 0, telemetry.NewRecord("sb", "p"), nil, nil)
	if err := m.Start(&stubTarget{}); err == nil {
		t.Error("Start with zero interval should fail")
	}
}
