package telemetry

import (
	"testing"
	"time"
)

func TestAddSample_MonotonicPeaks(t *testing.T) {
	r := NewRecord("sb-1", "plugin@1.0")

	r.AddSample(Sample{MemoryMB: 50, CPUPercent: 10})
	r.AddSample(Sample{MemoryMB: 120, CPUPercent: 5})
	r.AddSample(Sample{MemoryMB: 80, CPUPercent: 30})
	r.AddSample(Sample{MemoryMB: 40, CPUPercent: 2})

	mem, cpu := r.Peaks()
	if mem != 120 {
		t.Errorf("peak memory = %g, want 120", mem)
	}
	if cpu != 30 {
		t.Errorf("peak CPU = %g, want 30", cpu)
	}
	if r.SampleCount() != 4 {
		t.Errorf("SampleCount() = %d, want 4", r.SampleCount())
	}
}

func TestAppendViolation_AppendOnly(t *testing.T) {
	r := NewRecord("sb-1", "plugin@1.0")

	r.AppendViolation(Violation{Kind: ResourceExceeded, Metric: "memory_mb"})
	r.AppendViolation(Violation{Kind: NetworkViolation, Metric: "evil.example"})

	if got := r.ViolationCount(); got != 2 {
		t.Fatalf("ViolationCount() = %d, want 2", got)
	}

	snap := r.Snapshot()
	snap[0].Kind = SecurityBreach // mutating the copy must not reach the record
	if r.Snapshot()[0].Kind != ResourceExceeded {
		t.Error("Snapshot() should return an independent copy")
	}
}

func TestFinalize_FirstCallWins(t *testing.T) {
	r := NewRecord("sb-1", "plugin@1.0")
	r.Finalize(0, "completed", true)
	r.Finalize(137, "violated", false)

	if !r.Finalized() {
		t.Fatal("record should be finalized")
	}
	if r.ExitCode != 0 || r.ExitReason != "completed" || !r.CleanupSuccessful {
		t.Errorf("second Finalize overwrote the record: exit=%d reason=%q cleanup=%v",
			r.ExitCode, r.ExitReason, r.CleanupSuccessful)
	}
	if r.EndTime.IsZero() {
		t.Error("Finalize should set the end time")
	}
}

func TestMutationRejectedAfterFinalize(t *testing.T) {
	r := NewRecord("sb-1", "plugin@1.0")
	r.AddFileOp()
	r.Finalize(0, "completed", true)

	r.AddSample(Sample{MemoryMB: 999})
	r.AppendViolation(Violation{Kind: SecurityBreach})
	if got := r.AddFileOp(); got != 1 {
		t.Errorf("AddFileOp after finalize = %d, want 1", got)
	}
	if got := r.AddNetOp(); got != 0 {
		t.Errorf("AddNetOp after finalize = %d, want 0", got)
	}

	if r.SampleCount() != 0 {
		t.Error("samples must be rejected after finalize")
	}
	if r.ViolationCount() != 0 {
		t.Error("violations must be rejected after finalize")
	}
}

func TestOpCounters(t *testing.T) {
	r := NewRecord("sb-1", "plugin@1.0")
	for i := 1; i <= 5; i++ {
		if got := r.AddFileOp(); got != int64(i) {
			t.Fatalf("AddFileOp() = %d, want %d", got, i)
		}
	}
	if got := r.AddNetOp(); got != 1 {
		t.Errorf("AddNetOp() = %d, want 1", got)
	}
}

func TestViolationHard(t *testing.T) {
	tests := []struct {
		name string
		v    Violation
		want bool
	}{
		{"security breach", Violation{Kind: SecurityBreach, Severity: SeverityLow}, true},
		{"filesystem", Violation{Kind: FilesystemViolation}, true},
		{"network", Violation{Kind: NetworkViolation}, true},
		{"timeout", Violation{Kind: ExecutionTimeout}, true},
		{"resource medium", Violation{Kind: ResourceExceeded, Severity: SeverityMedium}, false},
		{"resource critical", Violation{Kind: ResourceExceeded, Severity: SeverityCritical}, true},
		{"permission denied low", Violation{Kind: PermissionDenied, Severity: SeverityLow}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Hard(); got != tt.want {
				t.Errorf("Hard() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSeverityString(t *testing.T) {
	if SeverityCritical.String() != "critical" || SeverityLow.String() != "low" {
		t.Error("severity strings do not match their levels")
	}
	if Severity(99).String() != "unknown" {
		t.Error("out-of-range severity should stringify as unknown")
	}
}

func TestRecordStartTime(t *testing.T) {
	before := time.Now()
	r := NewRecord("sb-1", "plugin@1.0")
	if r.StartTime.Before(before.Add(-time.Second)) {
		t.Error("StartTime should be set at creation")
	}
}
