package storage

import (
	"testing"

	"plugin-warden/internal/telemetry"
)

func TestRowFromRecord(t *testing.T) {
	r := telemetry.NewRecord("sb-1", "plugin@1.0")
	r.AddSample(telemetry.Sample{MemoryMB: 42.5, CPUPercent: 12.0})
	r.AddFileOp()
	r.AddNetOp()
	r.AppendViolation(telemetry.Violation{Kind: telemetry.ResourceExceeded})

	row := rowFromRecord(r, "standard")
	if row.SandboxID != "sb-1" || row.PluginID != "plugin@1.0" || row.IsolationLevel != "standard" {
		t.Errorf("identity = %q/%q/%q", row.SandboxID, row.PluginID, row.IsolationLevel)
	}
	if row.PeakMemoryMB != 42.5 || row.PeakCPUPercent != 12.0 {
		t.Errorf("peaks = %g/%g, want 42.5/12", row.PeakMemoryMB, row.PeakCPUPercent)
	}
	if row.ViolationCount != 1 {
		t.Errorf("violations = %d, want 1", row.ViolationCount)
	}
	// Exit details belong to finalized records only.
	if row.EndedAt != nil || row.ExitReason != "" || row.FileOps != 0 {
		t.Errorf("unfinalized row carries exit details: %+v", row)
	}

	r.Finalize(0, "completed", true)
	row = rowFromRecord(r, "standard")
	if row.EndedAt == nil || row.EndedAt.IsZero() {
		t.Fatal("finalized row should carry an end time")
	}
	if row.ExitReason != "completed" || !row.CleanupSuccessful {
		t.Errorf("exit = %q cleanup %v, want completed/true", row.ExitReason, row.CleanupSuccessful)
	}
	if row.FileOps != 1 || row.NetOps != 1 {
		t.Errorf("ops = %d/%d, want 1/1", row.FileOps, row.NetOps)
	}
}
