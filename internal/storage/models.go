package storage

import "time"

// TelemetryRow is the stored form of one finalized sandbox record.
type TelemetryRow struct {
	SandboxID         string     `json:"sandbox_id" db:"sandbox_id"`
	PluginID          string     `json:"plugin_id" db:"plugin_id"`
	IsolationLevel    string     `json:"isolation_level" db:"isolation_level"`
	ExitCode          int        `json:"exit_code" db:"exit_code"`
	ExitReason        string     `json:"exit_reason" db:"exit_reason"`
	PeakMemoryMB      float64    `json:"peak_memory_mb" db:"peak_memory_mb"`
	PeakCPUPercent    float64    `json:"peak_cpu_percent" db:"peak_cpu_percent"`
	FileOps           int64      `json:"file_operations" db:"file_operations"`
	NetOps            int64      `json:"network_operations" db:"network_operations"`
	ViolationCount    int        `json:"violation_count" db:"violation_count"`
	CleanupSuccessful bool       `json:"cleanup_successful" db:"cleanup_successful"`
	StartedAt         time.Time  `json:"started_at" db:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// QuarantineRow is the stored form of one quarantine signal.
type QuarantineRow struct {
	ID        string    `json:"id" db:"id"`
	PluginID  string    `json:"plugin_id" db:"plugin_id"`
	Reason    string    `json:"reason" db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TelemetryFilter provides criteria for querying stored telemetry.
type TelemetryFilter struct {
	PluginID   string
	ExitReason string
	Limit      int
	Offset     int
}
