package policy

import (
	"fmt"
	"time"
)

// warningFraction is the share of a hard ceiling at which the monitor emits
// a recoverable warning instead of a hard violation.
const warningFraction = 0.8

// PluginLimits holds the numeric ceilings for one execution. The zero value
// is not usable; start from DefaultLimits.
type PluginLimits struct {
	MaxMemoryMB       int64         `yaml:"max_memory_mb"`
	MaxExecutionTime  time.Duration `yaml:"max_execution_time"`
	MaxCPUPercent     float64       `yaml:"max_cpu_percent"`
	MaxFileOperations int64         `yaml:"max_file_operations"`
	MaxFileSizeMB     int64         `yaml:"max_file_size_mb"`
	MaxNetRequests    int64         `yaml:"max_network_requests"`
	MaxDiskUsageMB    int64         `yaml:"max_disk_usage_mb"`
	MaxSubprocesses   int64         `yaml:"max_subprocesses"`
	MaxThreads        int64         `yaml:"max_threads"`
	MaxOpenFiles      int64         `yaml:"max_open_files"`
}

// DefaultLimits returns the ceilings applied when a manifest does not
// override them.
func DefaultLimits() PluginLimits {
	return PluginLimits{
		MaxMemoryMB:       128,
		MaxExecutionTime:  60 * time.Second,
		MaxCPUPercent:     25.0,
		MaxFileOperations: 1000,
		MaxFileSizeMB:     10,
		MaxNetRequests:    5,
		MaxDiskUsageMB:    100,
		MaxSubprocesses:   0,
		MaxThreads:        8,
		MaxOpenFiles:      64,
	}
}

// Validate checks the ceilings against sane bounds.
func (l PluginLimits) Validate() error {
	if l.MaxMemoryMB < 16 || l.MaxMemoryMB > 16384 {
		return fmt.Errorf("max_memory_mb must be 16-16384, got %d", l.MaxMemoryMB)
	}
	if l.MaxExecutionTime < 100*time.Millisecond || l.MaxExecutionTime > 15*time.Minute {
		return fmt.Errorf("max_execution_time must be 100ms-15m, got %s", l.MaxExecutionTime)
	}
	if l.MaxCPUPercent <= 0 || l.MaxCPUPercent > 100 {
		return fmt.Errorf("max_cpu_percent must be in (0,100], got %g", l.MaxCPUPercent)
	}
	if l.MaxFileOperations < 1 {
		return fmt.Errorf("max_file_operations must be >= 1, got %d", l.MaxFileOperations)
	}
	if l.MaxFileSizeMB < 1 {
		return fmt.Errorf("max_file_size_mb must be >= 1, got %d", l.MaxFileSizeMB)
	}
	if l.MaxNetRequests < 0 {
		return fmt.Errorf("max_network_requests must be >= 0, got %d", l.MaxNetRequests)
	}
	if l.MaxDiskUsageMB < 1 || l.MaxDiskUsageMB > 10240 {
		return fmt.Errorf("max_disk_usage_mb must be 1-10240, got %d", l.MaxDiskUsageMB)
	}
	if l.MaxSubprocesses < 0 || l.MaxSubprocesses > 500 {
		return fmt.Errorf("max_subprocesses must be 0-500, got %d", l.MaxSubprocesses)
	}
	if l.MaxThreads < 1 || l.MaxThreads > 2000 {
		return fmt.Errorf("max_threads must be 1-2000, got %d", l.MaxThreads)
	}
	if l.MaxOpenFiles < 8 || l.MaxOpenFiles > 65536 {
		return fmt.Errorf("max_open_files must be 8-65536, got %d", l.MaxOpenFiles)
	}
	return nil
}

// MemoryWarningMB is the soft threshold below the hard memory ceiling.
func (l PluginLimits) MemoryWarningMB() float64 {
	return float64(l.MaxMemoryMB) * warningFraction
}

// CPUWarningPercent is the soft threshold below the hard CPU ceiling.
func (l PluginLimits) CPUWarningPercent() float64 {
	return l.MaxCPUPercent * warningFraction
}

// FileOpsWarning is the soft threshold below the file-operation ceiling.
func (l PluginLimits) FileOpsWarning() int64 {
	return int64(float64(l.MaxFileOperations) * warningFraction)
}
