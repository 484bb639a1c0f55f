package monitor

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"plugin-warden/internal/telemetry"
)

// Target is the executing unit a Monitor observes.
type Target interface {
	// Sample returns a point-in-time resource observation.
	Sample() (telemetry.Sample, error)
	// Alive reports whether the unit still exists.
	Alive() bool
}

// ProcTarget samples a process (and by extension its threads) through /proc.
// CPU percent is derived from the utime+stime delta between samples.
type ProcTarget struct {
	pid int

	mu       sync.Mutex
	lastCPU  float64
	lastSeen time.Time
	started  time.Time
}

// NewProcTarget creates a target for the given pid.
func NewProcTarget(pid int) *ProcTarget {
	return &ProcTarget{pid: pid, started: time.Now()}
}

// SelfTarget samples the host process itself, used for in-process plugin
// execution where the plugin shares our pid.
func SelfTarget() *ProcTarget {
	return NewProcTarget(os.Getpid())
}

// PID returns the observed process id.
func (t *ProcTarget) PID() int {
	return t.pid
}

func (t *ProcTarget) Alive() bool {
	_, err := procfs.NewProc(t.pid)
	return err == nil
}

func (t *ProcTarget) Sample() (telemetry.Sample, error) {
	proc, err := procfs.NewProc(t.pid)
	if err != nil {
		return telemetry.Sample{}, fmt.Errorf("process %d not found: %w", t.pid, err)
	}

	stat, err := proc.Stat()
	if err != nil {
		return telemetry.Sample{}, fmt.Errorf("reading stat for pid %d: %w", t.pid, err)
	}

	now := time.Now()
	cpuTime := stat.CPUTime()

	t.mu.Lock()
	var cpuPercent float64
	if !t.lastSeen.IsZero() {
		wall := now.Sub(t.lastSeen).Seconds()
		if wall > 0 {
			cpuPercent = (cpuTime - t.lastCPU) / wall * 100
		}
	}
	if cpuPercent < 0 {
		cpuPercent = 0
	}
	t.lastCPU = cpuTime
	t.lastSeen = now
	started := t.started
	t.mu.Unlock()

	openFiles, err := proc.FileDescriptorsLen()
	if err != nil {
		openFiles = 0 // /proc/<pid>/fd may be unreadable for foreign uids
	}

	return telemetry.Sample{
		Timestamp:  now,
		MemoryMB:   float64(stat.ResidentMemory()) / (1 << 20),
		CPUPercent: cpuPercent,
		Threads:    stat.NumThreads,
		OpenFiles:  openFiles,
		Elapsed:    now.Sub(started).Seconds(),
	}, nil
}
