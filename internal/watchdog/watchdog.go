// Package watchdog observes filesystem activity under the sandbox
// workspace and any explicitly allowed directories, checking every event
// against the plugin's directory policy. Policy breaches are hard
// violations and, when enforcement is on, the offending operation is
// reverted rather than merely logged.
package watchdog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"plugin-warden/internal/policy"
	"plugin-warden/internal/telemetry"
)

// OpKind classifies one observed file operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpWrite  OpKind = "write"
	OpRemove OpKind = "remove"
	OpRename OpKind = "rename"
	OpChmod  OpKind = "chmod"
)

// FileOp is one observed filesystem operation.
type FileOp struct {
	Kind      OpKind    `json:"kind"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	Allowed   bool      `json:"allowed"`
	Timestamp time.Time `json:"timestamp"`
}

// Watchdog monitors filesystem events against a permission policy.
type Watchdog struct {
	perms   policy.PluginPermissions
	limits  policy.PluginLimits
	record  *telemetry.Record
	sink    chan<- telemetry.Violation
	enforce bool

	watcher *fsnotify.Watcher
	root    string

	mu  sync.Mutex
	ops []FileOp

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a watchdog. When enforce is true, denied creations and
// oversized writes are deleted from disk after being recorded.
func New(perms policy.PluginPermissions, limits policy.PluginLimits, record *telemetry.Record, sink chan<- telemetry.Violation, enforce bool) *Watchdog {
	return &Watchdog{
		perms:   perms,
		limits:  limits,
		record:  record,
		sink:    sink,
		enforce: enforce,
		done:    make(chan struct{}),
	}
}

// Start begins watching the sandbox root and any allowed directories.
func (w *Watchdog) Start(root string, extraDirs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("watchdog already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filesystem watcher: %w", err)
	}
	if err := watcher.Add(root); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", root, err)
	}
	for _, dir := range extraDirs {
		if err := watcher.Add(dir); err != nil {
			log.Warn().Str("dir", dir).Err(err).Msg("cannot watch allowed directory")
		}
	}

	w.watcher = watcher
	w.root = root
	w.started = true

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()

	log.Debug().Str("root", root).Msg("filesystem watchdog started")
	return nil
}

// Stop shuts the event loop down and waits for it within timeout,
// reporting whether it confirmed shutdown.
func (w *Watchdog) Stop(timeout time.Duration) bool {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return true
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	watcher := w.watcher
	w.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}

	stopped := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return true
	case <-time.After(timeout):
		log.Warn().Msg("filesystem watchdog did not stop within timeout")
		return false
	}
}

// Operations returns all file operations observed so far.
func (w *Watchdog) Operations() []FileOp {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]FileOp, len(w.ops))
	copy(out, w.ops)
	return out
}

func (w *Watchdog) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Debug().Err(err).Msg("filesystem watcher error")
		}
	}
}

func (w *Watchdog) handle(event fsnotify.Event) {
	kind, relevant := opKind(event.Op)
	if !relevant {
		return
	}

	// New subdirectories are folded into the watch so nested activity
	// stays visible.
	if kind == OpCreate {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(event.Name)
			return
		}
	}

	op := FileOp{
		Kind:      kind,
		Path:      event.Name,
		Allowed:   true,
		Timestamp: time.Now(),
	}
	if info, err := os.Stat(event.Name); err == nil {
		op.SizeBytes = info.Size()
	}

	total := w.record.AddFileOp()

	if v, denied := w.check(op, total); denied {
		op.Allowed = false
		w.record.AppendViolation(v)
		if w.sink != nil {
			select {
			case w.sink <- v:
			default:
			}
		}
		log.Warn().
			Str("path", op.Path).
			Str("op", string(op.Kind)).
			Msg(v.Message)

		if w.enforce && (kind == OpCreate || kind == OpWrite) {
			if err := os.Remove(op.Path); err != nil && !os.IsNotExist(err) {
				log.Error().Str("path", op.Path).Err(err).Msg("failed to revert denied file operation")
			}
		}
	}

	w.mu.Lock()
	w.ops = append(w.ops, op)
	w.mu.Unlock()
}

// check applies the directory policy to one operation. The returned
// violation is only meaningful when denied is true.
func (w *Watchdog) check(op FileOp, totalOps int64) (telemetry.Violation, bool) {
	now := time.Now()

	if totalOps > w.limits.MaxFileOperations {
		return telemetry.Violation{
			Kind:      telemetry.FilesystemViolation,
			Metric:    op.Path,
			Message:   fmt.Sprintf("file operations (%d) exceed limit (%d)", totalOps, w.limits.MaxFileOperations),
			Severity:  telemetry.SeverityMedium,
			Timestamp: now,
		}, true
	}

	if !w.perms.DirAllowed(w.root, op.Path) {
		return telemetry.Violation{
			Kind:      telemetry.FilesystemViolation,
			Metric:    op.Path,
			Message:   fmt.Sprintf("file access outside allowed directories: %s", op.Path),
			Severity:  telemetry.SeverityHigh,
			Timestamp: now,
		}, true
	}

	switch op.Kind {
	case OpCreate:
		if !w.perms.AllowFileCreation {
			return telemetry.Violation{
				Kind:      telemetry.FilesystemViolation,
				Metric:    op.Path,
				Message:   fmt.Sprintf("file creation not permitted: %s", op.Path),
				Severity:  telemetry.SeverityHigh,
				Timestamp: now,
			}, true
		}
	case OpRemove:
		if !w.perms.AllowFileDeletion {
			return telemetry.Violation{
				Kind:      telemetry.FilesystemViolation,
				Metric:    op.Path,
				Message:   fmt.Sprintf("file deletion not permitted: %s", op.Path),
				Severity:  telemetry.SeverityHigh,
				Timestamp: now,
			}, true
		}
	}

	if maxBytes := w.limits.MaxFileSizeMB * (1 << 20); op.SizeBytes > maxBytes {
		return telemetry.Violation{
			Kind:      telemetry.FilesystemViolation,
			Metric:    op.Path,
			Message:   fmt.Sprintf("file %s (%d bytes) exceeds max file size %dMB", op.Path, op.SizeBytes, w.limits.MaxFileSizeMB),
			Severity:  telemetry.SeverityHigh,
			Timestamp: now,
		}, true
	}

	return telemetry.Violation{}, false
}

func opKind(op fsnotify.Op) (OpKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate, true
	case op.Has(fsnotify.Write):
		return OpWrite, true
	case op.Has(fsnotify.Remove):
		return OpRemove, true
	case op.Has(fsnotify.Rename):
		return OpRename, true
	case op.Has(fsnotify.Chmod):
		return OpChmod, false // chmod noise is not policy-relevant
	default:
		return "", false
	}
}
