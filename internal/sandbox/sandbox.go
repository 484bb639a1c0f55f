// Package sandbox orchestrates one isolated plugin execution environment:
// workspace, execution backend, resource monitor, filesystem watchdog,
// network guard, and recovery. Hosts acquire a sandbox for a registered
// plugin, execute it, and release the sandbox; every stage is bounded and
// observable.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"plugin-warden/internal/executor"
	"plugin-warden/internal/monitor"
	"plugin-warden/internal/netguard"
	"plugin-warden/internal/policy"
	"plugin-warden/internal/recovery"
	"plugin-warden/internal/registry"
	"plugin-warden/internal/telemetry"
	"plugin-warden/internal/watchdog"
)

// Options configures sandbox acquisition.
type Options struct {
	// Registry resolves the handle and tracks quarantine state. Required.
	Registry *registry.Registry
	// Handle names the plugin to sandbox. Required.
	Handle registry.Handle

	// Level selects the isolation preset. Defaults to standard.
	Level policy.IsolationLevel
	// Isolation overrides the level preset entirely when non-nil.
	Isolation *policy.IsolationConfig

	// WorkspaceRoot is the parent directory for sandbox workspaces.
	// Empty means the system temp directory.
	WorkspaceRoot string

	// Container configures the containerd connection for maximum-level
	// sandboxes. Ignored by the other levels.
	Container executor.ContainerOptions

	// Metrics and Tracer are optional observability hooks.
	Metrics *monitor.Metrics
	Tracer  *monitor.Tracer

	// OnQuarantine is called (in addition to registry marking) when the
	// sandbox quarantines its plugin. Optional.
	OnQuarantine recovery.QuarantineFunc
}

// Result is the host-facing conclusion of one Execute call.
type Result struct {
	SandboxID string
	PluginID  string
	Outcome   Outcome
	Output    any
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	// Violations holds the violations recorded during this execution.
	Violations []telemetry.Violation
}

// Health is a point-in-time snapshot of a live sandbox.
type Health struct {
	SandboxID   string           `json:"sandbox_id"`
	PluginID    string           `json:"plugin_id"`
	State       State            `json:"state"`
	Uptime      time.Duration    `json:"uptime"`
	Samples     int              `json:"samples"`
	Violations  int              `json:"violations"`
	Quarantined bool             `json:"quarantined"`
	LastSample  telemetry.Sample `json:"last_sample"`
}

// Sandbox is one isolated execution environment bound to a single plugin.
// It is not safe for concurrent Execute calls; Release may be called from
// any goroutine and is idempotent.
type Sandbox struct {
	ID string

	plugin    *registry.Plugin
	isolation policy.IsolationConfig
	limits    policy.PluginLimits
	opts      Options

	logger  zerolog.Logger
	ws      *workspace
	record  *telemetry.Record
	sink    chan telemetry.Violation
	mon     *monitor.Monitor
	wd      *watchdog.Watchdog
	guard   *netguard.Guard
	rec     *recovery.Manager
	backend executor.Backend

	acquired time.Time
	deadline time.Time // acquired + MaxSandboxLifetime

	mu            sync.Mutex
	state         State
	lastExitCode  int
	lastOutcome   Outcome
	violationMark int // violations seen before the current execution

	releaseOnce sync.Once
	releaseErr  error
}

// Acquire builds a sandbox for the plugin behind opts.Handle. Any
// sub-component failure rolls back everything already started and returns
// ErrInitialization; there is no partially acquired sandbox.
func Acquire(ctx context.Context, opts Options) (*Sandbox, error) {
	if opts.Registry == nil {
		return nil, &SandboxError{Op: "acquire", Err: fmt.Errorf("%w: registry is required", ErrInitialization)}
	}

	plugin, err := opts.Registry.Resolve(opts.Handle)
	if err != nil {
		return nil, &SandboxError{Op: "acquire", Err: fmt.Errorf("%w: %w", ErrInitialization, err)}
	}
	pluginID := plugin.Manifest.ID()

	if opts.Registry.Quarantined(pluginID) {
		return nil, &SandboxError{Op: "acquire", Err: fmt.Errorf("%w: %s", ErrQuarantined, pluginID)}
	}

	level := opts.Level
	if level == "" {
		level = policy.LevelStandard
	}
	iso := policy.Preset(level)
	if opts.Isolation != nil {
		iso = *opts.Isolation
	}
	if err := iso.Validate(); err != nil {
		return nil, &SandboxError{Op: "acquire", Err: fmt.Errorf("%w: %w", ErrInitialization, err)}
	}

	id := uuid.New().String()
	logger := log.With().
		Str("sandbox_id", id).
		Str("plugin_id", pluginID).
		Str("level", string(iso.Level)).
		Logger()

	s := &Sandbox{
		ID:        id,
		plugin:    plugin,
		isolation: iso,
		limits:    plugin.Manifest.Limits,
		opts:      opts,
		logger:    logger,
		state:     StateCreated,
		acquired:  time.Now(),
	}
	s.deadline = s.acquired.Add(iso.MaxSandboxLifetime)
	s.setState(StateInitializing)

	ws, err := newWorkspace(opts.WorkspaceRoot, id)
	if err != nil {
		return nil, s.initFailure("create_workspace", err, nil)
	}
	s.ws = ws

	s.record = telemetry.NewRecord(id, pluginID)
	s.sink = make(chan telemetry.Violation, 16)
	s.rec = recovery.New(iso.AutoRecoveryEnabled, s.quarantineSignal)

	var recoverFn monitor.RecoverFunc
	if iso.AutoRecoveryEnabled {
		recoverFn = func(v telemetry.Violation) bool {
			ok := s.rec.AttemptRecovery(v)
			if opts.Metrics != nil {
				opts.Metrics.RecordRecovery(ok)
			}
			return ok
		}
	}
	s.mon = monitor.New(s.limits, iso.ResourceCheckInterval, s.record, recoverFn, s.sink)
	if opts.Metrics != nil {
		s.mon.UseMetrics(opts.Metrics)
	}

	rollback := func() {
		s.mon.Stop(iso.WatchdogTimeout)
		if s.wd != nil {
			s.wd.Stop(iso.WatchdogTimeout)
		}
		_ = ws.Remove()
	}

	if iso.MonitoringEnabled {
		if err := s.mon.Start(monitor.SelfTarget()); err != nil {
			return nil, s.initFailure("start_monitor", err, rollback)
		}
	}

	if iso.FilesystemIsolation {
		s.wd = watchdog.New(plugin.Manifest.Permissions, s.limits, s.record, s.sink, true)
		if err := s.wd.Start(ws.Root, plugin.Manifest.Permissions.AllowedDirectories); err != nil {
			return nil, s.initFailure("start_watchdog", err, rollback)
		}
	}

	s.guard = netguard.New(plugin.Manifest.Permissions, s.limits, s.record, s.sink)
	if iso.NetworkIsolation {
		s.guard.Enable()
	}

	backend, err := executor.ForLevel(ctx, iso.Level, opts.Container)
	if err != nil {
		return nil, s.initFailure("create_backend", err, rollback)
	}
	s.backend = backend

	if opts.Metrics != nil {
		opts.Metrics.ActiveSandboxes.Inc()
	}

	s.setState(StateReady)
	logger.Info().Str("workspace", ws.Root).Msg("sandbox acquired")
	return s, nil
}

// Execute runs the plugin with the given arguments. It returns when the
// plugin completes, a hard violation is raised, the execution deadline
// passes, or the sandbox lifetime runs out, whichever comes first.
func (s *Sandbox) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	s.mu.Lock()
	switch s.state {
	case StateCleaningUp, StateClosed:
		s.mu.Unlock()
		return nil, &SandboxError{SandboxID: s.ID, Op: "execute", Err: ErrClosed}
	case StateReady:
	default:
		state := s.state
		s.mu.Unlock()
		return nil, &SandboxError{SandboxID: s.ID, Op: "execute", Err: fmt.Errorf("sandbox in state %q, want ready", state)}
	}
	s.state = StateExecuting
	s.violationMark = s.record.ViolationCount()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.state == StateExecuting {
			s.state = StateReady
		}
		s.mu.Unlock()
	}()

	pluginID := s.plugin.Manifest.ID()
	if s.opts.Registry.Quarantined(pluginID) {
		return nil, &SandboxError{SandboxID: s.ID, Op: "execute", Err: fmt.Errorf("%w: %s", ErrQuarantined, pluginID)}
	}

	var endSpan func(outcome Outcome, violations int)
	if s.opts.Tracer != nil {
		spanCtx, span := s.opts.Tracer.StartSpan(ctx, "execute",
			monitor.AttrSandboxID.String(s.ID),
			monitor.AttrPluginID.String(pluginID),
			monitor.AttrLevel.String(string(s.isolation.Level)),
		)
		ctx = spanCtx
		endSpan = func(outcome Outcome, violations int) {
			span.SetAttributes(
				monitor.AttrExitReason.String(string(outcome)),
				monitor.AttrViolations.Int(violations),
			)
			span.End()
		}
	}

	start := time.Now()
	res, err := s.execute(ctx, args, start)
	res.Duration = time.Since(start)

	s.mu.Lock()
	s.lastExitCode = res.ExitCode
	s.lastOutcome = res.Outcome
	s.mu.Unlock()

	if s.opts.Metrics != nil {
		peakMem, _ := s.record.Peaks()
		s.opts.Metrics.RecordExecution(string(s.isolation.Level), string(res.Outcome), res.Duration.Seconds(), peakMem)
		for _, v := range res.Violations {
			s.opts.Metrics.RecordViolation(string(v.Kind))
		}
	}
	if endSpan != nil {
		endSpan(res.Outcome, len(res.Violations))
	}

	s.enforceViolationThreshold()

	s.logger.Info().
		Str("outcome", string(res.Outcome)).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Int("violations", len(res.Violations)).
		Msg("execution finished")

	return res, err
}

func (s *Sandbox) execute(ctx context.Context, args map[string]any, start time.Time) (*Result, error) {
	pluginID := s.plugin.Manifest.ID()
	res := &Result{SandboxID: s.ID, PluginID: pluginID}

	// Violations from an earlier run may still sit in the sink when that
	// run raised more than one. They are already recorded; only fresh
	// entries may decide this run.
	s.drainSink()

	timeout := s.limits.MaxExecutionTime
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spec := executor.RunSpec{
		SandboxID: s.ID,
		Plugin:    s.plugin,
		Args:      args,
		Env:       s.pluginEnv(),
		Isolation: s.isolation,
	}

	exec, err := s.backend.Start(execCtx, spec)
	if err != nil {
		res.Outcome = OutcomeErrored
		res.ExitCode = -1
		res.Violations = s.newViolations()
		return res, &SandboxError{SandboxID: s.ID, Op: "start_plugin", Err: fmt.Errorf("%w: %w", ErrPluginFailed, err)}
	}

	if pid := exec.PID(); pid > 0 {
		s.mon.Retarget(monitor.NewProcTarget(pid))
		s.rec.SetTarget(pid)
		defer s.mon.Retarget(monitor.SelfTarget())
	} else {
		s.rec.SetTarget(os.Getpid())
	}

	outcomeCh := make(chan executor.Outcome, 1)
	go func() { outcomeCh <- exec.Wait() }()

	lifetime := time.NewTimer(time.Until(s.deadline))
	defer lifetime.Stop()

	select {
	case out := <-outcomeCh:
		res.Output = out.Output
		res.Stdout = out.Stdout
		res.Stderr = out.Stderr
		res.ExitCode = out.ExitCode
		res.Violations = s.newViolations()

		// A plugin can finish right as the monitor flags it; violations
		// recorded during the run still decide the outcome.
		if len(res.Violations) > 0 {
			v := res.Violations[0]
			res.Outcome = OutcomeViolated
			return res, &SandboxError{SandboxID: s.ID, Op: "execute", Violation: &v, Err: fmt.Errorf("%w: %s", violationCause(v), v.Message)}
		}
		if out.Err != nil || out.ExitCode != 0 {
			res.Outcome = OutcomeErrored
			return res, &SandboxError{SandboxID: s.ID, Op: "execute", Err: fmt.Errorf("%w: exit code %d: %v", ErrPluginFailed, out.ExitCode, out.Err)}
		}
		res.Outcome = OutcomeCompleted
		return res, nil

	case v := <-s.sink:
		s.logger.Warn().Str("kind", string(v.Kind)).Msg("hard violation, terminating plugin")
		s.terminate(exec, outcomeCh, res)
		res.Outcome = OutcomeViolated
		res.Violations = s.newViolations()
		return res, &SandboxError{SandboxID: s.ID, Op: "execute", Violation: &v, Err: fmt.Errorf("%w: %s", violationCause(v), v.Message)}

	case <-execCtx.Done():
		if execCtx.Err() == context.Canceled {
			// The host cancelled the parent context; this is not a
			// timeout and records no violation.
			s.logger.Info().Msg("execution cancelled by host, terminating plugin")
			s.terminate(exec, outcomeCh, res)
			res.Outcome = OutcomeErrored
			res.ExitCode = -1
			res.Violations = s.newViolations()
			return res, &SandboxError{SandboxID: s.ID, Op: "execute", Err: fmt.Errorf("execution cancelled: %w", context.Canceled)}
		}
		s.logger.Warn().Dur("timeout", timeout).Msg("execution deadline passed, terminating plugin")
		s.terminate(exec, outcomeCh, res)
		v := telemetry.Violation{
			Kind:      telemetry.ExecutionTimeout,
			Metric:    "execution_time",
			Message:   fmt.Sprintf("execution exceeded %s limit", timeout),
			Severity:  telemetry.SeverityHigh,
			Timestamp: time.Now(),
		}
		s.record.AppendViolation(v)
		res.Outcome = OutcomeTimedOut
		res.ExitCode = -1
		res.Violations = s.newViolations()
		return res, &SandboxError{SandboxID: s.ID, Op: "execute", Violation: &v, Err: fmt.Errorf("%w after %s", ErrExecutionTimeout, time.Since(start).Round(time.Millisecond))}

	case <-lifetime.C:
		s.logger.Warn().Msg("sandbox lifetime exhausted, terminating plugin")
		s.terminate(exec, outcomeCh, res)
		v := telemetry.Violation{
			Kind:      telemetry.ExecutionTimeout,
			Metric:    "sandbox_lifetime",
			Message:   fmt.Sprintf("sandbox exceeded %s lifetime", s.isolation.MaxSandboxLifetime),
			Severity:  telemetry.SeverityHigh,
			Timestamp: time.Now(),
		}
		s.record.AppendViolation(v)
		res.Outcome = OutcomeTimedOut
		res.ExitCode = -1
		res.Violations = s.newViolations()
		return res, &SandboxError{SandboxID: s.ID, Op: "execute", Violation: &v, Err: fmt.Errorf("%w: sandbox lifetime exhausted", ErrExecutionTimeout)}
	}
}

// drainSink discards buffered sink entries without blocking.
func (s *Sandbox) drainSink() {
	for {
		select {
		case <-s.sink:
		default:
			return
		}
	}
}

// terminate kills the execution and waits briefly for it to unwind. The
// in-process tier can only be cancelled cooperatively, so an unresponsive
// plugin is abandoned rather than waited on forever.
func (s *Sandbox) terminate(exec executor.Execution, outcomeCh <-chan executor.Outcome, res *Result) {
	exec.Kill()
	select {
	case out := <-outcomeCh:
		res.Stdout = out.Stdout
		res.Stderr = out.Stderr
	case <-time.After(s.isolation.WatchdogTimeout):
		s.logger.Error().Msg("plugin did not terminate within watchdog timeout, abandoning")
	}
}

// Release tears the sandbox down: stops the monitor, watchdog, and guard,
// closes the backend, removes the workspace, and finalizes telemetry.
// It is idempotent; only the first call does the work.
func (s *Sandbox) Release(ctx context.Context) error {
	s.releaseOnce.Do(func() { s.release(ctx) })
	return s.releaseErr
}

func (s *Sandbox) release(ctx context.Context) {
	s.setState(StateCleaningUp)

	// A ctx deadline tighter than the watchdog timeout caps the per-component
	// stop waits.
	timeout := s.isolation.WatchdogTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	cleanupOK := true

	if !s.mon.Stop(timeout) {
		cleanupOK = false
	}
	if s.wd != nil && !s.wd.Stop(timeout) {
		cleanupOK = false
	}
	s.guard.Disable()

	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			s.logger.Error().Err(err).Msg("backend close failed")
			cleanupOK = false
		}
	}

	if err := s.ws.Remove(); err != nil {
		s.logger.Error().Err(err).Msg("workspace removal failed")
		cleanupOK = false
	}

	s.mu.Lock()
	exitCode := s.lastExitCode
	reason := string(s.lastOutcome)
	s.mu.Unlock()
	if reason == "" {
		reason = "released"
	}
	s.record.Finalize(exitCode, reason, cleanupOK)

	if s.opts.Metrics != nil {
		s.opts.Metrics.ActiveSandboxes.Dec()
	}

	s.setState(StateClosed)
	s.logger.Info().Bool("cleanup_successful", cleanupOK).Msg("sandbox released")

	if !cleanupOK {
		s.releaseErr = &SandboxError{SandboxID: s.ID, Op: "release", Err: fmt.Errorf("cleanup incomplete")}
	}
}

// Telemetry returns the sandbox's record. It remains valid (and, after
// Release, sealed) once the sandbox is closed.
func (s *Sandbox) Telemetry() *telemetry.Record {
	return s.record
}

// Violations returns a copy of all violations recorded so far.
func (s *Sandbox) Violations() []telemetry.Violation {
	return s.record.Snapshot()
}

// FileActivity returns the filesystem operations observed by the watchdog.
func (s *Sandbox) FileActivity() []watchdog.FileOp {
	if s.wd == nil {
		return nil
	}
	return s.wd.Operations()
}

// NetworkActivity returns the network operations observed by the guard.
func (s *Sandbox) NetworkActivity() []netguard.NetOp {
	return s.guard.Activity()
}

// RecoveryHistory returns the recovery attempts made for this sandbox.
func (s *Sandbox) RecoveryHistory() []recovery.Record {
	return s.rec.History()
}

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Health returns a point-in-time snapshot of the sandbox.
func (s *Sandbox) Health() Health {
	return Health{
		SandboxID:   s.ID,
		PluginID:    s.plugin.Manifest.ID(),
		State:       s.State(),
		Uptime:      time.Since(s.acquired),
		Samples:     s.record.SampleCount(),
		Violations:  s.record.ViolationCount(),
		Quarantined: s.opts.Registry.Quarantined(s.plugin.Manifest.ID()),
		LastSample:  s.mon.CurrentStats(),
	}
}

// pluginEnv builds the execution environment handed to the plugin.
func (s *Sandbox) pluginEnv() registry.Env {
	environ := []string{
		"WARDEN_SANDBOX_ID=" + s.ID,
		"HOME=" + s.ws.TmpDir,
		"TMPDIR=" + s.ws.TmpDir,
	}
	for _, name := range s.plugin.Manifest.Permissions.EnvPassthrough {
		if value, ok := os.LookupEnv(name); ok {
			environ = append(environ, name+"="+value)
		}
	}
	return registry.Env{
		SandboxID: s.ID,
		WorkDir:   s.ws.Root,
		DataDir:   s.ws.DataDir,
		LogDir:    s.ws.LogDir,
		Environ:   environ,
		Dial:      s.guard.DialContext,
	}
}

// newViolations returns the violations recorded since the current
// execution began.
func (s *Sandbox) newViolations() []telemetry.Violation {
	all := s.record.Snapshot()
	s.mu.Lock()
	mark := s.violationMark
	s.mu.Unlock()
	if mark > len(all) {
		mark = len(all)
	}
	return all[mark:]
}

// enforceViolationThreshold quarantines the plugin once the sandbox's
// accumulated violations reach the configured threshold.
func (s *Sandbox) enforceViolationThreshold() {
	if !s.isolation.QuarantineOnViolation {
		return
	}
	count := s.record.ViolationCount()
	if count < s.isolation.ViolationThreshold {
		return
	}
	s.rec.Quarantine(s.plugin.Manifest.ID(),
		fmt.Sprintf("violation threshold reached (%d/%d)", count, s.isolation.ViolationThreshold))
}

// quarantineSignal is the recovery manager's quarantine callback: it marks
// the registry, bumps metrics, and forwards to the host hook.
func (s *Sandbox) quarantineSignal(pluginID, reason string, at time.Time) {
	s.opts.Registry.MarkQuarantined(pluginID, reason, at)
	if s.opts.Metrics != nil {
		s.opts.Metrics.QuarantinesTotal.Inc()
	}
	if s.opts.OnQuarantine != nil {
		s.opts.OnQuarantine(pluginID, reason, at)
	}
}

// initFailure rolls back partial acquisition and wraps the cause.
func (s *Sandbox) initFailure(op string, err error, rollback func()) error {
	if rollback != nil {
		rollback()
	}
	s.logger.Error().Str("op", op).Err(err).Msg("sandbox initialization failed")
	return &SandboxError{SandboxID: s.ID, Op: op, Err: fmt.Errorf("%w: %w", ErrInitialization, err)}
}
