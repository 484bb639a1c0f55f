package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/rs/zerolog/log"
)

const outputCapBytes = 1 << 20 // cap captured stdout/stderr at 1MB each

// Subprocess runs the plugin command as a separate process in its own
// process group, with kernel namespaces and rlimits applied where the
// platform supports them. Used by the strict isolation level.
type Subprocess struct{}

// NewSubprocess creates the subprocess backend.
func NewSubprocess() *Subprocess {
	return &Subprocess{}
}

func (b *Subprocess) Start(ctx context.Context, spec RunSpec) (Execution, error) {
	argv := spec.Plugin.Manifest.Command
	if len(argv) == 0 {
		return nil, fmt.Errorf("plugin %s has no command for out-of-process execution", spec.Plugin.Manifest.ID())
	}

	argsJSON, err := json.Marshal(spec.Args)
	if err != nil {
		return nil, fmt.Errorf("encoding plugin arguments: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204 -- argv comes from a validated manifest, not user input
	cmd.Dir = spec.Env.WorkDir
	cmd.Env = spec.Env.Environ
	cmd.Stdin = bytes.NewReader(argsJSON)

	var stdout, stderr limitedBuffer
	stdout.limit = outputCapBytes
	stderr.limit = outputCapBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.SysProcAttr = sysProcAttr(spec)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting plugin process: %w", err)
	}

	pid := cmd.Process.Pid
	if err := applyRlimits(pid, spec.Plugin.Manifest.Limits); err != nil {
		log.Warn().Int("pid", pid).Err(err).Msg("failed to apply rlimits to plugin process")
	}

	log.Debug().
		Str("plugin_id", spec.Plugin.Manifest.ID()).
		Int("pid", pid).
		Msg("plugin process started")

	e := &subprocExecution{
		cmd:    cmd,
		pid:    pid,
		stdout: &stdout,
		stderr: &stderr,
		done:   make(chan struct{}),
	}

	go func() {
		e.waitErr = cmd.Wait()
		close(e.done)
	}()

	// The caller's context cancels the process group, not just the
	// direct child.
	go func() {
		select {
		case <-ctx.Done():
			e.Kill()
		case <-e.done:
		}
	}()

	return e, nil
}

func (b *Subprocess) Close() error {
	return nil
}

type subprocExecution struct {
	cmd    *exec.Cmd
	pid    int
	stdout *limitedBuffer
	stderr *limitedBuffer

	done    chan struct{}
	waitErr error

	killOnce sync.Once
}

func (e *subprocExecution) Wait() Outcome {
	<-e.done

	out := Outcome{
		Stdout:   e.stdout.String(),
		Stderr:   e.stderr.String(),
		ExitCode: exitCode(e.waitErr, e.cmd),
		Err:      e.waitErr,
	}

	out.Output = decodeOutput(out.Stdout)
	return out
}

func (e *subprocExecution) Kill() {
	e.killOnce.Do(func() {
		killProcessGroup(e.pid)
	})
}

func (e *subprocExecution) PID() int {
	return e.pid
}

func exitCode(err error, cmd *exec.Cmd) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer keeps at most limit bytes and drops the rest, so a plugin
// cannot balloon host memory through stdout.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
