package executor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// InProcess runs plugin entry points on a goroutine inside the host
// process. Used by the minimal and standard isolation levels, where the
// plugin is trusted enough to share the address space. Termination is
// cooperative: Kill cancels the plugin's context, and a plugin that
// ignores it is abandoned rather than stopped.
type InProcess struct{}

// NewInProcess creates the in-process backend.
func NewInProcess() *InProcess {
	return &InProcess{}
}

func (b *InProcess) Start(ctx context.Context, spec RunSpec) (Execution, error) {
	if spec.Plugin.Entry == nil {
		return nil, fmt.Errorf("plugin %s has no in-process entry point", spec.Plugin.Manifest.ID())
	}

	callCtx, cancel := context.WithCancel(ctx)
	e := &inprocExecution{
		cancel: cancel,
		done:   make(chan Outcome, 1),
	}

	go func() {
		defer func() {
			// A panicking plugin must not take the host down with it.
			if r := recover(); r != nil {
				log.Error().
					Str("plugin_id", spec.Plugin.Manifest.ID()).
					Interface("panic", r).
					Msg("plugin panicked")
				e.done <- Outcome{ExitCode: -1, Err: fmt.Errorf("plugin panic: %v", r)}
			}
		}()

		out, err := spec.Plugin.Entry.Invoke(callCtx, spec.Env, spec.Args)
		code := 0
		if err != nil {
			code = 1
		}
		e.done <- Outcome{Output: out, ExitCode: code, Err: err}
	}()

	return e, nil
}

func (b *InProcess) Close() error {
	return nil
}

type inprocExecution struct {
	cancel context.CancelFunc
	done   chan Outcome
}

func (e *inprocExecution) Wait() Outcome {
	return <-e.done
}

func (e *inprocExecution) Kill() {
	e.cancel()
}

func (e *inprocExecution) PID() int {
	return 0
}
