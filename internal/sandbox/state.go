package sandbox

// State is the lifecycle position of a sandbox.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateExecuting    State = "executing"
	StateCleaningUp   State = "cleaning_up"
	StateClosed       State = "closed"
)

// transitions lists the legal successor states. Release may start from any
// live state, so cleaning_up is reachable from everything but closed.
var transitions = map[State][]State{
	StateCreated:      {StateInitializing, StateCleaningUp},
	StateInitializing: {StateReady, StateCleaningUp},
	StateReady:        {StateExecuting, StateCleaningUp},
	StateExecuting:    {StateReady, StateCleaningUp},
	StateCleaningUp:   {StateClosed},
	StateClosed:       {},
}

func (s State) canTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// setState moves the sandbox through its lifecycle, refusing transitions
// the lifecycle does not define (notably anything out of closed).
func (s *Sandbox) setState(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.canTransition(to) {
		s.logger.Warn().
			Str("from", string(s.state)).
			Str("to", string(to)).
			Msg("illegal sandbox state transition refused")
		return
	}
	s.state = to
}

// Outcome classifies how one execution concluded.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeErrored   Outcome = "errored"
	OutcomeViolated  Outcome = "violated"
	OutcomeTimedOut  Outcome = "timed_out"
)
