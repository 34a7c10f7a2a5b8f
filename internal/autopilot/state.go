package autopilot

import (
	"errors"
	"fmt"
)

// State is the engine's position in its state machine.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateAnalyzing State = "analyzing"
	StateCompleted State = "completed"
	StateExhausted State = "exhausted"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateExhausted, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// Outcome is how a run ended, as reported to the caller.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeExhausted Outcome = "exhausted-budget"
	OutcomeFailed    Outcome = "failed"
)

// ErrEngineBusy is returned by Run while another run is in progress on the
// same engine.
var ErrEngineBusy = errors.New("engine is already running")

// BudgetExhaustedError reports that the loop hit its iteration limit
// without the task being judged complete.
type BudgetExhaustedError struct {
	SessionID  string
	Iterations int
	LastReason string
}

func (e *BudgetExhaustedError) Error() string {
	msg := fmt.Sprintf("session %s: iteration budget of %d exhausted", e.SessionID, e.Iterations)
	if e.LastReason != "" {
		msg += ": " + e.LastReason
	}
	return msg
}
