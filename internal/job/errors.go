package job

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition signals a transition request not permitted by the
// allowed-edges table. It is a caller ordering error; the job is unaffected.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrInvalidSubstate signals a substate that does not belong to the job's
// current main state.
var ErrInvalidSubstate = errors.New("substate not valid for current state")

// ErrNotFound signals that the requested job does not exist in the registry
// or store.
var ErrNotFound = errors.New("job not found")

// ErrTerminal signals a control operation against a job that already reached
// a terminal state.
var ErrTerminal = errors.New("job is in a terminal state")

// TransitionError wraps ErrInvalidTransition with the offending edge so API
// callers can report it precisely.
type TransitionError struct {
	JobID string
	From  State
	To    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: transition %s -> %s not allowed", e.JobID, e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
