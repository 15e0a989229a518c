package job

import (
	"sync"
	"time"
)

// allowedEdges is the transition table for main states. PAUSED, FAILED, and
// CANCELLED are reachable from every non-terminal state; terminal states have
// no outgoing edges.
var allowedEdges = map[State][]State{
	StateQueued:       {StateInitializing, StatePaused, StateFailed, StateCancelled},
	StateInitializing: {StateCrawling, StatePaused, StateFailed, StateCancelled},
	StateCrawling:     {StateExtracting, StatePaused, StateFailed, StateCancelled},
	StateExtracting:   {StateProcessing, StatePaused, StateFailed, StateCancelled},
	StateProcessing:   {StateCompleted, StatePaused, StateFailed, StateCancelled},
	StatePaused:       {StateCrawling, StateExtracting, StateProcessing, StateFailed, StateCancelled},
	StateCompleted:    nil,
	StateFailed:       nil,
	StateCancelled:    nil,
}

// Change describes a committed mutation of the machine, handed to the emit
// callback while the machine lock is still held. The callback must only
// queue work (e.g. publish to the event bus) and never call back into the
// machine.
type Change struct {
	JobID    string
	From     State
	To       State
	Substate Substate
	// SubstateOnly is true when the main state did not move.
	SubstateOnly bool
	At           time.Time
	Error        string
}

// EmitFunc receives every committed change atomically with the mutation.
type EmitFunc func(Change)

// Machine owns the mutable JobState for one job and is the only component
// allowed to mutate it. All methods are safe for concurrent use.
type Machine struct {
	mu    sync.Mutex
	state JobState
	clock Clock
	emit  EmitFunc
}

// NewMachine creates a Machine in QUEUED for the given job. The emit callback
// may be nil.
func NewMachine(jobID string, clock Clock, emit EmitFunc) *Machine {
	now := clock.Now()
	return &Machine{
		state: JobState{
			JobID:        jobID,
			CurrentState: StateQueued,
			CreatedAt:    now,
		},
		clock: clock,
		emit:  emit,
	}
}

// RestoreMachine rebuilds a Machine from checkpointed job state. The machine
// starts in PAUSED regardless of the snapshot's state, so the caller resumes
// it with an ordinary transition back to the checkpointed phase.
func RestoreMachine(snap JobState, clock Clock, emit EmitFunc) *Machine {
	st := snap.Clone()
	st.CurrentState = StatePaused
	if st.PausedAt == nil {
		t := clock.Now()
		st.PausedAt = &t
	}
	return &Machine{state: st, clock: clock, emit: emit}
}

// CanTransition reports whether the edge from the current state to the given
// state is allowed.
func (m *Machine) CanTransition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return edgeAllowed(m.state.CurrentState, to)
}

func edgeAllowed(from, to State) bool {
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the machine to the given state, appends a history entry,
// and invokes the emit callback before releasing the lock so no caller can
// observe the new state without the event having been queued. The substate is
// cleared on every main-state move.
func (m *Machine) Transition(to State) error {
	return m.transition(to, "")
}

// Fail routes the job to FAILED and records the error message.
func (m *Machine) Fail(errText string) error {
	return m.transition(StateFailed, errText)
}

func (m *Machine) transition(to State, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state.CurrentState
	if !edgeAllowed(from, to) {
		return &TransitionError{JobID: m.state.JobID, From: from, To: to}
	}

	now := m.clock.Now()
	var dur time.Duration
	if n := len(m.state.History); n > 0 {
		dur = now.Sub(m.state.History[n-1].At)
	} else {
		dur = now.Sub(m.state.CreatedAt)
	}
	m.state.History = append(m.state.History, StateTransition{From: from, To: to, At: now, Duration: dur})
	m.state.CurrentState = to
	m.state.Substate = ""
	if errText != "" {
		m.state.Error = errText
	}

	switch {
	case to == StateInitializing && m.state.StartedAt == nil:
		t := now
		m.state.StartedAt = &t
	case to.Terminal():
		t := now
		m.state.CompletedAt = &t
	case to == StatePaused:
		t := now
		m.state.PausedAt = &t
	}

	if m.emit != nil {
		m.emit(Change{JobID: m.state.JobID, From: from, To: to, At: now, Error: errText})
	}
	return nil
}

// SetSubstate annotates the current main state. It is idempotent for repeated
// sets of the same substate and fails if the substate belongs to a different
// main state. A substate change never appends to the state history.
func (m *Machine) SetSubstate(sub Substate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	valid := false
	for _, s := range Substates(m.state.CurrentState) {
		if s == sub {
			valid = true
			break
		}
	}
	if !valid {
		return ErrInvalidSubstate
	}
	if m.state.Substate == sub {
		return nil
	}
	m.state.Substate = sub

	if m.emit != nil {
		m.emit(Change{
			JobID:        m.state.JobID,
			From:         m.state.CurrentState,
			To:           m.state.CurrentState,
			Substate:     sub,
			SubstateOnly: true,
			At:           m.clock.Now(),
		})
	}
	return nil
}

// Restore overwrites substate and counters from a checkpoint after a resume
// transition. The main state must already have been moved via Transition.
func (m *Machine) Restore(sub Substate, counters Counters) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Substate = sub
	m.state.Counters = counters
}

// AddCounters applies deltas to the job counters.
func (m *Machine) AddCounters(crawled, failed, documents int64) Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Counters.URLsCrawled += crawled
	m.state.Counters.URLsFailed += failed
	m.state.Counters.DocumentsFound += documents
	return m.state.Counters
}

// Current returns the current main state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CurrentState
}

// CurrentSubstate returns the current substate annotation, if any.
func (m *Machine) CurrentSubstate() Substate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Substate
}

// Snapshot returns a deep copy of the job state for observers.
func (m *Machine) Snapshot() JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// CanPause reports whether the job is in a pausable phase.
func (m *Machine) CanPause() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return edgeAllowed(m.state.CurrentState, StatePaused)
}

// CanResume reports whether the job is paused.
func (m *Machine) CanResume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CurrentState == StatePaused
}

// IsTerminal reports whether the job reached a terminal state.
func (m *Machine) IsTerminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CurrentState.Terminal()
}
