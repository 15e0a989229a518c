package job

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMachineHappyPath(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var changes []Change
	m := NewMachine("job-1", clock, func(c Change) { changes = append(changes, c) })

	for _, to := range []State{StateInitializing, StateCrawling, StateExtracting, StateProcessing, StateCompleted} {
		clock.Advance(time.Second)
		require.NoError(t, m.Transition(to))
	}

	snap := m.Snapshot()
	require.Equal(t, StateCompleted, snap.CurrentState)
	require.Len(t, snap.History, 5)
	require.Equal(t, StateQueued, snap.History[0].From)
	require.NotNil(t, snap.StartedAt)
	require.NotNil(t, snap.CompletedAt)

	// Every consecutive pair in the history is a valid edge and the last
	// entry's destination matches the current state.
	for i, tr := range snap.History {
		require.True(t, edgeAllowed(tr.From, tr.To), "edge %d: %s -> %s", i, tr.From, tr.To)
		if i > 0 {
			require.Equal(t, snap.History[i-1].To, tr.From)
		}
	}
	require.Equal(t, snap.CurrentState, snap.History[len(snap.History)-1].To)
	require.Len(t, changes, 5)
}

func TestMachineRejectsInvalidEdges(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		walk []State
		to   State
	}{
		{name: "queued to crawling", walk: nil, to: StateCrawling},
		{name: "completed is terminal", walk: []State{StateInitializing, StateCrawling, StateExtracting, StateProcessing, StateCompleted}, to: StateCrawling},
		{name: "cancelled is terminal", walk: []State{StateCancelled}, to: StateInitializing},
		{name: "no self edge", walk: []State{StateInitializing}, to: StateInitializing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewMachine("job-1", newFakeClock(), nil)
			for _, s := range tc.walk {
				require.NoError(t, m.Transition(s))
			}
			err := m.Transition(tc.to)
			require.ErrorIs(t, err, ErrInvalidTransition)

			var te *TransitionError
			require.True(t, errors.As(err, &te))
			require.Equal(t, tc.to, te.To)
		})
	}
}

func TestMachinePauseResumeFromAnyPhase(t *testing.T) {
	t.Parallel()

	m := NewMachine("job-1", newFakeClock(), nil)
	require.NoError(t, m.Transition(StateInitializing))
	require.NoError(t, m.Transition(StateCrawling))
	require.True(t, m.CanPause())
	require.NoError(t, m.Transition(StatePaused))
	require.True(t, m.CanResume())
	require.NoError(t, m.Transition(StateCrawling))
	require.Equal(t, StateCrawling, m.Current())
}

func TestMachineSubstates(t *testing.T) {
	t.Parallel()

	var changes []Change
	m := NewMachine("job-1", newFakeClock(), func(c Change) { changes = append(changes, c) })
	require.NoError(t, m.Transition(StateInitializing))
	require.NoError(t, m.Transition(StateCrawling))

	require.NoError(t, m.SetSubstate(SubstateDiscoveringURLs))
	require.Equal(t, SubstateDiscoveringURLs, m.CurrentSubstate())

	// Idempotent: same substate again emits nothing new.
	before := len(changes)
	require.NoError(t, m.SetSubstate(SubstateDiscoveringURLs))
	require.Len(t, changes, before)

	// OCR belongs to EXTRACTING, not CRAWLING.
	require.ErrorIs(t, m.SetSubstate(SubstateOCR), ErrInvalidSubstate)

	// Substate changes never appear in the main history.
	require.NoError(t, m.SetSubstate(SubstateDownloadingPages))
	require.Len(t, m.Snapshot().History, 2)

	// A main-state move clears the substate.
	require.NoError(t, m.Transition(StateExtracting))
	require.Empty(t, m.CurrentSubstate())
}

func TestMachineFailRecordsError(t *testing.T) {
	t.Parallel()

	m := NewMachine("job-1", newFakeClock(), nil)
	require.NoError(t, m.Transition(StateInitializing))
	require.NoError(t, m.Fail("disk full"))

	snap := m.Snapshot()
	require.Equal(t, StateFailed, snap.CurrentState)
	require.Equal(t, "disk full", snap.Error)
	require.Len(t, snap.History, 2)
	require.True(t, m.IsTerminal())
}

func TestMachineEmitHappensWithMutation(t *testing.T) {
	t.Parallel()

	m := &Machine{clock: newFakeClock()}
	m.state = JobState{JobID: "job-1", CurrentState: StateQueued, CreatedAt: m.clock.Now()}
	m.emit = func(c Change) {
		// The callback observes the already-committed state.
		require.Equal(t, StateInitializing, m.state.CurrentState)
		require.Equal(t, StateQueued, c.From)
	}
	require.NoError(t, m.Transition(StateInitializing))
}

func TestMachineCountersAndRestore(t *testing.T) {
	t.Parallel()

	m := NewMachine("job-1", newFakeClock(), nil)
	require.NoError(t, m.Transition(StateInitializing))
	require.NoError(t, m.Transition(StateCrawling))

	c := m.AddCounters(3, 1, 2)
	require.Equal(t, int64(3), c.URLsCrawled)

	require.NoError(t, m.Transition(StatePaused))
	require.NoError(t, m.Transition(StateCrawling))
	m.Restore(SubstateDownloadingPages, Counters{URLsCrawled: 3, URLsFailed: 1, DocumentsFound: 2})

	snap := m.Snapshot()
	require.Equal(t, SubstateDownloadingPages, snap.Substate)
	require.Equal(t, int64(2), snap.Counters.DocumentsFound)
}
