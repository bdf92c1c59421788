package engine

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadwire/flowengine/pkg/schema"
)

func TestRunFSM_ValidTransitions(t *testing.T) {
	fsm := NewRunFSM()

	// pending -> running
	require.NoError(t, fsm.Transition("run-1", schema.RunStatusPending, schema.RunStatusRunning))
	// running -> paused
	require.NoError(t, fsm.Transition("run-1", schema.RunStatusRunning, schema.RunStatusPaused))
	// paused -> running (resume)
	require.NoError(t, fsm.Transition("run-1", schema.RunStatusPaused, schema.RunStatusRunning))
	// running -> completed
	require.NoError(t, fsm.Transition("run-1", schema.RunStatusRunning, schema.RunStatusCompleted))
}

func TestRunFSM_InvalidTransition(t *testing.T) {
	fsm := NewRunFSM()

	err := fsm.Transition("run-1", schema.RunStatusPending, schema.RunStatusCompleted)
	require.Error(t, err)

	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engErr.Code)
	assert.Contains(t, engErr.Message, "pending")
	assert.Contains(t, engErr.Message, "completed")
	assert.Equal(t, "run-1", engErr.Details["run_id"])
}

func TestRunFSM_TerminalStatesRejectTransitions(t *testing.T) {
	fsm := NewRunFSM()

	for _, terminal := range []schema.RunStatus{
		schema.RunStatusCompleted,
		schema.RunStatusFailed,
		schema.RunStatusCancelled,
	} {
		err := fsm.Transition("run-1", terminal, schema.RunStatusRunning)
		require.Error(t, err, "should not transition from terminal state %s", terminal)
	}
}

func TestRunFSM_CancelFromMultipleStates(t *testing.T) {
	fsm := NewRunFSM()

	for _, from := range []schema.RunStatus{
		schema.RunStatusPending,
		schema.RunStatusRunning,
		schema.RunStatusPaused,
	} {
		require.NoError(t, fsm.Transition("run-1", from, schema.RunStatusCancelled))
	}
}

func TestRunFSM_PausedCannotComplete(t *testing.T) {
	fsm := NewRunFSM()

	// A paused run must resume before finishing.
	require.Error(t, fsm.Transition("run-1", schema.RunStatusPaused, schema.RunStatusCompleted))
	require.Error(t, fsm.Transition("run-1", schema.RunStatusPaused, schema.RunStatusFailed))
}

func TestRunFSM_BeforeHook(t *testing.T) {
	fsm := NewRunFSM()

	var hookCalled bool
	fsm.OnBefore(schema.RunStatusPending, schema.RunStatusRunning, func(runID string, from, to schema.RunStatus) error {
		hookCalled = true
		assert.Equal(t, "run-1", runID)
		assert.Equal(t, schema.RunStatusPending, from)
		assert.Equal(t, schema.RunStatusRunning, to)
		return nil
	})

	require.NoError(t, fsm.Transition("run-1", schema.RunStatusPending, schema.RunStatusRunning))
	assert.True(t, hookCalled)
}

func TestRunFSM_BeforeHookError(t *testing.T) {
	fsm := NewRunFSM()

	var afterCalled bool
	fsm.OnBefore(schema.RunStatusPending, schema.RunStatusRunning, func(string, schema.RunStatus, schema.RunStatus) error {
		return errors.New("hook failed")
	})
	fsm.OnAfter(schema.RunStatusPending, schema.RunStatusRunning, func(string, schema.RunStatus, schema.RunStatus) error {
		afterCalled = true
		return nil
	})

	err := fsm.Transition("run-1", schema.RunStatusPending, schema.RunStatusRunning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook failed")
	assert.False(t, afterCalled, "after hook must not run when the before hook fails")
}

func TestRunFSM_HookOrder(t *testing.T) {
	fsm := NewRunFSM()

	var order []string
	fsm.OnBefore(schema.RunStatusRunning, schema.RunStatusPaused, func(string, schema.RunStatus, schema.RunStatus) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.RunStatusRunning, schema.RunStatusPaused, func(string, schema.RunStatus, schema.RunStatus) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, fsm.Transition("run-1", schema.RunStatusRunning, schema.RunStatusPaused))
	assert.Equal(t, []string{"before", "after"}, order)
}

func TestRunFSM_ConcurrentTransitions(t *testing.T) {
	fsm := NewRunFSM()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fsm.Transition("run-concurrent", schema.RunStatusPending, schema.RunStatusRunning)
		}()
	}
	wg.Wait()
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(schema.RunStatusPending, schema.RunStatusRunning))
	assert.True(t, CanTransition(schema.RunStatusRunning, schema.RunStatusFailed))
	assert.False(t, CanTransition(schema.RunStatusPending, schema.RunStatusPaused))
	assert.False(t, CanTransition(schema.RunStatusCompleted, schema.RunStatusRunning))
	assert.False(t, CanTransition(schema.RunStatus("bogus"), schema.RunStatusRunning))
}

func TestRunTransitionTable_AllStatusesPresent(t *testing.T) {
	expected := []schema.RunStatus{
		schema.RunStatusPending,
		schema.RunStatusRunning,
		schema.RunStatusPaused,
		schema.RunStatusCompleted,
		schema.RunStatusFailed,
		schema.RunStatusCancelled,
	}
	for _, s := range expected {
		_, ok := ValidRunTransitions[s]
		assert.True(t, ok, "missing run status %q in transition table", s)
	}
}

func TestRunTransitionTable_TerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []schema.RunStatus{
		schema.RunStatusCompleted,
		schema.RunStatusFailed,
		schema.RunStatusCancelled,
	} {
		assert.Empty(t, ValidRunTransitions[s], "terminal status %q must have no outgoing transitions", s)
		assert.True(t, s.Terminal())
	}
}
