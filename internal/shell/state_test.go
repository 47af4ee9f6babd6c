package shell

import (
	"testing"

	"prhealth/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineHappyPath(t *testing.T) {
	sm := NewStateMachine()
	assert.Equal(t, StateBuilding, sm.Current())

	var seen []State
	sm.Observe(func(tr Transition) { seen = append(seen, tr.To) })

	require.NoError(t, sm.Transition(StateReadyToStart, "installed"))
	require.NoError(t, sm.Transition(StateRunning, "pid 1"))
	require.NoError(t, sm.Transition(StateStopped, "exit 0"))

	assert.Equal(t, []State{StateReadyToStart, StateRunning, StateStopped}, seen)
	assert.True(t, sm.Current().IsTerminal())

	history := sm.History()
	require.Len(t, history, 3)
	assert.Equal(t, StateBuilding, history[0].From)
	assert.Equal(t, "pid 1", history[1].Reason)
}

func TestStateMachineRejectsIllegalTransitions(t *testing.T) {
	cases := []struct {
		name string
		path []State
		bad  State
	}{
		{"skip install", nil, StateRunning},
		{"restart", []State{StateReadyToStart, StateRunning}, StateReadyToStart},
		{"leave failed", []State{StateFailed}, StateReadyToStart},
		{"leave stopped", []State{StateReadyToStart, StateRunning, StateStopped}, StateRunning},
		{"stop before running", []State{StateReadyToStart}, StateStopped},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sm := NewStateMachine()
			for _, s := range tc.path {
				require.NoError(t, sm.Transition(s, ""))
			}
			before := sm.Current()

			err := sm.Transition(tc.bad, "")
			assert.ErrorIs(t, err, common.ErrInvalidTransition)
			assert.Equal(t, before, sm.Current())
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "BUILDING", StateBuilding.String())
	assert.Equal(t, "READY_TO_START", StateReadyToStart.String())
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "STOPPED", StateStopped.String())
	assert.Equal(t, "FAILED", StateFailed.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
	assert.False(t, StateRunning.IsTerminal())
}
