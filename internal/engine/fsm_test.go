package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgraph/pkg/schema"
)

// --- ExecutionFSM ---

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	fsm := NewExecutionFSM()

	require.NoError(t, fsm.Transition("e1", schema.ExecutionPending, schema.ExecutionRunning))
	require.NoError(t, fsm.Transition("e1", schema.ExecutionRunning, schema.ExecutionCompleted))
	require.NoError(t, fsm.Transition("e2", schema.ExecutionRunning, schema.ExecutionFailed))
	require.NoError(t, fsm.Transition("e3", schema.ExecutionRunning, schema.ExecutionCancelled))
	require.NoError(t, fsm.Transition("e4", schema.ExecutionPending, schema.ExecutionCancelled))
}

func TestExecutionFSM_TerminalStatesAreFinal(t *testing.T) {
	fsm := NewExecutionFSM()
	for _, from := range []schema.ExecutionStatus{schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled} {
		for _, to := range []schema.ExecutionStatus{schema.ExecutionRunning, schema.ExecutionCancelled, schema.ExecutionCompleted} {
			err := fsm.Transition("e", from, to)
			require.Error(t, err, "%s -> %s", from, to)
			assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
		}
	}
}

func TestExecutionFSM_InvalidTransitionDetails(t *testing.T) {
	err := NewExecutionFSM().Transition("e9", schema.ExecutionPending, schema.ExecutionCompleted)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, "e9", fe.Details["execution_id"])
	assert.Equal(t, "pending", fe.Details["from"])
	assert.Equal(t, "completed", fe.Details["to"])
}

func TestExecutionFSM_Hooks(t *testing.T) {
	fsm := NewExecutionFSM()
	var calls []string
	fsm.OnBefore(schema.ExecutionRunning, schema.ExecutionCancelled, func(id, from, to string) error {
		calls = append(calls, "before:"+id)
		return nil
	})
	fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionCancelled, func(id, from, to string) error {
		calls = append(calls, "after:"+from+">"+to)
		return nil
	})

	require.NoError(t, fsm.Transition("e1", schema.ExecutionRunning, schema.ExecutionCancelled))
	require.NoError(t, fsm.Transition("e2", schema.ExecutionRunning, schema.ExecutionCompleted))
	assert.Equal(t, []string{"before:e1", "after:running>cancelled"}, calls)
}

func TestExecutionFSM_BeforeHookVetoes(t *testing.T) {
	fsm := NewExecutionFSM()
	afterRan := false
	fsm.OnBefore(schema.ExecutionRunning, schema.ExecutionCompleted, func(string, string, string) error {
		return errors.New("not yet")
	})
	fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionCompleted, func(string, string, string) error {
		afterRan = true
		return nil
	})

	err := fsm.Transition("e1", schema.ExecutionRunning, schema.ExecutionCompleted)
	assert.EqualError(t, err, "not yet")
	assert.False(t, afterRan)
}

// --- NodeFSM ---

func TestNodeFSM_LinearLifecycle(t *testing.T) {
	fsm := NewNodeFSM()

	require.NoError(t, fsm.Transition("n", schema.NodePending, schema.NodeRunning))
	require.NoError(t, fsm.Transition("n", schema.NodeRunning, schema.NodeCompleted))
	require.NoError(t, fsm.Transition("m", schema.NodeRunning, schema.NodeFailed))
	require.NoError(t, fsm.Transition("s", schema.NodePending, schema.NodeSkipped))
}

func TestNodeFSM_NoReentry(t *testing.T) {
	fsm := NewNodeFSM()
	cases := []struct{ from, to schema.NodeStatus }{
		{schema.NodeCompleted, schema.NodeRunning},
		{schema.NodeFailed, schema.NodeRunning},
		{schema.NodeSkipped, schema.NodeRunning},
		{schema.NodeRunning, schema.NodeSkipped},
		{schema.NodePending, schema.NodeCompleted},
	}
	for _, tc := range cases {
		err := fsm.Transition("n", tc.from, tc.to)
		assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err), "%s -> %s", tc.from, tc.to)
	}
}

func TestNodeFSM_AfterHook(t *testing.T) {
	fsm := NewNodeFSM()
	var done []string
	fsm.OnAfter(schema.NodeRunning, schema.NodeCompleted, func(id, _, _ string) error {
		done = append(done, id)
		return nil
	})

	require.NoError(t, fsm.Transition("a", schema.NodeRunning, schema.NodeCompleted))
	require.NoError(t, fsm.Transition("b", schema.NodeRunning, schema.NodeFailed))
	assert.Equal(t, []string{"a"}, done)
}
