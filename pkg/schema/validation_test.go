package schema

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinitionReport_EmptyHasNoError(t *testing.T) {
	r := &DefinitionReport{}
	assert.NoError(t, r.Err())
	assert.Empty(t, r.Warnings())
}

func TestDefinitionReport_RejectNode(t *testing.T) {
	r := &DefinitionReport{}
	r.RejectNode(2, Node{ID: "loop1", Type: NodeTypeLoop}, "loop_config", "loop node loop1 requires loop_config")

	require.Len(t, r.Rejected, 1)
	assert.Equal(t, ElementNode, r.Rejected[0].Element)
	assert.Equal(t, "loop1", r.Rejected[0].ID)
	assert.Equal(t, "nodes[2].loop_config", r.Rejected[0].Path())

	err := r.Err()
	fe, ok := AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInvalidDefinition, fe.Code)
	assert.Equal(t, "Invalid workflow definition: loop node loop1 requires loop_config", fe.Message)
	assert.Equal(t, []string{"nodes[2].loop_config"}, fe.Details["paths"])
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(err))
}

func TestDefinitionReport_SeveralRejections(t *testing.T) {
	r := &DefinitionReport{}
	r.RejectNode(0, Node{ID: "a"}, "id", "duplicate node id \"a\"")
	r.RejectNode(3, Node{ID: "c", Type: NodeTypeCondition}, "condition_config", "condition node c requires condition_config")

	fe, ok := AsFlowError(r.Err())
	require.True(t, ok)
	assert.Contains(t, fe.Message, "2 nodes rejected")
	assert.Equal(t, []string{"nodes[0].id", "nodes[3].condition_config"}, fe.Details["paths"])
}

func TestDefinitionReport_DropsAreWarnings(t *testing.T) {
	r := &DefinitionReport{}
	r.DropNode(1, Node{ID: "cond", Type: NodeTypeCondition}, "no field configured")
	r.DropEdge(4, Edge{ID: "e4", Source: "ghost", Target: "a"}, "references a missing node")

	assert.NoError(t, r.Err(), "drops alone keep the definition runnable")
	assert.Equal(t, "edges[4]", r.Dropped[1].Path())
	assert.Equal(t, []string{
		"condition node cond dropped: no field configured",
		"edge e4 (ghost → a) dropped: references a missing node",
	}, r.Warnings())
}

// --- FlowError ---

func TestFlowError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeFieldNotFound, "field %q not found", "x").WithNode("cond")
	assert.Equal(t, `[FIELD_NOT_FOUND] node cond: field "x" not found`, err.Error())
	assert.Equal(t, "[NOT_FOUND] missing", NewError(ErrCodeNotFound, "missing").Error())
}

func TestFlowError_UnwrapAndCode(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrCodeHandler, "write failed").WithCause(cause)
	wrapped := errors.Join(errors.New("outer"), err)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeHandler, CodeOf(wrapped))
	assert.Equal(t, "", CodeOf(cause))
}

func TestAtNode_CopiesSharedError(t *testing.T) {
	shared := NewError(ErrCodeHandler, "bucket unavailable")

	first := AtNode(shared, "write1", ErrCodeInternal)
	second := AtNode(shared, "write2", ErrCodeInternal)

	assert.Empty(t, shared.NodeID, "shared value untouched")
	assert.Equal(t, "write1", first.(*FlowError).NodeID)
	assert.Equal(t, "write2", second.(*FlowError).NodeID)
	assert.Equal(t, ErrCodeHandler, CodeOf(second))
}

func TestAtNode_KeepsExistingNodeAndWrapsPlainErrors(t *testing.T) {
	owned := NewError(ErrCodeExpression, "bad").WithNode("cond")
	assert.Same(t, owned, AtNode(owned, "other", ErrCodeInternal))

	plain := errors.New("disk full")
	err := AtNode(plain, "n1", ErrCodeInternal)
	assert.Equal(t, ErrCodeInternal, CodeOf(err))
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, "n1", err.(*FlowError).NodeID)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[string]int{
		ErrCodeInvalidDefinition: http.StatusUnprocessableEntity,
		ErrCodeWorkflowNotFound:  http.StatusNotFound,
		ErrCodeConfigMissing:     http.StatusBadRequest,
		ErrCodeNotCancellable:    http.StatusConflict,
		ErrCodeRateLimited:       http.StatusTooManyRequests,
		ErrCodeStore:             http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(NewError(code, "x")), code)
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestExecutionState_CloneIsDeep(t *testing.T) {
	st := NewExecutionState("e1", "w1", "u1", map[string]any{"x": "yes"}, nowForTest())
	st.NodeStates["a"] = &NodeState{NodeID: "a", Status: NodeCompleted, Output: map[string]any{"k": "v"}}
	st.Logs = append(st.Logs, LogEntry{Level: LogInfo, Message: "hello"})

	cp := st.Clone()
	cp.NodeStates["a"].Status = NodeFailed
	cp.Variables["x"] = "no"
	cp.Logs[0].Message = "changed"

	assert.Equal(t, NodeCompleted, st.NodeStates["a"].Status)
	assert.Equal(t, "yes", st.Variables["x"])
	assert.Equal(t, "hello", st.Logs[0].Message)
}

func TestStatusTerminality(t *testing.T) {
	assert.False(t, ExecutionRunning.IsTerminal())
	assert.False(t, ExecutionPending.IsTerminal())
	assert.True(t, ExecutionCancelled.IsTerminal())
	assert.True(t, MessageCompletion.IsTerminal())
	assert.True(t, MessageError.IsTerminal())
	assert.False(t, MessageLog.IsTerminal())
}

func nowForTest() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
