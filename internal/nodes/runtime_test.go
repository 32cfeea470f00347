package nodes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgraph/pkg/schema"
)

// --- Agent input assembly ---

func TestAssembleAgentInputs_CollapsesWrappers(t *testing.T) {
	got := AssembleAgentInputs(map[string]any{
		"doc":   map[string]any{"data": "text", "source": "local_filesystem"},
		"plain": "p",
	})
	assert.Equal(t, map[string]any{"doc": "text", "plain": "p"}, got)

	got = AssembleAgentInputs(map[string]any{"data": "top", "source": "aws_s3"})
	assert.Equal(t, map[string]any{"data": "top"}, got)
}

func TestAssembleAgentInputs_HoistsLoopItems(t *testing.T) {
	got := AssembleAgentInputs(map[string]any{"items": []any{"a", "b", "c"}})
	assert.Equal(t, map[string]any{"items": []any{"a", "b", "c"}, "item": "a", "data": "a"}, got)

	got = AssembleAgentInputs(map[string]any{"loop": map[string]any{
		"loop_type": "for_each", "items": []any{"x"},
	}})
	assert.Equal(t, []any{"x"}, got["items"])
	assert.Equal(t, "x", got["item"])
	assert.Equal(t, "x", got["data"])
}

func TestRunAgent_NilOutputBecomesEmptyString(t *testing.T) {
	out, err := RunAgent(context.Background(), AgentFunc(func(context.Context, map[string]any) (any, error) {
		return nil, nil
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

// --- Runtime dispatch ---

func TestRuntime_DispatchesByKind(t *testing.T) {
	var seen map[string]any
	rt := NewRuntime(nil, nil, nil, func(n *schema.Node, llm *LLMConfig) (Agent, error) {
		return AgentFunc(func(_ context.Context, in map[string]any) (any, error) {
			seen = in
			return "agent:" + n.ID, nil
		}), nil
	})

	out, err := rt.Execute(context.Background(), Task{
		Node:   &schema.Node{ID: "c", Type: schema.NodeTypeCondition, ConditionConfig: &schema.ConditionConfig{Field: "x", Value: "1", ConditionType: schema.ConditionEquals}},
		Inputs: map[string]any{"x": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "true", out.(map[string]any)["branch"])

	out, err = rt.Execute(context.Background(), Task{
		Node:   &schema.Node{ID: "l", Type: schema.NodeTypeLoop, LoopConfig: &schema.LoopConfig{LoopType: schema.LoopForEach}},
		Inputs: map[string]any{"data": []any{"a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.(map[string]any)["total_iterations"])

	out, err = rt.Execute(context.Background(), Task{
		Node:   &schema.Node{ID: "ag", Type: schema.NodeTypeAgent},
		Inputs: map[string]any{"items": []any{"q"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "agent:ag", out)
	assert.Equal(t, "q", seen["item"])
}

func TestRuntime_ErrorsCarryNodeID(t *testing.T) {
	rt := NewRuntime(nil, nil, nil, func(*schema.Node, *LLMConfig) (Agent, error) {
		return AgentFunc(func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("boom")
		}), nil
	})

	_, err := rt.Execute(context.Background(), Task{
		Node:   &schema.Node{ID: "cond-1", Type: schema.NodeTypeCondition, ConditionConfig: &schema.ConditionConfig{Field: "zzz", ConditionType: schema.ConditionEquals}},
		Inputs: map[string]any{"a": "1", "b": "2"},
	})
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, "cond-1", fe.NodeID)
	assert.Equal(t, schema.ErrCodeFieldNotFound, fe.Code)

	_, err = rt.Execute(context.Background(), Task{Node: &schema.Node{ID: "ag", Type: schema.NodeTypeAgent}})
	fe, ok = schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, "ag", fe.NodeID)
	assert.Contains(t, fe.Message, "boom")
}

func TestRuntime_AgentWithoutFactory(t *testing.T) {
	_, err := NewRuntime(nil, nil, nil, nil).Execute(context.Background(), Task{
		Node: &schema.Node{ID: "ag", Type: schema.NodeTypeAgent},
	})
	assert.Equal(t, schema.ErrCodeConfigMissing, schema.CodeOf(err))
}

func TestRuntime_StorageWithoutRegistry(t *testing.T) {
	_, err := NewRuntime(nil, nil, nil, nil).Execute(context.Background(), Task{
		Node: &schema.Node{ID: "s", Type: schema.NodeTypeAWSS3},
	})
	assert.Equal(t, schema.ErrCodeUnknownFlavor, schema.CodeOf(err))
}
