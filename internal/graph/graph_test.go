package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgraph/pkg/schema"
)

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader()
	require.NoError(t, err)
	return l
}

// --- Load ---

func TestLoad_Valid(t *testing.T) {
	l := newTestLoader(t)
	def, err := l.Load([]byte(`{
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "cond", "type": "condition", "condition_config": {"field": "x", "condition_type": "equals", "value": "yes"}},
			{"id": "end", "type": "end"}
		],
		"edges": [
			{"id": "e1", "source": "start", "target": "cond"},
			{"id": "e2", "source": "cond", "target": "end", "sourceHandle": "true"}
		],
		"variables": {"x": "no"}
	}`))
	require.NoError(t, err)
	require.Len(t, def.Nodes, 3)
	assert.Equal(t, schema.NodeTypeCondition, def.Nodes[1].Type)
	assert.Equal(t, "x", def.Nodes[1].ConditionConfig.Field)
	assert.Equal(t, "true", def.Edges[1].SourceHandle)
	assert.Equal(t, "no", def.Variables["x"])
}

func TestLoad_MissingNodesOrEdges(t *testing.T) {
	l := newTestLoader(t)

	_, err := l.Load([]byte(`{"edges": []}`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidDefinition, schema.CodeOf(err))

	_, err = l.Load([]byte(`{"nodes": []}`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidDefinition, schema.CodeOf(err))
}

func TestLoad_UnknownNodeType(t *testing.T) {
	l := newTestLoader(t)
	_, err := l.Load([]byte(`{"nodes": [{"id": "a", "type": "teleport"}], "edges": []}`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidDefinition, schema.CodeOf(err))
}

func TestLoad_DuplicateNodeID(t *testing.T) {
	l := newTestLoader(t)
	_, err := l.Load([]byte(`{"nodes": [{"id": "a", "type": "start"}, {"id": "a", "type": "end"}], "edges": []}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node id")
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, []string{"nodes[1].id"}, fe.Details["paths"])
}

func TestLoad_LoopRequiresConfig(t *testing.T) {
	l := newTestLoader(t)
	_, err := l.Load([]byte(`{"nodes": [{"id": "l", "type": "loop"}], "edges": []}`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidDefinition, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "loop_config")
}

func TestLoad_LiftsConfigFromData(t *testing.T) {
	l := newTestLoader(t)
	raw := []byte(`{
		"nodes": [
			{"id": "l", "type": "loop", "data": {"loop_config": {"loop_type": "for_each", "max_iterations": 2}}},
			{"id": "c", "type": "condition", "data": {"condition_config": {"field": "f", "condition_type": "is_empty"}}},
			{"id": "a", "type": "agent", "data": {"agent_config": {"model": "gpt-4o"}}},
			{"id": "w", "type": "local_filesystem", "data": {"input_config": {"mode": "write", "file_path": "/tmp/x"}}}
		],
		"edges": []
	}`)
	def, err := l.Load(raw)
	require.NoError(t, err)
	require.NotNil(t, def.Nodes[0].LoopConfig)
	assert.Equal(t, schema.LoopForEach, def.Nodes[0].LoopConfig.LoopType)
	assert.Equal(t, 2, def.Nodes[0].LoopConfig.MaxIterations)
	require.NotNil(t, def.Nodes[1].ConditionConfig)
	assert.Equal(t, "f", def.Nodes[1].ConditionConfig.Field)
	require.NotNil(t, def.Nodes[2].AgentConfig)
	assert.Equal(t, "gpt-4o", def.Nodes[2].AgentConfig.Model)
	assert.Equal(t, "write", def.Nodes[3].InputConfig["mode"])
}

func TestLoad_LiftIsIdempotent(t *testing.T) {
	l := newTestLoader(t)
	raw := []byte(`{
		"nodes": [{"id": "c", "type": "condition",
			"condition_config": {"field": "top", "condition_type": "equals"},
			"data": {"condition_config": {"field": "nested", "condition_type": "equals"}}}],
		"edges": []
	}`)
	first, err := l.Load(raw)
	require.NoError(t, err)
	second, err := l.LoadDefinition(first)
	require.NoError(t, err)
	assert.Equal(t, "top", first.Nodes[0].ConditionConfig.Field)
	assert.Equal(t, first.Nodes, second.Nodes)
}

// --- Prune ---

func TestPrune_DropsConditionWithoutFieldAndOrphanEdges(t *testing.T) {
	nodes := []schema.Node{
		{ID: "start", Type: schema.NodeTypeStart},
		{ID: "cond", Type: schema.NodeTypeCondition, ConditionConfig: &schema.ConditionConfig{ConditionType: schema.ConditionEquals}},
		{ID: "a", Type: schema.NodeTypeAgent},
	}
	edges := []schema.Edge{
		{ID: "e1", Source: "start", Target: "cond"},
		{ID: "e2", Source: "cond", Target: "a"},
		{ID: "e3", Source: "start", Target: "a"},
		{ID: "e4", Source: "ghost", Target: "a"},
	}

	validNodes, validEdges, report := Prune(nodes, edges)
	require.Len(t, validNodes, 2)
	assert.Equal(t, "start", validNodes[0].ID)
	assert.Equal(t, "a", validNodes[1].ID)
	require.Len(t, validEdges, 1)
	assert.Equal(t, "e3", validEdges[0].ID)
	assert.NoError(t, report.Err())
	require.Len(t, report.Dropped, 4)
	assert.Equal(t, "nodes[1]", report.Dropped[0].Path())
	assert.Equal(t, schema.ElementEdge, report.Dropped[1].Element)
	assert.Equal(t, "e1", report.Dropped[1].ID)
	assert.Contains(t, report.Warnings()[3], "edge e4 (ghost → a) dropped")
}

func TestAdjacency(t *testing.T) {
	nodes := []schema.Node{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	edges := []schema.Edge{{Source: "a", Target: "b"}, {Source: "a", Target: "c"}, {Source: "b", Target: "c"}}
	out, in := Adjacency(nodes, edges)
	assert.Len(t, out["a"], 2)
	assert.Len(t, out["c"], 0)
	assert.Equal(t, 0, in["a"])
	assert.Equal(t, 1, in["b"])
	assert.Equal(t, 2, in["c"])
}

// --- Build ---

func TestBuild_TopologicalOrderAndRoots(t *testing.T) {
	nodes := []schema.Node{{ID: "end"}, {ID: "mid"}, {ID: "start"}}
	edges := []schema.Edge{{Source: "start", Target: "mid"}, {Source: "mid", Target: "end"}}
	g, err := Build(nodes, edges)
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "mid", "end"}, g.Sorted)
	assert.Equal(t, []string{"start"}, g.Roots())
	assert.Equal(t, []string{"mid"}, g.Predecessors("end"))
}

func TestPredecessors_Distinct(t *testing.T) {
	nodes := []schema.Node{{ID: "c"}, {ID: "x"}, {ID: "join"}}
	edges := []schema.Edge{
		{Source: "c", Target: "join", SourceHandle: "true"},
		{Source: "c", Target: "join", SourceHandle: "false"},
		{Source: "x", Target: "join"},
	}
	g, err := Build(nodes, edges)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "x"}, g.Predecessors("join"))
	assert.Empty(t, g.Predecessors("c"))
}

func TestBuild_RejectsCycle(t *testing.T) {
	nodes := []schema.Node{{ID: "a"}, {ID: "b"}}
	edges := []schema.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}}
	_, err := Build(nodes, edges)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidDefinition, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "cycle")
}
