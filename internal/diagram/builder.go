package diagram

import (
	"fmt"

	"github.com/rendis/flowgraph/internal/graph"
	"github.com/rendis/flowgraph/pkg/schema"
)

// Build constructs a DiagramModel from a workflow definition and an optional
// execution state. Nodes and edges dropped by graph.Prune are left out, the
// same way the engine ignores them.
func Build(title string, def *schema.Definition, state *schema.ExecutionState) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: nil definition")
	}
	kept, edges, _ := graph.Prune(def.Nodes, def.Edges)
	g, err := graph.Build(kept, edges)
	if err != nil {
		return nil, fmt.Errorf("diagram: build graph: %w", err)
	}

	nodes := make([]*Node, 0, len(g.Sorted))
	for _, id := range g.Sorted {
		n := g.Nodes[id]
		node := &Node{ID: id, Label: nodeLabel(n), Kind: kindOf(n.Type)}
		if state != nil {
			overlayStatus(node, state.NodeStates[id])
		}
		nodes = append(nodes, node)
	}

	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		out = append(out, Edge{From: e.Source, To: e.Target, Label: e.SourceHandle})
	}

	if title == "" {
		title = "Workflow"
	}
	return &DiagramModel{
		Title:  title,
		Nodes:  nodes,
		Edges:  out,
		Levels: buildLevels(g),
	}, nil
}

// ForWorkflow builds the model of a stored workflow.
func ForWorkflow(wf *schema.Workflow, state *schema.ExecutionState) (*DiagramModel, error) {
	return Build(wf.Name, &wf.Definition, state)
}

func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeStart:
		return NodeKindStart
	case schema.NodeTypeEnd:
		return NodeKindEnd
	case schema.NodeTypeCondition:
		return NodeKindCondition
	case schema.NodeTypeLoop:
		return NodeKindLoop
	case schema.NodeTypeAgent:
		return NodeKindAgent
	default:
		return NodeKindStorage
	}
}

// nodeLabel is the display name, with the flavor on a second line for
// storage nodes.
func nodeLabel(n *schema.Node) string {
	if n.Type.IsStorage() {
		return fmt.Sprintf("%s\n(%s)", n.DisplayName(), n.Type)
	}
	return n.DisplayName()
}

func overlayStatus(node *Node, ns *schema.NodeState) {
	if ns == nil {
		return
	}
	ov := &StatusOverlay{Status: string(ns.Status), Error: ns.Error}
	if ns.StartedAt != nil && ns.CompletedAt != nil {
		ov.DurationMs = ns.CompletedAt.Sub(*ns.StartedAt).Milliseconds()
	}
	node.Status = ov
}

// buildLevels groups nodes by longest distance from a root, so every edge
// points to a later level.
func buildLevels(g *graph.Graph) [][]string {
	depth := make(map[string]int, len(g.Sorted))
	maxDepth := 0
	for _, id := range g.Sorted {
		for _, e := range g.Out[id] {
			if d := depth[id] + 1; d > depth[e.Target] {
				depth[e.Target] = d
			}
		}
		maxDepth = max(maxDepth, depth[id])
	}
	if len(g.Sorted) == 0 {
		return nil
	}
	levels := make([][]string, maxDepth+1)
	for _, id := range g.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}
