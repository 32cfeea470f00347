package graph

import (
	"slices"

	"github.com/rendis/flowgraph/pkg/schema"
)

// Graph is the pruned, schedulable view of a definition.
type Graph struct {
	Nodes    map[string]*schema.Node  // node ID → node
	Order    []string                 // node IDs in definition order
	Out      map[string][]schema.Edge // node ID → outgoing edges
	In       map[string][]schema.Edge // node ID → incoming edges
	InDegree map[string]int
	Sorted   []string // topological order
}

// Prune drops condition nodes lacking a field setting and every edge whose
// endpoints are not in the surviving node set. An execution proceeds on what
// remains.
func Prune(nodes []schema.Node, edges []schema.Edge) ([]schema.Node, []schema.Edge, *schema.DefinitionReport) {
	report := &schema.DefinitionReport{}

	valid := make([]schema.Node, 0, len(nodes))
	ids := make(map[string]struct{}, len(nodes))
	for i, n := range nodes {
		if n.Type == schema.NodeTypeCondition && (n.ConditionConfig == nil || n.ConditionConfig.Field == "") {
			report.DropNode(i, n, "no field configured")
			continue
		}
		valid = append(valid, n)
		ids[n.ID] = struct{}{}
	}

	validEdges := make([]schema.Edge, 0, len(edges))
	for i, e := range edges {
		_, okSrc := ids[e.Source]
		_, okDst := ids[e.Target]
		if !okSrc || !okDst {
			report.DropEdge(i, e, "references a missing node")
			continue
		}
		validEdges = append(validEdges, e)
	}
	return valid, validEdges, report
}

// Adjacency returns the outgoing edge map and in-degree of every node.
func Adjacency(nodes []schema.Node, edges []schema.Edge) (map[string][]schema.Edge, map[string]int) {
	out := make(map[string][]schema.Edge, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		out[n.ID] = nil
		inDegree[n.ID] = 0
	}
	for _, e := range edges {
		out[e.Source] = append(out[e.Source], e)
		inDegree[e.Target]++
	}
	return out, inDegree
}

// Build assembles a Graph from pruned nodes and edges and rejects cycles.
func Build(nodes []schema.Node, edges []schema.Edge) (*Graph, error) {
	g := &Graph{
		Nodes: make(map[string]*schema.Node, len(nodes)),
		Order: make([]string, 0, len(nodes)),
		In:    make(map[string][]schema.Edge, len(nodes)),
	}
	for i := range nodes {
		n := &nodes[i]
		g.Nodes[n.ID] = n
		g.Order = append(g.Order, n.ID)
	}
	g.Out, g.InDegree = Adjacency(nodes, edges)
	for _, e := range edges {
		g.In[e.Target] = append(g.In[e.Target], e)
	}

	// Kahn's algorithm: topological sort + cycle detection.
	remaining := make(map[string]int, len(g.InDegree))
	queue := make([]string, 0)
	for _, id := range g.Order {
		remaining[id] = g.InDegree[id]
		if remaining[id] == 0 {
			queue = append(queue, id)
		}
	}
	sorted := make([]string, 0, len(g.Order))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, e := range g.Out[id] {
			remaining[e.Target]--
			if remaining[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}
	if len(sorted) != len(g.Order) {
		var stuck []string
		for id, deg := range remaining {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		slices.Sort(stuck)
		return nil, schema.NewErrorf(schema.ErrCodeInvalidDefinition,
			"Invalid workflow definition: cycle detected among nodes %v", stuck)
	}
	g.Sorted = sorted
	return g, nil
}

// Roots returns nodes without incoming edges, in definition order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.Order {
		if g.InDegree[id] == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Predecessors returns the distinct source node IDs of id's incoming edges.
func (g *Graph) Predecessors(id string) []string {
	seen := make(map[string]struct{})
	var preds []string
	for _, e := range g.In[id] {
		if _, ok := seen[e.Source]; ok {
			continue
		}
		seen[e.Source] = struct{}{}
		preds = append(preds, e.Source)
	}
	return preds
}
