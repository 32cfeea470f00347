package engine

import (
	"maps"
	"strconv"
	"strings"

	"github.com/rendis/flowgraph/internal/nodes"
	"github.com/rendis/flowgraph/pkg/schema"
)

// prepareInputs builds a node's inputs. Declared mappings win; otherwise
// condition, loop, agent and storage-write nodes take the output of their
// first live predecessor; everything else sees the execution variables.
func (r *run) prepareInputs(node *schema.Node) (map[string]any, error) {
	if len(node.Inputs) > 0 {
		return r.mappedInputs(node)
	}
	if r.autoPopulates(node) {
		if in, ok := r.upstreamInputs(node.ID); ok {
			return in, nil
		}
	}
	return maps.Clone(r.state.Variables), nil
}

func (r *run) autoPopulates(node *schema.Node) bool {
	switch node.Type {
	case schema.NodeTypeCondition, schema.NodeTypeLoop, schema.NodeTypeAgent:
		return true
	}
	if node.Type.IsStorage() {
		return nodes.DetectMode(node.InputConfig, r.hasDataPredecessor(node.ID)) == nodes.ModeWrite
	}
	return false
}

// hasDataPredecessor reports whether any incoming edge starts at a node that
// produces data, i.e. anything but START or END.
func (r *run) hasDataPredecessor(id string) bool {
	for _, src := range r.graph.Predecessors(id) {
		if !r.graph.Nodes[src].Type.IsFlowMarker() {
			return true
		}
	}
	return false
}

// upstreamInputs derives inputs from the first incoming edge that was
// followed. Conditions only route, so a node behind one sees what the
// condition saw.
func (r *run) upstreamInputs(id string) (map[string]any, bool) {
	for _, e := range r.graph.In[id] {
		if !r.followed(e) {
			continue
		}
		src := r.graph.Nodes[e.Source]
		ns := r.state.NodeStates[e.Source]
		if src.Type == schema.NodeTypeCondition {
			if in, ok := ns.Input.(map[string]any); ok {
				return maps.Clone(in), true
			}
			continue
		}
		return autoInputs(src, ns.Output), true
	}
	return nil, false
}

// autoInputs shapes a predecessor output into node inputs.
func autoInputs(src *schema.Node, out any) map[string]any {
	m, isMap := out.(map[string]any)
	switch {
	case src.Type == schema.NodeTypeLoop && isMap:
		if raw, ok := m["items"]; ok {
			return loopTrio(nodes.CoerceItems(raw))
		}
		return maps.Clone(m)
	case nodes.IsStructuredRead(out):
		rows := nodes.CoerceItems(out)
		in := maps.Clone(m)
		in["data"] = rows
		in["items"] = rows
		return in
	case isMap:
		return maps.Clone(m)
	default:
		return map[string]any{"data": out}
	}
}

// loopTrio exposes a loop's items as items plus the first element under
// item and data.
func loopTrio(items []any) map[string]any {
	in := map[string]any{"items": items}
	if len(items) > 0 {
		in["item"] = items[0]
		in["data"] = items[0]
	}
	return in
}

func (r *run) mappedInputs(node *schema.Node) (map[string]any, error) {
	in := make(map[string]any, len(node.Inputs))
	for _, m := range node.Inputs {
		source := m.SourceType
		if source == "" {
			source = schema.InputSourceVariable
			if m.SourceNode != "" {
				source = schema.InputSourceNodeOutput
			}
		}

		switch source {
		case schema.InputSourceNodeOutput:
			ns := r.state.NodeStates[m.SourceNode]
			if ns != nil && ns.Status == schema.NodeSkipped {
				continue
			}
			if ns == nil || ns.Status != schema.NodeCompleted {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"Node %s requires input '%s' from node '%s' but it's not available", node.ID, m.Name, m.SourceNode)
			}
			in[m.Name] = selectField(ns.Output, m.SourceField)
		case schema.InputSourceVariable:
			name := m.SourceField
			if name == "" {
				name = m.Name
			}
			v, ok := r.state.Variables[name]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"Node %s requires input '%s' from workflow variable '%s' but it's not available", node.ID, m.Name, name)
			}
			in[m.Name] = v
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"Node %s input '%s' has unknown source_type %q", node.ID, m.Name, m.SourceType)
		}
	}
	return in, nil
}

// selectField indexes out by a dotted field path. A field that cannot be
// found yields the whole output.
func selectField(out any, field string) any {
	if field == "" {
		return out
	}
	if m, ok := out.(map[string]any); ok {
		if v, ok := m[field]; ok {
			return v
		}
	}
	cur := out
	for _, seg := range strings.Split(field, ".") {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return out
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return out
			}
			cur = c[i]
		default:
			return out
		}
	}
	return cur
}
