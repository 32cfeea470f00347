package schema

import "fmt"

// ElementKind names the part of a definition an issue points at.
type ElementKind string

const (
	ElementNode ElementKind = "node"
	ElementEdge ElementKind = "edge"
)

// DefinitionIssue is a problem with one node or edge of a definition.
type DefinitionIssue struct {
	Element ElementKind `json:"element"`
	Index   int         `json:"index"`
	ID      string      `json:"id,omitempty"`
	Field   string      `json:"field,omitempty"`
	Message string      `json:"message"`
}

// Path locates the issue in the definition document, e.g. "nodes[2].loop_config".
func (i DefinitionIssue) Path() string {
	p := fmt.Sprintf("%ss[%d]", i.Element, i.Index)
	if i.Field != "" {
		p += "." + i.Field
	}
	return p
}

// DefinitionReport collects what was wrong with a definition. Rejections
// make the definition unusable. Drops are nodes or edges pruned before a run;
// the run proceeds without them and logs each one as a warning.
type DefinitionReport struct {
	Rejected []DefinitionIssue `json:"rejected,omitempty"`
	Dropped  []DefinitionIssue `json:"dropped,omitempty"`
}

// RejectNode records a node that makes the definition invalid.
func (r *DefinitionReport) RejectNode(index int, n Node, field, message string) {
	r.Rejected = append(r.Rejected, DefinitionIssue{
		Element: ElementNode, Index: index, ID: n.ID, Field: field, Message: message,
	})
}

// DropNode records a node removed by pruning.
func (r *DefinitionReport) DropNode(index int, n Node, reason string) {
	r.Dropped = append(r.Dropped, DefinitionIssue{
		Element: ElementNode, Index: index, ID: n.ID,
		Message: fmt.Sprintf("%s node %s dropped: %s", n.Type, n.ID, reason),
	})
}

// DropEdge records an edge removed by pruning.
func (r *DefinitionReport) DropEdge(index int, e Edge, reason string) {
	r.Dropped = append(r.Dropped, DefinitionIssue{
		Element: ElementEdge, Index: index, ID: e.ID,
		Message: fmt.Sprintf("edge %s (%s → %s) dropped: %s", e.ID, e.Source, e.Target, reason),
	})
}

// Warnings returns one log line per dropped node or edge.
func (r *DefinitionReport) Warnings() []string {
	out := make([]string, 0, len(r.Dropped))
	for _, d := range r.Dropped {
		out = append(out, d.Message)
	}
	return out
}

// Err returns an INVALID_DEFINITION error listing every rejection, or nil.
func (r *DefinitionReport) Err() error {
	if len(r.Rejected) == 0 {
		return nil
	}
	msg := r.Rejected[0].Message
	if len(r.Rejected) > 1 {
		msg = fmt.Sprintf("%d nodes rejected, first: %s", len(r.Rejected), msg)
	}
	paths := make([]string, 0, len(r.Rejected))
	for _, issue := range r.Rejected {
		paths = append(paths, issue.Path())
	}
	return NewError(ErrCodeInvalidDefinition, "Invalid workflow definition: "+msg).
		WithDetails(map[string]any{
			"rejected": r.Rejected,
			"paths":    paths,
		})
}
