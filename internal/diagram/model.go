package diagram

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindAgent     NodeKind = "agent"
	NodeKindCondition NodeKind = "condition"
	NodeKindLoop      NodeKind = "loop"
	NodeKindStorage   NodeKind = "storage"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the runtime state of a node.
type StatusOverlay struct {
	Status     string // schema.NodeStatus
	DurationMs int64
	Error      string
}

// Edge is a dependency between two nodes. Label carries the branch handle
// of condition edges.
type Edge struct {
	From  string
	To    string
	Label string
}
