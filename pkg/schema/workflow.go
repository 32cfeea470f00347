package schema

import "time"

// Workflow is a persisted graph definition.
type Workflow struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Version     string     `json:"version,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	Definition  Definition `json:"definition"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Definition is the JSON-serializable graph: nodes, edges and initial variables.
type Definition struct {
	Nodes     []Node         `json:"nodes"`
	Edges     []Edge         `json:"edges"`
	Variables map[string]any `json:"variables,omitempty"`
}

// NodeType enumerates the node kinds understood by the runtime.
type NodeType string

const (
	NodeTypeStart           NodeType = "start"
	NodeTypeEnd             NodeType = "end"
	NodeTypeAgent           NodeType = "agent"
	NodeTypeCondition       NodeType = "condition"
	NodeTypeLoop            NodeType = "loop"
	NodeTypeGCPBucket       NodeType = "gcp_bucket"
	NodeTypeAWSS3           NodeType = "aws_s3"
	NodeTypeGCPPubSub       NodeType = "gcp_pubsub"
	NodeTypeLocalFilesystem NodeType = "local_filesystem"
)

// NodeTypes lists every known kind.
var NodeTypes = []NodeType{
	NodeTypeStart, NodeTypeEnd, NodeTypeAgent, NodeTypeCondition, NodeTypeLoop,
	NodeTypeGCPBucket, NodeTypeAWSS3, NodeTypeGCPPubSub, NodeTypeLocalFilesystem,
}

// IsFlowMarker reports whether the kind is START or END.
func (t NodeType) IsFlowMarker() bool {
	return t == NodeTypeStart || t == NodeTypeEnd
}

// IsStorage reports whether the kind is one of the storage flavors.
func (t NodeType) IsStorage() bool {
	switch t {
	case NodeTypeGCPBucket, NodeTypeAWSS3, NodeTypeGCPPubSub, NodeTypeLocalFilesystem:
		return true
	}
	return false
}

// Node is one vertex of the graph.
type Node struct {
	ID              string           `json:"id"`
	Type            NodeType         `json:"type"`
	Name            string           `json:"name,omitempty"`
	Position        map[string]any   `json:"position,omitempty"`
	Data            map[string]any   `json:"data,omitempty"`
	AgentConfig     *AgentConfig     `json:"agent_config,omitempty"`
	ConditionConfig *ConditionConfig `json:"condition_config,omitempty"`
	LoopConfig      *LoopConfig      `json:"loop_config,omitempty"`
	InputConfig     map[string]any   `json:"input_config,omitempty"`
	Inputs          []InputMapping   `json:"inputs,omitempty"`
}

// DisplayName returns the node name, falling back to its ID.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Edge is a directed dependency between two nodes.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"` // "true" | "false" | "default" on condition sources
}

// InputMapping declares where one logical input of a node comes from.
type InputMapping struct {
	Name        string `json:"name"`
	SourceType  string `json:"source_type,omitempty"` // node_output | variable (default: node_output when source_node is set)
	SourceNode  string `json:"source_node,omitempty"`
	SourceField string `json:"source_field,omitempty"`
}

// Input mapping source kinds.
const (
	InputSourceNodeOutput = "node_output"
	InputSourceVariable   = "variable"
)

// AgentConfig is the config block for agent nodes.
type AgentConfig struct {
	Name         string   `json:"name,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
}

// ConditionType enumerates the predicates a condition node supports.
type ConditionType string

const (
	ConditionEquals         ConditionType = "equals"
	ConditionNotEquals      ConditionType = "not_equals"
	ConditionContains       ConditionType = "contains"
	ConditionNotContains    ConditionType = "not_contains"
	ConditionGreaterThan    ConditionType = "greater_than"
	ConditionNotGreaterThan ConditionType = "not_greater_than"
	ConditionLessThan       ConditionType = "less_than"
	ConditionNotLessThan    ConditionType = "not_less_than"
	ConditionIsEmpty        ConditionType = "is_empty"
	ConditionIsNotEmpty     ConditionType = "is_not_empty"
	ConditionEmpty          ConditionType = "empty"
	ConditionNotEmpty       ConditionType = "not_empty"
	ConditionCustom         ConditionType = "custom"
	ConditionCEL            ConditionType = "cel"
)

// ConditionConfig is the config block for condition nodes.
type ConditionConfig struct {
	Field            string        `json:"field"`
	Value            string        `json:"value,omitempty"`
	ConditionType    ConditionType `json:"condition_type"`
	CustomExpression string        `json:"custom_expression,omitempty"`
}

// LoopType enumerates loop node modes.
type LoopType string

const (
	LoopForEach LoopType = "for_each"
	LoopWhile   LoopType = "while"
	LoopUntil   LoopType = "until"
)

// LoopConfig is the config block for loop nodes.
type LoopConfig struct {
	LoopType      LoopType `json:"loop_type"`
	ItemsSource   string   `json:"items_source,omitempty"`
	Condition     string   `json:"condition,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"` // <= 0 means unlimited
}
