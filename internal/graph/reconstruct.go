package graph

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/flowgraph/pkg/schema"
)

// configKeys maps a node kind to the config record that may be nested in data.
var configKeys = map[schema.NodeType]string{
	schema.NodeTypeLoop:            "loop_config",
	schema.NodeTypeCondition:       "condition_config",
	schema.NodeTypeAgent:           "agent_config",
	schema.NodeTypeGCPBucket:       "input_config",
	schema.NodeTypeAWSS3:           "input_config",
	schema.NodeTypeGCPPubSub:       "input_config",
	schema.NodeTypeLocalFilesystem: "input_config",
}

// Loader turns persisted definitions into validated in-memory definitions.
// It is safe for concurrent use.
type Loader struct {
	structure *structureValidator
}

// NewLoader compiles the embedded definition schema.
func NewLoader() (*Loader, error) {
	v, err := newStructureValidator()
	if err != nil {
		return nil, err
	}
	return &Loader{structure: v}, nil
}

// Load parses and validates a raw JSON definition. Kind configs nested in a
// node's data record are lifted to the top level before validation.
func (l *Loader) Load(raw []byte) (*schema.Definition, error) {
	if err := l.structure.validate(raw); err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "definition is not a JSON object").WithCause(err)
	}
	if nodes, ok := doc["nodes"].([]any); ok {
		for _, n := range nodes {
			if node, ok := n.(map[string]any); ok {
				liftConfig(node)
			}
		}
	}

	lifted, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "re-encode definition").WithCause(err)
	}
	var def schema.Definition
	if err := json.Unmarshal(lifted, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidDefinition, "Invalid workflow definition: %s", err.Error()).WithCause(err)
	}
	if def.Variables == nil {
		def.Variables = map[string]any{}
	}

	if err := validateNodes(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition re-validates an already decoded definition.
func (l *Loader) LoadDefinition(def *schema.Definition) (*schema.Definition, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "Invalid workflow definition: definition is nil")
	}
	raw, err := marshalDefinition(def)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "encode definition").WithCause(err)
	}
	return l.Load(raw)
}

// liftConfig copies data.<config_key> to the node's top level when the top-level
// record is absent or empty. Applying it twice is a no-op.
func liftConfig(node map[string]any) {
	data, ok := node["data"].(map[string]any)
	if !ok {
		return
	}
	kind, _ := node["type"].(string)
	key, ok := configKeys[schema.NodeType(kind)]
	if !ok {
		return
	}
	if isEmptyConfig(node[key]) {
		if nested, ok := data[key].(map[string]any); ok && len(nested) > 0 {
			node[key] = nested
		}
	}
}

func isEmptyConfig(v any) bool {
	if v == nil {
		return true
	}
	m, ok := v.(map[string]any)
	return ok && len(m) == 0
}

// validateNodes enforces id uniqueness and kind-specific required configs.
func validateNodes(def *schema.Definition) error {
	report := &schema.DefinitionReport{}
	seen := make(map[string]struct{}, len(def.Nodes))
	for i, n := range def.Nodes {
		if _, dup := seen[n.ID]; dup {
			report.RejectNode(i, n, "id", fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		seen[n.ID] = struct{}{}

		switch n.Type {
		case schema.NodeTypeLoop:
			if n.LoopConfig == nil {
				report.RejectNode(i, n, "loop_config", fmt.Sprintf("loop node %s requires loop_config", n.ID))
			}
		case schema.NodeTypeCondition:
			if n.ConditionConfig == nil {
				report.RejectNode(i, n, "condition_config", fmt.Sprintf("condition node %s requires condition_config", n.ID))
			}
		}
	}
	return report.Err()
}
