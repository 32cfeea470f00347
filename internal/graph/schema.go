package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowgraph/pkg/schema"
)

const definitionSchemaURL = "https://flowgraph.dev/schemas/definition.json"

// definitionSchemaJSON describes the persisted workflow definition.
// Node configs are left open: kind-specific checks happen after lifting.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowgraph.dev/schemas/definition.json",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "version": { "type": "string" },
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "variables": { "type": ["object", "null"] }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["start", "end", "agent", "condition", "loop", "gcp_bucket", "aws_s3", "gcp_pubsub", "local_filesystem"]
        },
        "name": { "type": ["string", "null"] },
        "data": { "type": ["object", "null"] },
        "agent_config": { "type": ["object", "null"] },
        "condition_config": { "type": ["object", "null"] },
        "loop_config": { "type": ["object", "null"] },
        "input_config": { "type": ["object", "null"] },
        "inputs": {
          "type": ["array", "null"],
          "items": { "$ref": "#/$defs/input" }
        }
      }
    },
    "input": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "source_type": { "type": "string", "enum": ["node_output", "variable", ""] },
        "source_node": { "type": ["string", "null"] },
        "source_field": { "type": ["string", "null"] }
      }
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string" },
        "target": { "type": "string" },
        "sourceHandle": { "type": ["string", "null"] }
      }
    }
  }
}`

// structureValidator checks raw definitions against the embedded schema.
type structureValidator struct {
	compiled *jsonschema.Schema
}

func newStructureValidator() (*structureValidator, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &structureValidator{compiled: compiled}, nil
}

// validate checks a JSON document. Numbers are decoded as json.Number as the
// jsonschema library requires.
func (v *structureValidator) validate(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidDefinition, "definition is not valid JSON").WithCause(err)
	}
	if err := v.compiled.Validate(doc); err != nil {
		return toDefinitionError(err)
	}
	return nil
}

func toDefinitionError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeInvalidDefinition, err.Error())
	}
	violations := collectViolations(verr)
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeInvalidDefinition, "Invalid workflow definition: "+violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeInvalidDefinition,
		"Invalid workflow definition: %d violations", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// prefixed with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

// marshalDefinition encodes def with empty node and edge lists as [] so a
// definition built in code passes the same checks as a stored one.
func marshalDefinition(def *schema.Definition) ([]byte, error) {
	cp := *def
	if cp.Nodes == nil {
		cp.Nodes = []schema.Node{}
	}
	if cp.Edges == nil {
		cp.Edges = []schema.Edge{}
	}
	return json.Marshal(&cp)
}
