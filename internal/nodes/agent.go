package nodes

import (
	"context"
	"sort"

	"github.com/rendis/flowgraph/pkg/schema"
)

// Agent executes one agent node against its assembled inputs.
type Agent interface {
	Execute(ctx context.Context, inputs map[string]any) (any, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, inputs map[string]any) (any, error)

func (f AgentFunc) Execute(ctx context.Context, inputs map[string]any) (any, error) {
	return f(ctx, inputs)
}

// LLMConfig is the active provider configuration for a user.
type LLMConfig struct {
	Type    string `json:"type"`
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

// AgentFactory builds the agent for a node.
type AgentFactory func(node *schema.Node, llm *LLMConfig) (Agent, error)

// AssembleAgentInputs collapses {data, source} wrappers to their data and
// hoists loop items into items, item and data.
func AssembleAgentInputs(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs)+3)
	for k, v := range inputs {
		if w, ok := IsReadWrapper(v); ok {
			out[k] = w["data"]
			continue
		}
		out[k] = v
	}
	if w, ok := IsReadWrapper(inputs); ok {
		out["data"] = w["data"]
		delete(out, "source")
	}

	if items, ok := loopItems(out); ok {
		out["items"] = items
		if len(items) > 0 {
			if _, has := out["item"]; !has {
				out["item"] = items[0]
			}
			if d, has := out["data"]; !has || d == nil {
				out["data"] = items[0]
			}
		}
	}
	return out
}

// loopItems finds an items list either at the top level or inside a nested
// loop record.
func loopItems(m map[string]any) ([]any, bool) {
	if items, ok := m["items"].([]any); ok {
		return items, true
	}
	for _, k := range sortedKeys(m) {
		if rec, ok := m[k].(map[string]any); ok {
			if _, isLoop := rec["loop_type"]; isLoop {
				if items, ok := rec["items"].([]any); ok {
					return items, true
				}
			}
		}
	}
	return nil, false
}

// RunAgent executes agent with assembled inputs and never yields nil.
func RunAgent(ctx context.Context, agent Agent, inputs map[string]any) (any, error) {
	out, err := agent.Execute(ctx, AssembleAgentInputs(inputs))
	if err != nil {
		return nil, err
	}
	if out == nil {
		return "", nil
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
