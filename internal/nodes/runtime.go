package nodes

import (
	"context"

	"github.com/rendis/flowgraph/pkg/schema"
)

// Task is one node dispatch.
type Task struct {
	Node               *schema.Node
	Inputs             map[string]any
	Variables          map[string]any
	HasDataPredecessor bool
	LLM                *LLMConfig
}

// Runtime dispatches a node to the runtime of its kind.
type Runtime struct {
	conditions *Conditions
	loops      *Loops
	storages   *Storages
	agents     AgentFactory
}

// NewRuntime assembles the per-kind runtimes.
func NewRuntime(conditions *Conditions, loops *Loops, storages *Storages, agents AgentFactory) *Runtime {
	if conditions == nil {
		conditions = NewConditions(nil, nil)
	}
	if loops == nil {
		loops = NewLoops(nil)
	}
	if storages == nil {
		storages = NewStorages(nil)
	}
	return &Runtime{conditions: conditions, loops: loops, storages: storages, agents: agents}
}

// Execute runs the node and returns its output. Errors carry the node id.
func (r *Runtime) Execute(ctx context.Context, t Task) (any, error) {
	out, err := r.dispatch(ctx, t)
	if err != nil {
		return nil, withNode(err, t.Node.ID)
	}
	return out, nil
}

func (r *Runtime) dispatch(ctx context.Context, t Task) (any, error) {
	n := t.Node
	switch n.Type {
	case schema.NodeTypeStart, schema.NodeTypeEnd:
		return t.Inputs, nil
	case schema.NodeTypeCondition:
		return r.conditions.Evaluate(ctx, n.ConditionConfig, t.Inputs)
	case schema.NodeTypeLoop:
		return r.loops.Initialize(ctx, n.LoopConfig, t.Inputs)
	case schema.NodeTypeAgent:
		if r.agents == nil {
			return nil, schema.NewError(schema.ErrCodeConfigMissing, "no agent factory configured")
		}
		agent, err := r.agents(n, t.LLM)
		if err != nil {
			return nil, err
		}
		return RunAgent(ctx, agent, t.Inputs)
	case schema.NodeTypeGCPBucket, schema.NodeTypeAWSS3, schema.NodeTypeGCPPubSub, schema.NodeTypeLocalFilesystem:
		return r.storages.Execute(ctx, StorageTask{
			Flavor:             n.Type,
			InputConfig:        n.InputConfig,
			Inputs:             t.Inputs,
			Variables:          t.Variables,
			HasDataPredecessor: t.HasDataPredecessor,
		})
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported node type %q", n.Type)
	}
}

func withNode(err error, nodeID string) error {
	return schema.AtNode(err, nodeID, schema.ErrCodeHandler)
}
