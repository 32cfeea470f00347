package engine

import (
	"sync"

	"github.com/rendis/flowgraph/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(id, from, to string) error

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionCancelled},
	schema.ExecutionRunning:   {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}

// ValidNodeTransitions defines the allowed state transitions for nodes.
// A node that was never dispatched may only be skipped.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodePending:   {schema.NodeRunning, schema.NodeSkipped},
	schema.NodeRunning:   {schema.NodeCompleted, schema.NodeFailed},
	schema.NodeCompleted: {},
	schema.NodeFailed:    {},
	schema.NodeSkipped:   {},
}

type hookKey struct{ from, to string }

// machine validates transitions against a table and runs hooks around them.
type machine struct {
	mu     sync.RWMutex
	kind   string
	valid  func(from, to string) bool
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

func newMachine(kind string, valid func(from, to string) bool) *machine {
	return &machine{
		kind:   kind,
		valid:  valid,
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

func (m *machine) on(hooks map[hookKey][]TransitionHook, from, to string, hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := hookKey{from, to}
	hooks[key] = append(hooks[key], hook)
}

func (m *machine) transition(id, from, to string) error {
	if !m.valid(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid %s transition: %s -> %s", m.kind, from, to).
			WithDetails(map[string]any{m.kind + "_id": id, "from": from, "to": to})
	}

	m.mu.RLock()
	key := hookKey{from, to}
	before, after := m.before[key], m.after[key]
	m.mu.RUnlock()

	for _, hook := range before {
		if err := hook(id, from, to); err != nil {
			return err
		}
	}
	for _, hook := range after {
		if err := hook(id, from, to); err != nil {
			return err
		}
	}
	return nil
}

// --- Execution FSM ---

// ExecutionFSM guards execution status changes.
type ExecutionFSM struct{ m *machine }

func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{m: newMachine("execution", func(from, to string) bool {
		return allowed(ValidExecutionTransitions, schema.ExecutionStatus(from), schema.ExecutionStatus(to))
	})}
}

// OnBefore registers a hook run before the transition is applied. A hook
// error vetoes the transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.m.on(f.m.before, string(from), string(to), hook)
}

// OnAfter registers a hook run after a transition has been validated.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.m.on(f.m.after, string(from), string(to), hook)
}

// Transition validates from -> to for the execution and runs its hooks.
// The caller applies the new status.
func (f *ExecutionFSM) Transition(executionID string, from, to schema.ExecutionStatus) error {
	return f.m.transition(executionID, string(from), string(to))
}

// --- Node FSM ---

// NodeFSM guards node status changes.
type NodeFSM struct{ m *machine }

func NewNodeFSM() *NodeFSM {
	return &NodeFSM{m: newMachine("node", func(from, to string) bool {
		return allowed(ValidNodeTransitions, schema.NodeStatus(from), schema.NodeStatus(to))
	})}
}

func (f *NodeFSM) OnBefore(from, to schema.NodeStatus, hook TransitionHook) {
	f.m.on(f.m.before, string(from), string(to), hook)
}

func (f *NodeFSM) OnAfter(from, to schema.NodeStatus, hook TransitionHook) {
	f.m.on(f.m.after, string(from), string(to), hook)
}

func (f *NodeFSM) Transition(nodeID string, from, to schema.NodeStatus) error {
	return f.m.transition(nodeID, string(from), string(to))
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, a := range table[from] {
		if a == to {
			return true
		}
	}
	return false
}
