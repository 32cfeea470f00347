package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgraph/internal/nodes"
	"github.com/rendis/flowgraph/internal/storage"
	"github.com/rendis/flowgraph/internal/store"
	"github.com/rendis/flowgraph/pkg/schema"
)

// --- In-memory store ---

type memStore struct {
	mu        sync.Mutex
	workflows map[string]*schema.Workflow
	execs     map[string]*schema.ExecutionState
	logs      map[string][]schema.LogEntry
	updates   int
}

func newMemStore() *memStore {
	return &memStore{
		workflows: make(map[string]*schema.Workflow),
		execs:     make(map[string]*schema.ExecutionState),
		logs:      make(map[string][]schema.LogEntry),
	}
}

func (m *memStore) CreateWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *memStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "Workflow %s not found", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *memStore) ListWorkflows(context.Context, store.WorkflowFilter) ([]*schema.Workflow, error) {
	return nil, nil
}

func (m *memStore) DeleteWorkflow(context.Context, string) error { return nil }

func (m *memStore) CreateExecution(_ context.Context, state *schema.ExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[state.ExecutionID] = state.Clone()
	return nil
}

func (m *memStore) UpdateExecution(_ context.Context, state *schema.ExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.execs[state.ExecutionID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "Execution %s not found", state.ExecutionID)
	}
	cp := state.Clone()
	cp.Logs = nil
	m.execs[state.ExecutionID] = cp
	m.updates++
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*schema.ExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.execs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "Execution %s not found", id)
	}
	cp := st.Clone()
	cp.Logs = append([]schema.LogEntry{}, m.logs[id]...)
	return cp, nil
}

func (m *memStore) ListExecutions(_ context.Context, f store.ExecutionFilter) ([]*schema.ExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.ExecutionState
	for _, st := range m.execs {
		if f.Status != "" && st.Status != f.Status {
			continue
		}
		out = append(out, st.Clone())
	}
	return out, nil
}

func (m *memStore) AppendLogs(_ context.Context, id string, entries []schema.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[id] = append(m.logs[id], entries...)
	return nil
}

func (m *memStore) ListLogs(_ context.Context, id string, f store.LogFilter) ([]schema.LogEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterLogs(m.logs[id], f)
}

// --- Agents ---

type agentFn func(ctx context.Context, inputs map[string]any) (any, error)

// agentScript maps node IDs to agent behavior and records what each saw.
type agentScript struct {
	mu     sync.Mutex
	fns    map[string]agentFn
	inputs map[string]map[string]any
}

func newAgentScript() *agentScript {
	return &agentScript{fns: map[string]agentFn{}, inputs: map[string]map[string]any{}}
}

func (s *agentScript) on(id string, fn agentFn) *agentScript {
	s.fns[id] = fn
	return s
}

func (s *agentScript) seen(id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs[id]
}

func (s *agentScript) factory() nodes.AgentFactory {
	return func(n *schema.Node, _ *nodes.LLMConfig) (nodes.Agent, error) {
		id := n.ID
		return nodes.AgentFunc(func(ctx context.Context, inputs map[string]any) (any, error) {
			s.mu.Lock()
			s.inputs[id] = inputs
			fn := s.fns[id]
			s.mu.Unlock()
			if fn == nil {
				return "output of " + id, nil
			}
			return fn(ctx, inputs)
		}), nil
	}
}

// --- Storage ---

// countingFS wraps the local handler and records writes.
type countingFS struct {
	*storage.LocalFS
	mu       sync.Mutex
	payloads []any
}

func (c *countingFS) Write(ctx context.Context, cfg map[string]any, payload any) (map[string]any, error) {
	c.mu.Lock()
	c.payloads = append(c.payloads, payload)
	c.mu.Unlock()
	return c.LocalFS.Write(ctx, cfg, payload)
}

func (c *countingFS) writes() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any{}, c.payloads...)
}

// --- Engine fixture ---

type testEnv struct {
	engine *Engine
	store  *memStore
	agents *agentScript
	fs     *countingFS
}

type envOption func(*Deps)

func withoutSettings() envOption {
	return func(d *Deps) { d.Settings = nil }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  newMemStore(),
		agents: newAgentScript(),
		fs:     &countingFS{LocalFS: storage.NewLocalFS()},
	}
	reg := storage.NewRegistry()
	require.NoError(t, reg.Register(env.fs))

	deps := Deps{
		Workflows:  env.store,
		Executions: env.store,
		Settings: LLMConfigFunc(func(context.Context, string) (*nodes.LLMConfig, error) {
			return &nodes.LLMConfig{Type: "openai", APIKey: "test-key"}, nil
		}),
		Runtime: nodes.NewRuntime(nil, nil, nodes.NewStorages(reg), env.agents.factory()),
	}
	for _, o := range opts {
		o(&deps)
	}
	e, err := New(deps, Config{MaxConcurrency: 4})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	env.engine = e
	return env
}

func (env *testEnv) seed(t *testing.T, def schema.Definition) string {
	t.Helper()
	id := "wf-" + t.Name()
	require.NoError(t, env.store.CreateWorkflow(context.Background(), &schema.Workflow{ID: id, Name: t.Name(), Definition: def}))
	return id
}

// run executes the workflow and waits for its terminal state.
func (env *testEnv) run(t *testing.T, def schema.Definition, inputs map[string]any) *schema.ExecutionState {
	t.Helper()
	sub, err := env.engine.Execute(context.Background(), env.seed(t, def), "user-1", inputs)
	require.NoError(t, err)
	return env.wait(t, sub.ExecutionID)
}

func (env *testEnv) wait(t *testing.T, id string) *schema.ExecutionState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := env.engine.Wait(ctx, id)
	require.NoError(t, err)
	return st
}

// --- Definition builders ---

func node(id string, typ schema.NodeType) schema.Node {
	return schema.Node{ID: id, Type: typ, Name: id}
}

func agent(id string) schema.Node { return node(id, schema.NodeTypeAgent) }

func condition(id, field string, ctype schema.ConditionType, value string) schema.Node {
	n := node(id, schema.NodeTypeCondition)
	n.ConditionConfig = &schema.ConditionConfig{Field: field, ConditionType: ctype, Value: value}
	return n
}

func localFS(id string, cfg map[string]any) schema.Node {
	n := node(id, schema.NodeTypeLocalFilesystem)
	n.InputConfig = cfg
	return n
}

func edge(src, dst string) schema.Edge {
	return schema.Edge{ID: src + "-" + dst, Source: src, Target: dst}
}

func branch(src, dst, handle string) schema.Edge {
	e := edge(src, dst)
	e.SourceHandle = handle
	return e
}

func chain(ids ...string) []schema.Edge {
	edges := make([]schema.Edge, 0, len(ids))
	for i := 1; i < len(ids); i++ {
		edges = append(edges, edge(ids[i-1], ids[i]))
	}
	return edges
}

func statusOf(st *schema.ExecutionState, id string) schema.NodeStatus {
	ns, ok := st.NodeStates[id]
	if !ok {
		return ""
	}
	return ns.Status
}

func hasLog(st *schema.ExecutionState, msg string) bool {
	for _, l := range st.Logs {
		if l.Message == msg {
			return true
		}
	}
	return false
}
