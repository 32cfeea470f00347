package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgraph/internal/engine"
	"github.com/rendis/flowgraph/internal/store"
	"github.com/rendis/flowgraph/internal/streaming"
	"github.com/rendis/flowgraph/pkg/schema"
)

// --- Mock workflow store ---

type mockWorkflows struct {
	mu        sync.Mutex
	workflows []*schema.Workflow
	lastList  store.WorkflowFilter
}

func (m *mockWorkflows) CreateWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows = append(m.workflows, wf)
	return nil
}

func (m *mockWorkflows) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wf := range m.workflows {
		if wf.ID == id {
			return wf, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "Workflow %s not found", id)
}

func (m *mockWorkflows) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastList = filter
	return m.workflows, nil
}

func (m *mockWorkflows) DeleteWorkflow(context.Context, string) error { return nil }

// --- Mock engine ---

type mockEngine struct {
	hub *streaming.MemoryHub

	mu         sync.Mutex
	states     map[string]*schema.ExecutionState
	executeErr error
	cancelled  []string
	lastLogs   store.LogFilter
	lastList   store.ExecutionFilter
	submitted  []string
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		hub:    streaming.NewMemoryHub(8, nil),
		states: map[string]*schema.ExecutionState{},
	}
}

func (m *mockEngine) Execute(_ context.Context, workflowID, userID string, _ map[string]any) (*engine.Submission, error) {
	if m.executeErr != nil {
		return nil, m.executeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "exec-" + workflowID
	m.states[id] = &schema.ExecutionState{
		ExecutionID: id, WorkflowID: workflowID, UserID: userID,
		Status: schema.ExecutionRunning, NodeStates: map[string]*schema.NodeState{},
	}
	m.submitted = append(m.submitted, workflowID)
	return &engine.Submission{ExecutionID: id, Status: schema.ExecutionRunning, StartedAt: time.Now().UTC()}, nil
}

func (m *mockEngine) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "Execution %s not found", id)
	}
	if st.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeNotCancellable, "Execution %s is %s and cannot be cancelled", id, st.Status)
	}
	m.cancelled = append(m.cancelled, id)
	return nil
}

func (m *mockEngine) Get(_ context.Context, id string) (*schema.ExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "Execution %s not found", id)
	}
	return st.Clone(), nil
}

func (m *mockEngine) List(_ context.Context, filter store.ExecutionFilter) ([]*schema.ExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastList = filter
	out := make([]*schema.ExecutionState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	return out, nil
}

func (m *mockEngine) Logs(_ context.Context, _ string, filter store.LogFilter) ([]schema.LogEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLogs = filter
	return []schema.LogEntry{{Level: schema.LogInfo, Message: "Executing node: a", NodeID: "a"}}, 7, nil
}

func (m *mockEngine) Subscribe(id string) *streaming.Subscription { return m.hub.Subscribe(id) }

func (m *mockEngine) Wait(ctx context.Context, id string) (*schema.ExecutionState, error) {
	m.mu.Lock()
	if st, ok := m.states[id]; ok {
		st.Status = schema.ExecutionCompleted
		st.Result = "finished"
	}
	m.mu.Unlock()
	return m.Get(ctx, id)
}

func (m *mockEngine) finish(id string, status schema.ExecutionStatus) {
	m.mu.Lock()
	m.states[id].Status = status
	m.mu.Unlock()
}

// --- Fake notifier ---

type recordingNotifier struct {
	mu    sync.Mutex
	sent  map[string][]map[string]any
	fired chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{sent: map[string][]map[string]any{}, fired: make(chan struct{}, 4)}
}

func (n *recordingNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	n.mu.Lock()
	n.sent[userID] = append(n.sent[userID], payload)
	n.mu.Unlock()
	n.fired <- struct{}{}
	return nil
}

// --- Helpers ---

func newTestServer(t *testing.T) (*Server, *mockEngine, *mockWorkflows) {
	t.Helper()
	eng := newMockEngine()
	wfs := &mockWorkflows{}
	s, err := NewServer(ServerDeps{Engine: eng, Workflows: wfs})
	require.NoError(t, err)
	return s, eng, wfs
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError, resultText(t, result))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	return out
}

func simpleDefinition() map[string]any {
	return map[string]any{
		"nodes": []any{
			map[string]any{"id": "start", "type": "start"},
			map[string]any{"id": "end", "type": "end"},
		},
		"edges": []any{map[string]any{"id": "e1", "source": "start", "target": "end"}},
	}
}

// --- Execute ---

func TestExecuteTool(t *testing.T) {
	s, eng, _ := newTestServer(t)

	result, err := s.handleExecute(context.Background(), buildRequest("flowgraph.execute", map[string]any{
		"workflow_id": "wf-1",
		"inputs":      map[string]any{"x": "1"},
	}))
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.Equal(t, "exec-wf-1", out["execution_id"])
	assert.Equal(t, "running", out["status"])
	assert.Equal(t, []string{"wf-1"}, eng.submitted)
}

func TestExecuteToolWait(t *testing.T) {
	s, _, _ := newTestServer(t)

	result, err := s.handleExecute(context.Background(), buildRequest("flowgraph.execute", map[string]any{
		"workflow_id": "wf-1",
		"wait":        true,
	}))
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, "finished", out["result"])
}

func TestExecuteToolErrors(t *testing.T) {
	s, eng, _ := newTestServer(t)

	result, err := s.handleExecute(context.Background(), buildRequest("flowgraph.execute", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	eng.executeErr = schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "Workflow %s not found", "nope")
	result, err = s.handleExecute(context.Background(), buildRequest("flowgraph.execute", map[string]any{"workflow_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), schema.ErrCodeWorkflowNotFound)
}

// --- Status, cancel, logs, list ---

func TestStatusTool(t *testing.T) {
	s, eng, _ := newTestServer(t)
	_, err := eng.Execute(context.Background(), "wf-1", "u", nil)
	require.NoError(t, err)

	result, err := s.handleStatus(context.Background(), buildRequest("flowgraph.status", map[string]any{"execution_id": "exec-wf-1"}))
	require.NoError(t, err)
	assert.Equal(t, "running", resultJSON(t, result)["status"])

	result, err = s.handleStatus(context.Background(), buildRequest("flowgraph.status", map[string]any{"execution_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool(t *testing.T) {
	s, eng, _ := newTestServer(t)
	_, err := eng.Execute(context.Background(), "wf-1", "u", nil)
	require.NoError(t, err)

	result, err := s.handleCancel(context.Background(), buildRequest("flowgraph.cancel", map[string]any{"execution_id": "exec-wf-1"}))
	require.NoError(t, err)
	assert.Equal(t, "cancelled", resultJSON(t, result)["status"])
	assert.Equal(t, []string{"exec-wf-1"}, eng.cancelled)

	eng.finish("exec-wf-1", schema.ExecutionCompleted)
	result, err = s.handleCancel(context.Background(), buildRequest("flowgraph.cancel", map[string]any{"execution_id": "exec-wf-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), schema.ErrCodeNotCancellable)
}

func TestLogsTool(t *testing.T) {
	s, eng, _ := newTestServer(t)

	result, err := s.handleLogs(context.Background(), buildRequest("flowgraph.logs", map[string]any{
		"execution_id": "exec-1",
		"level":        "error",
		"node_id":      "a",
		"limit":        float64(5),
	}))
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.EqualValues(t, 7, out["total"])
	assert.Len(t, out["logs"], 1)
	assert.Equal(t, store.LogFilter{Level: schema.LogError, NodeID: "a", Limit: 5}, eng.lastLogs)
}

func TestListTool(t *testing.T) {
	s, eng, wfs := newTestServer(t)
	_, err := eng.Execute(context.Background(), "wf-1", "u", nil)
	require.NoError(t, err)

	result, err := s.handleList(context.Background(), buildRequest("flowgraph.list", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"workflow_id": "wf-1", "status": "running", "limit": "10"},
	}))
	require.NoError(t, err)
	assert.Len(t, resultJSON(t, result)["executions"], 1)
	assert.Equal(t, store.ExecutionFilter{WorkflowID: "wf-1", Status: schema.ExecutionRunning, Limit: 10}, eng.lastList)

	result, err = s.handleList(context.Background(), buildRequest("flowgraph.list", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"user_id": "u-1"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "u-1", wfs.lastList.UserID)
	assert.Equal(t, 50, wfs.lastList.Limit)

	result, err = s.handleList(context.Background(), buildRequest("flowgraph.list", map[string]any{"resource": "schedules"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Define and diagram ---

func TestDefineTool(t *testing.T) {
	s, _, wfs := newTestServer(t)

	result, err := s.handleDefine(context.Background(), buildRequest("flowgraph.define", map[string]any{
		"name":       "simple",
		"definition": simpleDefinition(),
		"user_id":    "u-1",
	}))
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.EqualValues(t, 2, out["nodes"])
	require.Len(t, wfs.workflows, 1)
	assert.Equal(t, "simple", wfs.workflows[0].Name)
	assert.Equal(t, "u-1", wfs.workflows[0].UserID)
	assert.Equal(t, out["workflow_id"], wfs.workflows[0].ID)
}

func TestDefineToolRejectsInvalidDefinition(t *testing.T) {
	s, _, wfs := newTestServer(t)

	result, err := s.handleDefine(context.Background(), buildRequest("flowgraph.define", map[string]any{
		"name": "bad",
		"definition": map[string]any{
			"nodes": []any{map[string]any{"id": "c", "type": "condition"}},
			"edges": []any{},
		},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), schema.ErrCodeInvalidDefinition)
	assert.Empty(t, wfs.workflows)

	result, err = s.handleDefine(context.Background(), buildRequest("flowgraph.define", map[string]any{"name": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDiagramTool(t *testing.T) {
	s, eng, wfs := newTestServer(t)
	wfs.workflows = append(wfs.workflows, &schema.Workflow{
		ID:   "wf-1",
		Name: "simple",
		Definition: schema.Definition{
			Nodes: []schema.Node{{ID: "start", Type: schema.NodeTypeStart}, {ID: "end", Type: schema.NodeTypeEnd}},
			Edges: []schema.Edge{{ID: "e1", Source: "start", Target: "end"}},
		},
	})

	result, err := s.handleDiagram(context.Background(), buildRequest("flowgraph.diagram", map[string]any{
		"workflow_id": "wf-1", "format": "mermaid",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "start --> end_node")

	_, err = eng.Execute(context.Background(), "wf-1", "", nil)
	require.NoError(t, err)
	result, err = s.handleDiagram(context.Background(), buildRequest("flowgraph.diagram", map[string]any{
		"execution_id": "exec-wf-1", "format": "ascii",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "start")

	result, err = s.handleDiagram(context.Background(), buildRequest("flowgraph.diagram", map[string]any{
		"workflow_id": "wf-1", "format": "image",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	png, err := base64.StdEncoding.DecodeString(resultText(t, result))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])

	result, err = s.handleDiagram(context.Background(), buildRequest("flowgraph.diagram", map[string]any{"format": "ascii"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDiagram(context.Background(), buildRequest("flowgraph.diagram", map[string]any{
		"workflow_id": "wf-1", "format": "gif",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Completion notifications ---

func TestWatchCompletion_NotifiesOnTerminalFrame(t *testing.T) {
	s, eng, _ := newTestServer(t)
	rec := newRecordingNotifier()
	s.notifier = rec
	_, err := eng.Execute(context.Background(), "wf-1", "u-1", nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.watchCompletion(context.Background(), "exec-wf-1", "u-1")
		close(done)
	}()
	require.Eventually(t, func() bool { return eng.hub.SubscriberCount("exec-wf-1") == 1 }, time.Second, 5*time.Millisecond)

	eng.hub.Publish("exec-wf-1", schema.Message{Type: schema.MessageLog, Data: map[string]any{"message": "x"}})
	eng.hub.Publish("exec-wf-1", schema.Message{Type: schema.MessageCompletion, Data: map[string]any{"status": "completed", "result": "ok"}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not return")
	}
	require.Len(t, rec.sent["u-1"], 1)
	data := rec.sent["u-1"][0]["data"].(map[string]any)
	assert.Equal(t, "execution_finished", data["event"])
	assert.Equal(t, "ok", data["outcome"].(map[string]any)["result"])
}

func TestWatchCompletion_AlreadyFinished(t *testing.T) {
	s, eng, _ := newTestServer(t)
	rec := newRecordingNotifier()
	s.notifier = rec
	_, err := eng.Execute(context.Background(), "wf-1", "u-1", nil)
	require.NoError(t, err)
	eng.finish("exec-wf-1", schema.ExecutionFailed)

	s.watchCompletion(context.Background(), "exec-wf-1", "u-1")

	require.Len(t, rec.sent["u-1"], 1)
	outcome := rec.sent["u-1"][0]["data"].(map[string]any)["outcome"].(map[string]any)
	assert.Equal(t, schema.ExecutionFailed, outcome["status"])
}
