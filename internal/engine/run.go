package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/rendis/flowgraph/internal/graph"
	"github.com/rendis/flowgraph/internal/logging"
	"github.com/rendis/flowgraph/internal/nodes"
	"github.com/rendis/flowgraph/pkg/schema"
)

const outputSummaryLen = 100

type taskResult struct {
	nodeID string
	output any
	err    error
	at     time.Time
}

type nodeFailure struct {
	nodeID string
	err    error
}

// run drives one execution. Only its scheduler goroutine writes the state;
// writes happen under mu so readers can take snapshots.
type run struct {
	e     *Engine
	graph *graph.Graph
	llm   *nodes.LLMConfig

	// ctx is handed to node tasks and ends only on engine shutdown. A user
	// cancel stops dispatch without tearing tasks down.
	ctx      context.Context
	stop     context.CancelFunc
	dispatch context.Context
	halt     context.CancelFunc
	done     chan struct{}

	mu    sync.RWMutex
	state *schema.ExecutionState

	warnings  []string
	remaining map[string]int  // unresolved incoming edges
	live      map[string]bool // at least one incoming edge was followed
	ready     []string
	inFlight  int
	results   chan taskResult
	last      string // last completed node that is not START or END
	logger    *slog.Logger
}

func newRun(e *Engine, g *graph.Graph, state *schema.ExecutionState, llm *nodes.LLMConfig, warnings []string) *run {
	ctx, stop := context.WithCancel(logging.WithExecution(e.rootCtx, state.ExecutionID, state.WorkflowID))
	dispatch, halt := context.WithCancel(ctx)
	r := &run{
		e:         e,
		graph:     g,
		llm:       llm,
		ctx:       ctx,
		stop:      stop,
		dispatch:  dispatch,
		halt:      halt,
		done:      make(chan struct{}),
		state:     state,
		warnings:  warnings,
		remaining: maps.Clone(g.InDegree),
		live:      make(map[string]bool, len(g.Order)),
		results:   make(chan taskResult, len(g.Order)),
		logger:    e.logger,
	}
	for _, id := range g.Order {
		state.NodeStates[id] = &schema.NodeState{NodeID: id, Status: schema.NodePending}
	}
	return r
}

// execute runs the graph to a terminal state and persists it.
func (r *run) execute() {
	defer close(r.done)
	defer r.stop()

	r.log(schema.LogInfo, "", "Workflow execution started")
	for _, w := range r.warnings {
		r.log(schema.LogWarning, "", w)
	}
	r.publish(schema.MessageStatus, r.statusFrame())

	r.ready = r.graph.Roots()
	failure := r.schedule()
	r.finish(failure)
}

// schedule dispatches ready nodes and settles results until nothing is left,
// a node fails or the run is stopped. In-flight tasks are always drained.
func (r *run) schedule() *nodeFailure {
	defer r.drain()
	for {
		for len(r.ready) > 0 && !r.stopped() {
			id := r.ready[0]
			r.ready = r.ready[1:]
			if err := r.start(id); err != nil {
				return &nodeFailure{nodeID: id, err: err}
			}
		}
		if r.inFlight == 0 || r.stopped() {
			return nil
		}

		res := <-r.results
		r.inFlight--
		if res.err != nil {
			r.settle(res)
			return &nodeFailure{nodeID: res.nodeID, err: res.err}
		}
		r.settle(res)
		if !r.stopped() {
			r.route(res.nodeID)
		}
	}
}

// drain records the outcome of every task still running without routing it.
func (r *run) drain() {
	for r.inFlight > 0 {
		res := <-r.results
		r.inFlight--
		r.settle(res)
	}
}

// stopped reports whether dispatch must end: the user cancelled or the
// engine is shutting down.
func (r *run) stopped() bool {
	if r.ctx.Err() != nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Status == schema.ExecutionCancelled
}

// start dispatches one ready node. START and END complete on the spot.
func (r *run) start(id string) error {
	node := r.graph.Nodes[id]
	if node.Type.IsFlowMarker() {
		var out any
		if node.Type == schema.NodeTypeStart {
			out = maps.Clone(r.state.Variables)
		}
		if err := r.markRunning(id, nil); err != nil {
			return err
		}
		r.settle(taskResult{nodeID: id, output: out, at: time.Now().UTC()})
		r.route(id)
		return nil
	}

	inputs, err := r.prepareInputs(node)
	if err != nil {
		if merr := r.markRunning(id, nil); merr != nil {
			return merr
		}
		r.settle(taskResult{nodeID: id, err: withNode(err, id), at: time.Now().UTC()})
		return withNode(err, id)
	}
	if err := r.markRunning(id, inputs); err != nil {
		return err
	}
	r.log(schema.LogInfo, id, fmt.Sprintf("Executing node: %s", node.DisplayName()))

	task := nodes.Task{
		Node:               node,
		Inputs:             inputs,
		Variables:          r.state.Variables,
		HasDataPredecessor: r.hasDataPredecessor(id),
		LLM:                r.llm,
	}
	err = r.e.pool.Submit(r.dispatch, func(context.Context) error {
		return r.runTask(task)
	})
	if err != nil {
		err = schema.NewErrorf(schema.ErrCodeCancelled, "node %s was not dispatched: %s", id, err.Error()).WithNode(id).WithCause(err)
		r.settle(taskResult{nodeID: id, err: err, at: time.Now().UTC()})
		if r.stopped() {
			return nil
		}
		return err
	}
	r.inFlight++
	return nil
}

// runTask executes the node on a pool goroutine and always reports back.
func (r *run) runTask(task nodes.Task) (err error) {
	res := taskResult{nodeID: task.Node.ID}
	defer func() {
		if p := recover(); p != nil {
			res.err = schema.NewErrorf(schema.ErrCodeInternal, "node %s panicked: %v", task.Node.ID, p).WithNode(task.Node.ID)
		}
		res.at = time.Now().UTC()
		err = res.err
		r.results <- res
	}()
	ctx := logging.WithNodeID(r.ctx, task.Node.ID)
	res.output, res.err = r.e.runtime.Execute(ctx, task)
	return res.err
}

func (r *run) markRunning(id string, inputs map[string]any) error {
	now := time.Now().UTC()
	r.mu.Lock()
	ns := r.state.NodeStates[id]
	if err := r.e.nodeFSM.Transition(id, ns.Status, schema.NodeRunning); err != nil {
		r.mu.Unlock()
		return err
	}
	ns.Status = schema.NodeRunning
	ns.StartedAt = &now
	if inputs != nil {
		ns.Input = inputs
	}
	r.state.CurrentNodeID = id
	frame := *ns
	r.mu.Unlock()

	r.publish(schema.MessageNodeUpdate, frame)
	return nil
}

// settle records a finished task on its node.
func (r *run) settle(res taskResult) {
	node := r.graph.Nodes[res.nodeID]
	to := schema.NodeCompleted
	if res.err != nil {
		to = schema.NodeFailed
	}

	r.mu.Lock()
	ns := r.state.NodeStates[res.nodeID]
	if err := r.e.nodeFSM.Transition(res.nodeID, ns.Status, to); err != nil {
		r.mu.Unlock()
		r.logger.ErrorContext(r.ctx, "node transition rejected", slog.String("node_id", res.nodeID), slog.Any("error", err))
		return
	}
	ns.Status = to
	at := res.at
	if ns.StartedAt != nil && at.Before(*ns.StartedAt) {
		at = *ns.StartedAt
	}
	ns.CompletedAt = &at
	if res.err != nil {
		ns.Error = res.err.Error()
	} else {
		ns.Output = res.output
		if !node.Type.IsFlowMarker() {
			r.last = res.nodeID
		}
	}
	frame := *ns
	r.mu.Unlock()

	if res.err != nil {
		r.log(schema.LogError, res.nodeID, fmt.Sprintf("Node failed: %s", res.err.Error()))
	} else if !node.Type.IsFlowMarker() {
		r.log(schema.LogInfo, res.nodeID, fmt.Sprintf("Node completed with output: %s", summarize(res.output)))
	}
	r.publish(schema.MessageNodeUpdate, frame)
}

// route resolves the outgoing edges of a completed node. A node whose
// incoming edges are all resolved becomes ready when at least one of them
// was followed and is skipped otherwise.
func (r *run) route(id string) {
	for _, e := range r.graph.Out[id] {
		r.resolve(e.Target, r.followed(e))
	}
}

func (r *run) resolve(target string, live bool) {
	if live {
		r.live[target] = true
	}
	r.remaining[target]--
	if r.remaining[target] > 0 {
		return
	}
	if r.live[target] {
		r.ready = append(r.ready, target)
		return
	}
	r.skip(target)
}

func (r *run) skip(id string) {
	r.mu.Lock()
	ns := r.state.NodeStates[id]
	if err := r.e.nodeFSM.Transition(id, ns.Status, schema.NodeSkipped); err != nil {
		r.mu.Unlock()
		return
	}
	ns.Status = schema.NodeSkipped
	frame := *ns
	r.mu.Unlock()

	r.log(schema.LogDebug, id, "Node skipped: branch not taken")
	r.publish(schema.MessageNodeUpdate, frame)
	for _, e := range r.graph.Out[id] {
		r.resolve(e.Target, false)
	}
}

// followed reports whether edge e carries its source's completion forward.
// Condition sources follow only edges labelled with their branch, "default",
// or no label at all.
func (r *run) followed(e schema.Edge) bool {
	ns := r.state.NodeStates[e.Source]
	if ns == nil || ns.Status != schema.NodeCompleted {
		return false
	}
	if r.graph.Nodes[e.Source].Type != schema.NodeTypeCondition {
		return true
	}
	branch := nodes.BranchTrue
	if out, ok := ns.Output.(map[string]any); ok {
		if b, ok := out["branch"].(string); ok && b != "" {
			branch = b
		}
	}
	switch e.SourceHandle {
	case "", "default", branch:
		return true
	}
	return false
}

// finish applies the single terminal transition, persists the state and
// publishes the completion frame.
func (r *run) finish(failure *nodeFailure) {
	now := time.Now().UTC()

	r.mu.Lock()
	st := r.state
	from := st.Status
	to := schema.ExecutionCompleted
	var msg string
	switch {
	case from == schema.ExecutionCancelled:
		msg = "Execution cancelled by user"
	case r.ctx.Err() != nil:
		to = schema.ExecutionCancelled
		msg = "Execution cancelled: engine shutting down"
	case failure != nil:
		to = schema.ExecutionFailed
		msg = fmt.Sprintf("Workflow execution failed: %s", failure.err.Error())
	default:
		msg = "Workflow execution completed"
	}

	if from != schema.ExecutionCancelled {
		if err := r.e.execFSM.Transition(st.ExecutionID, from, to); err != nil {
			r.logger.ErrorContext(r.ctx, "execution transition rejected", slog.Any("error", err))
		}
		st.Status = to
	}
	switch st.Status {
	case schema.ExecutionFailed:
		st.Error = failure.err.Error()
		st.ErrorCode = schema.CodeOf(failure.err)
		if st.ErrorCode == "" {
			st.ErrorCode = schema.ErrCodeInternal
		}
		st.FailedNodeID = failure.nodeID
	case schema.ExecutionCompleted:
		if r.last != "" {
			st.Result = st.NodeStates[r.last].Output
		}
	}
	if now.Before(st.StartedAt) {
		now = st.StartedAt
	}
	st.CompletedAt = &now
	st.CurrentNodeID = ""
	level := schema.LogInfo
	if st.Status == schema.ExecutionFailed {
		level = schema.LogError
	}
	entry := r.appendLogLocked(level, "", msg)
	snapshot := st.Clone()
	r.mu.Unlock()

	r.publish(schema.MessageLog, entry)

	r.logger.InfoContext(r.ctx, "execution finished",
		slog.String("status", string(snapshot.Status)),
		slog.Duration("duration", snapshot.CompletedAt.Sub(snapshot.StartedAt)),
	)
	if err := r.persist(snapshot); err != nil {
		r.logger.ErrorContext(r.ctx, "persist execution", slog.Any("error", err))
		r.publish(schema.MessageError, map[string]any{
			"status":     snapshot.Status,
			"error":      err.Error(),
			"error_code": schema.ErrCodeStore,
		})
		return
	}
	r.publish(schema.MessageCompletion, map[string]any{
		"status":         snapshot.Status,
		"result":         snapshot.Result,
		"error":          snapshot.Error,
		"error_code":     snapshot.ErrorCode,
		"failed_node_id": snapshot.FailedNodeID,
		"completed_at":   snapshot.CompletedAt,
	})
}

// persist writes the terminal state and the whole log buffer.
func (r *run) persist(snapshot *schema.ExecutionState) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.e.cfg.PersistTimeout)
	defer cancel()

	if err := r.e.executions.UpdateExecution(ctx, snapshot); err != nil {
		return fmt.Errorf("persist execution state: %w", err)
	}
	if err := r.e.executions.AppendLogs(ctx, snapshot.ExecutionID, snapshot.Logs); err != nil {
		return fmt.Errorf("persist execution logs: %w", err)
	}
	return nil
}

// --- Logs and frames ---

func (r *run) log(level schema.LogLevel, nodeID, message string) {
	r.mu.Lock()
	entry := r.appendLogLocked(level, nodeID, message)
	r.mu.Unlock()
	r.publish(schema.MessageLog, entry)
}

func (r *run) appendLogLocked(level schema.LogLevel, nodeID, message string) schema.LogEntry {
	entry := schema.LogEntry{Timestamp: time.Now().UTC(), Level: level, NodeID: nodeID, Message: message}
	r.state.Logs = append(r.state.Logs, entry)
	return entry
}

func (r *run) publish(kind schema.MessageType, data any) {
	r.e.hub.Publish(r.state.ExecutionID, schema.Message{Type: kind, Data: data})
}

func (r *run) statusFrame() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]any{
		"execution_id": r.state.ExecutionID,
		"workflow_id":  r.state.WorkflowID,
		"status":       r.state.Status,
		"started_at":   r.state.StartedAt,
	}
}

// snapshot returns a deep copy for readers outside the scheduler.
func (r *run) snapshot() *schema.ExecutionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone()
}

// cancel flips a running execution to CANCELLED. The scheduler notices at
// its next dispatch decision.
func (r *run) cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.state.Status
	if from.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeNotCancellable,
			"Execution %s is %s and cannot be cancelled", r.state.ExecutionID, from)
	}
	if err := r.e.execFSM.Transition(r.state.ExecutionID, from, schema.ExecutionCancelled); err != nil {
		return err
	}
	r.state.Status = schema.ExecutionCancelled
	r.halt()
	return nil
}

func summarize(v any) string {
	s := fmt.Sprint(v)
	if len(s) > outputSummaryLen {
		return s[:outputSummaryLen] + "..."
	}
	return s
}

func withNode(err error, nodeID string) error {
	return schema.AtNode(err, nodeID, schema.ErrCodeInternal)
}
