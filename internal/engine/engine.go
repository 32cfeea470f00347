package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowgraph/internal/graph"
	"github.com/rendis/flowgraph/internal/logging"
	"github.com/rendis/flowgraph/internal/nodes"
	"github.com/rendis/flowgraph/internal/store"
	"github.com/rendis/flowgraph/internal/streaming"
	"github.com/rendis/flowgraph/pkg/schema"
)

// LLMConfigSource resolves the active LLM provider for a user.
// A nil config with a nil error means the user has none.
type LLMConfigSource interface {
	GetActiveLLMConfig(ctx context.Context, userID string) (*nodes.LLMConfig, error)
}

// LLMConfigFunc adapts a function to LLMConfigSource.
type LLMConfigFunc func(ctx context.Context, userID string) (*nodes.LLMConfig, error)

func (f LLMConfigFunc) GetActiveLLMConfig(ctx context.Context, userID string) (*nodes.LLMConfig, error) {
	return f(ctx, userID)
}

// Config tunes the engine.
type Config struct {
	MaxConcurrency int           `koanf:"max_concurrency"`
	PersistTimeout time.Duration `koanf:"persist_timeout"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrency: 16, PersistTimeout: 30 * time.Second}
}

// Deps are the collaborators an Engine runs against. Settings, Hub, Loader
// and Logger are optional.
type Deps struct {
	Workflows  store.WorkflowStore
	Executions store.ExecutionStore
	Settings   LLMConfigSource
	Runtime    *nodes.Runtime
	Hub        streaming.Hub
	Loader     *graph.Loader
	Logger     *slog.Logger
}

// Submission is the immediate answer to Execute.
type Submission struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
}

// Engine owns the running executions of one process.
type Engine struct {
	workflows  store.WorkflowStore
	executions store.ExecutionStore
	settings   LLMConfigSource
	runtime    *nodes.Runtime
	hub        streaming.Hub
	loader     *graph.Loader
	pool       *WorkerPool
	execFSM    *ExecutionFSM
	nodeFSM    *NodeFSM
	logger     *slog.Logger
	cfg        Config

	rootCtx    context.Context
	cancelRoot context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// New creates an Engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Workflows == nil || deps.Executions == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires workflow and execution stores")
	}
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loader := deps.Loader
	if loader == nil {
		var err error
		if loader, err = graph.NewLoader(); err != nil {
			return nil, err
		}
	}
	hub := deps.Hub
	if hub == nil {
		hub = streaming.NewMemoryHub(0, logger)
	}
	runtime := deps.Runtime
	if runtime == nil {
		runtime = nodes.NewRuntime(nil, nil, nil, nil)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		workflows:  deps.Workflows,
		executions: deps.Executions,
		settings:   deps.Settings,
		runtime:    runtime,
		hub:        hub,
		loader:     loader,
		pool:       NewWorkerPool(cfg.MaxConcurrency, logger),
		execFSM:    NewExecutionFSM(),
		nodeFSM:    NewNodeFSM(),
		logger:     logger.With(slog.String("component", "engine")),
		cfg:        cfg,
		rootCtx:    rootCtx,
		cancelRoot: cancel,
		runs:       make(map[string]*run),
	}, nil
}

// ExecutionFSM exposes the execution state machine for hook registration.
func (e *Engine) ExecutionFSM() *ExecutionFSM { return e.execFSM }

// NodeFSM exposes the node state machine for hook registration.
func (e *Engine) NodeFSM() *NodeFSM { return e.nodeFSM }

// PoolMetrics reports the shared node-task pool counters.
func (e *Engine) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// Execute loads the workflow, records a RUNNING execution and starts it in
// the background. It returns as soon as the execution is persisted.
func (e *Engine) Execute(ctx context.Context, workflowID, userID string, inputs map[string]any) (*Submission, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, schema.NewError(schema.ErrCodeInternal, "engine is shutting down")
	}

	wf, err := e.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	def, err := e.loader.LoadDefinition(&wf.Definition)
	if err != nil {
		return nil, err
	}
	kept, edges, pruned := graph.Prune(def.Nodes, def.Edges)
	g, err := graph.Build(kept, edges)
	if err != nil {
		return nil, err
	}

	var llm *nodes.LLMConfig
	if hasAgents(g) {
		if llm, err = e.resolveLLM(ctx, userID); err != nil {
			return nil, err
		}
	}

	executionID := uuid.NewString()
	state := schema.NewExecutionState(executionID, wf.ID, userID, mergeVariables(def.Variables, inputs), time.Now().UTC())
	if err := e.executions.CreateExecution(ctx, state); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create execution record").WithCause(err)
	}

	warnings := pruned.Warnings()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeInternal, "engine is shutting down")
	}
	r := newRun(e, g, state, llm, warnings)
	e.runs[executionID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	logging.LogWith(r.ctx, e.logger).Info("execution submitted", slog.Int("nodes", len(g.Order)))
	go func() {
		defer e.wg.Done()
		r.execute()
		e.mu.Lock()
		delete(e.runs, executionID)
		e.mu.Unlock()
	}()

	return &Submission{ExecutionID: executionID, Status: schema.ExecutionRunning, StartedAt: state.StartedAt}, nil
}

func (e *Engine) resolveLLM(ctx context.Context, userID string) (*nodes.LLMConfig, error) {
	var cfg *nodes.LLMConfig
	if e.settings != nil {
		var err error
		if cfg, err = e.settings.GetActiveLLMConfig(ctx, userID); err != nil {
			return nil, err
		}
	}
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeConfigMissing,
			"No active LLM provider configured. Please configure an LLM provider in settings.")
	}
	return cfg, nil
}

// Cancel stops a running execution. Terminal executions fail with
// NOT_CANCELLABLE.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	if r := e.live(executionID); r != nil {
		if err := r.cancel(); err != nil {
			return err
		}
		logging.LogWith(r.ctx, e.logger).Info("execution cancel requested")
		return nil
	}

	state, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeNotCancellable,
			"Execution %s is %s and cannot be cancelled", executionID, state.Status)
	}

	// Running in the store but not here: its process is gone.
	if err := e.execFSM.Transition(executionID, state.Status, schema.ExecutionCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	state.Status = schema.ExecutionCancelled
	state.CompletedAt = &now
	entry := schema.LogEntry{Timestamp: now, Level: schema.LogInfo, Message: "Execution cancelled by user"}
	if err := e.executions.UpdateExecution(ctx, state); err != nil {
		return err
	}
	return e.executions.AppendLogs(ctx, executionID, []schema.LogEntry{entry})
}

// Get returns the live state of a running execution, else the stored one.
func (e *Engine) Get(ctx context.Context, executionID string) (*schema.ExecutionState, error) {
	if r := e.live(executionID); r != nil {
		return r.snapshot(), nil
	}
	return e.executions.GetExecution(ctx, executionID)
}

// List returns stored executions, newest first.
func (e *Engine) List(ctx context.Context, filter store.ExecutionFilter) ([]*schema.ExecutionState, error) {
	return e.executions.ListExecutions(ctx, filter)
}

// Logs returns an execution's log lines newest first with the total count
// of matches. Running executions are served from memory.
func (e *Engine) Logs(ctx context.Context, executionID string, filter store.LogFilter) ([]schema.LogEntry, int, error) {
	if r := e.live(executionID); r != nil {
		return filterLogs(r.snapshot().Logs, filter)
	}
	if _, err := e.executions.GetExecution(ctx, executionID); err != nil {
		return nil, 0, err
	}
	return e.executions.ListLogs(ctx, executionID, filter)
}

// Subscribe follows an execution's live frames from now on.
func (e *Engine) Subscribe(executionID string) *streaming.Subscription {
	return e.hub.Subscribe(executionID)
}

// Wait blocks until the execution is terminal and returns its final state.
func (e *Engine) Wait(ctx context.Context, executionID string) (*schema.ExecutionState, error) {
	if r := e.live(executionID); r != nil {
		select {
		case <-r.done:
			return r.snapshot(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.executions.GetExecution(ctx, executionID)
}

// Shutdown refuses new executions, cancels running ones and waits for them
// to persist, or for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancelRoot()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.pool.Shutdown()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) live(executionID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[executionID]
}

func hasAgents(g *graph.Graph) bool {
	for _, n := range g.Nodes {
		if n.Type == schema.NodeTypeAgent {
			return true
		}
	}
	return false
}

// mergeVariables overlays caller inputs on the definition variables. Inputs
// that are nil or empty strings do not override.
func mergeVariables(base, inputs map[string]any) map[string]any {
	vars := make(map[string]any, len(base)+len(inputs))
	for k, v := range base {
		vars[k] = v
	}
	for k, v := range inputs {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		vars[k] = v
	}
	return vars
}

// filterLogs applies a LogFilter to an in-memory buffer kept in emission order.
func filterLogs(logs []schema.LogEntry, f store.LogFilter) ([]schema.LogEntry, int, error) {
	matched := make([]schema.LogEntry, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		l := logs[i]
		if f.Level != "" && l.Level != f.Level {
			continue
		}
		if f.NodeID != "" && l.NodeID != f.NodeID {
			continue
		}
		matched = append(matched, l)
	}
	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []schema.LogEntry{}, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}
