package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowgraph/internal/engine"
	"github.com/rendis/flowgraph/internal/graph"
	"github.com/rendis/flowgraph/internal/store"
	"github.com/rendis/flowgraph/internal/streaming"
	"github.com/rendis/flowgraph/pkg/schema"
)

// Engine is the execution surface the tools drive. Satisfied by *engine.Engine.
type Engine interface {
	Execute(ctx context.Context, workflowID, userID string, inputs map[string]any) (*engine.Submission, error)
	Cancel(ctx context.Context, executionID string) error
	Get(ctx context.Context, executionID string) (*schema.ExecutionState, error)
	List(ctx context.Context, filter store.ExecutionFilter) ([]*schema.ExecutionState, error)
	Logs(ctx context.Context, executionID string, filter store.LogFilter) ([]schema.LogEntry, int, error)
	Subscribe(executionID string) *streaming.Subscription
	Wait(ctx context.Context, executionID string) (*schema.ExecutionState, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine    Engine
	Workflows store.WorkflowStore
	Loader    *graph.Loader
	Logger    *slog.Logger
}

// Server wraps an MCP server with flowgraph tool handlers.
type Server struct {
	engine    Engine
	workflows store.WorkflowStore
	loader    *graph.Loader
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  UserNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	loader := deps.Loader
	if loader == nil {
		var err error
		if loader, err = graph.NewLoader(); err != nil {
			return nil, err
		}
	}

	s := &Server{
		engine:    deps.Engine,
		workflows: deps.Workflows,
		loader:    loader,
		logger:    logger.With(slog.String("component", "mcp")),
		sessions:  NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"flowgraph",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Flowgraph runs DAG workflows of agent, condition, loop and storage nodes. Use flowgraph.define to store a workflow, flowgraph.execute to start it, flowgraph.status and flowgraph.logs to follow it, flowgraph.cancel to stop it and flowgraph.list to browse workflows and executions."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns a streamable HTTP transport for mounting on a mux.
func (s *Server) HTTPHandler() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: logsTool(), Handler: s.handleLogs},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("flowgraph.execute",
		mcp.WithDescription("Start an execution of a stored workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithObject("inputs", mcp.Description("Initial variables merged over the definition's variables")),
		mcp.WithString("user_id", mcp.Description("User whose LLM settings are used; also receives the completion notification")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution finishes and return its final state")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowgraph.status",
		mcp.WithDescription("Get the state of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flowgraph.cancel",
		mcp.WithDescription("Cancel a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("flowgraph.list",
		mcp.WithDescription("List workflows or executions"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions"),
			mcp.Description("Type of resource to list"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, user_id, status, limit, offset)")),
	)
}

func logsTool() mcp.Tool {
	return mcp.NewTool("flowgraph.logs",
		mcp.WithDescription("Read the log lines of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("level", mcp.Enum("DEBUG", "INFO", "WARNING", "ERROR"), mcp.Description("Only lines of this level")),
		mcp.WithString("node_id", mcp.Description("Only lines of this node")),
		mcp.WithNumber("limit", mcp.Description("Maximum lines to return (default 100)")),
		mcp.WithNumber("offset", mcp.Description("Lines to skip")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("flowgraph.define",
		mcp.WithDescription("Validate and store a workflow definition"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Definition object with nodes, edges and variables")),
		mcp.WithString("description", mcp.Description("Workflow description")),
		mcp.WithString("version", mcp.Description("Free-form version label")),
		mcp.WithString("user_id", mcp.Description("Owner of the workflow")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flowgraph.diagram",
		mcp.WithDescription("Render a workflow as ASCII art, Mermaid flowchart syntax or a base64 PNG"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to draw")),
		mcp.WithString("execution_id", mcp.Description("Execution to draw with its node status overlay")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format"),
		),
	)
}
