package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowgraph/internal/diagram"
	"github.com/rendis/flowgraph/internal/store"
	"github.com/rendis/flowgraph/pkg/schema"
)

// handleExecute submits an execution. With wait it blocks for the final state.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID := req.GetString("user_id", "")
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	sub, execErr := s.engine.Execute(ctx, workflowID, userID, inputs)
	if execErr != nil {
		return toolError("execute failed", execErr), nil
	}

	if req.GetBool("wait", false) {
		state, waitErr := s.engine.Wait(ctx, sub.ExecutionID)
		if waitErr != nil {
			return toolError("wait failed", waitErr), nil
		}
		return marshalResult(state)
	}

	if userID != "" && s.captureSession(ctx, userID) {
		go s.watchCompletion(context.WithoutCancel(ctx), sub.ExecutionID, userID)
	}
	return marshalResult(sub)
}

// handleStatus returns the live or stored state of an execution.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	state, getErr := s.engine.Get(ctx, executionID)
	if getErr != nil {
		return toolError("status query failed", getErr), nil
	}
	return marshalResult(state)
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if cancelErr := s.engine.Cancel(ctx, executionID); cancelErr != nil {
		return toolError("cancel failed", cancelErr), nil
	}
	return marshalResult(map[string]any{
		"execution_id": executionID,
		"status":       schema.ExecutionCancelled,
	})
}

// handleList lists workflows or executions based on filters.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		wfs, listErr := s.workflows.ListWorkflows(ctx, store.WorkflowFilter{
			UserID: extractString(filter, "user_id"),
			Limit:  extractInt(filter, "limit", 50),
			Offset: extractInt(filter, "offset", 0),
		})
		if listErr != nil {
			return toolError("query failed", listErr), nil
		}
		return marshalResult(map[string]any{"workflows": wfs})
	case "executions":
		execs, listErr := s.engine.List(ctx, store.ExecutionFilter{
			WorkflowID: extractString(filter, "workflow_id"),
			UserID:     extractString(filter, "user_id"),
			Status:     schema.ExecutionStatus(extractString(filter, "status")),
			Limit:      extractInt(filter, "limit", 50),
			Offset:     extractInt(filter, "offset", 0),
		})
		if listErr != nil {
			return toolError("query failed", listErr), nil
		}
		return marshalResult(map[string]any{"executions": execs})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *Server) handleLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	logs, total, logsErr := s.engine.Logs(ctx, executionID, store.LogFilter{
		Level:  schema.LogLevel(strings.ToUpper(req.GetString("level", ""))),
		NodeID: req.GetString("node_id", ""),
		Limit:  req.GetInt("limit", 100),
		Offset: req.GetInt("offset", 0),
	})
	if logsErr != nil {
		return toolError("logs query failed", logsErr), nil
	}
	return marshalResult(map[string]any{"logs": logs, "total": total})
}

// handleDefine validates a definition and stores it as a new workflow.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	raw, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	def, loadErr := s.loader.Load(raw)
	if loadErr != nil {
		return toolError("invalid definition", loadErr), nil
	}

	now := time.Now().UTC()
	wf := &schema.Workflow{
		ID:          uuid.New().String(),
		Name:        name,
		Description: req.GetString("description", ""),
		Version:     req.GetString("version", ""),
		UserID:      req.GetString("user_id", ""),
		Definition:  *def,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if storeErr := s.workflows.CreateWorkflow(ctx, wf); storeErr != nil {
		return toolError("failed to store workflow", storeErr), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"nodes":       len(def.Nodes),
		"edges":       len(def.Edges),
	})
}

// handleDiagram draws a workflow, with a status overlay when an execution is given.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	workflowID := req.GetString("workflow_id", "")
	executionID := req.GetString("execution_id", "")
	if workflowID == "" && executionID == "" {
		return mcp.NewToolResultError("at least one of workflow_id or execution_id is required"), nil
	}

	var state *schema.ExecutionState
	if executionID != "" {
		st, getErr := s.engine.Get(ctx, executionID)
		if getErr != nil {
			return toolError("execution not found", getErr), nil
		}
		state = st
		workflowID = st.WorkflowID
	}
	wf, wfErr := s.workflows.GetWorkflow(ctx, workflowID)
	if wfErr != nil {
		return toolError("workflow not found", wfErr), nil
	}

	model, buildErr := diagram.ForWorkflow(wf, state)
	if buildErr != nil {
		return toolError("diagram build failed", buildErr), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// --- Internal helpers ---

// captureSession maps the user to the calling MCP session. It reports
// whether a session was found.
func (s *Server) captureSession(ctx context.Context, userID string) bool {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return false
	}
	s.sessions.Register(userID, session.SessionID())
	return true
}

// toolError renders err as a tool error, keeping the error code when present.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if fe, ok := schema.AsFlowError(err); ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s (%s)", prefix, fe.Message, fe.Code))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return v
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
