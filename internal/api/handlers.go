package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowgraph/internal/diagram"
	"github.com/rendis/flowgraph/internal/settings"
	"github.com/rendis/flowgraph/internal/store"
	"github.com/rendis/flowgraph/pkg/schema"
)

const defaultPageSize = 50

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Workflows ---

type createWorkflowRequest struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     string          `json:"version,omitempty"`
	Definition  json.RawMessage `json:"definition"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		badRequest(w, "name is required")
		return
	}
	if len(req.Definition) == 0 {
		writeError(w, schema.NewError(schema.ErrCodeInvalidDefinition, "Invalid workflow definition: definition is required"))
		return
	}
	def, err := s.deps.Loader.Load(req.Definition)
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	wf := &schema.Workflow{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		UserID:      userID(r),
		Definition:  *def,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if err := s.deps.Workflows.CreateWorkflow(r.Context(), wf); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("workflow created", "workflow_id", wf.ID, "nodes", len(def.Nodes))
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := page(w, r)
	if !ok {
		return
	}
	filter := store.WorkflowFilter{UserID: r.URL.Query().Get("user_id"), Limit: limit, Offset: offset}
	if filter.UserID == "" {
		filter.UserID = userID(r)
	}
	wfs, err := s.deps.Workflows.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if wfs == nil {
		wfs = []*schema.Workflow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": wfs, "count": len(wfs)})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workflows.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Workflows.DeleteWorkflow(r.Context(), id); err != nil {
		if schema.CodeOf(err) == schema.ErrCodeNotFound {
			err = schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "Workflow %s not found", id)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Workflow deleted successfully"})
}

func (s *Server) handleWorkflowDiagram(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workflows.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeDiagram(w, r, wf, nil)
}

// --- Executions ---

type executeRequest struct {
	Inputs map[string]any `json:"inputs"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := s.deps.Engine.Execute(r.Context(), r.PathValue("id"), userID(r), req.Inputs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := page(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		WorkflowID: q.Get("workflow_id"),
		UserID:     q.Get("user_id"),
		Status:     schema.ExecutionStatus(q.Get("status")),
		Limit:      limit,
		Offset:     offset,
	}
	execs, err := s.deps.Engine.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if execs == nil {
		execs = []*schema.ExecutionState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs, "count": len(execs)})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Engine.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution_id": id, "status": schema.ExecutionCancelled})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := page(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := store.LogFilter{
		Level:  schema.LogLevel(strings.ToUpper(q.Get("level"))),
		NodeID: q.Get("node_id"),
		Limit:  limit,
		Offset: offset,
	}
	logs, total, err := s.deps.Engine.Logs(r.Context(), r.PathValue("id"), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []schema.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "total": total})
}

func (s *Server) handleExecutionDiagram(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	wf, err := s.deps.Workflows.GetWorkflow(r.Context(), state.WorkflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeDiagram(w, r, wf, state)
}

// writeDiagram renders wf in the format named by ?format=, mermaid by default.
func (s *Server) writeDiagram(w http.ResponseWriter, r *http.Request, wf *schema.Workflow, state *schema.ExecutionState) {
	model, err := diagram.ForWorkflow(wf, state)
	if err != nil {
		writeError(w, err)
		return
	}
	switch format := strings.ToLower(r.URL.Query().Get("format")); format {
	case "", "mermaid":
		writeJSON(w, http.StatusOK, map[string]string{"format": "mermaid", "diagram": diagram.RenderMermaid(model)})
	case "ascii":
		writeJSON(w, http.StatusOK, map[string]string{"format": "ascii", "diagram": diagram.RenderASCII(model)})
	case diagram.FormatPNG, diagram.FormatSVG:
		img, err := diagram.RenderImage(r.Context(), model, format)
		if err != nil {
			writeError(w, schema.NewError(schema.ErrCodeInternal, "render diagram").WithCause(err))
			return
		}
		ctype := "image/png"
		if format == diagram.FormatSVG {
			ctype = "image/svg+xml"
		}
		w.Header().Set("Content-Type", ctype)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(img)
	default:
		badRequest(w, "unsupported diagram format %q", format)
	}
}

// --- Settings ---

type settingsRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
	Model    string `json:"model,omitempty"`
	IsActive *bool  `json:"is_active,omitempty"`
}

func (s *Server) handleUpsertSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		http.NotFound(w, r)
		return
	}
	uid := userID(r)
	if uid == "" {
		badRequest(w, "%s header is required", UserHeader)
		return
	}
	var req settingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	row, err := s.deps.Settings.Upsert(r.Context(), settings.Update{
		UserID:   uid,
		Provider: req.Provider,
		APIKey:   req.APIKey,
		BaseURL:  req.BaseURL,
		Model:    req.Model,
		IsActive: active,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// --- Schedules ---

type scheduleRequest struct {
	WorkflowID     string         `json:"workflow_id"`
	CronExpression string         `json:"cron_expression"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		http.NotFound(w, r)
		return
	}
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := s.deps.Workflows.GetWorkflow(r.Context(), req.WorkflowID); err != nil {
		writeError(w, err)
		return
	}
	sched := &store.Schedule{
		WorkflowID:     req.WorkflowID,
		UserID:         userID(r),
		CronExpression: req.CronExpression,
		Inputs:         req.Inputs,
		Enabled:        req.Enabled == nil || *req.Enabled,
	}
	if err := s.deps.Scheduler.Create(r.Context(), sched); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		http.NotFound(w, r)
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		badRequest(w, "%s", err.Error())
		return
	}
	scheds, err := s.deps.Schedules.ListSchedules(r.Context(), store.ScheduleFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Limit:      limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if scheds == nil {
		scheds = []*store.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": scheds, "count": len(scheds)})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		http.NotFound(w, r)
		return
	}
	if err := s.deps.Schedules.DeleteSchedule(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func page(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err == nil {
		offset, err = queryInt(r, "offset", 0)
	}
	if err != nil {
		badRequest(w, "%s", err.Error())
		return 0, 0, false
	}
	return limit, offset, true
}
