package api

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rendis/flowgraph/internal/engine"
	"github.com/rendis/flowgraph/internal/graph"
	"github.com/rendis/flowgraph/internal/settings"
	"github.com/rendis/flowgraph/internal/store"
	"github.com/rendis/flowgraph/internal/streaming"
	"github.com/rendis/flowgraph/pkg/schema"
)

// UserHeader carries the caller's user id.
const UserHeader = "X-User-ID"

// Executions is the engine surface the API drives. Satisfied by *engine.Engine.
type Executions interface {
	Execute(ctx context.Context, workflowID, userID string, inputs map[string]any) (*engine.Submission, error)
	Cancel(ctx context.Context, executionID string) error
	Get(ctx context.Context, executionID string) (*schema.ExecutionState, error)
	List(ctx context.Context, filter store.ExecutionFilter) ([]*schema.ExecutionState, error)
	Logs(ctx context.Context, executionID string, filter store.LogFilter) ([]schema.LogEntry, int, error)
	Subscribe(executionID string) *streaming.Subscription
}

// SettingsWriter stores LLM provider settings. Satisfied by *settings.Service.
type SettingsWriter interface {
	Upsert(ctx context.Context, u settings.Update) (*store.LLMSettings, error)
}

// ScheduleCreator validates and stores schedules. Satisfied by *scheduler.Scheduler.
type ScheduleCreator interface {
	Create(ctx context.Context, sched *store.Schedule) error
}

// Config tunes the HTTP surface.
type Config struct {
	Addr           string        `koanf:"addr"`
	Heartbeat      time.Duration `koanf:"heartbeat"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
}

// Deps holds the collaborators of the API server. Schedules, Scheduler and
// Settings are optional; their routes answer 404 when missing.
type Deps struct {
	Engine    Executions
	Workflows store.WorkflowStore
	Schedules store.ScheduleStore
	Scheduler ScheduleCreator
	Settings  SettingsWriter
	Loader    *graph.Loader
	Logger    *slog.Logger
}

// Server serves the JSON API and the live streams.
type Server struct {
	deps      Deps
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps, cfg Config) (*Server, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Loader == nil {
		loader, err := graph.NewLoader()
		if err != nil {
			return nil, err
		}
		deps.Loader = loader
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	s := &Server{
		deps:      deps,
		heartbeat: cfg.Heartbeat,
		logger:    deps.Logger.With(slog.String("component", "api")),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return s, nil
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Workflows.
	mux.HandleFunc("POST /workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("DELETE /workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("GET /workflows/{id}/diagram", s.handleWorkflowDiagram)
	mux.HandleFunc("POST /workflows/{id}/execute", s.handleExecute)

	// Executions.
	mux.HandleFunc("GET /executions", s.handleListExecutions)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /executions/{id}/logs", s.handleLogs)
	mux.HandleFunc("GET /executions/{id}/diagram", s.handleExecutionDiagram)
	mux.HandleFunc("GET /executions/{id}/events", s.handleSSE)
	mux.HandleFunc("GET /executions/{id}/ws", s.handleWebSocket)

	// Settings and schedules.
	mux.HandleFunc("PUT /settings/llm", s.handleUpsertSettings)
	mux.HandleFunc("POST /schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /schedules", s.handleListSchedules)
	mux.HandleFunc("DELETE /schedules/{id}", s.handleDeleteSchedule)

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// statusRecorder captures the response status. It forwards Flush and Hijack
// so SSE and WebSocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
