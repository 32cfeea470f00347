package store

import (
	"context"

	"github.com/rendis/flowgraph/pkg/schema"
)

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// ExecutionStore persists execution records and their log lines.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, state *schema.ExecutionState) error
	// UpdateExecution replaces the stored state document and its primary columns.
	UpdateExecution(ctx context.Context, state *schema.ExecutionState) error
	GetExecution(ctx context.Context, id string) (*schema.ExecutionState, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionState, error)

	AppendLogs(ctx context.Context, executionID string, entries []schema.LogEntry) error
	ListLogs(ctx context.Context, executionID string, filter LogFilter) ([]schema.LogEntry, int, error)
}

// SettingsStore persists per-user LLM provider settings.
type SettingsStore interface {
	UpsertLLMSettings(ctx context.Context, settings *LLMSettings) error
	GetActiveLLMSettings(ctx context.Context, userID string) (*LLMSettings, error)
}

// ScheduleStore persists cron schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	DeleteSchedule(ctx context.Context, id string) error
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	WorkflowStore
	ExecutionStore
	SettingsStore
	ScheduleStore

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
