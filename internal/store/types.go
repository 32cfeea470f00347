package store

import (
	"time"

	"github.com/rendis/flowgraph/pkg/schema"
)

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	UserID string `json:"user_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                 `json:"workflow_id,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	Status     schema.ExecutionStatus `json:"status,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Offset     int                    `json:"offset,omitempty"`
}

// LogFilter specifies criteria for reading an execution's log lines.
type LogFilter struct {
	Level  schema.LogLevel `json:"level,omitempty"`
	NodeID string          `json:"node_id,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// LLMSettings is one user's configuration for one provider.
// APIKey holds the sealed key as produced by the secrets sealer.
type LLMSettings struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	APIKey    string    `json:"-"`
	BaseURL   string    `json:"base_url,omitempty"`
	Model     string    `json:"model,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Schedule is a cron-triggered workflow execution.
type Schedule struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	UserID          string         `json:"user_id,omitempty"`
	CronExpression  string         `json:"cron_expression"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	Enabled         bool           `json:"enabled"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus   string         `json:"last_run_status,omitempty"`
	LastExecutionID string         `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled         *bool      `json:"enabled,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
