package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition can occur.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// NodeStatus represents the lifecycle state of a node within one execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// LogLevel is the severity of an execution log entry.
type LogLevel string

const (
	LogDebug   LogLevel = "DEBUG"
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
)

// LogEntry is one line of the execution log buffer.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	NodeID    string    `json:"node_id,omitempty"`
	Message   string    `json:"message"`
}

// NodeState is the runtime record of a single node.
type NodeState struct {
	NodeID      string     `json:"node_id"`
	Status      NodeStatus `json:"status"`
	Input       any        `json:"input,omitempty"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ExecutionState is the runtime record of one workflow execution.
type ExecutionState struct {
	ExecutionID   string                `json:"execution_id"`
	WorkflowID    string                `json:"workflow_id"`
	UserID        string                `json:"user_id,omitempty"`
	Status        ExecutionStatus       `json:"status"`
	Variables     map[string]any        `json:"variables"`
	CurrentNodeID string                `json:"current_node_id,omitempty"`
	NodeStates    map[string]*NodeState `json:"node_states"`
	Logs          []LogEntry            `json:"logs"`
	Result        any                   `json:"result,omitempty"`
	Error         string                `json:"error,omitempty"`
	ErrorCode     string                `json:"error_code,omitempty"`
	FailedNodeID  string                `json:"failed_node_id,omitempty"`
	StartedAt     time.Time             `json:"started_at"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
}

// NewExecutionState creates a RUNNING state with empty node and log buffers.
func NewExecutionState(executionID, workflowID, userID string, variables map[string]any, startedAt time.Time) *ExecutionState {
	if variables == nil {
		variables = map[string]any{}
	}
	return &ExecutionState{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		UserID:      userID,
		Status:      ExecutionRunning,
		Variables:   variables,
		NodeStates:  make(map[string]*NodeState),
		Logs:        []LogEntry{},
		StartedAt:   startedAt,
	}
}

// Clone returns a deep copy safe to hand to readers outside the scheduler.
// Values are copied through a JSON round trip, so Go-typed payloads become
// their generic JSON equivalents.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		cp := *s
		return &cp
	}
	var out ExecutionState
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *s
		return &cp
	}
	if out.NodeStates == nil {
		out.NodeStates = make(map[string]*NodeState)
	}
	return &out
}

// CloneValue deep-copies a JSON-compatible value.
func CloneValue(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
