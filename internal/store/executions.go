package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rendis/flowgraph/pkg/schema"
)

// --- Executions ---

const executionColumns = `id, workflow_id, user_id, status, state, error, error_code, failed_node_id, started_at, completed_at`

// stateDocument is the persisted state blob. Logs live in execution_logs.
func stateDocument(state *schema.ExecutionState) (string, error) {
	doc := *state
	doc.Logs = nil
	data, err := json.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("marshal execution state: %w", err)
	}
	return string(data), nil
}

func (s *LibSQLStore) CreateExecution(ctx context.Context, state *schema.ExecutionState) error {
	doc, err := stateDocument(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.ExecutionID, state.WorkflowID, nullStr(state.UserID), string(state.Status), doc,
		nullStr(state.Error), nullStr(state.ErrorCode), nullStr(state.FailedNodeID),
		stamp(timeOrNow(state.StartedAt)), nullTime(state.CompletedAt),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", state.ExecutionID)
	}
	return err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, state *schema.ExecutionState) error {
	doc, err := stateDocument(state)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, state = ?, error = ?, error_code = ?, failed_node_id = ?, completed_at = ?
		 WHERE id = ?`,
		string(state.Status), doc, nullStr(state.Error), nullStr(state.ErrorCode), nullStr(state.FailedNodeID),
		nullTime(state.CompletedAt), state.ExecutionID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", state.ExecutionID)
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.ExecutionState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	state, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "Execution %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	logs, _, err := s.ListLogs(ctx, id, LogFilter{})
	if err != nil {
		return nil, err
	}
	// Stored newest first; the state carries them in emission order.
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	state.Logs = logs
	return state, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionState, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + executionColumns + ` FROM executions` + whereClause(where) +
		` ORDER BY started_at DESC` + limitClause(filter.Limit, filter.Offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ExecutionState
	for rows.Next() {
		state, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

// scanExecution decodes the state blob and lets the primary columns win.
func scanExecution(row rowScanner) (*schema.ExecutionState, error) {
	var (
		id, workflowID, status, doc string
		userID, errMsg, errCode     sql.NullString
		failedNode                  sql.NullString
		startedAt                   nullTimestamp
		completedAt                 nullTimestamp
	)
	if err := row.Scan(&id, &workflowID, &userID, &status, &doc, &errMsg, &errCode, &failedNode, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	state := &schema.ExecutionState{}
	if err := json.Unmarshal([]byte(doc), state); err != nil {
		return nil, fmt.Errorf("unmarshal execution state %s: %w", id, err)
	}
	state.ExecutionID = id
	state.WorkflowID = workflowID
	state.UserID = userID.String
	state.Status = schema.ExecutionStatus(status)
	state.Error = errMsg.String
	state.ErrorCode = errCode.String
	state.FailedNodeID = failedNode.String
	if startedAt.Valid {
		state.StartedAt = startedAt.Time
	}
	state.CompletedAt = timePtr(completedAt)
	if state.NodeStates == nil {
		state.NodeStates = make(map[string]*schema.NodeState)
	}
	if state.Variables == nil {
		state.Variables = map[string]any{}
	}
	if state.Logs == nil {
		state.Logs = []schema.LogEntry{}
	}
	return state, nil
}

// --- Execution logs ---

func (s *LibSQLStore) AppendLogs(ctx context.Context, executionID string, entries []schema.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO execution_logs (execution_id, timestamp, level, node_id, message) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, executionID, stamp(timeOrNow(e.Timestamp)), string(e.Level), nullStr(e.NodeID), e.Message); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
	}
	return tx.Commit()
}

// ListLogs returns matching log lines newest first and the total number of
// matches before paging.
func (s *LibSQLStore) ListLogs(ctx context.Context, executionID string, filter LogFilter) ([]schema.LogEntry, int, error) {
	where := []string{"execution_id = ?"}
	args := []any{executionID}
	if filter.Level != "" {
		where = append(where, "level = ?")
		args = append(args, string(filter.Level))
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_logs`+whereClause(where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT timestamp, level, node_id, message FROM execution_logs` + whereClause(where) +
		` ORDER BY timestamp DESC, id DESC` + limitClause(filter.Limit, filter.Offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := []schema.LogEntry{}
	for rows.Next() {
		var e schema.LogEntry
		var level string
		var nodeID sql.NullString
		var ts nullTimestamp
		if err := rows.Scan(&ts, &level, &nodeID, &e.Message); err != nil {
			return nil, 0, err
		}
		e.Timestamp = ts.Time
		e.Level = schema.LogLevel(level)
		e.NodeID = nodeID.String
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}
