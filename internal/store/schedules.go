package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/flowgraph/pkg/schema"
)

// --- Schedules ---

const scheduleColumns = `id, workflow_id, user_id, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, last_execution_id, created_at`

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	var inputs any
	if len(sched.Inputs) > 0 {
		data, err := json.Marshal(sched.Inputs)
		if err != nil {
			return fmt.Errorf("marshal schedule inputs: %w", err)
		}
		inputs = string(data)
	}
	sched.CreatedAt = timeOrNow(sched.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowID, nullStr(sched.UserID), sched.CronExpression, inputs, boolInt(sched.Enabled),
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), nullStr(sched.LastRunStatus),
		nullStr(sched.LastExecutionID), stamp(sched.CreatedAt),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", sched.ID)
	}
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sched, err := scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("schedule", id)
	}
	return sched, err
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules` + whereClause(where) +
		` ORDER BY created_at ASC` + limitClause(filter.Limit, 0)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, stamp(*update.LastRunAt))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, stamp(*update.NextRunAt))
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastExecutionID != "" {
		sets = append(sets, "last_execution_id = ?")
		args = append(args, update.LastExecutionID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	sched := &Schedule{}
	var (
		userID, inputs, status, lastExec sql.NullString
		enabled                          int
		lastRun, nextRun, created        nullTimestamp
	)
	if err := row.Scan(&sched.ID, &sched.WorkflowID, &userID, &sched.CronExpression, &inputs, &enabled,
		&lastRun, &nextRun, &status, &lastExec, &created); err != nil {
		return nil, err
	}
	sched.CreatedAt = created.Time
	sched.UserID = userID.String
	sched.Enabled = enabled == 1
	sched.LastRunAt = timePtr(lastRun)
	sched.NextRunAt = timePtr(nextRun)
	sched.LastRunStatus = status.String
	sched.LastExecutionID = lastExec.String
	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &sched.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal schedule inputs: %w", err)
		}
	}
	return sched, nil
}
