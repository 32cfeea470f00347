package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/flowgraph/internal/engine"
	"github.com/rendis/flowgraph/internal/store"
	"github.com/rendis/flowgraph/pkg/schema"
)

// Run statuses recorded on a schedule after each trigger.
const (
	StatusSubmitted = "submitted"
	StatusError     = "error"
)

const defaultInterval = 60 * time.Second

// Executor submits workflow executions. Satisfied by *engine.Engine.
type Executor interface {
	Execute(ctx context.Context, workflowID, userID string, inputs map[string]any) (*engine.Submission, error)
}

// Config tunes the scheduler.
type Config struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

// Scheduler polls the schedule store and submits executions that are due.
type Scheduler struct {
	store    store.ScheduleStore
	executor Executor
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler. A zero interval polls every minute.
func NewScheduler(s store.ScheduleStore, executor Executor, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		executor: executor,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: interval,
		logger:   logger.With(slog.String("component", "scheduler")),
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Create validates the cron expression, assigns an ID when missing and
// stores the schedule with its first run time.
func (s *Scheduler) Create(ctx context.Context, sched *store.Schedule) error {
	if sched.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule requires workflow_id")
	}
	next, err := s.CalculateNextRun(sched.CronExpression, s.now())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	sched.NextRunAt = &next
	return s.store.CreateSchedule(ctx, sched)
}

// Start launches the polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick triggers every enabled schedule whose next run is due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		if err := s.trigger(ctx, sched, now); err != nil {
			s.logger.Error("failed to trigger schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sched.ID)
	}
}

// trigger submits one execution and advances the schedule. A failed
// submission still advances next_run_at so a broken schedule does not fire
// on every poll.
func (s *Scheduler) trigger(ctx context.Context, sched *store.Schedule, now time.Time) error {
	s.logger.Info("triggering schedule",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow_id", sched.WorkflowID),
	)

	update := store.ScheduleUpdate{LastRunAt: &now, LastRunStatus: StatusSubmitted}
	sub, err := s.executor.Execute(ctx, sched.WorkflowID, sched.UserID, sched.Inputs)
	if err != nil {
		update.LastRunStatus = StatusError
		s.logger.Error("scheduled execution rejected",
			slog.String("schedule_id", sched.ID),
			slog.String("error_code", schema.CodeOf(err)),
			slog.String("error", err.Error()),
		)
	} else {
		update.LastExecutionID = sub.ExecutionID
	}

	next, perr := s.CalculateNextRun(sched.CronExpression, now)
	if perr != nil {
		disabled := false
		update.Enabled = &disabled
		update.LastRunStatus = StatusError
		if uerr := s.store.UpdateSchedule(ctx, sched.ID, update); uerr != nil {
			return uerr
		}
		return fmt.Errorf("schedule %q disabled: %w", sched.ID, perr)
	}
	update.NextRunAt = &next
	return s.store.UpdateSchedule(ctx, sched.ID, update)
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a five-field cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop ends the polling loop and waits for the current tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed triggers, once, every enabled schedule whose next run passed
// while the process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, sched := range schedules {
		if sched.NextRunAt == nil || !sched.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		err := s.trigger(ctx, sched, now)
		s.release(sched.ID)
		if err != nil {
			s.logger.Error("failed to recover missed schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
