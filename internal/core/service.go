package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// CreateScheduleInput is the definition accepted when creating a schedule.
type CreateScheduleInput struct {
	Name           string          `json:"name"`
	Description    *string         `json:"description,omitempty"`
	ScheduleType   ScheduleType    `json:"scheduleType"`
	Time           *string         `json:"time,omitempty"`
	DayOfWeek      *int            `json:"dayOfWeek,omitempty"`
	DayOfMonth     *int            `json:"dayOfMonth,omitempty"`
	CronExpression *string         `json:"cronExpression,omitempty"`
	TaskType       TaskType        `json:"taskType"`
	TaskConfig     json.RawMessage `json:"taskConfig,omitempty"`
	IsActive       *bool           `json:"isActive,omitempty"`
}

// UpdateScheduleInput is a partial update; nil fields keep their current value.
type UpdateScheduleInput struct {
	Name           *string         `json:"name,omitempty"`
	Description    *string         `json:"description,omitempty"`
	ScheduleType   *ScheduleType   `json:"scheduleType,omitempty"`
	Time           *string         `json:"time,omitempty"`
	DayOfWeek      *int            `json:"dayOfWeek,omitempty"`
	DayOfMonth     *int            `json:"dayOfMonth,omitempty"`
	CronExpression *string         `json:"cronExpression,omitempty"`
	TaskType       *TaskType       `json:"taskType,omitempty"`
	TaskConfig     json.RawMessage `json:"taskConfig,omitempty"`
	IsActive       *bool           `json:"isActive,omitempty"`
}

// ScheduleService applies schedule mutations to the store and keeps the engine's
// timers in step with the persisted active flag.
type ScheduleService struct {
	store    Store
	engine   *Engine
	logger   *slog.Logger
	location *time.Location
	now      func() time.Time
}

// NewScheduleService wires a service over store and engine.
func NewScheduleService(store Store, engine *Engine, logger *slog.Logger, location *time.Location) *ScheduleService {
	if location == nil {
		location = time.Local
	}
	return &ScheduleService{store: store, engine: engine, logger: logger, location: location, now: time.Now}
}

// Engine returns the engine the service keeps in sync.
func (s *ScheduleService) Engine() *Engine {
	return s.engine
}

// List returns every schedule, active ones first, newest first within each group.
func (s *ScheduleService) List(ctx context.Context) ([]*Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// Get returns a single schedule.
func (s *ScheduleService) Get(ctx context.Context, id string) (*Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// Create validates and persists a new schedule, then arms its timer.
func (s *ScheduleService) Create(ctx context.Context, in CreateScheduleInput) (*Schedule, error) {
	cfg, err := DecodeTaskConfig(in.TaskType, in.TaskConfig)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sched := &Schedule{
		ID:             NewID(),
		Name:           in.Name,
		Description:    in.Description,
		ScheduleType:   in.ScheduleType,
		Time:           in.Time,
		DayOfWeek:      in.DayOfWeek,
		DayOfMonth:     in.DayOfMonth,
		CronExpression: in.CronExpression,
		TaskType:       in.TaskType,
		TaskConfig:     cfg,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.IsActive != nil {
		sched.IsActive = *in.IsActive
	}
	sched.Normalize()
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	sched.NextRun = NextRun(sched, s.now().In(s.location))
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	s.logger.Info("schedule created", "schedule_id", sched.ID, "schedule_type", sched.ScheduleType, "task_type", sched.TaskType)
	s.sync(ctx, sched)
	return sched, nil
}

// Update merges in onto the stored schedule, re-validates the result and re-arms its timer.
func (s *ScheduleService) Update(ctx context.Context, id string, in UpdateScheduleInput) (*Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		sched.Name = *in.Name
	}
	if in.Description != nil {
		sched.Description = in.Description
	}
	if in.ScheduleType != nil {
		sched.ScheduleType = *in.ScheduleType
	}
	if in.Time != nil {
		sched.Time = in.Time
	}
	if in.DayOfWeek != nil {
		sched.DayOfWeek = in.DayOfWeek
	}
	if in.DayOfMonth != nil {
		sched.DayOfMonth = in.DayOfMonth
	}
	if in.CronExpression != nil {
		sched.CronExpression = in.CronExpression
	}
	if in.TaskType != nil && *in.TaskType != sched.TaskType {
		sched.TaskType = *in.TaskType
		if len(in.TaskConfig) == 0 {
			return nil, invalid("taskConfig", "is required when changing task type")
		}
	}
	if len(in.TaskConfig) > 0 {
		cfg, err := DecodeTaskConfig(sched.TaskType, in.TaskConfig)
		if err != nil {
			return nil, err
		}
		sched.TaskConfig = cfg
	}
	if in.IsActive != nil {
		sched.IsActive = *in.IsActive
	}
	sched.Normalize()
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	sched.NextRun = NextRun(sched, s.now().In(s.location))
	sched.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	s.logger.Info("schedule updated", "schedule_id", sched.ID)
	s.sync(ctx, sched)
	return sched, nil
}

// Delete removes the schedule and cancels its timer. Execution history is kept
// and in-flight executions still run to completion.
func (s *ScheduleService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.engine.UnscheduleTask(id)
	s.logger.Info("schedule deleted", "schedule_id", id)
	return nil
}

// Activate marks the schedule active, recomputes nextRun and arms its timer.
func (s *ScheduleService) Activate(ctx context.Context, id string) (*Schedule, error) {
	return s.setActive(ctx, id, true)
}

// Deactivate marks the schedule inactive, clears nextRun and cancels its timer.
func (s *ScheduleService) Deactivate(ctx context.Context, id string) (*Schedule, error) {
	return s.setActive(ctx, id, false)
}

func (s *ScheduleService) setActive(ctx context.Context, id string, active bool) (*Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	sched.IsActive = active
	sched.NextRun = NextRun(sched, s.now().In(s.location))
	if err := s.store.SetActive(ctx, id, active, sched.NextRun); err != nil {
		return nil, err
	}
	s.logger.Info("schedule active flag changed", "schedule_id", id, "active", active)
	s.sync(ctx, sched)
	return s.store.GetSchedule(ctx, id)
}

// ExecuteNow starts a run of an existing schedule outside its timer. A busy
// schedule yields the recorded skipped execution together with ErrScheduleBusy.
func (s *ScheduleService) ExecuteNow(ctx context.Context, id string) (*Execution, error) {
	if _, err := s.store.GetSchedule(ctx, id); err != nil {
		return nil, err
	}
	return s.engine.ExecuteNow(ctx, id)
}

// Executions returns the newest executions of a schedule; limit <= 0 returns all.
func (s *ScheduleService) Executions(ctx context.Context, id string, limit int) ([]*Execution, error) {
	if _, err := s.store.GetSchedule(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, id, limit)
}

// LatestExecution returns the most recent execution, or ErrExecutionNotFound when none exists.
func (s *ScheduleService) LatestExecution(ctx context.Context, id string) (*Execution, error) {
	if _, err := s.store.GetSchedule(ctx, id); err != nil {
		return nil, err
	}
	return s.store.LatestExecution(ctx, id)
}

// Execution returns one execution by id.
func (s *ScheduleService) Execution(ctx context.Context, id string) (*Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// sync re-reads the schedule and re-arms its timer. A failure here leaves the
// definition persisted; the next Start rebuilds the registry from the store.
func (s *ScheduleService) sync(ctx context.Context, sched *Schedule) {
	if err := s.engine.ScheduleTask(ctx, sched.ID); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("schedule task", "schedule_id", sched.ID, "err", err)
	}
}
