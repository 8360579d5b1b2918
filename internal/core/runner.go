package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	// SkippedReason is recorded on a trigger that found its schedule still running.
	SkippedReason = "skipped: previous execution still in progress"
	// ScheduleNotFoundReason is recorded when a run starts for a schedule that no longer exists.
	ScheduleNotFoundReason = "schedule not found"

	// statusWriteAttempts bounds the retries of one execution status write.
	statusWriteAttempts = 4
)

// Dispatcher calls the processing service for one task.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskType TaskType, cfg TaskConfig) (*TaskResult, error)
}

// Runner orchestrates single execution attempts. Runs for the same schedule never
// overlap; runs for different schedules proceed concurrently.
type Runner struct {
	store      Store
	dispatcher Dispatcher
	logger     *slog.Logger
	location   *time.Location
	now        func() time.Time
	retryDelay time.Duration

	mu   sync.Mutex
	idle *sync.Cond
	busy map[string]struct{}
}

// NewRunner constructs a runner. location is the wall clock used to recompute nextRun.
func NewRunner(store Store, dispatcher Dispatcher, logger *slog.Logger, location *time.Location) *Runner {
	if location == nil {
		location = time.Local
	}
	r := &Runner{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		location:   location,
		now:        time.Now,
		retryDelay: 250 * time.Millisecond,
		busy:       make(map[string]struct{}),
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// Run creates a pending Execution for scheduleID and returns it immediately; the
// attempt itself continues in the background and outlives ctx's cancellation.
// When the schedule is already running, a failed "skipped" Execution is recorded
// and returned together with ErrScheduleBusy.
func (r *Runner) Run(ctx context.Context, scheduleID string, firedAt time.Time) (*Execution, error) {
	if !r.acquire(scheduleID) {
		return r.skip(ctx, scheduleID, firedAt)
	}
	exec, err := r.store.CreateExecution(ctx, scheduleID, firedAt)
	if errors.Is(err, ErrExecutionInFlight) {
		exec, err = r.reclaim(ctx, scheduleID, firedAt)
	}
	if err != nil {
		r.release(scheduleID)
		if errors.Is(err, ErrExecutionInFlight) {
			return r.skip(ctx, scheduleID, firedAt)
		}
		return nil, fmt.Errorf("create execution: %w", err)
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		defer r.release(scheduleID)
		r.execute(bg, exec, firedAt)
	}()
	return exec, nil
}

// Busy reports whether scheduleID has an execution in flight in this process.
func (r *Runner) Busy(scheduleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.busy[scheduleID]
	return ok
}

// InFlight returns the number of executions currently in flight.
func (r *Runner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.busy)
}

// Wait blocks until no execution is in flight.
func (r *Runner) Wait() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.busy) > 0 {
		r.idle.Wait()
	}
}

func (r *Runner) acquire(scheduleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.busy[scheduleID]; ok {
		return false
	}
	r.busy[scheduleID] = struct{}{}
	return true
}

func (r *Runner) release(scheduleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.busy, scheduleID)
	if len(r.busy) == 0 {
		r.idle.Broadcast()
	}
}

// reclaim fails an in-flight record whose status write never landed and retries
// the create once. The caller holds the busy slot, so no live run in this
// process owns that record.
func (r *Runner) reclaim(ctx context.Context, scheduleID string, firedAt time.Time) (*Execution, error) {
	n, err := r.store.FailInFlightExecutions(ctx, scheduleID, RecoveredReason)
	if err != nil {
		return nil, fmt.Errorf("fail stale execution: %w", err)
	}
	r.logger.Warn("recovered stale in-flight execution", "schedule_id", scheduleID, "count", n)
	return r.store.CreateExecution(ctx, scheduleID, firedAt)
}

func (r *Runner) skip(ctx context.Context, scheduleID string, firedAt time.Time) (*Execution, error) {
	r.logger.Info("skipping run because schedule is already running", "schedule_id", scheduleID)
	exec, err := r.store.RecordSkippedExecution(ctx, scheduleID, firedAt, SkippedReason)
	if err != nil {
		return nil, fmt.Errorf("record skipped execution: %w", err)
	}
	return exec, ErrScheduleBusy
}

func (r *Runner) execute(ctx context.Context, exec *Execution, firedAt time.Time) {
	logger := r.logger.With("schedule_id", exec.ScheduleID, "execution_id", exec.ID)
	status := ExecutionPending
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		logger.Error("execution panicked", "panic", p, "stack", string(debug.Stack()))
		if status == ExecutionRunning {
			r.finish(ctx, logger, exec.ID, ExecutionFailed, ExecutionOutcome{ErrorMessage: fmt.Sprintf("internal error: %v", p)})
			r.recordRun(ctx, logger, exec.ScheduleID, firedAt)
		}
	}()

	if err := r.transition(ctx, logger, exec.ID, ExecutionRunning, ExecutionOutcome{At: r.now()}); err != nil {
		logger.Error("mark execution running", "err", err)
		return
	}
	status = ExecutionRunning

	schedule, err := r.store.GetSchedule(ctx, exec.ScheduleID)
	if err != nil {
		msg := ScheduleNotFoundReason
		if !errors.Is(err, ErrScheduleNotFound) {
			msg = fmt.Sprintf("load schedule: %v", err)
		}
		status = r.finish(ctx, logger, exec.ID, ExecutionFailed, ExecutionOutcome{ErrorMessage: msg})
		return
	}

	logger = logger.With("task_type", schedule.TaskType)
	started := r.now()
	result, err := r.dispatcher.Dispatch(ctx, schedule.TaskType, schedule.TaskConfig)
	if err != nil {
		logger.Warn("task dispatch failed", "err", err, "duration", r.now().Sub(started))
		status = r.finish(ctx, logger, exec.ID, ExecutionFailed, ExecutionOutcome{ErrorMessage: err.Error()})
	} else {
		payload, encErr := json.Marshal(result)
		if encErr != nil {
			status = r.finish(ctx, logger, exec.ID, ExecutionFailed, ExecutionOutcome{ErrorMessage: fmt.Sprintf("encode result: %v", encErr)})
		} else {
			logger.Info("task completed", "processed_count", result.ProcessedCount, "duration", r.now().Sub(started))
			status = r.finish(ctx, logger, exec.ID, ExecutionCompleted, ExecutionOutcome{Result: payload})
		}
	}
	r.recordRun(ctx, logger, schedule.ID, firedAt)
}

func (r *Runner) finish(ctx context.Context, logger *slog.Logger, executionID string, to ExecutionStatus, outcome ExecutionOutcome) ExecutionStatus {
	outcome.At = r.now()
	if err := r.transition(ctx, logger, executionID, to, outcome); err != nil {
		logger.Error("finish execution", "status", to, "err", err)
	}
	return to
}

// transition writes a status change, retrying store errors with a doubling
// delay. A missing execution or a rejected transition is final.
func (r *Runner) transition(ctx context.Context, logger *slog.Logger, executionID string, to ExecutionStatus, outcome ExecutionOutcome) error {
	delay := r.retryDelay
	for attempt := 1; ; attempt++ {
		err := r.store.TransitionExecution(ctx, executionID, to, outcome)
		if err == nil || attempt == statusWriteAttempts ||
			errors.Is(err, ErrExecutionNotFound) || errors.Is(err, ErrInvalidTransition) {
			return err
		}
		logger.Warn("execution status write failed, retrying", "status", to, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// recordRun stamps lastRun and recomputes nextRun from the current definition,
// which may have changed while the task was in flight.
func (r *Runner) recordRun(ctx context.Context, logger *slog.Logger, scheduleID string, firedAt time.Time) {
	current, err := r.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		if !errors.Is(err, ErrScheduleNotFound) {
			logger.Error("reload schedule after run", "err", err)
		}
		return
	}
	next := NextRun(current, r.now().In(r.location))
	if err := r.store.RecordRun(ctx, scheduleID, firedAt, next); err != nil {
		logger.Error("record run", "err", err)
	}
}
