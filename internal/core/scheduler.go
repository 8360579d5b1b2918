package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RecoveredReason is recorded on executions orphaned by a previous process.
const RecoveredReason = "recovered after restart"

// ScheduleStore persists schedule definitions and their run bookkeeping.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context) ([]*Schedule, error)
	ListActiveSchedules(ctx context.Context) ([]*Schedule, error)
	UpdateSchedule(ctx context.Context, s *Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool, nextRun *time.Time) error
	RecordRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error
	UpdateNextRun(ctx context.Context, id string, nextRun *time.Time) error
}

// ExecutionStore is the durable log of execution attempts.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, scheduleID string, at time.Time) (*Execution, error)
	RecordSkippedExecution(ctx context.Context, scheduleID string, at time.Time, reason string) (*Execution, error)
	TransitionExecution(ctx context.Context, id string, to ExecutionStatus, outcome ExecutionOutcome) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*Execution, error)
	LatestExecution(ctx context.Context, scheduleID string) (*Execution, error)
	RecoverOrphanedExecutions(ctx context.Context, before time.Time, reason string) (int, error)
	FailInFlightExecutions(ctx context.Context, scheduleID string, reason string) (int, error)
}

// Store abstracts the persistence layer used by the engine and runner.
type Store interface {
	ScheduleStore
	ExecutionStore
}

// EngineStatus is a point-in-time snapshot of the engine.
type EngineStatus struct {
	Running     bool
	ActiveTasks int
	InFlight    int
	Timers      []TimerStatus
}

// TimerStatus describes one armed timer.
type TimerStatus struct {
	ScheduleID string
	NextFire   *time.Time
}

// Engine keeps one cron entry per active schedule and hands every fire to the Runner.
type Engine struct {
	store             Store
	runner            *Runner
	logger            *slog.Logger
	location          *time.Location
	recoveryThreshold time.Duration
	now               func() time.Time

	lifecycle sync.Mutex
	recovered bool

	mu      sync.RWMutex
	running bool
	cron    *cron.Cron
	entries map[string]cron.EntryID
	ctx     context.Context

	idLocks sync.Map // schedule id -> *sync.Mutex
}

// NewEngine constructs an engine. Executions left pending or running for longer
// than recoveryThreshold are failed on the first Start.
func NewEngine(store Store, runner *Runner, logger *slog.Logger, location *time.Location, recoveryThreshold time.Duration) *Engine {
	if location == nil {
		location = time.Local
	}
	return &Engine{
		store:             store,
		runner:            runner,
		logger:            logger,
		location:          location,
		recoveryThreshold: recoveryThreshold,
		now:               time.Now,
		entries:           make(map[string]cron.EntryID),
	}
}

// Start recovers orphaned executions, arms every active schedule and starts the
// timer loop. ctx is used for background store operations. Calling Start on a
// running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.Running() {
		return nil
	}
	if !e.recovered {
		n, err := e.store.RecoverOrphanedExecutions(ctx, e.now().Add(-e.recoveryThreshold), RecoveredReason)
		if err != nil {
			return fmt.Errorf("recover orphaned executions: %w", err)
		}
		if n > 0 {
			e.logger.Warn("recovered orphaned executions", "count", n)
		}
		e.recovered = true
	}
	schedules, err := e.store.ListActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list active schedules: %w", err)
	}
	logger := cronLogger{logger: e.logger.With("component", "cron")}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(e.location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
	e.mu.Lock()
	e.cron = c
	e.entries = make(map[string]cron.EntryID)
	e.ctx = ctx
	e.running = true
	e.mu.Unlock()

	for _, s := range schedules {
		if err := e.ScheduleDefinition(ctx, s); err != nil {
			e.logger.Error("schedule task", "schedule_id", s.ID, "err", err)
		}
	}
	c.Start()
	e.logger.Info("engine started", "active_tasks", e.ActiveTaskCount())
	return nil
}

// Stop cancels every armed timer and clears the registry. The returned context is
// done once running timer callbacks and in-flight executions have finished.
func (e *Engine) Stop() context.Context {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.mu.Lock()
	c := e.cron
	wasRunning := e.running
	e.running = false
	e.cron = nil
	e.entries = make(map[string]cron.EntryID)
	e.mu.Unlock()

	done, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		if c != nil {
			<-c.Stop().Done()
		}
		e.runner.Wait()
	}()
	if wasRunning {
		e.logger.Info("engine stopped")
	}
	return done
}

// ScheduleTask re-reads the schedule and re-arms its timer. A missing or inactive
// schedule is unscheduled.
func (e *Engine) ScheduleTask(ctx context.Context, id string) error {
	unlock := e.lockID(id)
	defer unlock()
	s, err := e.store.GetSchedule(ctx, id)
	if errors.Is(err, ErrScheduleNotFound) {
		e.unschedule(id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load schedule %s: %w", id, err)
	}
	return e.arm(ctx, s)
}

// ScheduleDefinition re-arms the timer for an already-loaded definition.
func (e *Engine) ScheduleDefinition(ctx context.Context, s *Schedule) error {
	unlock := e.lockID(s.ID)
	defer unlock()
	return e.arm(ctx, s)
}

// UnscheduleTask cancels the timer for id if one is armed.
func (e *Engine) UnscheduleTask(id string) {
	unlock := e.lockID(id)
	defer unlock()
	e.unschedule(id)
}

// ExecuteNow triggers a run independent of the timer.
func (e *Engine) ExecuteNow(ctx context.Context, id string) (*Execution, error) {
	return e.runner.Run(ctx, id, e.now())
}

// Running reports whether the timer loop is running.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// ActiveTaskCount returns the number of armed timers.
func (e *Engine) ActiveTaskCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// IsTaskActive reports whether a timer is armed for id.
func (e *Engine) IsTaskActive(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.entries[id]
	return ok
}

// ActiveTaskIDs returns the ids with an armed timer, sorted.
func (e *Engine) ActiveTaskIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.entries))
	for id := range e.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status returns the running flag, counts and the next fire of every timer.
func (e *Engine) Status() EngineStatus {
	e.mu.RLock()
	status := EngineStatus{Running: e.running, ActiveTasks: len(e.entries)}
	timers := make([]TimerStatus, 0, len(e.entries))
	for id, entryID := range e.entries {
		t := TimerStatus{ScheduleID: id}
		if e.cron != nil {
			if next := e.cron.Entry(entryID).Next; !next.IsZero() {
				t.NextFire = &next
			}
		}
		timers = append(timers, t)
	}
	e.mu.RUnlock()
	sort.Slice(timers, func(i, j int) bool { return timers[i].ScheduleID < timers[j].ScheduleID })
	status.Timers = timers
	status.InFlight = e.runner.InFlight()
	return status
}

// arm must be called with the id lock held.
func (e *Engine) arm(ctx context.Context, s *Schedule) error {
	e.unschedule(s.ID)
	if !s.IsActive {
		return nil
	}
	schedule, err := CronSchedule(s)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", s.ID, err)
	}
	id := s.ID
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	var entryID cron.EntryID
	entryID = e.cron.Schedule(schedule, cron.FuncJob(func() {
		e.mu.RLock()
		own := entryID
		e.mu.RUnlock()
		e.fire(id, own)
	}))
	e.entries[id] = entryID
	e.mu.Unlock()

	if next := schedule.Next(e.now().In(e.location)); !next.IsZero() {
		if err := e.store.UpdateNextRun(ctx, id, &next); err != nil {
			e.logger.Warn("update next_run failed", "schedule_id", id, "err", err)
		}
	}
	e.logger.Debug("schedule armed", "schedule_id", id, "schedule_type", s.ScheduleType)
	return nil
}

func (e *Engine) unschedule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entryID, ok := e.entries[id]; ok {
		if e.cron != nil {
			e.cron.Remove(entryID)
		}
		delete(e.entries, id)
	}
}

// fire runs for the cron entry entryID. The schedule may have been re-armed since
// the tick, so the fire time is read from that entry and next_run is only
// written while the entry is still the armed one.
func (e *Engine) fire(id string, entryID cron.EntryID) {
	e.mu.RLock()
	current, ok := e.entries[id]
	c := e.cron
	e.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	entry := c.Entry(entryID)
	firedAt := entry.Prev
	if firedAt.IsZero() {
		firedAt = e.now()
	}
	ctx := e.context()
	if current == entryID && !entry.Next.IsZero() {
		next := entry.Next
		if err := e.store.UpdateNextRun(ctx, id, &next); err != nil {
			e.logger.Error("update next_run", "schedule_id", id, "err", err)
		}
	}
	e.handleScheduledTrigger(ctx, id, firedAt)
}

func (e *Engine) handleScheduledTrigger(ctx context.Context, id string, firedAt time.Time) {
	s, err := e.store.GetSchedule(ctx, id)
	if errors.Is(err, ErrScheduleNotFound) {
		e.UnscheduleTask(id)
		return
	}
	if err != nil {
		e.logger.Error("fetch schedule for scheduled run", "schedule_id", id, "err", err)
		return
	}
	if !s.IsActive {
		e.UnscheduleTask(id)
		return
	}
	exec, err := e.runner.Run(ctx, id, firedAt)
	switch {
	case errors.Is(err, ErrScheduleBusy):
	case err != nil:
		e.logger.Error("start scheduled run", "schedule_id", id, "err", err)
	default:
		e.logger.Info("scheduled run started", "schedule_id", id, "execution_id", exec.ID)
	}
}

func (e *Engine) lockID(id string) func() {
	v, _ := e.idLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) context() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}
