package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store that enforces the same in-flight and
// transition rules as the SQLite store.
type memStore struct {
	mu         sync.Mutex
	schedules  map[string]*Schedule
	executions []*Execution
	recorded   map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		schedules: make(map[string]*Schedule),
		recorded:  make(map[string]int),
	}
}

func cloneSchedule(s *Schedule) *Schedule {
	c := *s
	return &c
}

func cloneExecution(e *Execution) *Execution {
	c := *e
	return &c
}

func (m *memStore) CreateSchedule(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return fmt.Errorf("duplicate schedule %s", s.ID)
	}
	c := cloneSchedule(s)
	if !c.IsActive {
		c.NextRun = nil
	}
	m.schedules[s.ID] = c
	return nil
}

func (m *memStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return cloneSchedule(s), nil
}

func (m *memStore) ListSchedules(_ context.Context) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, cloneSchedule(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListActiveSchedules(ctx context.Context) ([]*Schedule, error) {
	all, _ := m.ListSchedules(ctx)
	var out []*Schedule
	for _, s := range all {
		if s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) UpdateSchedule(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.schedules[s.ID]
	if !ok {
		return ErrScheduleNotFound
	}
	c := cloneSchedule(s)
	c.LastRun = cur.LastRun
	if !c.IsActive {
		c.NextRun = nil
	}
	m.schedules[s.ID] = c
	return nil
}

func (m *memStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrScheduleNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *memStore) SetActive(_ context.Context, id string, active bool, nextRun *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return ErrScheduleNotFound
	}
	s.IsActive = active
	s.NextRun = nil
	if active {
		s.NextRun = nextRun
	}
	return nil
}

func (m *memStore) RecordRun(_ context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return ErrScheduleNotFound
	}
	s.LastRun = &lastRun
	s.NextRun = nil
	if s.IsActive {
		s.NextRun = nextRun
	}
	m.recorded[id]++
	return nil
}

func (m *memStore) UpdateNextRun(_ context.Context, id string, nextRun *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.schedules[id]; ok && s.IsActive {
		s.NextRun = nextRun
	}
	return nil
}

func (m *memStore) CreateExecution(_ context.Context, scheduleID string, at time.Time) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.ScheduleID == scheduleID && !e.Status.Terminal() {
			return nil, ErrExecutionInFlight
		}
	}
	e := &Execution{ID: NewID(), ScheduleID: scheduleID, Status: ExecutionPending, StartedAt: at, CreatedAt: time.Now()}
	m.executions = append(m.executions, e)
	return cloneExecution(e), nil
}

func (m *memStore) RecordSkippedExecution(_ context.Context, scheduleID string, at time.Time, reason string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &Execution{
		ID:           NewID(),
		ScheduleID:   scheduleID,
		Status:       ExecutionFailed,
		StartedAt:    at,
		CompletedAt:  &at,
		ErrorMessage: &reason,
		CreatedAt:    time.Now(),
	}
	m.executions = append(m.executions, e)
	return cloneExecution(e), nil
}

func (m *memStore) TransitionExecution(_ context.Context, id string, to ExecutionStatus, outcome ExecutionOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from, ok := to.Previous()
	if !ok {
		return ErrInvalidTransition
	}
	for _, e := range m.executions {
		if e.ID != id {
			continue
		}
		if e.Status != from {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
		}
		e.Status = to
		switch to {
		case ExecutionRunning:
			e.StartedAt = outcome.At
		case ExecutionCompleted:
			at := outcome.At
			e.CompletedAt = &at
			e.Result = outcome.Result
		case ExecutionFailed:
			at := outcome.At
			msg := outcome.ErrorMessage
			e.CompletedAt = &at
			e.ErrorMessage = &msg
		}
		return nil
	}
	return ErrExecutionNotFound
}

func (m *memStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.ID == id {
			return cloneExecution(e), nil
		}
	}
	return nil, ErrExecutionNotFound
}

func (m *memStore) ListExecutions(_ context.Context, scheduleID string, limit int) ([]*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Execution
	for i := len(m.executions) - 1; i >= 0; i-- {
		if e := m.executions[i]; e.ScheduleID == scheduleID {
			out = append(out, cloneExecution(e))
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) LatestExecution(ctx context.Context, scheduleID string) (*Execution, error) {
	execs, _ := m.ListExecutions(ctx, scheduleID, 1)
	if len(execs) == 0 {
		return nil, ErrExecutionNotFound
	}
	return execs[0], nil
}

func (m *memStore) RecoverOrphanedExecutions(_ context.Context, before time.Time, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.executions {
		if !e.Status.Terminal() && !e.CreatedAt.After(before) {
			now := time.Now()
			msg := reason
			e.Status = ExecutionFailed
			e.CompletedAt = &now
			e.ErrorMessage = &msg
			n++
		}
	}
	return n, nil
}

func (m *memStore) FailInFlightExecutions(_ context.Context, scheduleID string, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.executions {
		if e.ScheduleID == scheduleID && !e.Status.Terminal() {
			now := time.Now()
			msg := reason
			e.Status = ExecutionFailed
			e.CompletedAt = &now
			e.ErrorMessage = &msg
			n++
		}
	}
	return n, nil
}

func (m *memStore) executionsFor(scheduleID string) []*Execution {
	execs, _ := m.ListExecutions(context.Background(), scheduleID, 0)
	return execs
}

func (m *memStore) recordedRuns(scheduleID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recorded[scheduleID]
}

// funcDispatcher adapts a function to Dispatcher.
type funcDispatcher func(ctx context.Context, taskType TaskType, cfg TaskConfig) (*TaskResult, error)

func (f funcDispatcher) Dispatch(ctx context.Context, taskType TaskType, cfg TaskConfig) (*TaskResult, error) {
	return f(ctx, taskType, cfg)
}

func okDispatcher(count int) funcDispatcher {
	return func(_ context.Context, taskType TaskType, _ TaskConfig) (*TaskResult, error) {
		return &TaskResult{Task: taskType, ProcessedCount: count, ExecutedAt: time.Now()}, nil
	}
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

func dailySchedule(id, clock string) *Schedule {
	now := time.Now().UTC()
	return &Schedule{
		ID:           id,
		Name:         "schedule " + id,
		ScheduleType: ScheduleTypeDaily,
		Time:         strPtr(clock),
		TaskType:     TaskTypeRSSCollection,
		TaskConfig:   RSSCollectionConfig{Sources: []string{"hn"}, DaysToCollect: 1},
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
