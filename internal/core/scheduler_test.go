package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, store Store, dispatcher Dispatcher) *Engine {
	t.Helper()
	runner := newTestRunner(store, dispatcher)
	engine := NewEngine(store, runner, discardLogger(), time.UTC, 0)
	t.Cleanup(func() {
		<-engine.Stop().Done()
	})
	return engine
}

func TestEngineStartArmsActiveSchedules(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.CreateSchedule(ctx, dailySchedule("a", "09:00")))
	require.NoError(t, store.CreateSchedule(ctx, dailySchedule("b", "10:30")))
	inactive := dailySchedule("c", "11:00")
	inactive.IsActive = false
	require.NoError(t, store.CreateSchedule(ctx, inactive))

	engine := newTestEngine(t, store, okDispatcher(0))
	require.NoError(t, engine.Start(ctx))
	require.NoError(t, engine.Start(ctx))

	assert.True(t, engine.Running())
	assert.Equal(t, 2, engine.ActiveTaskCount())
	assert.Equal(t, []string{"a", "b"}, engine.ActiveTaskIDs())
	assert.False(t, engine.IsTaskActive("c"))

	sched, err := store.GetSchedule(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, sched.NextRun)
	assert.Equal(t, 9, sched.NextRun.Hour())

	status := engine.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 2, status.ActiveTasks)
	require.Len(t, status.Timers, 2)
	assert.Equal(t, "a", status.Timers[0].ScheduleID)
	require.NotNil(t, status.Timers[0].NextFire)
}

func TestEngineScheduleTaskIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.CreateSchedule(ctx, dailySchedule("a", "09:00")))

	engine := newTestEngine(t, store, okDispatcher(0))
	require.NoError(t, engine.Start(ctx))

	for i := 0; i < 5; i++ {
		require.NoError(t, engine.ScheduleTask(ctx, "a"))
	}
	assert.Equal(t, 1, engine.ActiveTaskCount())
	assert.Len(t, engine.cron.Entries(), 1)
}

func TestEngineScheduleTaskFollowsActiveFlag(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.CreateSchedule(ctx, dailySchedule("a", "09:00")))

	engine := newTestEngine(t, store, okDispatcher(0))
	require.NoError(t, engine.Start(ctx))
	require.True(t, engine.IsTaskActive("a"))

	require.NoError(t, store.SetActive(ctx, "a", false, nil))
	require.NoError(t, engine.ScheduleTask(ctx, "a"))
	assert.False(t, engine.IsTaskActive("a"))

	require.NoError(t, store.SetActive(ctx, "a", true, nil))
	require.NoError(t, engine.ScheduleTask(ctx, "a"))
	assert.True(t, engine.IsTaskActive("a"))

	require.NoError(t, store.DeleteSchedule(ctx, "a"))
	require.NoError(t, engine.ScheduleTask(ctx, "a"))
	assert.False(t, engine.IsTaskActive("a"))
	assert.Len(t, engine.cron.Entries(), 0)
}

func TestEngineUnscheduleUnknownIsNoop(t *testing.T) {
	engine := newTestEngine(t, newMemStore(), okDispatcher(0))
	require.NoError(t, engine.Start(context.Background()))

	engine.UnscheduleTask("missing")
	assert.Equal(t, 0, engine.ActiveTaskCount())
}

func TestEngineRejectsInvalidDefinition(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, newMemStore(), okDispatcher(0))
	require.NoError(t, engine.Start(ctx))

	broken := dailySchedule("x", "09:00")
	broken.ScheduleType = ScheduleTypeCustom
	broken.CronExpression = strPtr("not a cron")
	require.Error(t, engine.ScheduleDefinition(ctx, broken))
	assert.False(t, engine.IsTaskActive("x"))
}

func TestEngineScheduleBeforeStartDoesNotArm(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.CreateSchedule(ctx, dailySchedule("a", "09:00")))

	engine := newTestEngine(t, store, okDispatcher(0))
	require.NoError(t, engine.ScheduleTask(ctx, "a"))
	assert.Equal(t, 0, engine.ActiveTaskCount())
	assert.False(t, engine.Running())
}

func TestEngineScheduledTriggerSkipsInactiveSchedule(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.CreateSchedule(ctx, dailySchedule("a", "09:00")))

	var calls atomic.Int32
	engine := newTestEngine(t, store, funcDispatcher(func(_ context.Context, taskType TaskType, _ TaskConfig) (*TaskResult, error) {
		calls.Add(1)
		return &TaskResult{Task: taskType}, nil
	}))
	require.NoError(t, engine.Start(ctx))

	require.NoError(t, store.SetActive(ctx, "a", false, nil))
	engine.handleScheduledTrigger(ctx, "a", time.Now())
	engine.runner.Wait()

	assert.Equal(t, int32(0), calls.Load())
	assert.Empty(t, store.executionsFor("a"))
	assert.False(t, engine.IsTaskActive("a"))

	engine.handleScheduledTrigger(ctx, "deleted", time.Now())
	assert.Empty(t, store.executionsFor("deleted"))
}

func TestEngineStaleFireUsesOwnEntry(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.CreateSchedule(ctx, dailySchedule("a", "09:00")))
	release := make(chan struct{})
	engine := newTestEngine(t, store, funcDispatcher(func(_ context.Context, taskType TaskType, _ TaskConfig) (*TaskResult, error) {
		<-release
		return &TaskResult{Task: taskType, ProcessedCount: 1}, nil
	}))
	require.NoError(t, engine.Start(ctx))

	engine.mu.RLock()
	stale := engine.entries["a"]
	engine.mu.RUnlock()
	require.NoError(t, engine.ScheduleTask(ctx, "a"))
	engine.mu.RLock()
	current := engine.entries["a"]
	engine.mu.RUnlock()
	require.NotEqual(t, stale, current)

	marker := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateNextRun(ctx, "a", &marker))
	firedAt := time.Date(2029, 12, 31, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return firedAt }

	engine.fire("a", stale)
	sched, err := store.GetSchedule(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, sched.NextRun)
	assert.True(t, marker.Equal(*sched.NextRun))

	close(release)
	engine.runner.Wait()

	require.Len(t, store.executionsFor("a"), 1)
	sched, err = store.GetSchedule(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, sched.LastRun)
	assert.True(t, firedAt.Equal(*sched.LastRun))
	assert.Equal(t, 1, engine.ActiveTaskCount())
}

func TestEngineFailureDoesNotAffectOtherSchedules(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	failing := dailySchedule("bad", "09:00")
	failing.TaskType = TaskTypeBatchProcess
	failing.TaskConfig = BatchProcessConfig{BatchSize: 5}
	require.NoError(t, store.CreateSchedule(ctx, failing))
	require.NoError(t, store.CreateSchedule(ctx, dailySchedule("good", "09:00")))

	engine := newTestEngine(t, store, funcDispatcher(func(_ context.Context, taskType TaskType, _ TaskConfig) (*TaskResult, error) {
		if taskType == TaskTypeBatchProcess {
			return nil, errors.New("processing service returned status 500")
		}
		return &TaskResult{Task: taskType, ProcessedCount: 3}, nil
	}))
	require.NoError(t, engine.Start(ctx))

	firedAt := time.Now()
	engine.handleScheduledTrigger(ctx, "bad", firedAt)
	engine.handleScheduledTrigger(ctx, "good", firedAt)
	engine.runner.Wait()

	bad := store.executionsFor("bad")
	require.Len(t, bad, 1)
	assert.Equal(t, ExecutionFailed, bad[0].Status)

	good := store.executionsFor("good")
	require.Len(t, good, 1)
	assert.Equal(t, ExecutionCompleted, good[0].Status)

	assert.True(t, engine.IsTaskActive("bad"))
	assert.True(t, engine.IsTaskActive("good"))
}

func TestEngineNeverOverlapsRunsOfOneSchedule(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.CreateSchedule(ctx, dailySchedule("a", "09:00")))

	var running, maxRunning atomic.Int32
	release := make(chan struct{})
	engine := newTestEngine(t, store, funcDispatcher(func(_ context.Context, taskType TaskType, _ TaskConfig) (*TaskResult, error) {
		n := running.Add(1)
		for {
			cur := maxRunning.Load()
			if n <= cur || maxRunning.CompareAndSwap(cur, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return &TaskResult{Task: taskType}, nil
	}))
	require.NoError(t, engine.Start(ctx))

	var wg sync.WaitGroup
	var busy atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.ExecuteNow(ctx, "a"); errors.Is(err, ErrScheduleBusy) {
				busy.Add(1)
			}
		}()
	}
	wg.Wait()
	close(release)
	engine.runner.Wait()

	assert.Equal(t, int32(9), busy.Load())
	assert.Equal(t, int32(1), maxRunning.Load())

	execs := store.executionsFor("a")
	require.Len(t, execs, 10)
	completed := 0
	for _, e := range execs {
		if e.Status == ExecutionCompleted {
			completed++
			continue
		}
		require.Equal(t, ExecutionFailed, e.Status)
		assert.Equal(t, SkippedReason, *e.ErrorMessage)
	}
	assert.Equal(t, 1, completed)
}

func TestEngineConcurrentScheduleAndUnschedule(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateSchedule(ctx, dailySchedule(fmt.Sprintf("s%d", i), "09:00")))
	}
	engine := newTestEngine(t, store, okDispatcher(0))
	require.NoError(t, engine.Start(ctx))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("s%d", i%5)
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, engine.ScheduleTask(ctx, id))
		}()
		go func() {
			defer wg.Done()
			engine.UnscheduleTask(id)
		}()
	}
	wg.Wait()

	assert.Equal(t, engine.ActiveTaskCount(), len(engine.cron.Entries()))
	for i := 0; i < 5; i++ {
		require.NoError(t, engine.ScheduleTask(ctx, fmt.Sprintf("s%d", i)))
	}
	assert.Equal(t, 5, engine.ActiveTaskCount())
	assert.Len(t, engine.cron.Entries(), 5)
}

func TestEngineStartRecoversOrphanedExecutions(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.CreateSchedule(ctx, dailySchedule("a", "09:00")))
	orphan, err := store.CreateExecution(ctx, "a", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	engine := newTestEngine(t, store, okDispatcher(0))
	require.NoError(t, engine.Start(ctx))

	got, err := store.GetExecution(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, RecoveredReason, *got.ErrorMessage)

	exec, err := engine.ExecuteNow(ctx, "a")
	require.NoError(t, err)
	engine.runner.Wait()
	got, err = store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, got.Status)
}

func TestEngineStopClearsTimersAndWaitsForRuns(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.CreateSchedule(ctx, dailySchedule("a", "09:00")))

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	runner := newTestRunner(store, funcDispatcher(func(_ context.Context, taskType TaskType, _ TaskConfig) (*TaskResult, error) {
		started <- struct{}{}
		<-release
		return &TaskResult{Task: taskType}, nil
	}))
	engine := NewEngine(store, runner, discardLogger(), time.UTC, 0)
	require.NoError(t, engine.Start(ctx))

	exec, err := engine.ExecuteNow(ctx, "a")
	require.NoError(t, err)
	<-started

	done := engine.Stop()
	assert.False(t, engine.Running())
	assert.Equal(t, 0, engine.ActiveTaskCount())

	select {
	case <-done.Done():
		t.Fatal("stop finished while an execution was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not finish after the execution completed")
	}

	got, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, got.Status)

	require.NoError(t, engine.Start(ctx))
	assert.True(t, engine.IsTaskActive("a"))
	<-engine.Stop().Done()
}

func TestEngineFiresCustomSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a wall-clock minute boundary")
	}
	ctx := context.Background()
	store := newMemStore()
	s := dailySchedule("tick", "09:00")
	s.ScheduleType = ScheduleTypeCustom
	s.Time = nil
	s.CronExpression = strPtr("* * * * *")
	require.NoError(t, store.CreateSchedule(ctx, s))

	fired := make(chan struct{}, 1)
	engine := newTestEngine(t, store, funcDispatcher(func(_ context.Context, taskType TaskType, _ TaskConfig) (*TaskResult, error) {
		select {
		case fired <- struct{}{}:
		default:
		}
		return &TaskResult{Task: taskType}, nil
	}))
	require.NoError(t, engine.Start(ctx))

	select {
	case <-fired:
	case <-time.After(65 * time.Second):
		t.Fatal("custom schedule did not fire")
	}
	engine.runner.Wait()

	execs := store.executionsFor("tick")
	require.NotEmpty(t, execs)
	assert.Equal(t, ExecutionCompleted, execs[0].Status)
}
