package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"feedcron/internal/core"
)

const executionColumns = `id, schedule_id, status, started_at, completed_at, result, error_message, created_at`

// CreateExecution records a pending execution of scheduleID fired at at. It fails
// with ErrExecutionInFlight while the schedule has another pending or running execution.
func (s *Store) CreateExecution(ctx context.Context, scheduleID string, at time.Time) (*core.Execution, error) {
	exec := &core.Execution{
		ID:         core.NewID(),
		ScheduleID: scheduleID,
		Status:     core.ExecutionPending,
		StartedAt:  at.UTC(),
		CreatedAt:  s.now().UTC(),
	}
	if err := s.insertExecution(ctx, exec); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrExecutionInFlight
		}
		return nil, err
	}
	return exec, nil
}

// RecordSkippedExecution records a trigger that was not run, directly in failed.
func (s *Store) RecordSkippedExecution(ctx context.Context, scheduleID string, at time.Time, reason string) (*core.Execution, error) {
	at = at.UTC()
	exec := &core.Execution{
		ID:           core.NewID(),
		ScheduleID:   scheduleID,
		Status:       core.ExecutionFailed,
		StartedAt:    at,
		CompletedAt:  &at,
		ErrorMessage: &reason,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.insertExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *Store) insertExecution(ctx context.Context, exec *core.Execution) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO schedule_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.ScheduleID, string(exec.Status), formatTime(exec.StartedAt), nullableTime(exec.CompletedAt),
		nullableJSON(exec.Result), nullableString(exec.ErrorMessage), formatTime(exec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// TransitionExecution moves an execution one step forward: pending to running
// (stamping startedAt), or running to completed/failed (stamping completedAt with
// the result or error message).
func (s *Store) TransitionExecution(ctx context.Context, id string, to core.ExecutionStatus, outcome core.ExecutionOutcome) error {
	from, ok := to.Previous()
	if !ok {
		return fmt.Errorf("%w: cannot move to %q", ErrInvalidTransition, to)
	}
	at := outcome.At
	if at.IsZero() {
		at = s.now()
	}
	var (
		res sql.Result
		err error
	)
	switch to {
	case core.ExecutionRunning:
		res, err = s.DB.ExecContext(ctx, `
			UPDATE schedule_executions SET status = ?, started_at = ?
			WHERE id = ? AND status = ?
		`, string(to), formatTime(at), id, string(from))
	case core.ExecutionCompleted:
		res, err = s.DB.ExecContext(ctx, `
			UPDATE schedule_executions SET status = ?, completed_at = ?, result = ?, error_message = NULL
			WHERE id = ? AND status = ?
		`, string(to), formatTime(at), nullableJSON(outcome.Result), id, string(from))
	case core.ExecutionFailed:
		msg := outcome.ErrorMessage
		if msg == "" {
			msg = "unknown error"
		}
		res, err = s.DB.ExecContext(ctx, `
			UPDATE schedule_executions SET status = ?, completed_at = ?, result = NULL, error_message = ?
			WHERE id = ? AND status = ?
		`, string(to), formatTime(at), msg, id, string(from))
	}
	if err != nil {
		return fmt.Errorf("transition execution to %s: %w", to, err)
	}
	if err := expectRow(res, errNoRows); !errors.Is(err, errNoRows) {
		return err
	}
	current, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
}

// RecoverOrphanedExecutions fails every pending or running execution created at
// or before before. It returns the number of executions recovered.
func (s *Store) RecoverOrphanedExecutions(ctx context.Context, before time.Time, reason string) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE schedule_executions
		SET status = ?, completed_at = ?, error_message = ?
		WHERE status IN (?, ?) AND created_at <= ?
	`, string(core.ExecutionFailed), formatTime(s.now()), reason, string(core.ExecutionPending), string(core.ExecutionRunning), formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("recover orphaned executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// FailInFlightExecutions fails the pending or running executions of one schedule.
// It returns the number of executions changed.
func (s *Store) FailInFlightExecutions(ctx context.Context, scheduleID string, reason string) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE schedule_executions
		SET status = ?, completed_at = ?, error_message = ?
		WHERE schedule_id = ? AND status IN (?, ?)
	`, string(core.ExecutionFailed), formatTime(s.now()), reason, scheduleID, string(core.ExecutionPending), string(core.ExecutionRunning))
	if err != nil {
		return 0, fmt.Errorf("fail in-flight executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// GetExecution returns a single execution.
func (s *Store) GetExecution(ctx context.Context, id string) (*core.Execution, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM schedule_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}

// ListExecutions returns the newest executions of a schedule first. limit <= 0 returns all.
func (s *Store) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*core.Execution, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM schedule_executions
		WHERE schedule_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var execs []*core.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return execs, nil
}

// LatestExecution returns the most recently created execution of a schedule.
func (s *Store) LatestExecution(ctx context.Context, scheduleID string) (*core.Execution, error) {
	execs, err := s.ListExecutions(ctx, scheduleID, 1)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, ErrExecutionNotFound
	}
	return execs[0], nil
}

var errNoRows = errors.New("no rows affected")

func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*core.Execution, error) {
	var (
		id, scheduleID, status, startedAt, createdAt string
		completedAt, result, errMsg                  sql.NullString
	)
	if err := scanner.Scan(&id, &scheduleID, &status, &startedAt, &completedAt, &result, &errMsg, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	exec := &core.Execution{
		ID:         id,
		ScheduleID: scheduleID,
		Status:     core.ExecutionStatus(status),
	}
	var err error
	if exec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if exec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if exec.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if result.Valid {
		exec.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		exec.ErrorMessage = &errMsg.String
	}
	return exec, nil
}

func nullableJSON(value json.RawMessage) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}
