package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"feedcron/internal/core"
)

const scheduleColumns = `id, name, description, schedule_type, time, day_of_week, day_of_month, cron_expression,
	task_type, task_config, is_active, last_run, next_run, created_at, updated_at`

// CreateSchedule inserts a new schedule. CreatedAt and UpdatedAt default to now when zero.
func (s *Store) CreateSchedule(ctx context.Context, sched *core.Schedule) error {
	now := s.now().UTC()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	if sched.UpdatedAt.IsZero() {
		sched.UpdatedAt = sched.CreatedAt
	}
	config, err := core.EncodeTaskConfig(sched.TaskConfig)
	if err != nil {
		return err
	}
	if !sched.IsActive {
		sched.NextRun = nil
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sched.ID, sched.Name, nullableString(sched.Description), string(sched.ScheduleType), nullableString(sched.Time),
		nullableInt(sched.DayOfWeek), nullableInt(sched.DayOfMonth), nullableString(sched.CronExpression),
		string(sched.TaskType), string(config), boolInt(sched.IsActive), nullableTime(sched.LastRun), nullableTime(sched.NextRun),
		formatTime(sched.CreatedAt), formatTime(sched.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// UpdateSchedule overwrites the definition fields, active flag and nextRun of a schedule.
// lastRun is owned by RecordRun and is left untouched.
func (s *Store) UpdateSchedule(ctx context.Context, sched *core.Schedule) error {
	if sched.UpdatedAt.IsZero() {
		sched.UpdatedAt = s.now().UTC()
	}
	config, err := core.EncodeTaskConfig(sched.TaskConfig)
	if err != nil {
		return err
	}
	if !sched.IsActive {
		sched.NextRun = nil
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE schedules
		SET name = ?, description = ?, schedule_type = ?, time = ?, day_of_week = ?, day_of_month = ?,
			cron_expression = ?, task_type = ?, task_config = ?, is_active = ?, next_run = ?, updated_at = ?
		WHERE id = ?
	`, sched.Name, nullableString(sched.Description), string(sched.ScheduleType), nullableString(sched.Time),
		nullableInt(sched.DayOfWeek), nullableInt(sched.DayOfMonth), nullableString(sched.CronExpression),
		string(sched.TaskType), string(config), boolInt(sched.IsActive), nullableTime(sched.NextRun),
		formatTime(sched.UpdatedAt), sched.ID)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return expectRow(res, ErrScheduleNotFound)
}

// DeleteSchedule removes a schedule. Its execution history is kept so that an
// execution still in flight can record its terminal status.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return expectRow(res, ErrScheduleNotFound)
}

// GetSchedule returns the schedule with the given id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*core.Schedule, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return sched, nil
}

// ListSchedules returns every schedule, active first and newest first.
func (s *Store) ListSchedules(ctx context.Context) ([]*core.Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY is_active DESC, created_at DESC`)
}

// ListActiveSchedules returns the schedules whose timers should be armed.
func (s *Store) ListActiveSchedules(ctx context.Context) ([]*core.Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE is_active = 1 ORDER BY created_at ASC`)
}

// SetActive toggles the active flag. nextRun is stored only when the schedule is active.
func (s *Store) SetActive(ctx context.Context, id string, active bool, nextRun *time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE schedules
		SET is_active = ?, next_run = CASE WHEN ? = 1 THEN ? ELSE NULL END, updated_at = ?
		WHERE id = ?
	`, boolInt(active), boolInt(active), nullableTime(nextRun), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("set schedule active: %w", err)
	}
	return expectRow(res, ErrScheduleNotFound)
}

// RecordRun stamps lastRun and nextRun after a fire. An inactive schedule keeps a null nextRun.
func (s *Store) RecordRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE schedules
		SET last_run = ?, next_run = CASE WHEN is_active = 1 THEN ? ELSE NULL END, updated_at = ?
		WHERE id = ?
	`, formatTime(lastRun), nullableTime(nextRun), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("record schedule run: %w", err)
	}
	return expectRow(res, ErrScheduleNotFound)
}

// UpdateNextRun stores the next fire time of an active schedule.
func (s *Store) UpdateNextRun(ctx context.Context, id string, nextRun *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE schedules
		SET next_run = CASE WHEN is_active = 1 THEN ? ELSE NULL END
		WHERE id = ?
	`, nullableTime(nextRun), id)
	if err != nil {
		return fmt.Errorf("update next_run: %w", err)
	}
	return nil
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]*core.Schedule, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	var schedules []*core.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return schedules, nil
}

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*core.Schedule, error) {
	var (
		id, name, scheduleType, taskType, config string
		description, clock, cronExpr             sql.NullString
		dayOfWeek, dayOfMonth                    sql.NullInt64
		active                                   int
		lastRun, nextRun                         sql.NullString
		createdAt, updatedAt                     string
	)
	if err := scanner.Scan(&id, &name, &description, &scheduleType, &clock, &dayOfWeek, &dayOfMonth, &cronExpr,
		&taskType, &config, &active, &lastRun, &nextRun, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	sched := &core.Schedule{
		ID:           id,
		Name:         name,
		ScheduleType: core.ScheduleType(scheduleType),
		TaskType:     core.TaskType(taskType),
		IsActive:     active != 0,
	}
	if description.Valid {
		sched.Description = &description.String
	}
	if clock.Valid {
		sched.Time = &clock.String
	}
	if cronExpr.Valid {
		sched.CronExpression = &cronExpr.String
	}
	if dayOfWeek.Valid {
		v := int(dayOfWeek.Int64)
		sched.DayOfWeek = &v
	}
	if dayOfMonth.Valid {
		v := int(dayOfMonth.Int64)
		sched.DayOfMonth = &v
	}
	cfg, err := core.DecodeTaskConfig(sched.TaskType, []byte(config))
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", id, err)
	}
	sched.TaskConfig = cfg
	if sched.LastRun, err = parseNullTime(lastRun); err != nil {
		return nil, err
	}
	if sched.NextRun, err = parseNullTime(nextRun); err != nil {
		return nil, err
	}
	if sched.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sched.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return sched, nil
}

func expectRow(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
