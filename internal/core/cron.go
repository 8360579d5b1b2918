package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a 5-field cron expression (or @descriptor) and returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression is empty")
	}
	if strings.HasPrefix(expr, "@every") {
		return nil, fmt.Errorf("@every intervals are not supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}

// NextRun returns the next fire time of s strictly after ref, or nil when s is
// inactive or has no computable recurrence. ref's location is the wall clock the
// HH:MM fields are interpreted in.
func NextRun(s *Schedule, ref time.Time) *time.Time {
	if s == nil || !s.IsActive {
		return nil
	}
	next, err := NextAfter(s, ref)
	if err != nil || next.IsZero() {
		return nil
	}
	return &next
}

// NextAfter computes the next occurrence of the recurrence of s after ref,
// regardless of the active flag. Custom expressions go through the cron parser.
func NextAfter(s *Schedule, ref time.Time) (time.Time, error) {
	switch s.ScheduleType {
	case ScheduleTypeDaily:
		h, m, err := clockOf(s)
		if err != nil {
			return time.Time{}, err
		}
		return nextDaily(h, m, ref), nil
	case ScheduleTypeWeekly:
		h, m, err := clockOf(s)
		if err != nil {
			return time.Time{}, err
		}
		if s.DayOfWeek == nil {
			return time.Time{}, invalid("dayOfWeek", "is required for weekly schedules")
		}
		return nextWeekly(time.Weekday(*s.DayOfWeek), h, m, ref), nil
	case ScheduleTypeMonthly:
		h, m, err := clockOf(s)
		if err != nil {
			return time.Time{}, err
		}
		if s.DayOfMonth == nil {
			return time.Time{}, invalid("dayOfMonth", "is required for monthly schedules")
		}
		return nextMonthly(*s.DayOfMonth, h, m, ref), nil
	case ScheduleTypeCustom:
		if s.CronExpression == nil {
			return time.Time{}, invalid("cronExpression", "is required for custom schedules")
		}
		parsed, err := ParseCron(*s.CronExpression)
		if err != nil {
			return time.Time{}, err
		}
		return parsed.Next(ref), nil
	default:
		return time.Time{}, invalid("scheduleType", "unknown schedule type %q", s.ScheduleType)
	}
}

// CronSchedule returns the cron.Schedule the engine arms for s.
// Daily, weekly and monthly rules are evaluated by the recurrence functions so the
// timer fires exactly when NextRun says it will.
func CronSchedule(s *Schedule) (cron.Schedule, error) {
	if s.ScheduleType == ScheduleTypeCustom {
		if s.CronExpression == nil {
			return nil, invalid("cronExpression", "is required for custom schedules")
		}
		return ParseCron(*s.CronExpression)
	}
	def := *s
	if _, err := NextAfter(&def, time.Now()); err != nil {
		return nil, err
	}
	return RecurrenceSchedule{def: def}, nil
}

// RecurrenceSchedule adapts a daily, weekly or monthly definition to cron.Schedule.
type RecurrenceSchedule struct {
	def Schedule
}

// Next implements cron.Schedule.
func (r RecurrenceSchedule) Next(t time.Time) time.Time {
	next, err := NextAfter(&r.def, t)
	if err != nil {
		return time.Time{}
	}
	return next
}

func nextDaily(hour, minute int, ref time.Time) time.Time {
	y, mo, d := ref.Date()
	next := time.Date(y, mo, d, hour, minute, 0, 0, ref.Location())
	if !next.After(ref) {
		next = time.Date(y, mo, d+1, hour, minute, 0, 0, ref.Location())
	}
	return next
}

func nextWeekly(day time.Weekday, hour, minute int, ref time.Time) time.Time {
	y, mo, d := ref.Date()
	offset := (int(day) - int(ref.Weekday()) + 7) % 7
	next := time.Date(y, mo, d+offset, hour, minute, 0, 0, ref.Location())
	if !next.After(ref) {
		next = time.Date(y, mo, d+offset+7, hour, minute, 0, 0, ref.Location())
	}
	return next
}

// nextMonthly clamps dayOfMonth to the last day of shorter months.
func nextMonthly(dayOfMonth, hour, minute int, ref time.Time) time.Time {
	y, mo, _ := ref.Date()
	next := monthAt(y, mo, dayOfMonth, hour, minute, ref.Location())
	if !next.After(ref) {
		next = monthAt(y, mo+1, dayOfMonth, hour, minute, ref.Location())
	}
	return next
}

func monthAt(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	if last := daysIn(first.Year(), first.Month(), loc); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, minute, 0, 0, loc)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func clockOf(s *Schedule) (int, int, error) {
	if s.Time == nil {
		return 0, 0, invalid("time", "is required for %s schedules", s.ScheduleType)
	}
	return ParseClock(*s.Time)
}

// ParseClock parses an HH:MM (or H:MM) wall-clock time.
func ParseClock(value string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 || len(parts[0]) < 1 || len(parts[0]) > 2 || len(parts[1]) != 2 {
		return 0, 0, invalid("time", "must be in HH:MM format")
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, invalid("time", "hour must be between 00 and 23")
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, invalid("time", "minute must be between 00 and 59")
	}
	return hour, minute, nil
}

// Preview returns the next count fire times of the recurrence of s after base,
// ignoring the active flag and the task fields.
func Preview(s *Schedule, base time.Time, count int) ([]time.Time, error) {
	probe := *s
	probe.Normalize()
	if err := probe.validateRecurrence(); err != nil {
		return nil, err
	}
	schedule, err := CronSchedule(&probe)
	if err != nil {
		return nil, err
	}
	return NextOccurrences(schedule, base, count), nil
}
