package core

import "strings"

// Normalize trims the name and drops recurrence fields that the schedule type does not use.
func (s *Schedule) Normalize() {
	s.Name = strings.TrimSpace(s.Name)
	if s.Description != nil && strings.TrimSpace(*s.Description) == "" {
		s.Description = nil
	}
	switch s.ScheduleType {
	case ScheduleTypeDaily:
		s.DayOfWeek, s.DayOfMonth, s.CronExpression = nil, nil, nil
	case ScheduleTypeWeekly:
		s.DayOfMonth, s.CronExpression = nil, nil
	case ScheduleTypeMonthly:
		s.DayOfWeek, s.CronExpression = nil, nil
	case ScheduleTypeCustom:
		s.Time, s.DayOfWeek, s.DayOfMonth = nil, nil, nil
	}
}

// Validate checks that s carries exactly the recurrence fields its type requires
// and a task configuration matching its task type.
func (s *Schedule) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return invalid("name", "is required")
	}
	if err := s.validateRecurrence(); err != nil {
		return err
	}
	switch s.TaskType {
	case TaskTypeRSSCollection, TaskTypeLabeling, TaskTypeSummarization, TaskTypeCategorization, TaskTypeBatchProcess:
	case "":
		return invalid("taskType", "is required")
	default:
		return invalid("taskType", "unknown task type %q", s.TaskType)
	}
	if s.TaskConfig == nil {
		return invalid("taskConfig", "is required")
	}
	if s.TaskConfig.TaskType() != s.TaskType {
		return invalid("taskConfig", "%s configuration does not match task type %s", s.TaskConfig.TaskType(), s.TaskType)
	}
	return s.TaskConfig.validate()
}

func (s *Schedule) validateRecurrence() error {
	switch s.ScheduleType {
	case ScheduleTypeDaily, ScheduleTypeWeekly, ScheduleTypeMonthly:
		if s.Time == nil || strings.TrimSpace(*s.Time) == "" {
			return invalid("time", "is required for %s schedules", s.ScheduleType)
		}
		if _, _, err := ParseClock(*s.Time); err != nil {
			return err
		}
	case ScheduleTypeCustom:
		if s.CronExpression == nil || strings.TrimSpace(*s.CronExpression) == "" {
			return invalid("cronExpression", "is required for custom schedules")
		}
		if _, err := ParseCron(*s.CronExpression); err != nil {
			return invalid("cronExpression", "%v", err)
		}
	case "":
		return invalid("scheduleType", "is required")
	default:
		return invalid("scheduleType", "unknown schedule type %q", s.ScheduleType)
	}
	if s.ScheduleType == ScheduleTypeWeekly {
		if s.DayOfWeek == nil {
			return invalid("dayOfWeek", "is required for weekly schedules")
		}
		if *s.DayOfWeek < 0 || *s.DayOfWeek > 6 {
			return invalid("dayOfWeek", "must be between 0 and 6")
		}
	}
	if s.ScheduleType == ScheduleTypeMonthly {
		if s.DayOfMonth == nil {
			return invalid("dayOfMonth", "is required for monthly schedules")
		}
		if *s.DayOfMonth < 1 || *s.DayOfMonth > 31 {
			return invalid("dayOfMonth", "must be between 1 and 31")
		}
	}
	return nil
}
