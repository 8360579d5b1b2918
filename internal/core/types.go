package core

import (
	"encoding/json"
	"time"
)

// ScheduleType selects which recurrence fields of a Schedule are meaningful.
type ScheduleType string

const (
	ScheduleTypeDaily   ScheduleType = "daily"
	ScheduleTypeWeekly  ScheduleType = "weekly"
	ScheduleTypeMonthly ScheduleType = "monthly"
	ScheduleTypeCustom  ScheduleType = "custom"
)

// TaskType selects the processing-service endpoint a schedule dispatches to.
type TaskType string

const (
	TaskTypeRSSCollection  TaskType = "rss_collection"
	TaskTypeLabeling       TaskType = "labeling"
	TaskTypeSummarization  TaskType = "summarization"
	TaskTypeCategorization TaskType = "categorization"
	TaskTypeBatchProcess   TaskType = "batch_process"
)

// ExecutionStatus describes the state of an individual execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Previous returns the only status a transition into s may start from.
func (s ExecutionStatus) Previous() (ExecutionStatus, bool) {
	switch s {
	case ExecutionRunning:
		return ExecutionPending, true
	case ExecutionCompleted, ExecutionFailed:
		return ExecutionRunning, true
	default:
		return "", false
	}
}

// Schedule is a persisted recurrence rule bound to one task type and its configuration.
type Schedule struct {
	ID             string
	Name           string
	Description    *string
	ScheduleType   ScheduleType
	Time           *string
	DayOfWeek      *int
	DayOfMonth     *int
	CronExpression *string
	TaskType       TaskType
	TaskConfig     TaskConfig
	IsActive       bool
	LastRun        *time.Time
	NextRun        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Execution captures a single attempt to run a schedule's task.
type Execution struct {
	ID           string
	ScheduleID   string
	Status       ExecutionStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	Result       json.RawMessage
	ErrorMessage *string
	CreatedAt    time.Time
}

// ExecutionOutcome carries the data written alongside a status transition.
type ExecutionOutcome struct {
	At           time.Time
	Result       json.RawMessage
	ErrorMessage string
}

// TaskResult is the normalized success payload of a dispatch.
type TaskResult struct {
	Task           TaskType        `json:"task"`
	ProcessedCount int             `json:"processed_count"`
	RawResponse    json.RawMessage `json:"raw_response,omitempty"`
	Details        map[string]any  `json:"details,omitempty"`
	ExecutedAt     time.Time       `json:"executed_at"`
}
