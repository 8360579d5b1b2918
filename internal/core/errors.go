package core

import (
	"errors"
	"fmt"
)

var (
	// ErrScheduleNotFound is returned when a schedule id is unknown to the store.
	ErrScheduleNotFound = errors.New("schedule not found")
	// ErrExecutionNotFound is returned when an execution id is unknown to the store.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrExecutionInFlight is returned when a schedule already has a pending or running execution.
	ErrExecutionInFlight = errors.New("execution already in flight")
	// ErrInvalidTransition is returned for a status change that is not pending->running->terminal.
	ErrInvalidTransition = errors.New("invalid execution status transition")
	// ErrScheduleBusy is returned by a trigger that was skipped because the schedule was still running.
	ErrScheduleBusy = errors.New("schedule is already running")
)

// ValidationError reports a malformed schedule definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
