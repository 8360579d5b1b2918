package dispatch

import (
	"fmt"

	"feedcron/internal/core"
)

// Error is returned for every failed dispatch: connection failures, timeouts,
// non-2xx responses and requests that could not be built.
type Error struct {
	TaskType   core.TaskType
	Endpoint   string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s failed: processing service timed out on %s: %v", e.TaskType, e.Endpoint, e.Err)
	case e.Endpoint != "":
		return fmt.Sprintf("%s failed: %s: %v", e.TaskType, e.Endpoint, e.Err)
	default:
		return fmt.Sprintf("%s failed: %v", e.TaskType, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}
