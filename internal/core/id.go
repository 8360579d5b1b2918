package core

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string used for schedules and executions.
func NewID() string {
	return uuid.NewString()
}
