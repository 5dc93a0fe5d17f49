package app

import (
	"time"

	"github.com/google/uuid"
)

// Operation tracks one CLI invocation. Its ID tags every log line written
// during the run.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Status     string // "success" or "error"
	StartedAt  time.Time
}

// NewOperation creates an operation that has not failed yet.
func NewOperation(name, parameters string) *Operation {
	return &Operation{
		ID:         uuid.New().String(),
		Name:       name,
		Parameters: parameters,
		Status:     "success",
		StartedAt:  time.Now(),
	}
}

// Fail marks the operation as failed.
func (op *Operation) Fail() {
	op.Status = "error"
}

// Succeeded reports whether no step of the operation failed.
func (op *Operation) Succeeded() bool {
	return op.Status == "success"
}
