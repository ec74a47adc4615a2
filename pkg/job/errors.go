package job

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrConflictingID       = errors.New("conflicting job id")
	ErrJobLookup           = errors.New("job func lookup failed")
	ErrMaxInstancesReached = errors.New("max instances reached")
	ErrMisfire             = errors.New("job misfired")
	ErrUnserializable      = errors.New("value cannot be serialized")
)

// NotFound wraps ErrJobNotFound with the id.
func NotFound(id string) error { return fmt.Errorf("%w: %q", ErrJobNotFound, id) }

// Conflict wraps ErrConflictingID with the id.
func Conflict(id string) error { return fmt.Errorf("%w: %q", ErrConflictingID, id) }

// ExecutionError is reported when a job body returns an error or panics.
type ExecutionError struct {
	JobID   string
	RunTime time.Time
	Err     error
	// Stack is set when the body panicked.
	Stack string
}

func (e *ExecutionError) Error() string {
	if e.Stack != "" {
		return fmt.Sprintf("job %q (run %s) panicked: %v", e.JobID, e.RunTime.Format(time.RFC3339), e.Err)
	}
	return fmt.Sprintf("job %q (run %s): %v", e.JobID, e.RunTime.Format(time.RFC3339), e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
