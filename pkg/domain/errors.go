package domain

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable wraps connection, timeout and index setup failures of a store.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrCheckpointNotFound is returned when an explicit checkpoint cannot be found.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ErrInvalidKey is returned when a checkpoint key lacks a thread id.
var ErrInvalidKey = errors.New("invalid checkpoint key")

// ErrStepLimitExceeded is returned when a run exhausts its step budget.
var ErrStepLimitExceeded = errors.New("step limit exceeded")

// ErrRunCancelled is returned when the caller cancels a run between steps.
var ErrRunCancelled = errors.New("run cancelled")

// ErrUnknownRoute is returned when the routing policy names no known node.
var ErrUnknownRoute = errors.New("unknown route")

// ErrInvalidTransition is returned when a node directs to a node it may not reach.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrRunFailed is returned when resuming a run whose last step failed.
var ErrRunFailed = errors.New("run failed")

// ErrCheckpointIDRegression is returned when a new checkpoint id does not sort after its parent.
var ErrCheckpointIDRegression = errors.New("checkpoint id regression")

// StepExecutionError reports that a node's effect failed.
// The failure is persisted before this error is returned.
type StepExecutionError struct {
	Node  string
	Cause error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Node, e.Cause)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Cause
}
