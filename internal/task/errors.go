package task

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned when an operation is called without a key.
	ErrInvalidKey = errors.New("task key is required")
	// ErrConflict matches any *ConflictError.
	ErrConflict = errors.New("task already running")
	// ErrNotRunning matches any *NotRunningError.
	ErrNotRunning = errors.New("task not running")
)

// ConflictError is returned by Start when a task with the same key is live.
type ConflictError struct {
	Key   string
	State State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %q is already %s", e.Key, e.State)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NotRunningError is returned by Stop when no task exists for the key.
type NotRunningError struct {
	Key string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("no task running for %q", e.Key)
}

func (e *NotRunningError) Is(target error) bool {
	return target == ErrNotRunning
}

// SpawnError is returned by Start when the process could not be launched.
type SpawnError struct {
	Key string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("starting task %q: %v", e.Key, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
