package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownScript matches any *UnknownScriptError.
	ErrUnknownScript = errors.New("unknown script")
	// ErrInvalidPayload matches any *PayloadError.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrWrongMode is returned when a script is used outside its configured mode.
	ErrWrongMode = errors.New("script mode mismatch")
)

// UnknownScriptError is returned for a name missing from the script catalog.
type UnknownScriptError struct {
	Name string
}

func (e *UnknownScriptError) Error() string {
	return fmt.Sprintf("unknown script %q", e.Name)
}

func (e *UnknownScriptError) Is(target error) bool {
	return target == ErrUnknownScript
}

// PayloadError is returned when a payload is rejected before launch.
type PayloadError struct {
	Script string
	Reason string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid payload for %s: %s", e.Script, e.Reason)
}

func (e *PayloadError) Is(target error) bool {
	return target == ErrInvalidPayload
}
