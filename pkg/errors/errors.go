package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrEarlyTermination is the control-flow signal used to unwind a run and
	// its ancestors without treating the unwind as an application failure.
	// Every enclosing run releases its own locks and re-raises it unchanged.
	ErrEarlyTermination = errors.New("workflow terminated early")

	// ErrInvalidNodeConfig indicates that a node is missing a required field
	// or carries one that cannot be interpreted
	ErrInvalidNodeConfig = errors.New("invalid node configuration")

	// ErrWorkflowNotFound indicates that a workflow definition could not be resolved
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrNoRouteTarget indicates that conditional routing resolved to no workflow
	ErrNoRouteTarget = errors.New("no route target")

	// ErrEndpointNotFound indicates that an LLM endpoint name is not configured
	ErrEndpointNotFound = errors.New("endpoint not found")

	// ErrPresetNotFound indicates that a generation preset name is not configured
	ErrPresetNotFound = errors.New("preset not found")

	// ErrStreamClosed indicates that a fragment stream ended without a finish reason
	ErrStreamClosed = errors.New("stream closed before finish")
)

// Error represents a structured engine error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsEarlyTermination checks if an error is the early-termination signal.
// Handlers and callers must use this rather than comparing directly so the
// signal survives wrapping.
func IsEarlyTermination(err error) bool {
	return errors.Is(err, ErrEarlyTermination)
}

// IsInvalidNodeConfig checks if an error is a node configuration error
func IsInvalidNodeConfig(err error) bool {
	return errors.Is(err, ErrInvalidNodeConfig)
}

// IsWorkflowNotFound checks if an error is a missing workflow error
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}
