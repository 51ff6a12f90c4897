package toolcall

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components. A precondition failure on a
// conditional transition is NOT an error; the store reports it as a false
// boolean because it is routine contention, not a bug.
var (
	// ErrNotFound means the record does not exist. Callers treat this as a
	// programming error, never as contention.
	ErrNotFound = errors.New("tool call not found")

	// ErrDuplicateID means a create collided on tool_call_id.
	ErrDuplicateID = errors.New("duplicate tool call id")

	// ErrUnknownTool means no executor is registered for the function name.
	ErrUnknownTool = errors.New("unknown tool")
)

// ValidationError reports malformed parameters detected before dispatch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}

// ConflictError reports that a conditional store transition lost a race,
// typically against a concurrent cancellation. It is expected traffic and is
// always handled locally by switching to the cancellation path.
type ConflictError struct {
	ID   string
	From []Status
	To   Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tool call %s: transition to %s refused, current status not in %v", e.ID, e.To, e.From)
}

// TimeoutError reports that no gate decision arrived within the deadline.
type TimeoutError struct {
	ID   string
	Gate int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool call %s: no decision for gate %d within deadline", e.ID, e.Gate)
}

// ToolExecutionError wraps an executor failure. It always yields terminal
// status FAILED plus a completion callback.
type ToolExecutionError struct {
	FunctionName string
	Err          error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.FunctionName, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// PersistenceError reports that the store itself failed. Fatal to the one
// call, never to the coordinating process.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
