// Package toolcall defines the durable tool call record, its status graph,
// and the error taxonomy shared by the store, the gate coordinator, and the
// HTTP layer. Transition rules are pure functions so the state machine can be
// tested without any I/O.
package toolcall

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a tool call.
type Status string

const (
	// StatusPending is the initial durable state, before the coordinator
	// picks the call up.
	StatusPending Status = "PENDING"

	// StatusModified marks a call whose parameters changed while pending.
	StatusModified Status = "MODIFIED"

	// StatusExecuting means the coordinator is driving the call through
	// gate 1 ("preparing").
	StatusExecuting Status = "EXECUTING"

	// StatusPrepared means gate 1 was passed and the call sits at gate 2,
	// the last checkpoint before the irreversible dispatch.
	StatusPrepared Status = "PREPARED"

	// Terminal states. A call that reaches one of these never transitions
	// again; the record is retained as an immutable audit artifact.
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusModified, StatusExecuting, StatusPrepared,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// NonTerminalStatuses is the set of statuses from which a cancellation may
// still win. Used by the cancel bus as the from-set for its conditional
// transition.
func NonTerminalStatuses() []Status {
	return []Status{StatusPending, StatusModified, StatusExecuting, StatusPrepared}
}

// Params is the structured parameter map of a tool call.
type Params map[string]any

// Clone returns a shallow copy. Callers hand Params across goroutine
// boundaries; cloning keeps the stored record isolated from later edits.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// StatusHistoryEntry is one append-only status_history record.
type StatusHistoryEntry struct {
	Status    Status    `json:"status"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ParameterChange is one field-level diff in parameters_history.
type ParameterChange struct {
	Field     string    `json:"field"`
	OldValue  any       `json:"old_value"`
	NewValue  any       `json:"new_value"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCall is the durable record of one submitted tool invocation.
type ToolCall struct {
	ID        string `json:"tool_call_id"`
	SessionID string `json:"session_id"`
	// IntentID links back to the pre-confirmation draft, when there was one.
	IntentID string `json:"intent_id,omitempty"`

	FunctionName string `json:"function_name"`
	Parameters   Params `json:"parameters"`

	Status            Status               `json:"status"`
	StatusHistory     []StatusHistoryEntry `json:"status_history,omitempty"`
	ParametersHistory []ParameterChange    `json:"parameters_history,omitempty"`

	Result        json.RawMessage `json:"result,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	VoiceResponse string          `json:"voice_response,omitempty"`
	CallbackURL   string          `json:"callback_url,omitempty"`

	CreatedAt     time.Time     `json:"created_at"`
	ConfirmedAt   *time.Time    `json:"confirmed_at,omitempty"`
	ExecutedAt    *time.Time    `json:"executed_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	ExecutionTime time.Duration `json:"execution_time,omitempty"`
}

// SessionContextEntry is one row of the cross-tool-call scratchpad, keyed by
// (session_id, context_key). A tool's completion step writes it; downstream
// calls read it. Expiry is checked on read, never swept mid-session.
type SessionContextEntry struct {
	SessionID  string          `json:"session_id"`
	ContextKey string          `json:"context_key"`
	Value      json.RawMessage `json:"value"`
	ExpiresAt  time.Time       `json:"expires_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Expired reports whether the entry has passed its expiry at time now.
func (e *SessionContextEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}
