// Package store is the single durable authority for tool call state.
//
// All correctness guarantees funnel through Transition: an atomic conditional
// update that succeeds only when the current status is a member of the
// allowed from-set. Concurrent cancellation and gate progression race on that
// update and exactly one of them wins; nothing else in the system may treat
// an in-memory observation of status as authoritative.
package store

import (
	"context"

	"github.com/fyrsmithlabs/relayd/internal/toolcall"
)

// TransitionRequest describes one conditional status transition. Outcome
// fields, when set, are written in the same statement as the status change so
// readers never observe a terminal status without its outcome.
type TransitionRequest struct {
	ID   string
	From []toolcall.Status
	To   toolcall.Status

	// Note is recorded in the status_history entry.
	Note string

	// Outcome fields, applied only when To is terminal.
	Result        []byte
	ErrorMessage  string
	VoiceResponse string
}

// Store is the durable tool call record keeper.
type Store interface {
	// Create inserts a new record and its initial status_history entry.
	// Returns toolcall.ErrDuplicateID on a tool_call_id collision.
	Create(ctx context.Context, tc *toolcall.ToolCall) error

	// Transition atomically moves a call from one of req.From to req.To.
	// Returns (false, nil) when the precondition does not hold; that is
	// routine contention, not an error. Returns toolcall.ErrNotFound when
	// the record does not exist.
	Transition(ctx context.Context, req *TransitionRequest) (bool, error)

	// ClaimDispatch atomically marks the executor invocation moment
	// (executed_at). The claim succeeds at most once per call and only
	// while the call is PREPARED; a cancellation that loses this race is
	// recorded as superseded instead of transitioning the call.
	ClaimDispatch(ctx context.Context, id string) (bool, error)

	// AppendStatusNote appends a status_history entry under the call's
	// current status, without changing it. Used to record superseded late
	// cancellations and abandonment details; the annotated history still
	// reads as a valid status path.
	AppendStatusNote(ctx context.Context, id string, note string) error

	// AppendParameterChange appends one field-level diff to
	// parameters_history.
	AppendParameterChange(ctx context.Context, id string, change toolcall.ParameterChange) error

	// UpdateParameters replaces the parameter map. Refused once execution
	// has begun; returns (false, nil) in that case.
	UpdateParameters(ctx context.Context, id string, params toolcall.Params) (bool, error)

	// Get returns the full record including both histories.
	Get(ctx context.Context, id string) (*toolcall.ToolCall, error)

	// QueryPending returns non-terminal calls for a session, newest first.
	QueryPending(ctx context.Context, sessionID string) ([]*toolcall.ToolCall, error)

	// QueryRecent returns terminal calls for a session, most recently
	// completed first.
	QueryRecent(ctx context.Context, sessionID string, limit int) ([]*toolcall.ToolCall, error)

	// PutContext creates or overwrites a session scratchpad entry.
	PutContext(ctx context.Context, entry *toolcall.SessionContextEntry) error

	// GetContext returns a scratchpad entry, or toolcall.ErrNotFound if it
	// is missing or expired. Expiry is checked on read; there is no
	// background sweep.
	GetContext(ctx context.Context, sessionID, contextKey string) (*toolcall.SessionContextEntry, error)

	// ListContext returns every unexpired scratchpad entry for a session.
	ListContext(ctx context.Context, sessionID string) ([]*toolcall.SessionContextEntry, error)

	// Close releases the underlying database.
	Close() error
}
