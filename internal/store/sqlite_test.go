package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/relayd/internal/toolcall"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newCall(id, session string) *toolcall.ToolCall {
	return &toolcall.ToolCall{
		ID:           id,
		SessionID:    session,
		FunctionName: "send_email",
		Parameters:   toolcall.Params{"to": "ana@example.com"},
		Status:       toolcall.StatusPending,
		CallbackURL:  "http://localhost:9/callback",
		CreatedAt:    time.Now(),
	}
}

func statusPath(tc *toolcall.ToolCall) []toolcall.Status {
	path := make([]toolcall.Status, 0, len(tc.StatusHistory))
	for _, h := range tc.StatusHistory {
		path = append(path, h.Status)
	}
	return path
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tc := newCall("tc-1", "sess-1")
	tc.IntentID = "intent-1"
	require.NoError(t, s.Create(ctx, tc))

	got, err := s.Get(ctx, "tc-1")
	require.NoError(t, err)
	assert.Equal(t, "tc-1", got.ID)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "intent-1", got.IntentID)
	assert.Equal(t, "send_email", got.FunctionName)
	assert.Equal(t, toolcall.StatusPending, got.Status)
	assert.Equal(t, "ana@example.com", got.Parameters["to"])

	// Creation writes the first status_history entry.
	require.Len(t, got.StatusHistory, 1)
	assert.Equal(t, toolcall.StatusPending, got.StatusHistory[0].Status)
	assert.Equal(t, "submitted", got.StatusHistory[0].Note)
}

func TestCreateDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newCall("tc-1", "sess-1")))
	err := s.Create(ctx, newCall("tc-1", "sess-2"))
	assert.ErrorIs(t, err, toolcall.ErrDuplicateID)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, toolcall.ErrNotFound)
}

func TestTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newCall("tc-1", "sess-1")))

	won, err := s.Transition(ctx, &TransitionRequest{
		ID:   "tc-1",
		From: []toolcall.Status{toolcall.StatusPending, toolcall.StatusModified},
		To:   toolcall.StatusExecuting,
		Note: "confirmed",
	})
	require.NoError(t, err)
	assert.True(t, won)

	got, err := s.Get(ctx, "tc-1")
	require.NoError(t, err)
	assert.Equal(t, toolcall.StatusExecuting, got.Status)
	require.NotNil(t, got.ConfirmedAt)
	require.Len(t, got.StatusHistory, 2)
	assert.Equal(t, "confirmed", got.StatusHistory[1].Note)
}

func TestTransitionPreconditionFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newCall("tc-1", "sess-1")))

	// Precondition failure on an existing record is contention, not an
	// error: false with nil error.
	won, err := s.Transition(ctx, &TransitionRequest{
		ID:   "tc-1",
		From: []toolcall.Status{toolcall.StatusExecuting},
		To:   toolcall.StatusPrepared,
	})
	require.NoError(t, err)
	assert.False(t, won)

	// Same precondition against a missing record is a bug: ErrNotFound.
	_, err = s.Transition(ctx, &TransitionRequest{
		ID:   "missing",
		From: []toolcall.Status{toolcall.StatusExecuting},
		To:   toolcall.StatusPrepared,
	})
	assert.ErrorIs(t, err, toolcall.ErrNotFound)
}

func TestTransitionRejectsUnknownEdge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newCall("tc-1", "sess-1")))

	var verr *toolcall.ValidationError
	_, err := s.Transition(ctx, &TransitionRequest{
		ID:   "tc-1",
		From: []toolcall.Status{toolcall.StatusPending},
		To:   toolcall.StatusCompleted,
	})
	assert.ErrorAs(t, err, &verr)
}

func TestTransitionTerminalWritesOutcome(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newCall("tc-1", "sess-1")))

	advance(t, s, "tc-1", toolcall.StatusExecuting)
	advance(t, s, "tc-1", toolcall.StatusPrepared)

	claimed, err := s.ClaimDispatch(ctx, "tc-1")
	require.NoError(t, err)
	require.True(t, claimed)

	won, err := s.Transition(ctx, &TransitionRequest{
		ID:            "tc-1",
		From:          []toolcall.Status{toolcall.StatusPrepared},
		To:            toolcall.StatusCompleted,
		Result:        json.RawMessage(`{"message_id":"m-1"}`),
		VoiceResponse: "Email sent.",
	})
	require.NoError(t, err)
	require.True(t, won)

	got, err := s.Get(ctx, "tc-1")
	require.NoError(t, err)
	assert.Equal(t, toolcall.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"message_id":"m-1"}`, string(got.Result))
	assert.Equal(t, "Email sent.", got.VoiceResponse)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.ExecutedAt)
}

func TestCancelAfterClaimIsRefused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newCall("tc-1", "sess-1")))

	advance(t, s, "tc-1", toolcall.StatusExecuting)
	advance(t, s, "tc-1", toolcall.StatusPrepared)

	claimed, err := s.ClaimDispatch(ctx, "tc-1")
	require.NoError(t, err)
	require.True(t, claimed)

	// The executor has been invoked; a late cancellation must lose.
	won, err := s.Transition(ctx, &TransitionRequest{
		ID:   "tc-1",
		From: toolcall.NonTerminalStatuses(),
		To:   toolcall.StatusCancelled,
	})
	require.NoError(t, err)
	assert.False(t, won)
}

func TestClaimDispatchAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newCall("tc-1", "sess-1")))

	advance(t, s, "tc-1", toolcall.StatusExecuting)
	advance(t, s, "tc-1", toolcall.StatusPrepared)

	first, err := s.ClaimDispatch(ctx, "tc-1")
	require.NoError(t, err)
	second, err := s.ClaimDispatch(ctx, "tc-1")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestClaimDispatchRequiresPrepared(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newCall("tc-1", "sess-1")))

	claimed, err := s.ClaimDispatch(ctx, "tc-1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestUpdateParameters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newCall("tc-1", "sess-1")))

	ok, err := s.UpdateParameters(ctx, "tc-1", toolcall.Params{"to": "bo@example.com"})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "tc-1")
	require.NoError(t, err)
	assert.Equal(t, "bo@example.com", got.Parameters["to"])

	// Parameters freeze once execution begins.
	advance(t, s, "tc-1", toolcall.StatusExecuting)
	ok, err = s.UpdateParameters(ctx, "tc-1", toolcall.Params{"to": "cy@example.com"})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = s.Get(ctx, "tc-1")
	require.NoError(t, err)
	assert.Equal(t, "bo@example.com", got.Parameters["to"])
}

func TestAppendParameterChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newCall("tc-1", "sess-1")))

	err := s.AppendParameterChange(ctx, "tc-1", toolcall.ParameterChange{
		Field:    "to",
		OldValue: "ana@example.com",
		NewValue: "bo@example.com",
	})
	require.NoError(t, err)

	err = s.AppendParameterChange(ctx, "missing", toolcall.ParameterChange{Field: "to"})
	assert.ErrorIs(t, err, toolcall.ErrNotFound)

	got, err := s.Get(ctx, "tc-1")
	require.NoError(t, err)
	require.Len(t, got.ParametersHistory, 1)
	assert.Equal(t, "to", got.ParametersHistory[0].Field)
	assert.Equal(t, "ana@example.com", got.ParametersHistory[0].OldValue)
	assert.Equal(t, "bo@example.com", got.ParametersHistory[0].NewValue)
}

func TestAppendStatusNote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newCall("tc-1", "sess-1")))

	require.NoError(t, s.AppendStatusNote(ctx, "tc-1", "cancellation request superseded"))
	assert.ErrorIs(t, s.AppendStatusNote(ctx, "missing", "x"), toolcall.ErrNotFound)

	got, err := s.Get(ctx, "tc-1")
	require.NoError(t, err)
	require.Len(t, got.StatusHistory, 2)
	assert.Equal(t, "cancellation request superseded", got.StatusHistory[1].Note)
	// The note is stamped with the call's current status, so an annotated
	// history is still a valid walk through the status graph.
	assert.Equal(t, toolcall.StatusPending, got.StatusHistory[1].Status)
	assert.True(t, toolcall.ValidPath(statusPath(got)))
}

func TestQueryPendingAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, id := range []string{"tc-1", "tc-2", "tc-3"} {
		tc := newCall(id, "sess-1")
		tc.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Create(ctx, tc))
	}
	require.NoError(t, s.Create(ctx, newCall("tc-other", "sess-2")))

	// Drive tc-1 to a terminal status.
	advance(t, s, "tc-1", toolcall.StatusExecuting)
	advance(t, s, "tc-1", toolcall.StatusPrepared)
	advance(t, s, "tc-1", toolcall.StatusCompleted)

	pending, err := s.QueryPending(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	// Newest first.
	assert.Equal(t, "tc-3", pending[0].ID)
	assert.Equal(t, "tc-2", pending[1].ID)

	recent, err := s.QueryRecent(ctx, "sess-1", 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "tc-1", recent[0].ID)
	assert.Equal(t, toolcall.StatusCompleted, recent[0].Status)
}

func TestSessionContext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &toolcall.SessionContextEntry{
		SessionID:  "sess-1",
		ContextKey: "last_search",
		Value:      json.RawMessage(`{"hits":3}`),
	}
	require.NoError(t, s.PutContext(ctx, entry))

	got, err := s.GetContext(ctx, "sess-1", "last_search")
	require.NoError(t, err)
	assert.JSONEq(t, `{"hits":3}`, string(got.Value))

	// Overwrite replaces the value in place.
	entry.Value = json.RawMessage(`{"hits":7}`)
	require.NoError(t, s.PutContext(ctx, entry))
	got, err = s.GetContext(ctx, "sess-1", "last_search")
	require.NoError(t, err)
	assert.JSONEq(t, `{"hits":7}`, string(got.Value))

	_, err = s.GetContext(ctx, "sess-1", "missing")
	assert.ErrorIs(t, err, toolcall.ErrNotFound)
}

func TestSessionContextExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutContext(ctx, &toolcall.SessionContextEntry{
		SessionID:  "sess-1",
		ContextKey: "stale",
		Value:      json.RawMessage(`1`),
		ExpiresAt:  time.Now().Add(-time.Second),
	}))
	require.NoError(t, s.PutContext(ctx, &toolcall.SessionContextEntry{
		SessionID:  "sess-1",
		ContextKey: "live",
		Value:      json.RawMessage(`2`),
		ExpiresAt:  time.Now().Add(time.Hour),
	}))

	_, err := s.GetContext(ctx, "sess-1", "stale")
	assert.ErrorIs(t, err, toolcall.ErrNotFound)

	entries, err := s.ListContext(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "live", entries[0].ContextKey)
}

// advance walks a call one edge forward, failing the test if the edge loses.
func advance(t *testing.T, s *SQLite, id string, to toolcall.Status) {
	t.Helper()
	var from []toolcall.Status
	switch to {
	case toolcall.StatusExecuting:
		from = []toolcall.Status{toolcall.StatusPending, toolcall.StatusModified}
	case toolcall.StatusPrepared:
		from = []toolcall.Status{toolcall.StatusExecuting}
	default:
		from = []toolcall.Status{toolcall.StatusPrepared}
	}
	won, err := s.Transition(context.Background(), &TransitionRequest{ID: id, From: from, To: to})
	require.NoError(t, err)
	require.True(t, won)
}
