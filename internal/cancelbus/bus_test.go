package cancelbus

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/relayd/internal/store"
	"github.com/fyrsmithlabs/relayd/internal/toolcall"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func newTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedCall(t *testing.T, s *store.SQLite, id string) {
	t.Helper()
	err := s.Create(context.Background(), &toolcall.ToolCall{
		ID:           id,
		SessionID:    "sess-1",
		FunctionName: "send_email",
		Parameters:   toolcall.Params{"to": "ana@example.com"},
		Status:       toolcall.StatusPending,
		CallbackURL:  "http://localhost:9/callback",
		CreatedAt:    time.Now(),
	})
	require.NoError(t, err)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(nil, nil, nil)
	require.Error(t, err)
}

func TestRequestCancelTransitionsStore(t *testing.T) {
	s := newTestStore(t)
	seedCall(t, s, "tc-1")

	b, err := New(s, nil, nil)
	require.NoError(t, err)

	outcome, err := b.RequestCancel(context.Background(), "tc-1", "caller changed their mind")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)

	got, err := s.Get(context.Background(), "tc-1")
	require.NoError(t, err)
	assert.Equal(t, toolcall.StatusCancelled, got.Status)
}

func TestRequestCancelNotFound(t *testing.T) {
	s := newTestStore(t)
	b, err := New(s, nil, nil)
	require.NoError(t, err)

	_, err = b.RequestCancel(context.Background(), "missing", "nope")
	assert.ErrorIs(t, err, toolcall.ErrNotFound)
}

func TestRequestCancelIdempotent(t *testing.T) {
	s := newTestStore(t)
	seedCall(t, s, "tc-1")

	b, err := New(s, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	outcome, err := b.RequestCancel(ctx, "tc-1", "first")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)

	// The second request loses the transition but is still not an error.
	outcome, err = b.RequestCancel(ctx, "tc-1", "second")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotApplicable, outcome)
}

func TestRequestCancelAfterDispatchClaim(t *testing.T) {
	s := newTestStore(t)
	seedCall(t, s, "tc-1")
	ctx := context.Background()

	for _, step := range []store.TransitionRequest{
		{ID: "tc-1", From: []toolcall.Status{toolcall.StatusPending}, To: toolcall.StatusExecuting},
		{ID: "tc-1", From: []toolcall.Status{toolcall.StatusExecuting}, To: toolcall.StatusPrepared},
	} {
		won, err := s.Transition(ctx, &step)
		require.NoError(t, err)
		require.True(t, won)
	}
	claimed, err := s.ClaimDispatch(ctx, "tc-1")
	require.NoError(t, err)
	require.True(t, claimed)

	b, err := New(s, nil, nil)
	require.NoError(t, err)

	outcome, err := b.RequestCancel(ctx, "tc-1", "too late")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotApplicable, outcome)

	// The superseded request leaves an audit note, not a status change.
	got, err := s.Get(ctx, "tc-1")
	require.NoError(t, err)
	assert.Equal(t, toolcall.StatusPrepared, got.Status)

	var found bool
	path := make([]toolcall.Status, 0, len(got.StatusHistory))
	for _, h := range got.StatusHistory {
		path = append(path, h.Status)
		if h.Note == "cancellation request superseded: too late" {
			found = true
			// The note is recorded under the current status, not CANCELLED.
			assert.Equal(t, toolcall.StatusPrepared, h.Status)
		}
	}
	assert.True(t, found)
	assert.True(t, toolcall.ValidPath(path), "history %v", path)
}

func TestLocalSignalDelivery(t *testing.T) {
	s := newTestStore(t)
	seedCall(t, s, "tc-1")

	b, err := New(s, nil, nil)
	require.NoError(t, err)

	ch := b.Register("tc-1")
	defer b.Unregister("tc-1")

	_, err = b.RequestCancel(context.Background(), "tc-1", "caller changed their mind")
	require.NoError(t, err)

	select {
	case sig := <-ch:
		assert.Equal(t, "tc-1", sig.ToolCallID)
		assert.Equal(t, "caller changed their mind", sig.Reason)
	case <-time.After(time.Second):
		t.Fatal("no cancel signal delivered")
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	b, err := New(s, nil, nil)
	require.NoError(t, err)

	ch1 := b.Register("tc-1")
	ch2 := b.Register("tc-1")
	assert.Equal(t, ch1, ch2)
}

func TestCrossInstancePropagation(t *testing.T) {
	server := startTestNATSServer(t)
	ctx := context.Background()

	s1 := newTestStore(t)
	s2 := newTestStore(t)
	seedCall(t, s1, "tc-1")
	seedCall(t, s2, "tc-1")

	nc1, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc1.Close()
	nc2, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc2.Close()

	b1, err := New(s1, nc1, nil)
	require.NoError(t, err)
	defer b1.Close()
	b2, err := New(s2, nc2, nil)
	require.NoError(t, err)
	defer b2.Close()

	// A gate wait on instance 2 hears a cancel requested on instance 1.
	ch := b2.Register("tc-1")
	defer b2.Unregister("tc-1")

	outcome, err := b1.RequestCancel(ctx, "tc-1", "remote cancel")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)

	select {
	case sig := <-ch:
		assert.Equal(t, "tc-1", sig.ToolCallID)
		assert.Equal(t, "remote cancel", sig.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel signal did not cross instances")
	}
}
