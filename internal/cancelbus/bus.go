// Package cancelbus propagates cancellation requests with low latency.
//
// The bus is strictly an optimization layered over the store's conditional
// transition: RequestCancel always attempts the authoritative CANCELLED
// transition itself, and additionally pokes any in-process gate wait (and,
// via NATS, gate waits on other instances) so they do not sit out their
// timeout. Correctness holds even when every in-memory signal is lost.
package cancelbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/relayd/internal/store"
	"github.com/fyrsmithlabs/relayd/internal/toolcall"
)

// cancelSubjectPrefix is the NATS subject namespace for cancel signals.
// Subjects are cancelSubjectPrefix + "." + tool_call_id.
const cancelSubjectPrefix = "toolcalls.cancel"

// natsFlushTimeout bounds the round trip that confirms a published signal
// reached the server.
const natsFlushTimeout = 2 * time.Second

// Signal is delivered to a registered gate wait when a cancellation request
// arrives for its call.
type Signal struct {
	ToolCallID string    `json:"tool_call_id"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// Outcome reports what a cancellation request achieved.
type Outcome string

const (
	// OutcomeCancelled means this request won the CANCELLED transition.
	OutcomeCancelled Outcome = "cancelled"

	// OutcomeNotApplicable means the call was already terminal, already
	// cancelled, or past the point of no return (executor claimed). Not
	// an error; cancellation is idempotent.
	OutcomeNotApplicable Outcome = "not_applicable"
)

// Bus fans cancellation requests out to gate waits and the store.
type Bus struct {
	store  store.Store
	nats   *nats.Conn // nil in single-instance deployments
	logger *zap.Logger

	mu      sync.Mutex
	waiters map[string]chan Signal

	sub *nats.Subscription
}

// New creates a Bus. nc may be nil, in which case cross-instance propagation
// is disabled and only the store path provides correctness across processes.
func New(st store.Store, nc *nats.Conn, logger *zap.Logger) (*Bus, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Bus{
		store:   st,
		nats:    nc,
		logger:  logger,
		waiters: make(map[string]chan Signal),
	}

	if nc != nil {
		sub, err := nc.Subscribe(cancelSubjectPrefix+".>", b.handleRemote)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to cancel subjects: %w", err)
		}
		b.sub = sub
	}

	return b, nil
}

// Close drops the NATS subscription. Registered waiters are left to their
// timeouts.
func (b *Bus) Close() error {
	if b.sub != nil {
		return b.sub.Unsubscribe()
	}
	return nil
}

// Register creates the fast-path signal channel for a gate wait. The channel
// carries at most one signal. Callers must Unregister when the wait resolves.
func (b *Bus) Register(toolCallID string) <-chan Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.waiters[toolCallID]; ok {
		return ch
	}
	ch := make(chan Signal, 1)
	b.waiters[toolCallID] = ch
	return ch
}

// Unregister removes the signal channel for a call.
func (b *Bus) Unregister(toolCallID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.waiters, toolCallID)
}

// RequestCancel requests cancellation of a call. Safe to call at any time,
// from any caller, any number of times.
//
// It (a) attempts the authoritative conditional transition to CANCELLED,
// (b) signals a local gate wait if one is registered, and (c) publishes the
// signal to NATS for gate waits on other instances. Returns ErrNotFound only
// when the record does not exist at all.
func (b *Bus) RequestCancel(ctx context.Context, toolCallID, reason string) (Outcome, error) {
	sig := Signal{ToolCallID: toolCallID, Reason: reason, At: time.Now()}

	won, err := b.store.Transition(ctx, &store.TransitionRequest{
		ID:            toolCallID,
		From:          toolcall.NonTerminalStatuses(),
		To:            toolcall.StatusCancelled,
		Note:          reason,
		VoiceResponse: "Okay, I cancelled that.",
	})
	if err != nil {
		return "", err
	}

	b.signalLocal(sig)
	b.publish(sig)

	if !won {
		// Already terminal or the dispatch claim beat us. Leave an audit
		// trace that a late cancellation was superseded.
		if noteErr := b.store.AppendStatusNote(ctx, toolCallID,
			"cancellation request superseded: "+reason); noteErr != nil {
			b.logger.Warn("failed to record superseded cancellation",
				zap.String("tool_call_id", toolCallID), zap.Error(noteErr))
		}
		return OutcomeNotApplicable, nil
	}

	b.logger.Info("tool call cancelled",
		zap.String("tool_call_id", toolCallID),
		zap.String("reason", reason),
	)
	return OutcomeCancelled, nil
}

// signalLocal delivers the signal to a registered in-process waiter.
func (b *Bus) signalLocal(sig Signal) {
	b.mu.Lock()
	ch, ok := b.waiters[sig.ToolCallID]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- sig:
	default:
		// A signal is already queued; one is enough.
	}
}

// publish sends the signal to other instances. Best effort: the store
// transition already happened.
func (b *Bus) publish(sig Signal) {
	if b.nats == nil {
		return
	}
	data, err := json.Marshal(sig)
	if err != nil {
		b.logger.Warn("failed to marshal cancel signal", zap.Error(err))
		return
	}
	subject := cancelSubjectPrefix + "." + sig.ToolCallID
	if err := b.nats.Publish(subject, data); err != nil {
		b.logger.Warn("failed to publish cancel signal",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	// Cancellation is latency-sensitive: flush so the signal leaves the
	// connection's write buffer now instead of on the next flush tick.
	if err := b.nats.FlushTimeout(natsFlushTimeout); err != nil {
		b.logger.Warn("failed to flush cancel signal",
			zap.String("subject", subject), zap.Error(err))
	}
}

// handleRemote delivers cancel signals published by other instances to any
// local gate wait. The publishing instance already performed the store
// transition; only the fast path is replayed here.
func (b *Bus) handleRemote(msg *nats.Msg) {
	var sig Signal
	if err := json.Unmarshal(msg.Data, &sig); err != nil {
		b.logger.Warn("dropping malformed cancel signal", zap.Error(err))
		return
	}
	b.signalLocal(sig)
}
