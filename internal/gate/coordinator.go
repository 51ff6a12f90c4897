// Package gate drives a tool call through its confirmation checkpoints.
//
// A call passes two gates before its executor runs. At each gate the
// coordinator emits a synchronous callback, blocks for a continue-or-cancel
// decision bounded by the gate's timeout, and applies the decision through
// the store's conditional transition. The conditional transition is the only
// arbiter: when a continue loses the race against a concurrent cancellation,
// the coordinator takes the cancellation path and the executor is never
// invoked. A cancellation that arrives after the dispatch claim is recorded
// but does not override the executor's outcome.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/relayd/internal/callback"
	"github.com/fyrsmithlabs/relayd/internal/cancelbus"
	"github.com/fyrsmithlabs/relayd/internal/config"
	"github.com/fyrsmithlabs/relayd/internal/dispatch"
	"github.com/fyrsmithlabs/relayd/internal/events"
	"github.com/fyrsmithlabs/relayd/internal/logging"
	"github.com/fyrsmithlabs/relayd/internal/store"
	"github.com/fyrsmithlabs/relayd/internal/toolcall"
)

const instrumentationName = "github.com/fyrsmithlabs/relayd/internal/gate"

const (
	gatePreparing = 1
	gatePrepared  = 2
)

// Coordinator owns the per-call state machine.
type Coordinator struct {
	gates     *config.GatesConfig
	store     store.Store
	bus       *cancelbus.Bus
	registry  *dispatch.Registry
	callbacks *callback.Client
	events    *events.Publisher
	logger    *logging.Logger

	tracer trace.Tracer
	meter  metric.Meter

	submitCounter   metric.Int64Counter
	terminalCounter metric.Int64Counter

	wg sync.WaitGroup
}

// NewCoordinator wires the coordinator to its collaborators.
func NewCoordinator(
	gates *config.GatesConfig,
	st store.Store,
	bus *cancelbus.Bus,
	registry *dispatch.Registry,
	callbacks *callback.Client,
	publisher *events.Publisher,
	logger *logging.Logger,
) (*Coordinator, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if bus == nil {
		return nil, errors.New("cancel bus is required")
	}
	if registry == nil {
		return nil, errors.New("dispatch registry is required")
	}
	if callbacks == nil {
		return nil, errors.New("callback client is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required for gate auditing")
	}
	if publisher == nil {
		publisher = events.NewPublisher(nil, nil)
	}

	c := &Coordinator{
		gates:     gates,
		store:     st,
		bus:       bus,
		registry:  registry,
		callbacks: callbacks,
		events:    publisher,
		logger:    logger.Named("gate"),
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	c.initMetrics()
	return c, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (c *Coordinator) initMetrics() {
	var err error

	c.submitCounter, err = c.meter.Int64Counter(
		"relayd.toolcalls.submitted_total",
		metric.WithDescription("Total number of tool calls submitted"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		c.logger.Warn(context.Background(), "failed to create submit counter", zap.Error(err))
	}

	c.terminalCounter, err = c.meter.Int64Counter(
		"relayd.toolcalls.terminal_total",
		metric.WithDescription("Total number of tool calls reaching a terminal status"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		c.logger.Warn(context.Background(), "failed to create terminal counter", zap.Error(err))
	}
}

// SubmitRequest describes one confirmed tool call.
type SubmitRequest struct {
	SessionID    string
	FunctionName string
	Parameters   toolcall.Params
	CallbackURL  string

	// IntentID and History carry the pre-confirmation draft's identity and
	// parameter edits into the durable record.
	IntentID string
	History  []toolcall.ParameterChange
}

// Submit creates the durable record and starts driving it through the gates
// in the background. The returned record reflects the initial PENDING state.
func (c *Coordinator) Submit(ctx context.Context, req *SubmitRequest) (*toolcall.ToolCall, error) {
	ctx, span := c.tracer.Start(ctx, "gate.submit")
	defer span.End()

	if req.SessionID == "" {
		return nil, &toolcall.ValidationError{Field: "session_id", Reason: "must not be empty"}
	}
	if req.FunctionName == "" {
		return nil, &toolcall.ValidationError{Field: "function_name", Reason: "must not be empty"}
	}
	if req.CallbackURL == "" {
		return nil, &toolcall.ValidationError{Field: "callback_url", Reason: "must not be empty"}
	}
	// Fail fast before anything durable exists.
	if !c.registry.Known(req.FunctionName) {
		return nil, fmt.Errorf("%w: %s", toolcall.ErrUnknownTool, req.FunctionName)
	}

	tc := &toolcall.ToolCall{
		ID:           uuid.New().String(),
		SessionID:    req.SessionID,
		IntentID:     req.IntentID,
		FunctionName: req.FunctionName,
		Parameters:   req.Parameters.Clone(),
		Status:       toolcall.StatusPending,
		CallbackURL:  req.CallbackURL,
		CreatedAt:    time.Now(),
	}
	span.SetAttributes(
		attribute.String("tool_call_id", tc.ID),
		attribute.String("function", tc.FunctionName),
	)

	if err := c.store.Create(ctx, tc); err != nil {
		return nil, err
	}
	for _, change := range req.History {
		if err := c.store.AppendParameterChange(ctx, tc.ID, change); err != nil {
			c.logger.Warn(ctx, "failed to record draft parameter change",
				zap.String("tool_call_id", tc.ID), zap.Error(err))
		}
	}

	if c.submitCounter != nil {
		c.submitCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("function", tc.FunctionName),
		))
	}
	c.events.Publish("submitted", events.Event{
		ToolCallID:   tc.ID,
		SessionID:    tc.SessionID,
		FunctionName: tc.FunctionName,
		Status:       string(tc.Status),
	})
	c.logger.Info(ctx, "tool call submitted",
		zap.String("tool_call_id", tc.ID),
		zap.String("function", tc.FunctionName),
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		runCtx := logging.WithSessionID(context.Background(), tc.SessionID)
		runCtx = logging.WithToolCallID(runCtx, tc.ID)
		c.run(runCtx, tc)
	}()

	return tc, nil
}

// ModifyParameters merges partial parameters into a durable call that has
// not started executing. The run loop re-reads parameters right before
// dispatch, so a merge that lands while the call is still PENDING or
// MODIFIED is what the executor sees. Once the call enters gate 1 the
// parameters are frozen and the request is refused with a conflict.
func (c *Coordinator) ModifyParameters(ctx context.Context, id string, partial toolcall.Params) (*toolcall.ToolCall, error) {
	ctx, span := c.tracer.Start(ctx, "gate.modify",
		trace.WithAttributes(attribute.String("tool_call_id", id)))
	defer span.End()

	if len(partial) == 0 {
		return nil, &toolcall.ValidationError{Field: "parameters", Reason: "must not be empty"}
	}

	tc, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := tc.Parameters.Clone()
	if merged == nil {
		merged = toolcall.Params{}
	}
	now := time.Now()
	changes := make([]toolcall.ParameterChange, 0, len(partial))
	for field, value := range partial {
		changes = append(changes, toolcall.ParameterChange{
			Field:     field,
			OldValue:  merged[field],
			NewValue:  value,
			Timestamp: now,
		})
		merged[field] = value
	}

	modifiable := []toolcall.Status{toolcall.StatusPending, toolcall.StatusModified}
	won, err := c.store.UpdateParameters(ctx, id, merged)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, &toolcall.ConflictError{ID: id, From: modifiable, To: toolcall.StatusModified}
	}

	// Mark the status change. A concurrent transition into gate 1 or a
	// cancel can still win this race; either way the merged parameters are
	// already durable, so the lost transition is only a missing marker.
	if _, err := c.store.Transition(ctx, &store.TransitionRequest{
		ID:   id,
		From: modifiable,
		To:   toolcall.StatusModified,
		Note: "parameters modified",
	}); err != nil {
		return nil, err
	}
	for _, change := range changes {
		if err := c.store.AppendParameterChange(ctx, id, change); err != nil {
			c.logger.Warn(ctx, "failed to record parameter change",
				zap.String("tool_call_id", id), zap.Error(err))
		}
	}

	c.events.Publish("modified", events.Event{
		ToolCallID:   tc.ID,
		SessionID:    tc.SessionID,
		FunctionName: tc.FunctionName,
		Status:       string(toolcall.StatusModified),
	})
	c.logger.Info(ctx, "tool call parameters modified",
		zap.String("tool_call_id", id),
		zap.Int("fields", len(partial)),
	)
	return c.store.Get(ctx, id)
}

// Drain blocks until every in-flight call has reached a terminal status or
// ctx expires.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives one call from PENDING to a terminal status.
func (c *Coordinator) run(ctx context.Context, tc *toolcall.ToolCall) {
	ctx, span := c.tracer.Start(ctx, "gate.run",
		trace.WithAttributes(attribute.String("tool_call_id", tc.ID)))
	defer span.End()

	// Confirmation: the submission endpoint only accepts confirmed intents,
	// so the call moves straight into gate 1 unless a cancel beat us here.
	won, err := c.store.Transition(ctx, &store.TransitionRequest{
		ID:   tc.ID,
		From: []toolcall.Status{toolcall.StatusPending, toolcall.StatusModified},
		To:   toolcall.StatusExecuting,
		Note: "confirmed",
	})
	if err != nil {
		c.abandon(ctx, tc, "confirm", err)
		return
	}
	if !won {
		c.finishCancelled(ctx, tc)
		return
	}

	// Gate 1: preparing.
	switch res := c.waitGate(ctx, tc, gatePreparing, c.gates.Preparing, toolcall.StatusExecuting); res.kind {
	case resolveCancel:
		won, err := c.store.Transition(ctx, &store.TransitionRequest{
			ID:            tc.ID,
			From:          []toolcall.Status{toolcall.StatusExecuting},
			To:            toolcall.StatusCancelled,
			Note:          res.note,
			VoiceResponse: "Okay, I cancelled that.",
		})
		if err != nil {
			c.abandon(ctx, tc, "cancel at gate 1", err)
			return
		}
		_ = won // Either way the call is cancelled now.
		c.finishCancelled(ctx, tc)
		return
	case resolveContinue:
		won, err := c.store.Transition(ctx, &store.TransitionRequest{
			ID:   tc.ID,
			From: []toolcall.Status{toolcall.StatusExecuting},
			To:   toolcall.StatusPrepared,
			Note: res.note,
		})
		if err != nil {
			c.abandon(ctx, tc, "advance to gate 2", err)
			return
		}
		if !won {
			// A concurrent cancellation won the conditional transition.
			// This must behave exactly as a received cancel; proceeding
			// here is the misrouted-branch bug this coordinator exists
			// to prevent.
			c.finishCancelled(ctx, tc)
			return
		}
	}

	c.events.Publish("gate", events.Event{
		ToolCallID:   tc.ID,
		SessionID:    tc.SessionID,
		FunctionName: tc.FunctionName,
		Status:       string(toolcall.StatusPrepared),
		Gate:         gatePrepared,
		Message:      c.gates.Prepared.Message,
	})

	// Gate 2: prepared, the last stop before the irreversible dispatch.
	switch res := c.waitGate(ctx, tc, gatePrepared, c.gates.Prepared, toolcall.StatusPrepared); res.kind {
	case resolveCancel:
		_, err := c.store.Transition(ctx, &store.TransitionRequest{
			ID:            tc.ID,
			From:          []toolcall.Status{toolcall.StatusPrepared},
			To:            toolcall.StatusCancelled,
			Note:          res.note,
			VoiceResponse: "Okay, I cancelled that.",
		})
		if err != nil {
			c.abandon(ctx, tc, "cancel at gate 2", err)
			return
		}
		c.finishCancelled(ctx, tc)
		return
	case resolveContinue:
		claimed, err := c.store.ClaimDispatch(ctx, tc.ID)
		if err != nil {
			c.abandon(ctx, tc, "claim dispatch", err)
			return
		}
		if !claimed {
			c.finishCancelled(ctx, tc)
			return
		}
	}

	c.execute(ctx, tc)
}

// execute invokes the executor exactly once and writes the terminal outcome.
func (c *Coordinator) execute(ctx context.Context, tc *toolcall.ToolCall) {
	ctx, span := c.tracer.Start(ctx, "gate.dispatch",
		trace.WithAttributes(attribute.String("function", tc.FunctionName)))
	defer span.End()

	// Re-read parameters: they may have been modified while pending.
	current, err := c.store.Get(ctx, tc.ID)
	if err != nil {
		c.abandon(ctx, tc, "load parameters", err)
		return
	}

	result, execErr := c.registry.Dispatch(ctx, tc.FunctionName, current.Parameters)
	if execErr != nil {
		c.finishFailed(ctx, tc, execErr)
		return
	}

	voice := result.VoiceResponse
	if voice == "" {
		voice = "Done."
	}
	_, err = c.store.Transition(ctx, &store.TransitionRequest{
		ID:            tc.ID,
		From:          []toolcall.Status{toolcall.StatusPrepared},
		To:            toolcall.StatusCompleted,
		Note:          "executor succeeded",
		Result:        result.Data,
		VoiceResponse: voice,
	})
	if err != nil {
		c.abandon(ctx, tc, "record completion", err)
		return
	}

	c.writeSessionContext(ctx, tc, result)
	c.finish(ctx, tc, toolcall.StatusCompleted)
}

// writeSessionContext hands executor output to later tool calls in the same
// session.
func (c *Coordinator) writeSessionContext(ctx context.Context, tc *toolcall.ToolCall, result *dispatch.Result) {
	for key, value := range result.SessionContext {
		entry := &toolcall.SessionContextEntry{
			SessionID:  tc.SessionID,
			ContextKey: key,
			Value:      value,
		}
		if err := c.store.PutContext(ctx, entry); err != nil {
			c.logger.Warn(ctx, "failed to write session context",
				zap.String("context_key", key), zap.Error(err))
		}
	}
}

// finishFailed records an executor failure. The caller always receives a
// terminal callback carrying a voice response.
func (c *Coordinator) finishFailed(ctx context.Context, tc *toolcall.ToolCall, execErr error) {
	voice := fmt.Sprintf("Sorry, I could not complete %s.", tc.FunctionName)
	_, err := c.store.Transition(ctx, &store.TransitionRequest{
		ID:            tc.ID,
		From:          []toolcall.Status{toolcall.StatusPrepared},
		To:            toolcall.StatusFailed,
		Note:          "executor failed",
		ErrorMessage:  execErr.Error(),
		VoiceResponse: voice,
	})
	if err != nil {
		c.abandon(ctx, tc, "record failure", err)
		return
	}
	c.finish(ctx, tc, toolcall.StatusFailed)
}

// finishCancelled emits the terminal CANCELLED callback. Reached both when
// this coordinator performed the transition and when a concurrent cancel won
// the race; the store is already terminal either way.
func (c *Coordinator) finishCancelled(ctx context.Context, tc *toolcall.ToolCall) {
	c.finish(ctx, tc, toolcall.StatusCancelled)
}

// finish publishes the terminal event and delivers exactly one terminal
// callback for the call.
func (c *Coordinator) finish(ctx context.Context, tc *toolcall.ToolCall, status toolcall.Status) {
	final, err := c.store.Get(ctx, tc.ID)
	if err != nil {
		c.logger.Error(ctx, "failed to load terminal record", zap.Error(err))
		final = tc
		final.Status = status
	}

	if final.VoiceResponse == "" {
		final.VoiceResponse = "Done."
	}

	if c.terminalCounter != nil {
		c.terminalCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(final.Status)),
			attribute.String("function", tc.FunctionName),
		))
	}
	c.events.Publish(terminalEventKind(final.Status), events.Event{
		ToolCallID:    tc.ID,
		SessionID:     tc.SessionID,
		FunctionName:  tc.FunctionName,
		Status:        string(final.Status),
		VoiceResponse: final.VoiceResponse,
	})

	payload := &callback.Payload{
		ToolCallID:    tc.ID,
		Status:        string(final.Status),
		Message:       "tool call " + string(final.Status),
		Cancellable:   false,
		Result:        final.Result,
		VoiceResponse: final.VoiceResponse,
		Error:         final.ErrorMessage,
	}
	if err := c.callbacks.Notify(ctx, tc.CallbackURL, payload); err != nil {
		c.logger.Warn(ctx, "terminal callback delivery failed", zap.Error(err))
	}

	c.logger.Info(ctx, "tool call finished",
		zap.String("status", string(final.Status)),
		zap.Duration("execution_time", final.ExecutionTime),
	)
}

// abandon flags a call whose durable state can no longer be trusted because
// the store failed. Fatal to the one call, never to the process.
func (c *Coordinator) abandon(ctx context.Context, tc *toolcall.ToolCall, op string, err error) {
	c.logger.Error(ctx, "abandoning tool call: store unavailable",
		zap.String("op", op),
		zap.Error(err),
	)
	if noteErr := c.store.AppendStatusNote(ctx, tc.ID,
		"abandoned during "+op+": "+err.Error()); noteErr != nil {
		c.logger.Error(ctx, "failed to flag abandoned call", zap.Error(noteErr))
	}
	payload := &callback.Payload{
		ToolCallID:    tc.ID,
		Status:        string(toolcall.StatusFailed),
		Message:       "tool call abandoned: persistence failure",
		VoiceResponse: "Sorry, something went wrong. Please try again.",
		Error:         err.Error(),
	}
	if cbErr := c.callbacks.Notify(ctx, tc.CallbackURL, payload); cbErr != nil {
		c.logger.Warn(ctx, "abandonment callback delivery failed", zap.Error(cbErr))
	}
}

func terminalEventKind(status toolcall.Status) string {
	switch status {
	case toolcall.StatusCompleted:
		return "completed"
	case toolcall.StatusFailed:
		return "failed"
	default:
		return "cancelled"
	}
}
