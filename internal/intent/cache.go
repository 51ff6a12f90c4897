// Package intent holds not-yet-confirmed tool requests.
//
// A draft lives only in memory: the user can correct its parameters any
// number of times before anything durable or side-effecting exists. Process
// restart loses unconfirmed drafts.
package intent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/relayd/internal/config"
	"github.com/fyrsmithlabs/relayd/internal/gate"
	"github.com/fyrsmithlabs/relayd/internal/logging"
	"github.com/fyrsmithlabs/relayd/internal/toolcall"
)

var (
	// ErrIntentNotFound is returned when an intent id is unknown, already
	// discarded, or expired.
	ErrIntentNotFound = errors.New("intent not found")

	// ErrIntentConsumed is returned when a draft is modified after
	// confirmation; the durable record owns the parameters from then on.
	ErrIntentConsumed = errors.New("intent already confirmed")
)

// Submitter turns a confirmed draft into a durable tool call.
type Submitter interface {
	Submit(ctx context.Context, req *gate.SubmitRequest) (*toolcall.ToolCall, error)
}

// Draft is the externally visible snapshot of an unconfirmed intent.
type Draft struct {
	ID           string                     `json:"intent_id"`
	SessionID    string                     `json:"session_id"`
	FunctionName string                     `json:"function_name"`
	Parameters   toolcall.Params            `json:"parameters"`
	CallbackURL  string                     `json:"callback_url"`
	History      []toolcall.ParameterChange `json:"parameters_history,omitempty"`
	Confirmed    bool                       `json:"confirmed"`
	CreatedAt    time.Time                  `json:"created_at"`
}

type draft struct {
	mu sync.Mutex

	id           string
	sessionID    string
	functionName string
	params       toolcall.Params
	callbackURL  string
	history      []toolcall.ParameterChange
	createdAt    time.Time

	// Set on first confirm; later confirms replay it.
	submission *toolcall.ToolCall
	submitErr  error
}

// Cache is a bounded, expiring store of drafts keyed by intent id. Expiry
// only reaps drafts nobody touched; it never interrupts a live exchange.
type Cache struct {
	drafts    *expirable.LRU[string, *draft]
	submitter Submitter
	logger    *logging.Logger
}

// NewCache builds the draft cache.
func NewCache(cfg *config.SessionConfig, submitter Submitter, logger *logging.Logger) (*Cache, error) {
	if submitter == nil {
		return nil, errors.New("submitter is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Cache{
		drafts:    expirable.NewLRU[string, *draft](cfg.IntentCacheSize, nil, cfg.IntentTTL),
		submitter: submitter,
		logger:    logger.Named("intent"),
	}, nil
}

// Request creates a new draft. The function name is not validated here;
// unknown tools are rejected at confirmation, when the registry is consulted.
func (c *Cache) Request(ctx context.Context, sessionID, functionName string, params toolcall.Params, callbackURL string) (*Draft, error) {
	if sessionID == "" {
		return nil, &toolcall.ValidationError{Field: "session_id", Reason: "must not be empty"}
	}
	if functionName == "" {
		return nil, &toolcall.ValidationError{Field: "function_name", Reason: "must not be empty"}
	}

	d := &draft{
		id:           uuid.New().String(),
		sessionID:    sessionID,
		functionName: functionName,
		params:       params.Clone(),
		callbackURL:  callbackURL,
		createdAt:    time.Now(),
	}
	c.drafts.Add(d.id, d)

	c.logger.Debug(ctx, "intent drafted",
		zap.String("intent_id", d.id),
		zap.String("function", functionName),
	)
	return d.snapshot(), nil
}

// Modify merges partial parameters into the draft and records the diff.
// Modifying an already confirmed draft is rejected; the durable record owns
// the parameters from confirmation on.
func (c *Cache) Modify(ctx context.Context, intentID string, partial toolcall.Params) (*Draft, error) {
	d, ok := c.drafts.Get(intentID)
	if !ok {
		return nil, ErrIntentNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submission != nil || d.submitErr != nil {
		return nil, ErrIntentConsumed
	}

	now := time.Now()
	for field, value := range partial {
		d.history = append(d.history, toolcall.ParameterChange{
			Field:     field,
			OldValue:  d.params[field],
			NewValue:  value,
			Timestamp: now,
		})
		d.params[field] = value
	}

	c.logger.Debug(ctx, "intent modified",
		zap.String("intent_id", intentID),
		zap.Int("fields", len(partial)),
	)
	return d.snapshotLocked(), nil
}

// Confirm hands the draft to the coordinator. Confirming twice replays the
// first outcome rather than submitting again.
func (c *Cache) Confirm(ctx context.Context, intentID string) (*toolcall.ToolCall, error) {
	d, ok := c.drafts.Get(intentID)
	if !ok {
		return nil, ErrIntentNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submission != nil || d.submitErr != nil {
		return d.submission, d.submitErr
	}

	tc, err := c.submitter.Submit(ctx, &gate.SubmitRequest{
		SessionID:    d.sessionID,
		FunctionName: d.functionName,
		Parameters:   d.params,
		CallbackURL:  d.callbackURL,
		IntentID:     d.id,
		History:      d.history,
	})
	d.submission, d.submitErr = tc, err

	if err != nil {
		c.logger.Warn(ctx, "intent confirmation rejected",
			zap.String("intent_id", intentID), zap.Error(err))
		return nil, err
	}
	c.logger.Info(ctx, "intent confirmed",
		zap.String("intent_id", intentID),
		zap.String("tool_call_id", tc.ID),
	)
	return tc, nil
}

// Cancel discards the draft. Unknown ids are reported so callers can tell a
// stale UI from a live one, but nothing durable is touched either way.
func (c *Cache) Cancel(ctx context.Context, intentID string) error {
	if _, ok := c.drafts.Get(intentID); !ok {
		return ErrIntentNotFound
	}
	c.drafts.Remove(intentID)
	c.logger.Debug(ctx, "intent discarded", zap.String("intent_id", intentID))
	return nil
}

// Get returns a snapshot of the draft.
func (c *Cache) Get(intentID string) (*Draft, error) {
	d, ok := c.drafts.Get(intentID)
	if !ok {
		return nil, ErrIntentNotFound
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(), nil
}

// Len reports the number of live drafts.
func (c *Cache) Len() int {
	return c.drafts.Len()
}

func (d *draft) snapshot() *Draft {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *draft) snapshotLocked() *Draft {
	history := make([]toolcall.ParameterChange, len(d.history))
	copy(history, d.history)
	return &Draft{
		ID:           d.id,
		SessionID:    d.sessionID,
		FunctionName: d.functionName,
		Parameters:   d.params.Clone(),
		CallbackURL:  d.callbackURL,
		History:      history,
		Confirmed:    d.submission != nil,
		CreatedAt:    d.createdAt,
	}
}
