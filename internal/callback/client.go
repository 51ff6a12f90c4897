// Package callback implements the synchronous HTTP handshake between the
// gate coordinator and the caller that owns a tool call's callback_url.
//
// Each checkpoint POSTs a payload describing the call's state and blocks on
// the response, which must carry a continue-or-cancel decision. Terminal
// notifications use the same transport but ignore the response body.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/relayd/internal/config"
	"github.com/fyrsmithlabs/relayd/internal/secrets"
	"github.com/fyrsmithlabs/relayd/internal/toolcall"
)

const (
	headerSignature = "X-Relayd-Signature"
	headerTimestamp = "X-Relayd-Timestamp"
	headerSecret    = "X-Webhook-Secret"

	maxResponseBytes = 1 << 20
)

// Payload is the callback request body.
type Payload struct {
	ToolCallID    string          `json:"tool_call_id"`
	Status        string          `json:"status"`
	Gate          int             `json:"gate"`
	Message       string          `json:"message"`
	Cancellable   bool            `json:"cancellable"`
	Result        json.RawMessage `json:"result,omitempty"`
	VoiceResponse string          `json:"voice_response,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Client delivers callbacks.
//
// The underlying http.Client carries no fixed timeout: a gate decision wait
// legitimately blocks for the whole per-gate deadline, which the caller
// expresses through ctx.
type Client struct {
	http          *http.Client
	notifyTimeout time.Duration
	hmacSecret    config.Secret
	webhookSecret config.Secret
	scrubber      *secrets.Scrubber
	logger        *zap.Logger
}

// NewClient creates a callback client from config.
func NewClient(cfg *config.CallbackConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:          &http.Client{},
		notifyTimeout: timeout,
		hmacSecret:    cfg.HMACSecret,
		webhookSecret: cfg.WebhookSecret,
		scrubber:      secrets.MustNew(nil),
		logger:        logger,
	}
}

// RequestDecision POSTs a gate payload and blocks for the caller's decision.
// The ctx deadline bounds the wait; the gate owns the per-gate timeout. A
// wait that outlives the deadline returns *toolcall.TimeoutError so callers
// can apply the gate's timeout policy.
func (c *Client) RequestDecision(ctx context.Context, url string, payload *Payload) (Decision, error) {
	body, err := c.post(ctx, url, payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &toolcall.TimeoutError{ID: payload.ToolCallID, Gate: payload.Gate}
		}
		return nil, err
	}
	return ParseDecision(body)
}

// Notify POSTs a terminal payload. The response body is ignored; the caller
// has nothing left to decide.
func (c *Client) Notify(ctx context.Context, url string, payload *Payload) error {
	ctx, cancel := context.WithTimeout(ctx, c.notifyTimeout)
	defer cancel()
	_, err := c.post(ctx, url, payload)
	return err
}

func (c *Client) post(ctx context.Context, url string, payload *Payload) ([]byte, error) {
	// Executor errors can embed credentials from the failing backend. The
	// external webhook gets the redacted form; the store keeps the original.
	if payload.Error != "" {
		if res := c.scrubber.Scrub(payload.Error); res.TotalFindings > 0 {
			scrubbed := *payload
			scrubbed.Error = res.Scrubbed
			payload = &scrubbed
			c.logger.Debug("redacted secrets in callback error",
				zap.String("tool_call_id", payload.ToolCallID),
				zap.Int("findings", res.TotalFindings),
			)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.webhookSecret.IsSet() {
		req.Header.Set(headerSecret, c.webhookSecret.Value())
	}
	if c.hmacSecret.IsSet() {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(headerTimestamp, ts)
		req.Header.Set(headerSignature, Sign(ts, body, c.hmacSecret.Value()))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("callback to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read callback response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("callback to %s returned %d", url, resp.StatusCode)
	}

	c.logger.Debug("delivered callback",
		zap.String("url", url),
		zap.String("tool_call_id", payload.ToolCallID),
		zap.Int("gate", payload.Gate),
		zap.String("status", payload.Status),
	)
	return respBody, nil
}
