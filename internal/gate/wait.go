package gate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/relayd/internal/callback"
	"github.com/fyrsmithlabs/relayd/internal/config"
	"github.com/fyrsmithlabs/relayd/internal/toolcall"
)

type resolveKind int

const (
	resolveContinue resolveKind = iota
	resolveCancel
)

// resolution is the outcome of one gate wait, with the note that goes into
// the status history.
type resolution struct {
	kind resolveKind
	note string
}

// decisionResult carries the callback round trip back onto the select loop.
type decisionResult struct {
	decision callback.Decision
	err      error
}

// waitGate notifies the caller about the checkpoint and blocks until one of
// three things happens: the caller answers, a cancellation signal arrives, or
// the gate times out. The gate's timeout policy decides whether a silent
// caller means continue or cancel.
func (c *Coordinator) waitGate(ctx context.Context, tc *toolcall.ToolCall, gate int, gcfg config.GateConfig, status toolcall.Status) resolution {
	signals := c.bus.Register(tc.ID)
	defer c.bus.Unregister(tc.ID)

	waitCtx, cancel := context.WithTimeout(ctx, gcfg.Timeout)
	defer cancel()

	payload := &callback.Payload{
		ToolCallID:  tc.ID,
		Status:      string(status),
		Gate:        gate,
		Message:     gcfg.Message,
		Cancellable: gcfg.Cancellable,
	}

	decisions := make(chan decisionResult, 1)
	go func() {
		decision, err := c.callbacks.RequestDecision(waitCtx, tc.CallbackURL, payload)
		decisions <- decisionResult{decision: decision, err: err}
	}()

	timer := time.NewTimer(gcfg.Timeout)
	defer timer.Stop()

	select {
	case sig := <-signals:
		return resolution{kind: resolveCancel, note: "cancelled by caller: " + sig.Reason}

	case res := <-decisions:
		if res.err != nil {
			// An unreachable or malformed caller cannot hold the gate
			// open; the timeout policy covers transport failures too.
			c.logger.Warn(ctx, "gate decision request failed, applying timeout policy",
				zap.Int("gate", gate),
				zap.String("on_timeout", string(gcfg.OnTimeout)),
				zap.Error(res.err),
			)
			return c.timeoutResolution(gcfg, "decision request failed: "+res.err.Error())
		}
		switch d := res.decision.(type) {
		case callback.Cancel:
			note := "cancelled by caller"
			if d.Reason != "" {
				note += ": " + d.Reason
			}
			return resolution{kind: resolveCancel, note: note}
		default:
			return resolution{kind: resolveContinue, note: "caller approved gate"}
		}

	case <-timer.C:
		c.logger.Info(ctx, "gate timed out",
			zap.Int("gate", gate),
			zap.String("on_timeout", string(gcfg.OnTimeout)),
		)
		return c.timeoutResolution(gcfg, "gate timed out")
	}
}

func (c *Coordinator) timeoutResolution(gcfg config.GateConfig, note string) resolution {
	if gcfg.OnTimeout == config.TimeoutCancel {
		return resolution{kind: resolveCancel, note: note + ", cancelling"}
	}
	return resolution{kind: resolveContinue, note: note + ", continuing"}
}
