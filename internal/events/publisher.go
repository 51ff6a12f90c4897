// Package events publishes tool call lifecycle events to NATS so observers
// (UI surfaces, transcript loggers) can stream progress without polling.
//
// Events are published to subjects:
//
//	toolcalls.{session_id}.{tool_call_id}.submitted
//	toolcalls.{session_id}.{tool_call_id}.modified
//	toolcalls.{session_id}.{tool_call_id}.gate
//	toolcalls.{session_id}.{tool_call_id}.completed
//	toolcalls.{session_id}.{tool_call_id}.failed
//	toolcalls.{session_id}.{tool_call_id}.cancelled
//
// Publishing is fire-and-forget: a failed publish never blocks or fails the
// tool call itself.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// flushTimeout bounds the round trip that confirms a published event
// reached the server.
const flushTimeout = 2 * time.Second

// Event is one lifecycle notification.
type Event struct {
	ToolCallID    string    `json:"tool_call_id"`
	SessionID     string    `json:"session_id"`
	FunctionName  string    `json:"function_name"`
	Status        string    `json:"status"`
	Gate          int       `json:"gate,omitempty"`
	Message       string    `json:"message,omitempty"`
	VoiceResponse string    `json:"voice_response,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Handler observes lifecycle events published by this process. Handlers run
// synchronously on the publishing goroutine and must not block.
type Handler func(kind string, ev Event)

// Publisher publishes lifecycle events.
type Publisher struct {
	nats   *nats.Conn // nil disables NATS publishing
	logger *zap.Logger

	mu       sync.RWMutex
	handlers []Handler
}

// NewPublisher creates a Publisher. nc may be nil, which limits delivery to
// in-process subscribers.
func NewPublisher(nc *nats.Conn, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nats: nc, logger: logger}
}

// Subscribe registers an in-process observer for every published event.
func (p *Publisher) Subscribe(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// Publish sends one event under the given kind suffix. In-process subscribers
// are notified before the NATS publish so a local read that follows the
// publish never observes a view more than one event behind.
func (p *Publisher) Publish(kind string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	p.mu.RLock()
	handlers := p.handlers
	p.mu.RUnlock()
	for _, h := range handlers {
		h(kind, ev)
	}

	if p.nats == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("failed to marshal lifecycle event", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("toolcalls.%s.%s.%s", ev.SessionID, ev.ToolCallID, kind)
	if err := p.nats.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish lifecycle event",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	// Flush so subscribers on other instances see the event promptly; a
	// buffered publish can otherwise sit until the client's flush tick.
	if err := p.nats.FlushTimeout(flushTimeout); err != nil {
		p.logger.Warn("failed to flush lifecycle event",
			zap.String("subject", subject), zap.Error(err))
	}
}
