// Package contextview gives the conversational agent a consistent view of a
// session's in-flight and recent tool calls.
//
// Views are cached per session and invalidated by lifecycle events, never by
// a clock: a cached view is at most one unreflected event stale, and a
// session's entry survives until the session is torn down or evicted by
// capacity pressure.
package contextview

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/relayd/internal/config"
	"github.com/fyrsmithlabs/relayd/internal/events"
	"github.com/fyrsmithlabs/relayd/internal/logging"
	"github.com/fyrsmithlabs/relayd/internal/store"
	"github.com/fyrsmithlabs/relayd/internal/toolcall"
)

const instrumentationName = "github.com/fyrsmithlabs/relayd/internal/contextview"

// View is the agent-facing snapshot of one session.
type View struct {
	SessionID string               `json:"session_id"`
	Pending   []*toolcall.ToolCall `json:"pending"`
	Recent    []*toolcall.ToolCall `json:"recent"`

	// Scratchpad values written by completed tool calls, decoded lazily by
	// the caller.
	Context map[string]json.RawMessage `json:"context,omitempty"`
}

// Service answers session context queries through a read-through cache.
type Service struct {
	store       store.Store
	recentLimit int
	logger      *logging.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, *View]

	hitCounter  metric.Int64Counter
	missCounter metric.Int64Counter
}

// NewService builds the query service and subscribes it to lifecycle events
// so cached views are dropped the moment a call changes state.
func NewService(cfg *config.SessionConfig, st store.Store, publisher *events.Publisher, logger *logging.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	cache, err := lru.New[string, *View](cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	s := &Service{
		store:       st,
		recentLimit: cfg.RecentLimit,
		logger:      logger.Named("contextview"),
		cache:       cache,
	}
	s.initMetrics()

	if publisher != nil {
		publisher.Subscribe(func(_ string, ev events.Event) {
			s.Invalidate(ev.SessionID)
		})
	}
	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *Service) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	s.hitCounter, err = meter.Int64Counter(
		"relayd.contextview.cache_hits_total",
		metric.WithDescription("Session view cache hits"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create hit counter", zap.Error(err))
	}

	s.missCounter, err = meter.Int64Counter(
		"relayd.contextview.cache_misses_total",
		metric.WithDescription("Session view cache misses"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create miss counter", zap.Error(err))
	}
}

// GetContext returns the session's pending and recent tool calls plus its
// scratchpad. Served from cache when no lifecycle event has touched the
// session since the last read.
func (s *Service) GetContext(ctx context.Context, sessionID string) (*View, error) {
	if sessionID == "" {
		return nil, &toolcall.ValidationError{Field: "session_id", Reason: "must not be empty"}
	}

	s.mu.Lock()
	cached, ok := s.cache.Get(sessionID)
	s.mu.Unlock()
	if ok {
		if s.hitCounter != nil {
			s.hitCounter.Add(ctx, 1)
		}
		return cached, nil
	}
	if s.missCounter != nil {
		s.missCounter.Add(ctx, 1)
	}

	view, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache.Add(sessionID, view)
	s.mu.Unlock()
	return view, nil
}

func (s *Service) load(ctx context.Context, sessionID string) (*View, error) {
	pending, err := s.store.QueryPending(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	recent, err := s.store.QueryRecent(ctx, sessionID, s.recentLimit)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	view := &View{
		SessionID: sessionID,
		Pending:   pending,
		Recent:    recent,
	}
	if len(entries) > 0 {
		view.Context = make(map[string]json.RawMessage, len(entries))
		for _, e := range entries {
			view.Context[e.ContextKey] = e.Value
		}
	}
	return view, nil
}

// Invalidate drops the cached view for a session. Called on every lifecycle
// event; the next read rebuilds from the store.
func (s *Service) Invalidate(sessionID string) {
	s.mu.Lock()
	s.cache.Remove(sessionID)
	s.mu.Unlock()
}

// EndSession clears the session's cached view at teardown.
func (s *Service) EndSession(sessionID string) {
	s.Invalidate(sessionID)
	s.logger.Debug(context.Background(), "session view cleared",
		zap.String("session_id", sessionID))
}
