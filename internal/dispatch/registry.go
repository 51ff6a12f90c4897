// Package dispatch routes a validated tool call to its executor.
//
// Executors are external collaborators: email delivery, contact lookup,
// document search, and so on live behind the Executor interface. The
// registry guarantees only the call contract. A single attempt is made per
// dispatch; retry and idempotency of the underlying action are the
// executor's problem, not ours.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/relayd/internal/toolcall"
)

// Result is what a successful executor returns.
type Result struct {
	// Data is the structured result payload, stored on the call record.
	Data json.RawMessage

	// VoiceResponse is the human-facing summary for the conversational
	// surface ("I've sent the email to Bob.").
	VoiceResponse string

	// SessionContext, when non-nil, is written to the session scratchpad
	// on completion so later tool calls can reference it.
	SessionContext map[string]json.RawMessage
}

// Executor runs one tool's side effect. Implementations are invoked at most
// once per tool call and must honor ctx cancellation for their own cleanup;
// relayd does not attempt to undo a side effect once started.
type Executor interface {
	Execute(ctx context.Context, params toolcall.Params) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, params toolcall.Params) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, params toolcall.Params) (*Result, error) {
	return f(ctx, params)
}

// Registry maps function names to executors. It owns no call state.
type Registry struct {
	logger *zap.Logger

	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:    logger,
		executors: make(map[string]Executor),
	}
}

// Register binds an executor to a function name. Re-registering a name
// replaces the previous executor.
func (r *Registry) Register(functionName string, exec Executor) error {
	if functionName == "" {
		return fmt.Errorf("function name must not be empty")
	}
	if exec == nil {
		return fmt.Errorf("executor for %q must not be nil", functionName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[functionName] = exec

	r.logger.Info("registered tool executor", zap.String("function", functionName))
	return nil
}

// Known reports whether an executor is registered for the function name.
// The coordinator uses this to fail fast before gate 1.
func (r *Registry) Known(functionName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[functionName]
	return ok
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch invokes the executor for functionName exactly once. Unknown names
// fail with toolcall.ErrUnknownTool; executor failures are wrapped in a
// ToolExecutionError.
func (r *Registry) Dispatch(ctx context.Context, functionName string, params toolcall.Params) (*Result, error) {
	r.mu.RLock()
	exec, ok := r.executors[functionName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", toolcall.ErrUnknownTool, functionName)
	}

	res, err := exec.Execute(ctx, params)
	if err != nil {
		return nil, &toolcall.ToolExecutionError{FunctionName: functionName, Err: err}
	}
	if res == nil {
		res = &Result{}
	}
	return res, nil
}
