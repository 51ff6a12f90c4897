package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/relayd/internal/toolcall"
)

// NewMockExecutor returns an executor that performs no side effect and
// reports success. Registered in dev mode when no real executors are
// configured, so the full gate flow can be exercised end to end.
func NewMockExecutor(functionName string) Executor {
	return ExecutorFunc(func(ctx context.Context, params toolcall.Params) (*Result, error) {
		payload, err := json.Marshal(map[string]any{
			"mock":     true,
			"function": functionName,
			"params":   params,
		})
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:          payload,
			VoiceResponse: fmt.Sprintf("Done. %s ran in mock mode.", functionName),
		}, nil
	})
}
