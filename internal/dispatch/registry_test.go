package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/relayd/internal/toolcall"
)

func TestRegister(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Register("send_email", NewMockExecutor("send_email"))
	require.NoError(t, err)
	assert.True(t, r.Known("send_email"))
	assert.False(t, r.Known("delete_account"))
}

func TestRegisterRejectsBadInput(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Register("", NewMockExecutor("x"))
	require.Error(t, err)

	err = r.Register("send_email", nil)
	require.Error(t, err)
}

func TestRegisterReplaces(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register("send_email", ExecutorFunc(
		func(ctx context.Context, params toolcall.Params) (*Result, error) {
			return &Result{VoiceResponse: "first"}, nil
		})))
	require.NoError(t, r.Register("send_email", ExecutorFunc(
		func(ctx context.Context, params toolcall.Params) (*Result, error) {
			return &Result{VoiceResponse: "second"}, nil
		})))

	res, err := r.Dispatch(context.Background(), "send_email", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", res.VoiceResponse)
}

func TestNames(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("send_email", NewMockExecutor("send_email")))
	require.NoError(t, r.Register("create_event", NewMockExecutor("create_event")))

	assert.Equal(t, []string{"create_event", "send_email"}, r.Names())
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Dispatch(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, toolcall.ErrUnknownTool)
}

func TestDispatchWrapsExecutorError(t *testing.T) {
	r := NewRegistry(nil)
	boom := errors.New("smtp unavailable")
	require.NoError(t, r.Register("send_email", ExecutorFunc(
		func(ctx context.Context, params toolcall.Params) (*Result, error) {
			return nil, boom
		})))

	_, err := r.Dispatch(context.Background(), "send_email", nil)
	require.Error(t, err)

	var execErr *toolcall.ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "send_email", execErr.FunctionName)
	assert.ErrorIs(t, err, boom)
}

func TestDispatchNilResult(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("noop", ExecutorFunc(
		func(ctx context.Context, params toolcall.Params) (*Result, error) {
			return nil, nil
		})))

	res, err := r.Dispatch(context.Background(), "noop", nil)
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestMockExecutor(t *testing.T) {
	exec := NewMockExecutor("send_email")

	res, err := exec.Execute(context.Background(), toolcall.Params{"to": "bob@example.com"})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Contains(t, res.VoiceResponse, "send_email")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &payload))
	assert.Equal(t, true, payload["mock"])
	assert.Equal(t, "send_email", payload["function"])
}
