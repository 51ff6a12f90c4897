package httpapi

import (
	"github.com/fyrsmithlabs/relayd/internal/toolcall"
)

// SubmitRequest is the request body for POST /api/v1/tool-calls.
type SubmitRequest struct {
	SessionID    string          `json:"session_id" validate:"required"`
	FunctionName string          `json:"function_name" validate:"required"`
	Parameters   toolcall.Params `json:"parameters"`
	CallbackURL  string          `json:"callback_url" validate:"required,url"`
}

// SubmitResponse is the response body for POST /api/v1/tool-calls.
type SubmitResponse struct {
	ToolCallID string `json:"tool_call_id"`
	Status     string `json:"status"`
}

// ModifyRequest is the request body for PATCH /api/v1/tool-calls/:id.
type ModifyRequest struct {
	Parameters toolcall.Params `json:"parameters" validate:"required"`
}

// CancelRequest is the request body for POST /api/v1/tool-calls/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// CancelResponse is the response body for POST /api/v1/tool-calls/:id/cancel.
type CancelResponse struct {
	ToolCallID string `json:"tool_call_id"`
	Outcome    string `json:"outcome"`
}

// IntentRequest is the request body for POST /api/v1/intents.
type IntentRequest struct {
	SessionID    string          `json:"session_id" validate:"required"`
	FunctionName string          `json:"function_name" validate:"required"`
	Parameters   toolcall.Params `json:"parameters"`
	CallbackURL  string          `json:"callback_url" validate:"required,url"`
}

// IntentModifyRequest is the request body for PATCH /api/v1/intents/:id.
type IntentModifyRequest struct {
	Parameters toolcall.Params `json:"parameters" validate:"required"`
}

// ToolsResponse is the response body for GET /api/v1/tools.
type ToolsResponse struct {
	Tools []string `json:"tools"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the generic error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
