package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/relayd/internal/gate"
	"github.com/fyrsmithlabs/relayd/internal/intent"
	"github.com/fyrsmithlabs/relayd/internal/toolcall"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleSubmit accepts an already confirmed tool call and starts driving it
// through the gates. The response returns immediately; progress is reported
// through callbacks to callback_url.
func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return validationHTTPError(err)
	}

	tc, err := s.coordinator.Submit(c.Request().Context(), &gate.SubmitRequest{
		SessionID:    req.SessionID,
		FunctionName: req.FunctionName,
		Parameters:   req.Parameters,
		CallbackURL:  req.CallbackURL,
	})
	if err != nil {
		return s.domainError(c, err)
	}

	return c.JSON(http.StatusAccepted, SubmitResponse{
		ToolCallID: tc.ID,
		Status:     string(tc.Status),
	})
}

// handleGetToolCall returns the full durable record, histories included.
func (s *Server) handleGetToolCall(c echo.Context) error {
	tc, err := s.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, tc)
}

// handleModifyToolCall merges partial parameters into a durable call that
// has not started executing. A call already past gate 1 gets a 409; the
// parameters are frozen once execution begins.
func (s *Server) handleModifyToolCall(c echo.Context) error {
	var req ModifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Parameters) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "parameters field is required")
	}

	tc, err := s.coordinator.ModifyParameters(c.Request().Context(), c.Param("id"), req.Parameters)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, tc)
}

// handleCancel requests cancellation of an in-flight call. Always succeeds
// for a known call; the outcome field says whether this request actually
// cancelled it or arrived too late.
func (s *Server) handleCancel(c echo.Context) error {
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	id := c.Param("id")
	outcome, err := s.bus.RequestCancel(c.Request().Context(), id, req.Reason)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, CancelResponse{
		ToolCallID: id,
		Outcome:    string(outcome),
	})
}

// handleIntentRequest drafts a new intent. Nothing durable exists yet.
func (s *Server) handleIntentRequest(c echo.Context) error {
	var req IntentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return validationHTTPError(err)
	}

	draft, err := s.intents.Request(c.Request().Context(),
		req.SessionID, req.FunctionName, req.Parameters, req.CallbackURL)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusCreated, draft)
}

// handleIntentGet returns the current draft.
func (s *Server) handleIntentGet(c echo.Context) error {
	draft, err := s.intents.Get(c.Param("id"))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, draft)
}

// handleIntentModify merges partial parameters into the draft.
func (s *Server) handleIntentModify(c echo.Context) error {
	var req IntentModifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Parameters) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "parameters field is required")
	}

	draft, err := s.intents.Modify(c.Request().Context(), c.Param("id"), req.Parameters)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, draft)
}

// handleIntentConfirm commits the draft as a durable tool call. Confirming
// twice returns the original submission rather than a second call.
func (s *Server) handleIntentConfirm(c echo.Context) error {
	tc, err := s.intents.Confirm(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{
		ToolCallID: tc.ID,
		Status:     string(tc.Status),
	})
}

// handleIntentCancel discards the draft.
func (s *Server) handleIntentCancel(c echo.Context) error {
	if err := s.intents.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return s.domainError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleSessionContext returns pending and recent calls plus the session
// scratchpad.
func (s *Server) handleSessionContext(c echo.Context) error {
	view, err := s.views.GetContext(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// handleSessionEnd tears down a session's cached view.
func (s *Server) handleSessionEnd(c echo.Context) error {
	s.views.EndSession(c.Param("session_id"))
	return c.NoContent(http.StatusNoContent)
}

// handleListTools returns the registered executor names.
func (s *Server) handleListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, ToolsResponse{Tools: s.registry.Names()})
}

// domainError maps domain errors onto HTTP status codes.
func (s *Server) domainError(c echo.Context, err error) error {
	var verr *toolcall.ValidationError
	var cerr *toolcall.ConflictError

	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	case errors.Is(err, toolcall.ErrUnknownTool):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, toolcall.ErrNotFound), errors.Is(err, intent.ErrIntentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, toolcall.ErrDuplicateID), errors.Is(err, intent.ErrIntentConsumed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &cerr):
		return echo.NewHTTPError(http.StatusConflict, cerr.Error())
	default:
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// validationHTTPError turns validator output into a 400 with field detail.
func validationHTTPError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return echo.NewHTTPError(http.StatusBadRequest,
			"invalid field "+fe.Field()+": failed "+fe.Tag()+" validation")
	}
	return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
}
