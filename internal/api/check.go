package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/triage-ai/gatekeeper/internal/contentgate"
	"github.com/triage-ai/gatekeeper/internal/executor"
	"github.com/triage-ai/gatekeeper/internal/pipeline"
	"go.uber.org/zap"
)

// Reason strings returned in check responses.
const (
	reasonRateLimited      = "rate_limited"
	reasonValidationFailed = "validation_failed"
	reasonPermissionDenied = "permission_denied"
	reasonToolTimeout      = "tool_timeout"
	reasonToolError        = "tool_error"
)

// handleCheckMessage implements POST /v1/guard/messages.
func (d *Dependencies) handleCheckMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageCheckReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	requestID := uuid.New().String()
	sanitized, err := d.Guard.CheckMessage(r.Context(), req.CallerID, req.Text)
	if err == nil {
		writeJSON(w, http.StatusOK, MessageCheckResp{
			Allowed:   true,
			RequestID: requestID,
			Sanitized: sanitized,
		})
		return
	}

	resp := MessageCheckResp{RequestID: requestID, Message: pipeline.UserMessage(err)}
	var rl *pipeline.RateLimitError
	var ve *pipeline.ValidationError
	switch {
	case errors.As(err, &rl):
		resp.Reason = reasonRateLimited
		resp.RetryAfterSeconds = rl.RetryAfterSeconds
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds))
		writeJSON(w, http.StatusTooManyRequests, resp)
	case errors.As(err, &ve):
		resp.Reason = reasonValidationFailed
		resp.Violations = violationCodes(ve.Violations)
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		d.Logger.Error("message check failed", zap.String("request_id", requestID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "check failed"})
	}
}

// handleCheckToolCall implements POST /v1/guard/tool-calls. It authorizes the
// call only; the tool itself runs in the caller's process.
func (d *Dependencies) handleCheckToolCall(w http.ResponseWriter, r *http.Request) {
	var req ToolCallCheckReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.ToolName == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "tool_name is required"})
		return
	}

	requestID := uuid.New().String()
	err := d.Guard.AuthorizeTool(r.Context(), req.CallerID, req.ToolName, req.ArgumentsJSON)
	if err == nil {
		writeJSON(w, http.StatusOK, ToolCallCheckResp{Allowed: true, RequestID: requestID})
		return
	}

	resp := ToolCallCheckResp{RequestID: requestID, Message: pipeline.UserMessage(err)}
	var ve *pipeline.ValidationError
	var pe *pipeline.PermissionError
	switch {
	case errors.As(err, &ve):
		resp.Reason = reasonValidationFailed
		resp.Violations = violationCodes(ve.Violations)
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	case errors.As(err, &pe):
		resp.Reason = reasonPermissionDenied
		writeJSON(w, http.StatusForbidden, resp)
	default:
		d.Logger.Error("tool call check failed", zap.String("request_id", requestID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "check failed"})
	}
}

// handleExecuteTool implements POST /v1/guard/tool-calls/execute. It
// authorizes the call like /v1/guard/tool-calls and then runs the registered
// tool under the executor deadline.
func (d *Dependencies) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	if d.Tools == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Tool execution not configured"})
		return
	}
	var req ToolCallCheckReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.ToolName == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "tool_name is required"})
		return
	}
	if !d.Tools.Has(req.ToolName) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Unknown tool"})
		return
	}

	requestID := uuid.New().String()
	val, err := d.Guard.InvokeTool(r.Context(), req.CallerID, req.ToolName, req.ArgumentsJSON,
		func(ctx context.Context) (any, error) {
			return d.Tools.Invoke(ctx, req.ToolName, req.ArgumentsJSON)
		})
	if err == nil {
		result, _ := val.(json.RawMessage)
		writeJSON(w, http.StatusOK, ToolExecResp{Allowed: true, RequestID: requestID, Result: result})
		return
	}

	resp := ToolExecResp{RequestID: requestID, Message: pipeline.UserMessage(err)}
	var ve *pipeline.ValidationError
	var pe *pipeline.PermissionError
	var te *pipeline.ToolError
	switch {
	case errors.As(err, &ve):
		resp.Reason = reasonValidationFailed
		resp.Violations = violationCodes(ve.Violations)
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	case errors.As(err, &pe):
		resp.Reason = reasonPermissionDenied
		writeJSON(w, http.StatusForbidden, resp)
	case executor.IsTimeout(err):
		resp.Allowed = true
		resp.Reason = reasonToolTimeout
		writeJSON(w, http.StatusGatewayTimeout, resp)
	case errors.As(err, &te):
		resp.Allowed = true
		resp.Reason = reasonToolError
		writeJSON(w, http.StatusBadGateway, resp)
	default:
		d.Logger.Error("tool execution failed", zap.String("request_id", requestID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "execution failed"})
	}
}

func violationCodes(vs []contentgate.Violation) []string {
	codes := make([]string, len(vs))
	for i, v := range vs {
		codes[i] = v.Code
	}
	return codes
}
