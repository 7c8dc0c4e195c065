// Package pipeline composes admission, content validation, permission checks
// and bounded execution in their fixed order, and reports every stage to the
// observability sink.
package pipeline

import (
	"context"
	"unicode/utf8"

	"github.com/triage-ai/gatekeeper/internal/admission"
	"github.com/triage-ai/gatekeeper/internal/audit"
	"github.com/triage-ai/gatekeeper/internal/contentgate"
	"github.com/triage-ai/gatekeeper/internal/executor"
	"github.com/triage-ai/gatekeeper/internal/metrics"
	"go.uber.org/zap"
)

// Admitter decides whether a caller may start a unit of work.
type Admitter interface {
	TryAdmit(ctx context.Context, callerID int64) admission.Decision
}

// Permissions decides whether a caller may invoke a tool.
type Permissions interface {
	Check(ctx context.Context, callerID int64, toolName string) bool
}

// Deps are the stages a Guard composes.
type Deps struct {
	Admission Admitter
	Content   *contentgate.Validator
	ToolArgs  *contentgate.ToolArgsValidator
	Perms     Permissions
	Executor  *executor.Executor
	Audit     audit.Sink
	Metrics   metrics.Sink
	Logger    *zap.Logger
}

// Guard runs inbound messages and tool calls through the safety stages.
type Guard struct {
	admission Admitter
	content   *contentgate.Validator
	toolArgs  *contentgate.ToolArgsValidator
	perms     Permissions
	exec      *executor.Executor
	audit     audit.Sink
	metrics   metrics.Sink
	logger    *zap.Logger
}

// New creates a Guard.
func New(d Deps) *Guard {
	return &Guard{
		admission: d.Admission,
		content:   d.Content,
		toolArgs:  d.ToolArgs,
		perms:     d.Perms,
		exec:      d.Executor,
		audit:     d.Audit,
		metrics:   d.Metrics,
		logger:    d.Logger,
	}
}

// CheckMessage admits and validates an inbound user message. On success it
// returns the sanitized text to hand to the conversational engine.
func (g *Guard) CheckMessage(ctx context.Context, callerID int64, text string) (string, error) {
	g.received(ctx, callerID, text)

	if d := g.admission.TryAdmit(ctx, callerID); !d.Allowed {
		return "", &RateLimitError{RetryAfterSeconds: d.RetryAfterSeconds, Scope: d.Scope}
	}
	return g.validate(ctx, callerID, text)
}

// ValidateMessage is CheckMessage for a caller the transport has already
// admitted, such as a gRPC call that passed the admission interceptor.
func (g *Guard) ValidateMessage(ctx context.Context, callerID int64, text string) (string, error) {
	g.received(ctx, callerID, text)
	return g.validate(ctx, callerID, text)
}

func (g *Guard) received(ctx context.Context, callerID int64, text string) {
	g.metrics.Record(metrics.MessagesReceived, 1, nil)
	g.audit.Record(ctx, audit.Event{
		Type:     audit.EventMessageReceived,
		CallerID: audit.Caller(callerID),
		Data:     map[string]any{"length": utf8.RuneCountInString(text)},
	})
}

func (g *Guard) validate(ctx context.Context, callerID int64, text string) (string, error) {
	res := g.content.Validate(text)
	if !res.Valid {
		g.rejected(ctx, callerID, "", res)
		return "", &ValidationError{Violations: res.Violations}
	}
	return res.Sanitized, nil
}

// AuthorizeTool validates the arguments of a tool call and checks the
// caller's permission for it. It runs no tool code.
func (g *Guard) AuthorizeTool(ctx context.Context, callerID int64, tool, argsJSON string) error {
	res := g.toolArgs.Validate(tool, argsJSON)
	if !res.Valid {
		g.rejected(ctx, callerID, tool, res)
		return &ValidationError{Violations: res.Violations}
	}
	if !g.perms.Check(ctx, callerID, tool) {
		return &PermissionError{Tool: tool}
	}
	return nil
}

// InvokeTool authorizes a tool call and, if allowed, runs op under the
// executor deadline.
func (g *Guard) InvokeTool(ctx context.Context, callerID int64, tool, argsJSON string, op func(ctx context.Context) (any, error)) (any, error) {
	if err := g.AuthorizeTool(ctx, callerID, tool, argsJSON); err != nil {
		return nil, err
	}

	val, err := g.exec.Execute(ctx, callerID, tool, op)
	if err != nil {
		g.metrics.Record(metrics.Errors, 1, map[string]string{"stage": "tool", "tool": tool})
		return nil, &ToolError{Tool: tool, Err: err}
	}
	return val, nil
}

// RecordAuth reports the result of authenticating a request. callerID is
// nil when the failure happened before a caller could be named. Failures
// count toward the auth failure alert.
func (g *Guard) RecordAuth(ctx context.Context, callerID *int64, ok bool, reason string) {
	if ok {
		g.audit.Record(ctx, audit.Event{
			Type:     audit.EventAuthSuccess,
			CallerID: callerID,
			Data:     map[string]any{},
		})
		return
	}
	g.logger.Warn("authentication failed", zap.Int64p("caller_id", callerID), zap.String("reason", reason))
	g.audit.Record(ctx, audit.Event{
		Type:     audit.EventAuthFailure,
		CallerID: callerID,
		Data:     map[string]any{"reason": reason},
		Severity: audit.SeverityWarning,
	})
	g.metrics.Record(metrics.AuthFailures, 1, map[string]string{"stage": "auth"})
}

// MessageSent reports a reply delivered to the caller.
func (g *Guard) MessageSent(ctx context.Context, callerID int64, length int) {
	g.audit.Record(ctx, audit.Event{
		Type:     audit.EventMessageSent,
		CallerID: audit.Caller(callerID),
		Data:     map[string]any{"length": length},
	})
}

// RecordError reports an internal failure outside the guarded stages, such
// as the conversational engine failing, so it counts toward the error rate.
func (g *Guard) RecordError(ctx context.Context, callerID int64, stage string, err error) {
	g.logger.Error("request failed", zap.Int64("caller_id", callerID), zap.String("stage", stage), zap.Error(err))
	g.audit.Record(ctx, audit.Event{
		Type:     audit.EventError,
		CallerID: audit.Caller(callerID),
		Data:     map[string]any{"stage": stage, "error": sanitize(err.Error(), 500)},
		Severity: audit.SeverityError,
	})
	g.metrics.Record(metrics.Errors, 1, map[string]string{"stage": stage})
}

func (g *Guard) rejected(ctx context.Context, callerID int64, tool string, res contentgate.Result) {
	rules := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		if v.Rule != "" {
			rules = append(rules, v.Rule)
		}
	}
	data := map[string]any{
		"violations":  res.Codes(),
		"rules":       rules,
		"ruleVersion": res.RuleVersion,
	}
	tags := map[string]string{"kind": "message"}
	if tool != "" {
		data["toolName"] = tool
		tags = map[string]string{"kind": "tool_args", "tool": tool}
	}

	g.logger.Info("content rejected",
		zap.Int64("caller_id", callerID),
		zap.String("tool", tool),
		zap.Strings("violations", res.Codes()),
	)
	g.audit.Record(ctx, audit.Event{
		Type:     audit.EventValidationFailure,
		CallerID: audit.Caller(callerID),
		Data:     data,
		Severity: audit.SeverityWarning,
	})
	g.metrics.Record(metrics.ValidationFailures, 1, tags)
}
