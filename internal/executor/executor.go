package executor

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/triage-ai/gatekeeper/internal/audit"
	"github.com/triage-ai/gatekeeper/internal/metrics"
	"go.uber.org/zap"
)

// maxRecordedError bounds the error text stored in tool_error events.
const maxRecordedError = 500

// Executor runs tool invocations under the deadline and reports every
// outcome to the audit trail and the metrics pipeline.
type Executor struct {
	timeout time.Duration
	audit   audit.Sink
	metrics metrics.Sink
	logger  *zap.Logger
	now     func() time.Time
}

// New creates an Executor. A non-positive timeout uses DefaultTimeout.
func New(timeout time.Duration, sink audit.Sink, m metrics.Sink, logger *zap.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{
		timeout: timeout,
		audit:   sink,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Timeout returns the configured deadline.
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

// Execute runs op for callerID's call to tool.
func (e *Executor) Execute(ctx context.Context, callerID int64, tool string, op func(ctx context.Context) (any, error)) (any, error) {
	return Invoke(ctx, e, callerID, tool, op)
}

// Invoke is the typed form of Execute.
func Invoke[T any](ctx context.Context, e *Executor, callerID int64, tool string, op func(ctx context.Context) (T, error)) (T, error) {
	start := e.now()
	val, err := RunWithDeadline(ctx, e.timeout, op)
	elapsed := e.now().Sub(start)

	var te *TimeoutError
	if errors.As(err, &te) {
		te.Tool = tool
	}
	e.report(ctx, callerID, tool, elapsed, err)
	return val, err
}

func (e *Executor) report(ctx context.Context, callerID int64, tool string, elapsed time.Duration, err error) {
	success := err == nil
	durationMs := float64(elapsed.Microseconds()) / 1000
	caller := audit.Caller(callerID)

	switch {
	case err == nil:
	case IsTimeout(err):
		e.logger.Warn("tool timed out",
			zap.Int64("caller_id", callerID),
			zap.String("tool", tool),
			zap.Duration("timeout", e.timeout),
		)
		e.audit.Record(ctx, audit.Event{
			Type:     audit.EventToolTimeout,
			CallerID: caller,
			Data: map[string]any{
				"toolName":  tool,
				"timeoutMs": e.timeout.Milliseconds(),
			},
			Severity: audit.SeverityWarning,
		})
		e.metrics.Record(metrics.ToolTimeouts, 1, map[string]string{"tool": tool})
	default:
		e.logger.Warn("tool failed",
			zap.Int64("caller_id", callerID),
			zap.String("tool", tool),
			zap.Error(err),
		)
		e.audit.Record(ctx, audit.Event{
			Type:     audit.EventToolError,
			CallerID: caller,
			Data: map[string]any{
				"toolName": tool,
				"error":    truncate(err.Error(), maxRecordedError),
			},
			Severity: audit.SeverityError,
		})
	}

	e.audit.Record(ctx, audit.Event{
		Type:     audit.EventToolExecution,
		CallerID: caller,
		Data: map[string]any{
			"toolName":   tool,
			"durationMs": durationMs,
			"success":    success,
		},
		Severity: audit.SeverityInfo,
	})
	e.metrics.Record(metrics.ToolExecutionDuration, durationMs, map[string]string{
		"tool":    tool,
		"success": strconv.FormatBool(success),
	})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
