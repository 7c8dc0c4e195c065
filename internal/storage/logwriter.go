package storage

import (
	"github.com/triage-ai/gatekeeper/internal/audit"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogWriter emits audit events as structured log lines. Used when no
// ClickHouse DSN is configured or the connection fails at startup.
type LogWriter struct {
	logger *zap.Logger
}

func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger.Named("audit")}
}

func (w *LogWriter) Write(event *audit.Event) {
	fields := make([]zap.Field, 0, 6)
	fields = append(fields,
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Stringer("severity", event.Severity),
		zap.Time("created_at", event.CreatedAt),
	)
	if event.CallerID != nil {
		fields = append(fields, zap.Int64("caller_id", *event.CallerID))
	}
	if len(event.Data) > 0 {
		fields = append(fields, zap.Any("event_data", event.Data))
	}
	if ce := w.logger.Check(logLevel(event.Severity), "audit_event"); ce != nil {
		ce.Write(fields...)
	}
}

func (w *LogWriter) Close() {}

func logLevel(s audit.Severity) zapcore.Level {
	switch {
	case s >= audit.SeverityError:
		return zapcore.ErrorLevel
	case s == audit.SeverityWarning:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
