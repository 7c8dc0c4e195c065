package audit

import (
	"context"
	"time"
)

// EventType is the closed set of audit event kinds.
type EventType string

const (
	EventAuthSuccess       EventType = "auth_success"
	EventAuthFailure       EventType = "auth_failure"
	EventMessageReceived   EventType = "message_received"
	EventMessageSent       EventType = "message_sent"
	EventToolExecution     EventType = "tool_execution"
	EventToolTimeout       EventType = "tool_timeout"
	EventToolError         EventType = "tool_error"
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
	EventValidationFailure EventType = "validation_failure"
	EventPermissionDenied  EventType = "permission_denied"
	EventError             EventType = "error"
)

var knownEventTypes = map[EventType]bool{
	EventAuthSuccess:       true,
	EventAuthFailure:       true,
	EventMessageReceived:   true,
	EventMessageSent:       true,
	EventToolExecution:     true,
	EventToolTimeout:       true,
	EventToolError:         true,
	EventRateLimitExceeded: true,
	EventValidationFailure: true,
	EventPermissionDenied:  true,
	EventError:             true,
}

// Valid reports whether t is one of the declared event types.
func (t EventType) Valid() bool {
	return knownEventTypes[t]
}

// Severity orders audit events for incident queries.
type Severity int

const (
	SeverityInfo Severity = iota + 1
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the lowercase severity name stored alongside the level.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unspecified"
	}
}

// ParseSeverity maps a severity name back to its level. Unknown names return false.
func ParseSeverity(name string) (Severity, bool) {
	switch name {
	case "info":
		return SeverityInfo, true
	case "warning":
		return SeverityWarning, true
	case "error":
		return SeverityError, true
	case "critical":
		return SeverityCritical, true
	default:
		return 0, false
	}
}

// Event is one immutable audit record. CallerID is nil for system-wide events.
type Event struct {
	ID        string
	Type      EventType
	CallerID  *int64
	Data      map[string]any
	Severity  Severity
	CreatedAt time.Time
}

// Caller returns a pointer suitable for Event.CallerID.
func Caller(id int64) *int64 {
	return &id
}

// Sink accepts audit events. Implementations must never block for long and
// must never surface an error to the caller.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// Writer is the durable side of the audit trail. Write must not block.
type Writer interface {
	Write(e *Event)
	Close()
}
