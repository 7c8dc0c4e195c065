package storage

import (
	"encoding/json"
	"time"

	"github.com/triage-ai/gatekeeper/internal/audit"
)

// AuditTableDDL creates the append-only audit table. ORDER BY keeps rows for a
// caller in creation order; severity_level backs the incident floor queries.
const AuditTableDDL = `
CREATE TABLE IF NOT EXISTS audit_events (
	event_id       UUID,
	event_type     LowCardinality(String),
	caller_id      Nullable(Int64),
	event_data     String,
	severity       LowCardinality(String),
	severity_level UInt8,
	created_at     DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (created_at, event_id)`

// auditRow is the flattened ClickHouse representation of an audit.Event.
type auditRow struct {
	EventID       string
	EventType     string
	CallerID      *int64
	EventData     string
	Severity      string
	SeverityLevel uint8
	CreatedAt     time.Time
}

// toRow flattens an event. A payload that cannot be marshalled is replaced by
// a marker object rather than dropping the whole event.
func toRow(e *audit.Event) auditRow {
	data, err := json.Marshal(e.Data)
	if err != nil {
		data = []byte(`{"_marshal_error":true}`)
	}
	return auditRow{
		EventID:       e.ID,
		EventType:     string(e.Type),
		CallerID:      e.CallerID,
		EventData:     string(data),
		Severity:      e.Severity.String(),
		SeverityLevel: uint8(e.Severity),
		CreatedAt:     e.CreatedAt,
	}
}
