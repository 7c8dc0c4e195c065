package chread

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/triage-ai/gatekeeper/internal/audit"
	"github.com/triage-ai/gatekeeper/internal/storage"
	"go.uber.org/zap"
)

const (
	// DefaultRetentionDays is how long audit rows are kept when no value is configured.
	DefaultRetentionDays = 90
	// MaxLimit caps every paged query.
	MaxLimit = 500
)

// Reader provides read and retention access to the audit_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
	now    func() time.Time
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	conn, err := storage.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	return &Reader{conn: conn, logger: logger, now: time.Now}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow represents a single row from the audit_events table.
type EventRow struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	CallerID  *int64         `json:"caller_id,omitempty"`
	EventData map[string]any `json:"event_data"`
	Severity  string         `json:"severity"`
	CreatedAt time.Time      `json:"created_at"`
}

// IncidentParams filters system-wide incidents.
type IncidentParams struct {
	MinSeverity audit.Severity
	Since       time.Duration
	Limit       int
}

const selectColumns = "SELECT toString(event_id), event_type, caller_id, event_data, severity, created_at FROM audit_events "

// CallerTrail returns the most recent audit rows for one caller, newest first.
func (r *Reader) CallerTrail(ctx context.Context, callerID int64, limit int) ([]EventRow, error) {
	rows, err := r.conn.Query(ctx,
		selectColumns+
			"WHERE caller_id = @caller_id "+
			"ORDER BY created_at DESC "+
			"LIMIT @limit",
		clickhouse.Named("caller_id", callerID),
		clickhouse.Named("limit", uint32(ClampLimit(limit))),
	)
	if err != nil {
		return nil, fmt.Errorf("CallerTrail query: %w", err)
	}
	return scanRows(rows)
}

// Incidents returns events at or above a severity floor within a time window, newest first.
func (r *Reader) Incidents(ctx context.Context, params IncidentParams) ([]EventRow, error) {
	floor := params.MinSeverity
	if floor == 0 {
		floor = audit.SeverityWarning
	}
	since := params.Since
	if since <= 0 {
		since = 24 * time.Hour
	}

	rows, err := r.conn.Query(ctx,
		selectColumns+
			"WHERE severity_level >= @floor AND created_at >= @start_time "+
			"ORDER BY created_at DESC "+
			"LIMIT @limit",
		clickhouse.Named("floor", uint8(floor)),
		clickhouse.Named("start_time", r.now().UTC().Add(-since)),
		clickhouse.Named("limit", uint32(ClampLimit(params.Limit))),
	)
	if err != nil {
		return nil, fmt.Errorf("Incidents query: %w", err)
	}
	return scanRows(rows)
}

// PurgeOlderThan deletes audit rows older than the given number of days and
// returns the cutoff used. The mutation runs asynchronously inside ClickHouse.
func (r *Reader) PurgeOlderThan(ctx context.Context, days int) (time.Time, error) {
	cutoff := RetentionCutoff(r.now(), days)
	if err := r.conn.Exec(ctx,
		"ALTER TABLE audit_events DELETE WHERE created_at < @cutoff",
		clickhouse.Named("cutoff", cutoff),
	); err != nil {
		return time.Time{}, fmt.Errorf("PurgeOlderThan: %w", err)
	}
	r.logger.Info("audit retention purge submitted",
		zap.Int("days", days),
		zap.Time("cutoff", cutoff),
	)
	return cutoff, nil
}

// RetentionCutoff returns the instant before which rows are purged.
// Non-positive day counts fall back to DefaultRetentionDays.
func RetentionCutoff(now time.Time, days int) time.Time {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return now.UTC().AddDate(0, 0, -days)
}

// ClampLimit bounds a page size to [1, MaxLimit], defaulting to 50.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func scanRows(rows driver.Rows) ([]EventRow, error) {
	defer func() { _ = rows.Close() }()

	var events []EventRow
	for rows.Next() {
		var (
			e    EventRow
			data string
		)
		if err := rows.Scan(&e.EventID, &e.EventType, &e.CallerID, &data, &e.Severity, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.EventData = decodeData(data)
		events = append(events, e)
	}
	return events, rows.Err()
}

func decodeData(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"_raw": raw}
	}
	return out
}
