package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cenkalti/backoff/v5"
	"github.com/triage-ai/gatekeeper/internal/audit"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	flushAttempts = 3
)

// batchInserter sends one batch of rows. Split out so the flush loop can be
// exercised without a ClickHouse server.
type batchInserter func(ctx context.Context, rows []auditRow) error

// ClickHouseWriter is the production audit.Writer. Events go into a bounded
// channel and a single goroutine inserts them in batches.
type ClickHouseWriter struct {
	insert  batchInserter
	close   func() error
	buffer  chan *audit.Event
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter connects, ensures the audit table exists and starts the flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	conn, err := Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}
	if err := conn.Exec(context.Background(), AuditTableDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("NewClickHouseWriter: create table: %w", err)
	}
	return newWriter(func(ctx context.Context, rows []auditRow) error {
		return sendBatch(ctx, conn, rows)
	}, conn.Close, logger), nil
}

// Open parses the DSN, forces TLS on and pings the server.
func Open(dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}
	return conn, nil
}

func newWriter(insert batchInserter, closeFn func() error, logger *zap.Logger) *ClickHouseWriter {
	w := &ClickHouseWriter{
		insert:  insert,
		close:   closeFn,
		buffer:  make(chan *audit.Event, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go w.flushLoop()
	return w
}

// Write enqueues the event. A full buffer drops it with a warning.
func (w *ClickHouseWriter) Write(event *audit.Event) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping audit event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
	}
}

// Close sends what is still queued, then closes the connection. Call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	if w.close != nil {
		if err := w.close(); err != nil {
			w.logger.Warn("clickhouse close failed", zap.Error(err))
		}
	}
}

// flushLoop batches buffered events by size or age. On Close it takes
// whatever is already queued, sends it and exits.
func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	pending := make([]*audit.Event, 0, flushBatch)
	send := func() {
		if len(pending) == 0 {
			return
		}
		w.flush(pending)
		pending = pending[:0]
	}

	for {
		select {
		case ev := <-w.buffer:
			if pending = append(pending, ev); len(pending) >= flushBatch {
				send()
			}
		case <-ticker.C:
			send()
		case <-w.done:
			for queued := len(w.buffer); queued > 0; queued-- {
				if pending = append(pending, <-w.buffer); len(pending) >= flushBatch {
					send()
				}
			}
			send()
			return
		}
	}
}

// flush inserts one batch, retrying with exponential backoff. The batch is
// dropped (and counted in the log) after flushAttempts failures.
func (w *ClickHouseWriter) flush(events []*audit.Event) {
	rows := make([]auditRow, len(events))
	for i, e := range events {
		rows[i] = toRow(e)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := w.insert(attemptCtx, rows); err != nil {
			w.logger.Warn("clickhouse audit batch attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("batch_size", len(rows)),
				zap.Error(err),
			)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(flushAttempts))
	if err != nil {
		w.logger.Error("clickhouse audit batch dropped",
			zap.Int("batch_size", len(rows)),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
	}
}

func sendBatch(ctx context.Context, conn driver.Conn, rows []auditRow) error {
	batch, err := conn.PrepareBatch(ctx, `
		INSERT INTO audit_events (
			event_id, event_type, caller_id, event_data,
			severity, severity_level, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.EventID,
			r.EventType,
			r.CallerID,
			r.EventData,
			r.Severity,
			r.SeverityLevel,
			r.CreatedAt,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append %s: %w", r.EventID, err)
		}
	}

	return batch.Send()
}
