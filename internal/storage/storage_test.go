package storage

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/gatekeeper/internal/audit"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeInserter struct {
	mu       sync.Mutex
	rows     []auditRow
	failures atomic.Int32 // remaining failures before success
	calls    atomic.Int32
}

func (f *fakeInserter) insert(_ context.Context, rows []auditRow) error {
	f.calls.Add(1)
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return errors.New("connection reset")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rows...)
	return nil
}

func testEvent(id string) *audit.Event {
	return &audit.Event{
		ID:        id,
		Type:      audit.EventToolExecution,
		CallerID:  audit.Caller(9),
		Data:      map[string]any{"toolName": "calendar"},
		Severity:  audit.SeverityInfo,
		CreatedAt: time.Now().UTC(),
	}
}

func TestClickHouseWriter_FlushesOnClose(t *testing.T) {
	f := &fakeInserter{}
	w := newWriter(f.insert, nil, zap.NewNop())

	for i := 0; i < 5; i++ {
		w.Write(testEvent(string(rune('a' + i))))
	}
	w.Close()

	if len(f.rows) != 5 {
		t.Fatalf("expected 5 rows flushed, got %d", len(f.rows))
	}
	for i, r := range f.rows {
		if want := string(rune('a' + i)); r.EventID != want {
			t.Errorf("row %d: expected %s, got %s (order must be preserved)", i, want, r.EventID)
		}
	}
}

func TestClickHouseWriter_RetriesTransientFailure(t *testing.T) {
	f := &fakeInserter{}
	f.failures.Store(1)
	w := newWriter(f.insert, nil, zap.NewNop())

	w.Write(testEvent("retry-me"))
	w.Close()

	if len(f.rows) != 1 {
		t.Fatalf("expected row after retry, got %d", len(f.rows))
	}
	if f.calls.Load() != 2 {
		t.Errorf("expected 2 insert attempts, got %d", f.calls.Load())
	}
}

func TestClickHouseWriter_DropsAfterMaxAttempts(t *testing.T) {
	f := &fakeInserter{}
	f.failures.Store(100)
	core, logs := observer.New(zapcore.ErrorLevel)
	w := newWriter(f.insert, nil, zap.New(core))

	w.Write(testEvent("doomed"))
	w.Close()

	if f.calls.Load() != flushAttempts {
		t.Errorf("expected %d attempts, got %d", flushAttempts, f.calls.Load())
	}
	if logs.FilterMessage("clickhouse audit batch dropped").Len() != 1 {
		t.Error("expected dropped batch to be logged")
	}
}

func TestClickHouseWriter_WriteNeverBlocks(t *testing.T) {
	block := make(chan struct{})
	w := newWriter(func(context.Context, []auditRow) error {
		<-block
		return nil
	}, nil, zap.NewNop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < bufferSize+flushBatch+10; i++ {
			w.Write(testEvent("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Write blocked with a stalled inserter")
	}
	close(block)
	w.Close()
}

func TestToRow_FlattensEvent(t *testing.T) {
	e := testEvent("id-1")
	e.Severity = audit.SeverityCritical

	r := toRow(e)
	if r.EventType != "tool_execution" {
		t.Errorf("unexpected event type %s", r.EventType)
	}
	if r.Severity != "critical" || r.SeverityLevel != 4 {
		t.Errorf("unexpected severity %s/%d", r.Severity, r.SeverityLevel)
	}
	if r.EventData != `{"toolName":"calendar"}` {
		t.Errorf("unexpected payload %s", r.EventData)
	}
	if r.CallerID == nil || *r.CallerID != 9 {
		t.Errorf("unexpected caller %v", r.CallerID)
	}
}

func TestToRow_UnmarshallablePayload(t *testing.T) {
	e := testEvent("id-2")
	e.Data = map[string]any{"bad": math.Inf(1)}

	r := toRow(e)
	if r.EventData != `{"_marshal_error":true}` {
		t.Errorf("expected marker payload, got %s", r.EventData)
	}
}

func TestLogWriter_LogsEvent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	w := NewLogWriter(zap.New(core))

	w.Write(testEvent("log-1"))

	entries := logs.FilterMessage("audit_event").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["caller_id"] != int64(9) {
		t.Errorf("expected caller_id field, got %v", entries[0].ContextMap()["caller_id"])
	}
}
