package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/gatekeeper/internal/audit"
	"github.com/triage-ai/gatekeeper/internal/metrics"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunWithDeadline_ReturnsResultBeforeDeadline(t *testing.T) {
	val, err := RunWithDeadline(context.Background(), 200*time.Millisecond, func(ctx context.Context) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "done", nil
	})
	if err != nil || val != "done" {
		t.Errorf("expected done, got %q, %v", val, err)
	}
}

func TestRunWithDeadline_TimeoutNeverReturnsValue(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	val, err := RunWithDeadline(context.Background(), 30*time.Millisecond, func(ctx context.Context) (string, error) {
		select {
		case <-release:
		case <-time.After(300 * time.Millisecond):
		}
		return "late", nil
	})
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Timeout != 30*time.Millisecond {
		t.Errorf("expected *TimeoutError with 30ms, got %#v", err)
	}
	if val != "" {
		t.Errorf("expected zero value on timeout, got %q", val)
	}
}

func TestRunWithDeadline_PropagatesOperationError(t *testing.T) {
	boom := errors.New("calendar API 500")
	_, err := RunWithDeadline(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected operation error, got %v", err)
	}
	if IsTimeout(err) {
		t.Error("operation error must not be classified as timeout")
	}
}

func TestRunWithDeadline_CancelsOperationOnTimeout(t *testing.T) {
	cancelled := make(chan struct{})

	_, err := RunWithDeadline(context.Background(), 20*time.Millisecond, func(ctx context.Context) (struct{}, error) {
		<-ctx.Done()
		close(cancelled)
		return struct{}{}, ctx.Err()
	})
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("operation context was not cancelled after the deadline")
	}
}

func TestRunWithDeadline_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := RunWithDeadline(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if IsTimeout(err) {
		t.Error("parent cancel must not be classified as timeout")
	}
}

func TestRunWithDeadline_RecoversPanic(t *testing.T) {
	_, err := RunWithDeadline(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		panic("nil map")
	})
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Errorf("expected panic converted to error, got %v", err)
	}
}

// Boundary: one operation settles comfortably inside the deadline, one
// comfortably after. Margins are wide to keep the test stable under load.
func TestRunWithDeadline_Boundary(t *testing.T) {
	const timeout = 150 * time.Millisecond

	val, err := RunWithDeadline(context.Background(), timeout, func(ctx context.Context) (int, error) {
		time.Sleep(timeout - 100*time.Millisecond)
		return 1, nil
	})
	if err != nil || val != 1 {
		t.Errorf("early operation: expected 1, got %d, %v", val, err)
	}

	val, err = RunWithDeadline(context.Background(), timeout, func(ctx context.Context) (int, error) {
		select {
		case <-time.After(timeout + 100*time.Millisecond):
		case <-ctx.Done():
		}
		return 2, nil
	})
	if !IsTimeout(err) || val != 0 {
		t.Errorf("late operation: expected timeout and zero value, got %d, %v", val, err)
	}
}

type mockAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *mockAudit) Record(_ context.Context, e audit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *mockAudit) types() []audit.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.EventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

type sample struct {
	name  string
	value float64
	tags  map[string]string
}

type mockMetrics struct {
	mu      sync.Mutex
	samples []sample
}

func (m *mockMetrics) Record(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample{name, value, tags})
}

func (m *mockMetrics) named(name string) []sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sample
	for _, s := range m.samples {
		if s.name == name {
			out = append(out, s)
		}
	}
	return out
}

func TestExecute_Success(t *testing.T) {
	a, m := &mockAudit{}, &mockMetrics{}
	e := New(time.Second, a, m, zap.NewNop())

	val, err := e.Execute(context.Background(), 42, "calendar", func(ctx context.Context) (any, error) {
		return map[string]string{"id": "evt_1"}, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if val.(map[string]string)["id"] != "evt_1" {
		t.Errorf("unexpected value %v", val)
	}

	types := a.types()
	if len(types) != 1 || types[0] != audit.EventToolExecution {
		t.Fatalf("expected only tool_execution, got %v", types)
	}
	if a.events[0].Data["success"] != true || a.events[0].Data["toolName"] != "calendar" {
		t.Errorf("unexpected payload %v", a.events[0].Data)
	}

	durations := m.named(metrics.ToolExecutionDuration)
	if len(durations) != 1 || durations[0].tags["tool"] != "calendar" || durations[0].tags["success"] != "true" {
		t.Errorf("expected duration sample tagged tool/success, got %+v", durations)
	}
}

func TestExecute_Timeout(t *testing.T) {
	a, m := &mockAudit{}, &mockMetrics{}
	e := New(20*time.Millisecond, a, m, zap.NewNop())

	_, err := e.Execute(context.Background(), 42, "files", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var te *TimeoutError
	if !errors.As(err, &te) || te.Tool != "files" {
		t.Fatalf("expected *TimeoutError for files, got %v", err)
	}

	types := a.types()
	if len(types) != 2 || types[0] != audit.EventToolTimeout || types[1] != audit.EventToolExecution {
		t.Errorf("expected tool_timeout then tool_execution, got %v", types)
	}
	if got := m.named(metrics.ToolTimeouts); len(got) != 1 || got[0].tags["tool"] != "files" {
		t.Errorf("expected one tool_timeouts sample, got %+v", got)
	}
	if got := m.named(metrics.ToolExecutionDuration); len(got) != 1 || got[0].tags["success"] != "false" {
		t.Errorf("expected failed duration sample, got %+v", got)
	}
}

func TestExecute_Error(t *testing.T) {
	a, m := &mockAudit{}, &mockMetrics{}
	e := New(time.Second, a, m, zap.NewNop())

	_, err := e.Execute(context.Background(), 42, "tasks", func(ctx context.Context) (any, error) {
		return nil, errors.New("board not found")
	})
	if err == nil || IsTimeout(err) {
		t.Fatalf("expected plain error, got %v", err)
	}

	types := a.types()
	if len(types) != 2 || types[0] != audit.EventToolError || types[1] != audit.EventToolExecution {
		t.Errorf("expected tool_error then tool_execution, got %v", types)
	}
	if a.events[0].Data["error"] != "board not found" {
		t.Errorf("expected error message captured, got %v", a.events[0].Data)
	}
	if len(m.named(metrics.ToolTimeouts)) != 0 {
		t.Error("plain errors must not count as timeouts")
	}
}

func TestInvoke_Typed(t *testing.T) {
	e := New(time.Second, &mockAudit{}, &mockMetrics{}, zap.NewNop())
	var calls atomic.Int32

	n, err := Invoke(context.Background(), e, 1, "count", func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 7, nil
	})
	if err != nil || n != 7 || calls.Load() != 1 {
		t.Errorf("expected 7 from one call, got %d, %v (%d calls)", n, err, calls.Load())
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo", 3); got != "hél" {
		t.Errorf("expected rune-safe truncation, got %q", got)
	}
	if got := truncate("ok", 10); got != "ok" {
		t.Errorf("expected unchanged, got %q", got)
	}
}
