package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/gatekeeper/internal/admission"
	"github.com/triage-ai/gatekeeper/internal/audit"
	"github.com/triage-ai/gatekeeper/internal/contentgate"
	"github.com/triage-ai/gatekeeper/internal/executor"
	"github.com/triage-ai/gatekeeper/internal/metrics"
	"github.com/triage-ai/gatekeeper/internal/pipeline"
	"github.com/triage-ai/gatekeeper/internal/tools"
	"go.uber.org/zap"
)

type memAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memAudit) Record(_ context.Context, e audit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *memAudit) count(t audit.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type observed struct {
	handler http.Handler
	audit   *memAudit
	agg     *metrics.Aggregator
}

// newObservedRouter wires a real pipeline, a real tool registry pointed at a
// local tool server and a 100ms tool deadline.
func newObservedRouter(t *testing.T) observed {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /calendar", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"events":2}`))
	})
	mux.HandleFunc("POST /files", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "disk full", http.StatusInternalServerError)
	})
	mux.HandleFunc("POST /search", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	toolSrv := httptest.NewServer(mux)
	t.Cleanup(toolSrv.Close)

	registry, err := tools.NewRegistry(map[string]string{
		"calendar": toolSrv.URL + "/calendar",
		"files":    toolSrv.URL + "/files",
		"search":   toolSrv.URL + "/search",
		"mail":     toolSrv.URL + "/calendar",
	}, toolSrv.Client())
	if err != nil {
		t.Fatal(err)
	}

	rec := &memAudit{}
	agg := metrics.NewAggregator(metrics.DefaultRetention, nil, zap.NewNop())
	guard := pipeline.New(pipeline.Deps{
		Admission: admission.NewController(admission.DefaultConfig(), rec, agg, zap.NewNop()),
		Content:   contentgate.NewValidator(nil, 0),
		ToolArgs:  contentgate.NewToolArgsValidator(nil),
		Perms:     allowTools{"calendar": true, "files": true, "search": true},
		Executor:  executor.New(100*time.Millisecond, rec, agg, zap.NewNop()),
		Audit:     rec,
		Metrics:   agg,
		Logger:    zap.NewNop(),
	})

	deps, _, _ := newTestDeps()
	deps.Guard = guard
	deps.Tools = registry
	return observed{handler: NewRouter(deps), audit: rec, agg: agg}
}

func TestExecuteTool(t *testing.T) {
	o := newObservedRouter(t)
	const path = "/v1/guard/tool-calls/execute"

	rec := do(t, o.handler, http.MethodPost, path, ToolCallCheckReq{CallerID: 1, ToolName: "calendar", ArgumentsJSON: `{"day":"mon"}`})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if resp := decode[ToolExecResp](t, rec); !resp.Allowed || string(resp.Result) != `{"events":2}` {
		t.Errorf("unexpected response %+v", resp)
	}

	rec = do(t, o.handler, http.MethodPost, path, ToolCallCheckReq{CallerID: 1, ToolName: "files"})
	if resp := decode[ToolExecResp](t, rec); rec.Code != http.StatusBadGateway || resp.Reason != reasonToolError {
		t.Errorf("tool failure: unexpected %d %+v", rec.Code, resp)
	}

	rec = do(t, o.handler, http.MethodPost, path, ToolCallCheckReq{CallerID: 1, ToolName: "search"})
	if resp := decode[ToolExecResp](t, rec); rec.Code != http.StatusGatewayTimeout || resp.Reason != reasonToolTimeout {
		t.Errorf("tool timeout: unexpected %d %+v", rec.Code, resp)
	}

	rec = do(t, o.handler, http.MethodPost, path, ToolCallCheckReq{CallerID: 1, ToolName: "mail"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("unpermitted tool: expected 403, got %d", rec.Code)
	}
	if rec := do(t, o.handler, http.MethodPost, path, ToolCallCheckReq{CallerID: 1, ToolName: "weather"}); rec.Code != http.StatusNotFound {
		t.Errorf("unregistered tool: expected 404, got %d", rec.Code)
	}

	// Executions, failures and timeouts all reach the alert inputs.
	if n := o.audit.count(audit.EventToolExecution); n != 3 {
		t.Errorf("expected 3 tool_execution events, got %d", n)
	}
	if o.audit.count(audit.EventToolTimeout) != 1 || o.audit.count(audit.EventToolError) != 1 {
		t.Error("expected one tool_timeout and one tool_error event")
	}
	if n := o.agg.Stats(metrics.ToolTimeouts, time.Minute).Count; n != 1 {
		t.Errorf("expected 1 tool_timeouts sample, got %d", n)
	}
	if n := o.agg.Stats(metrics.Errors, time.Minute).Count; n != 2 {
		t.Errorf("expected 2 errors samples, got %d", n)
	}
	if n := o.agg.Stats(metrics.ToolExecutionDuration, time.Minute).Count; n != 3 {
		t.Errorf("expected 3 duration samples, got %d", n)
	}
}

func TestExecuteTool_NotConfigured(t *testing.T) {
	deps, _, _ := newTestDeps()
	rec := do(t, NewRouter(deps), http.MethodPost, "/v1/guard/tool-calls/execute", ToolCallCheckReq{CallerID: 1, ToolName: "calendar"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without a tool registry, got %d", rec.Code)
	}
}

func TestReportEvent(t *testing.T) {
	o := newObservedRouter(t)
	caller := int64(4)

	reports := []EventReportReq{
		{Kind: ReportMessageSent, CallerID: &caller, Length: 80},
		{Kind: ReportAuth, CallerID: &caller, OK: true},
		{Kind: ReportAuth, Reason: "unknown chat id", CallerID: &caller},
		{Kind: ReportError, CallerID: &caller, Stage: "engine", Error: "model overloaded"},
	}
	for _, r := range reports {
		if rec := do(t, o.handler, http.MethodPost, "/v1/guard/events", r); rec.Code != http.StatusNoContent {
			t.Errorf("%s: expected 204, got %d: %s", r.Kind, rec.Code, rec.Body)
		}
	}

	if o.audit.count(audit.EventMessageSent) != 1 || o.audit.count(audit.EventAuthSuccess) != 1 ||
		o.audit.count(audit.EventAuthFailure) != 1 || o.audit.count(audit.EventError) != 1 {
		t.Errorf("unexpected audit events %+v", o.audit.events)
	}
	if o.agg.Stats(metrics.AuthFailures, time.Minute).Count != 1 || o.agg.Stats(metrics.Errors, time.Minute).Count != 1 {
		t.Error("expected auth failure and error to reach the alert inputs")
	}

	bad := []EventReportReq{
		{Kind: "delivered"},
		{Kind: ReportMessageSent},
		{Kind: ReportAuth},
		{Kind: ReportError, CallerID: &caller, Stage: "engine"},
	}
	for _, r := range bad {
		if rec := do(t, o.handler, http.MethodPost, "/v1/guard/events", r); rec.Code != http.StatusBadRequest {
			t.Errorf("%+v: expected 400, got %d", r, rec.Code)
		}
	}
}

func TestAuthFailuresAreRecorded(t *testing.T) {
	o := newObservedRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/permissions/1", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	o.handler.ServeHTTP(httptest.NewRecorder(), req)
	o.handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/permissions/1", nil))

	if n := o.audit.count(audit.EventAuthFailure); n != 2 {
		t.Errorf("expected 2 auth_failure events, got %d", n)
	}
	if n := o.agg.Stats(metrics.AuthFailures, time.Minute).Count; n != 2 {
		t.Errorf("expected 2 auth_failures samples, got %d", n)
	}
}
