package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/triage-ai/gatekeeper/internal/auth"
	"github.com/triage-ai/gatekeeper/internal/chread"
	"github.com/triage-ai/gatekeeper/internal/store"
	"go.uber.org/zap"
)

// Guard runs checks through the safety pipeline and records the events the
// transport reports.
type Guard interface {
	CheckMessage(ctx context.Context, callerID int64, text string) (string, error)
	AuthorizeTool(ctx context.Context, callerID int64, tool, argsJSON string) error
	InvokeTool(ctx context.Context, callerID int64, tool, argsJSON string, op func(ctx context.Context) (any, error)) (any, error)
	MessageSent(ctx context.Context, callerID int64, length int)
	RecordAuth(ctx context.Context, callerID *int64, ok bool, reason string)
	RecordError(ctx context.Context, callerID int64, stage string, err error)
}

// ToolRunner calls registered tools.
type ToolRunner interface {
	Has(tool string) bool
	Invoke(ctx context.Context, tool, argsJSON string) (json.RawMessage, error)
}

// PermissionAdmin mutates and lists the tool allowlist.
type PermissionAdmin interface {
	Grant(ctx context.Context, params store.GrantParams) (*store.Permission, error)
	Revoke(ctx context.Context, callerID int64, toolName string, revokedBy *int64) (bool, error)
	BulkGrant(ctx context.Context, callerID int64, toolNames []string, grantedBy *int64) ([]*store.Permission, error)
	List(ctx context.Context, callerID int64) ([]*store.Permission, error)
}

// AuditReader queries and trims the audit trail.
type AuditReader interface {
	CallerTrail(ctx context.Context, callerID int64, limit int) ([]chread.EventRow, error)
	Incidents(ctx context.Context, params chread.IncidentParams) ([]chread.EventRow, error)
	PurgeOlderThan(ctx context.Context, days int) (time.Time, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Guard         Guard
	Tools         ToolRunner // nil disables tool execution
	Permissions   PermissionAdmin
	Reader        AuditReader // nil if ClickHouse unavailable
	Gatherer      prometheus.Gatherer
	Ping          func(ctx context.Context) error
	TokenHash     string // bcrypt hash of the bearer token; empty rejects every authenticated route
	RetentionDays int
	Logger        *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()
	var events auth.Recorder
	if deps.Guard != nil {
		events = deps.Guard
	}
	guarded := newTokenAuth(deps.TokenHash, events, deps.Logger)

	// Check endpoints
	mux.HandleFunc("POST /v1/guard/messages", guarded.wrap(deps.handleCheckMessage))
	mux.HandleFunc("POST /v1/guard/tool-calls", guarded.wrap(deps.handleCheckToolCall))
	mux.HandleFunc("POST /v1/guard/tool-calls/execute", guarded.wrap(deps.handleExecuteTool))
	mux.HandleFunc("POST /v1/guard/events", guarded.wrap(deps.handleReportEvent))

	// Permission admin
	mux.HandleFunc("POST /api/permissions/grant", guarded.wrap(deps.handleGrant))
	mux.HandleFunc("POST /api/permissions/revoke", guarded.wrap(deps.handleRevoke))
	mux.HandleFunc("POST /api/permissions/bulk-grant", guarded.wrap(deps.handleBulkGrant))
	mux.HandleFunc("GET /api/permissions/{caller_id}", guarded.wrap(deps.handleListPermissions))

	// Audit trail
	mux.HandleFunc("GET /api/audit/callers/{caller_id}", guarded.wrap(deps.handleCallerTrail))
	mux.HandleFunc("GET /api/audit/incidents", guarded.wrap(deps.handleIncidents))
	mux.HandleFunc("POST /api/audit/purge", guarded.wrap(deps.handlePurge))

	// Health check
	mux.HandleFunc("GET /healthz", deps.handleHealth)

	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return requestLogging(mux, deps.Logger)
}
