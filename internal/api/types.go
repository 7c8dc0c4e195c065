package api

import (
	"encoding/json"
	"time"

	"github.com/triage-ai/gatekeeper/internal/chread"
	"github.com/triage-ai/gatekeeper/internal/store"
)

// --- POST /v1/guard/messages ---

// MessageCheckReq is the JSON body for POST /v1/guard/messages.
type MessageCheckReq struct {
	CallerID int64  `json:"caller_id"`
	Text     string `json:"text"`
}

// MessageCheckResp carries the sanitized text on success, or the reply the
// chat transport should show the user on rejection.
type MessageCheckResp struct {
	Allowed           bool     `json:"allowed"`
	RequestID         string   `json:"request_id"`
	Sanitized         string   `json:"sanitized,omitempty"`
	Reason            string   `json:"reason,omitempty"`
	Message           string   `json:"message,omitempty"`
	RetryAfterSeconds int      `json:"retry_after_seconds,omitempty"`
	Violations        []string `json:"violations,omitempty"`
}

// --- POST /v1/guard/tool-calls ---

// ToolCallCheckReq is the JSON body for POST /v1/guard/tool-calls.
type ToolCallCheckReq struct {
	CallerID      int64  `json:"caller_id"`
	ToolName      string `json:"tool_name"`
	ArgumentsJSON string `json:"arguments_json,omitempty"`
}

// ToolCallCheckResp reports whether the tool call may run.
type ToolCallCheckResp struct {
	Allowed    bool     `json:"allowed"`
	RequestID  string   `json:"request_id"`
	Reason     string   `json:"reason,omitempty"`
	Message    string   `json:"message,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// --- POST /v1/guard/tool-calls/execute ---

// ToolExecResp carries the tool's JSON result on success.
type ToolExecResp struct {
	Allowed    bool            `json:"allowed"`
	RequestID  string          `json:"request_id"`
	Result     json.RawMessage `json:"result,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Message    string          `json:"message,omitempty"`
	Violations []string        `json:"violations,omitempty"`
}

// --- POST /v1/guard/events ---

// Event report kinds.
const (
	ReportMessageSent = "message_sent"
	ReportAuth        = "auth"
	ReportError       = "error"
)

// EventReportReq reports something the chat transport observed outside the
// check endpoints: a reply it delivered, the result of authenticating a
// user, or a failure in a stage the gatekeeper does not run.
type EventReportReq struct {
	Kind     string `json:"kind"`
	CallerID *int64 `json:"caller_id,omitempty"`
	Length   int    `json:"length,omitempty"` // message_sent
	OK       bool   `json:"ok,omitempty"`     // auth
	Reason   string `json:"reason,omitempty"` // auth
	Stage    string `json:"stage,omitempty"`  // error
	Error    string `json:"error,omitempty"`  // error
}

// --- Permission admin ---

// GrantReq is the JSON body for POST /api/permissions/grant.
type GrantReq struct {
	CallerID  int64   `json:"caller_id"`
	ToolName  string  `json:"tool_name"`
	GrantedBy *int64  `json:"granted_by,omitempty"`
	Notes     *string `json:"notes,omitempty"`
}

// RevokeReq is the JSON body for POST /api/permissions/revoke.
type RevokeReq struct {
	CallerID  int64  `json:"caller_id"`
	ToolName  string `json:"tool_name"`
	RevokedBy *int64 `json:"revoked_by,omitempty"`
}

// RevokeResp reports whether an active grant was withdrawn.
type RevokeResp struct {
	Revoked bool `json:"revoked"`
}

// BulkGrantReq is the JSON body for POST /api/permissions/bulk-grant.
type BulkGrantReq struct {
	CallerID  int64    `json:"caller_id"`
	ToolNames []string `json:"tool_names"`
	GrantedBy *int64   `json:"granted_by,omitempty"`
}

// PermissionListResp wraps allowlist rows.
type PermissionListResp struct {
	Permissions []*store.Permission `json:"permissions"`
}

// --- Audit queries ---

// EventListResp wraps audit rows.
type EventListResp struct {
	Events []chread.EventRow `json:"events"`
}

// PurgeReq is the JSON body for POST /api/audit/purge. Days defaults to the
// configured retention.
type PurgeReq struct {
	Days int `json:"days,omitempty"`
}

// PurgeResp reports the cutoff submitted to ClickHouse.
type PurgeResp struct {
	Cutoff time.Time `json:"cutoff"`
}

// ErrorResp is the error body for every non-2xx response.
type ErrorResp struct {
	Detail string `json:"detail"`
}
