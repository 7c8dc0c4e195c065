package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/triage-ai/gatekeeper/internal/permission"
	"github.com/triage-ai/gatekeeper/internal/store"
	"go.uber.org/zap"
)

// handleGrant implements POST /api/permissions/grant.
func (d *Dependencies) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	p, err := d.Permissions.Grant(r.Context(), store.GrantParams{
		CallerID:  req.CallerID,
		ToolName:  req.ToolName,
		GrantedBy: req.GrantedBy,
		Notes:     req.Notes,
	})
	if err != nil {
		d.writePermissionError(w, "grant", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleRevoke implements POST /api/permissions/revoke.
func (d *Dependencies) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	revoked, err := d.Permissions.Revoke(r.Context(), req.CallerID, req.ToolName, req.RevokedBy)
	if err != nil {
		d.writePermissionError(w, "revoke", err)
		return
	}
	writeJSON(w, http.StatusOK, RevokeResp{Revoked: revoked})
}

// handleBulkGrant implements POST /api/permissions/bulk-grant.
func (d *Dependencies) handleBulkGrant(w http.ResponseWriter, r *http.Request) {
	var req BulkGrantReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if len(req.ToolNames) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "tool_names is required"})
		return
	}

	perms, err := d.Permissions.BulkGrant(r.Context(), req.CallerID, req.ToolNames, req.GrantedBy)
	if err != nil {
		d.writePermissionError(w, "bulk grant", err)
		return
	}
	writeJSON(w, http.StatusOK, PermissionListResp{Permissions: perms})
}

// handleListPermissions implements GET /api/permissions/{caller_id}.
func (d *Dependencies) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	callerID, ok := pathCallerID(w, r)
	if !ok {
		return
	}

	perms, err := d.Permissions.List(r.Context(), callerID)
	if err != nil {
		d.writePermissionError(w, "list", err)
		return
	}
	if perms == nil {
		perms = []*store.Permission{}
	}
	writeJSON(w, http.StatusOK, PermissionListResp{Permissions: perms})
}

func (d *Dependencies) writePermissionError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, permission.ErrInvalidRequest) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	d.Logger.Error("permission "+op+" failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to " + op + " permission"})
}

// pathCallerID parses {caller_id}, writing a 400 when it is not an integer.
func pathCallerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("caller_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "caller_id must be an integer"})
		return 0, false
	}
	return id, true
}
