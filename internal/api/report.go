package api

import (
	"errors"
	"net/http"
)

// handleReportEvent implements POST /v1/guard/events. Reports feed the same
// audit rows and metric series as the check endpoints.
func (d *Dependencies) handleReportEvent(w http.ResponseWriter, r *http.Request) {
	var req EventReportReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	ctx := r.Context()
	switch req.Kind {
	case ReportMessageSent:
		if req.CallerID == nil || req.Length < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "caller_id and a non-negative length are required"})
			return
		}
		d.Guard.MessageSent(ctx, *req.CallerID, req.Length)
	case ReportAuth:
		if !req.OK && req.Reason == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "reason is required for a failed auth"})
			return
		}
		d.Guard.RecordAuth(ctx, req.CallerID, req.OK, req.Reason)
	case ReportError:
		if req.CallerID == nil || req.Stage == "" || req.Error == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "caller_id, stage and error are required"})
			return
		}
		d.Guard.RecordError(ctx, *req.CallerID, req.Stage, errors.New(req.Error))
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Unknown event kind"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
