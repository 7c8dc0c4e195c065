package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/triage-ai/gatekeeper/internal/audit"
	"github.com/triage-ai/gatekeeper/internal/chread"
	"go.uber.org/zap"
)

// handleCallerTrail implements GET /api/audit/callers/{caller_id}.
// Query params: limit (default 50, max 500).
func (d *Dependencies) handleCallerTrail(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Audit store not configured"})
		return
	}
	callerID, ok := pathCallerID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := d.Reader.CallerTrail(r.Context(), callerID, limit)
	if err != nil {
		d.Logger.Error("caller trail query failed", zap.Int64("caller_id", callerID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to query audit trail"})
		return
	}
	if events == nil {
		events = []chread.EventRow{}
	}
	writeJSON(w, http.StatusOK, EventListResp{Events: events})
}

// handleIncidents implements GET /api/audit/incidents.
// Query params: severity (default warning), since (Go duration, default 24h), limit.
func (d *Dependencies) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Audit store not configured"})
		return
	}

	q := r.URL.Query()
	params := chread.IncidentParams{MinSeverity: audit.SeverityWarning}
	if s := q.Get("severity"); s != "" {
		sev, ok := audit.ParseSeverity(s)
		if !ok {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "severity must be one of info, warning, error, critical"})
			return
		}
		params.MinSeverity = sev
	}
	if s := q.Get("since"); s != "" {
		since, err := time.ParseDuration(s)
		if err != nil || since <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "since must be a positive duration"})
			return
		}
		params.Since = since
	}
	params.Limit, _ = strconv.Atoi(q.Get("limit"))

	events, err := d.Reader.Incidents(r.Context(), params)
	if err != nil {
		d.Logger.Error("incident query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to query incidents"})
		return
	}
	if events == nil {
		events = []chread.EventRow{}
	}
	writeJSON(w, http.StatusOK, EventListResp{Events: events})
}

// handlePurge implements POST /api/audit/purge.
func (d *Dependencies) handlePurge(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Audit store not configured"})
		return
	}

	var req PurgeReq
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
			return
		}
	}
	days := req.Days
	if days <= 0 {
		days = d.RetentionDays
	}

	cutoff, err := d.Reader.PurgeOlderThan(r.Context(), days)
	if err != nil {
		d.Logger.Error("audit purge failed", zap.Int("days", days), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to purge audit events"})
		return
	}
	writeJSON(w, http.StatusOK, PurgeResp{Cutoff: cutoff})
}

// handleHealth implements GET /healthz. The allowlist store is the only hard
// dependency; audit and metrics degrade without failing health.
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	if d.Ping != nil {
		if err := d.Ping(r.Context()); err != nil {
			d.Logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
