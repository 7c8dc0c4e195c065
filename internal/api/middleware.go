package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/triage-ai/gatekeeper/internal/auth"
	"go.uber.org/zap"
)

// --- Auth middleware ---

// tokenAuth guards routes with the shared service token.
type tokenAuth struct {
	verifier *auth.Verifier
	events   auth.Recorder // may be nil
	logger   *zap.Logger
}

func newTokenAuth(hash string, events auth.Recorder, logger *zap.Logger) *tokenAuth {
	v := auth.NewVerifier(hash)
	if !v.Configured() {
		logger.Warn("no admin token hash configured, authenticated routes will reject every request")
	}
	return &tokenAuth{verifier: v, events: events, logger: logger}
}

func (a *tokenAuth) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.ParseBearer(r.Header.Get("Authorization"))
		if !ok {
			a.failed(r, auth.ErrMissingToken)
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing or invalid Authorization header"})
			return
		}
		if err := a.verifier.Verify(token); err != nil {
			a.failed(r, err)
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid token"})
			return
		}
		next(w, r)
	}
}

func (a *tokenAuth) failed(r *http.Request, err error) {
	if a.events == nil {
		a.logger.Warn("auth failed", zap.String("path", r.URL.Path), zap.Error(err))
		return
	}
	a.events.RecordAuth(r.Context(), nil, false, auth.Reason(err))
}

// --- JSON helpers ---

// writeJSON writes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// maxBodyBytes bounds request bodies well above the content length limit.
const maxBodyBytes = 1 << 20

// readJSON decodes a request body into v. Unknown fields are rejected so a
// misspelled admin field fails loudly instead of granting with defaults.
func readJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// --- Request logging ---

// requestLogging logs every request. Health checks and scrapes log at debug.
func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log := logger.Info
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			log = logger.Debug
		}
		log("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
