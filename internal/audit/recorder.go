package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder stamps events and hands them to a Writer. Record never returns an
// error and never panics: a lost audit row is acceptable, a crashed request is not.
type Recorder struct {
	writer Writer
	logger *zap.Logger
	now    func() time.Time

	// mu guards stamping only. Writers are called without it held.
	mu       sync.Mutex
	lastTime time.Time
}

// NewRecorder creates a Recorder that writes to w.
func NewRecorder(w Writer, logger *zap.Logger) *Recorder {
	return &Recorder{
		writer: w,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record appends e to the audit trail. ID and CreatedAt are assigned here;
// values supplied by the caller are overwritten.
func (r *Recorder) Record(_ context.Context, e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("audit write panicked, event dropped",
				zap.String("event_type", string(e.Type)),
				zap.Any("panic", rec),
			)
		}
	}()

	if !e.Type.Valid() {
		r.logger.Warn("unknown audit event type, event dropped",
			zap.String("event_type", string(e.Type)),
		)
		return
	}
	if e.Severity == 0 {
		e.Severity = SeverityInfo
	}
	e.Data = cloneData(e.Data)
	if e.CallerID != nil {
		id := *e.CallerID
		e.CallerID = &id
	}

	e.ID = uuid.NewString()
	e.CreatedAt = r.stamp()
	r.writer.Write(&e)
}

// stamp returns the creation time for the next event. It never goes
// backwards, so CreatedAt order matches Record call order even across a
// wall clock step.
func (r *Recorder) stamp() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if now.Before(r.lastTime) {
		now = r.lastTime
	}
	r.lastTime = now
	return now
}

// Close flushes the underlying writer.
func (r *Recorder) Close() {
	r.writer.Close()
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
