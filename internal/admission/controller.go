// Package admission rate limits inbound work with one token bucket per
// caller plus a bucket shared by every caller.
package admission

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/triage-ai/gatekeeper/internal/audit"
	"github.com/triage-ai/gatekeeper/internal/metrics"
	"go.uber.org/zap"
)

// Scope names the bucket that rejected a request.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeUser   Scope = "user"
)

// Config sizes the per-caller and global buckets.
type Config struct {
	User              Limits `yaml:"user"`
	Global            Limits `yaml:"global"`
	MaxTrackedCallers int    `yaml:"max_tracked_callers"`
}

// DefaultConfig returns 30 burst / 30 per minute per caller and 100 burst /
// 100 per minute globally.
func DefaultConfig() Config {
	return Config{
		User:              Limits{Capacity: 30, RefillPerSecond: 0.5},
		Global:            Limits{Capacity: 100, RefillPerSecond: 100.0 / 60.0},
		MaxTrackedCallers: 10_000,
	}
}

// Validate rejects bucket sizes that would never admit or never refill.
func (c Config) Validate() error {
	for _, l := range []Limits{c.User, c.Global} {
		if l.Capacity < 1 {
			return errors.New("bucket capacity must be at least 1")
		}
		if l.RefillPerSecond <= 0 {
			return errors.New("bucket refill rate must be positive")
		}
	}
	if c.MaxTrackedCallers <= 0 {
		return errors.New("max tracked callers must be positive")
	}
	return nil
}

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
	// Scope is set on rejection.
	Scope Scope
	// FailOpen is true when the request was admitted because the check itself failed.
	FailOpen bool
}

// Controller holds every bucket in memory. A single mutex makes refill,
// check and consume across both buckets one atomic step.
type Controller struct {
	cfg     Config
	audit   audit.Sink
	metrics metrics.Sink
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	global    *bucket
	callers   map[int64]*bucket
	lastPrune time.Time
}

// NewController creates a Controller. Rejections are reported to sink and m.
func NewController(cfg Config, sink audit.Sink, m metrics.Sink, logger *zap.Logger) *Controller {
	now := time.Now()
	return &Controller{
		cfg:     cfg,
		audit:   sink,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		global:  newBucket(cfg.Global, now),
		callers: make(map[int64]*bucket),
	}
}

// TryAdmit consumes one token from the global bucket and one from the
// caller's bucket, or from neither. If the check itself fails the request
// is admitted.
func (c *Controller) TryAdmit(ctx context.Context, caller int64) (d Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("admission check failed, admitting request",
				zap.Int64("caller_id", caller),
				zap.Any("panic", rec),
			)
			d = Decision{Allowed: true, FailOpen: true}
		}
	}()

	d = c.decide(caller)
	if d.Allowed {
		return d
	}

	c.logger.Info("rate limit exceeded",
		zap.Int64("caller_id", caller),
		zap.String("scope", string(d.Scope)),
		zap.Int("retry_after_seconds", d.RetryAfterSeconds),
	)
	c.audit.Record(ctx, audit.Event{
		Type:     audit.EventRateLimitExceeded,
		CallerID: audit.Caller(caller),
		Data: map[string]any{
			"scope":             string(d.Scope),
			"retryAfterSeconds": d.RetryAfterSeconds,
		},
		Severity: audit.SeverityWarning,
	})
	c.metrics.Record(metrics.RateLimitViolations, 1, map[string]string{"scope": string(d.Scope)})
	return d
}

func (c *Controller) decide(caller int64) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.global.refill(now)
	user := c.callerBucket(caller, now)
	user.refill(now)

	if !c.global.available() {
		return Decision{Scope: ScopeGlobal, RetryAfterSeconds: c.global.retryAfter()}
	}
	if !user.available() {
		return Decision{Scope: ScopeUser, RetryAfterSeconds: user.retryAfter()}
	}
	c.global.take()
	user.take()
	return Decision{Allowed: true}
}

// callerBucket returns the caller's bucket, creating a full one on first
// sight. Must be called with c.mu held.
func (c *Controller) callerBucket(caller int64, now time.Time) *bucket {
	if b, ok := c.callers[caller]; ok {
		return b
	}
	if len(c.callers) >= c.cfg.MaxTrackedCallers && now.Sub(c.lastPrune) >= c.cfg.User.tokenInterval() {
		c.prune(now)
	}
	b := newBucket(c.cfg.User, now)
	c.callers[caller] = b
	return b
}

// prune drops callers whose buckets have refilled to capacity. Sweeps run
// at most once per user token interval: a bucket that was not full at the
// last sweep cannot have gained more than one token since. Between sweeps
// MaxTrackedCallers is exceeded rather than evicting a partly spent bucket.
func (c *Controller) prune(now time.Time) {
	c.lastPrune = now
	before := len(c.callers)
	for id, b := range c.callers {
		b.refill(now)
		if b.idle() {
			delete(c.callers, id)
		}
	}
	c.logger.Debug("pruned idle caller buckets",
		zap.Int("before", before),
		zap.Int("after", len(c.callers)),
	)
}

// Tokens reports the caller's current token count after refill.
func (c *Controller) Tokens(caller int64) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.callers[caller]
	if !ok {
		return 0, false
	}
	b.refill(c.now())
	return b.tokens, true
}

// TrackedCallers reports how many caller buckets are held.
func (c *Controller) TrackedCallers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.callers)
}

// RetryAfterHeader formats d for an HTTP Retry-After or gRPC retry-after header.
func (d Decision) RetryAfterHeader() string {
	return strconv.Itoa(d.RetryAfterSeconds)
}
