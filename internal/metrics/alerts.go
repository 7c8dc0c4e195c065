package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/triage-ai/gatekeeper/internal/audit"
	"go.uber.org/zap"
)

// Alert types. Cooldown is keyed by these.
const (
	AlertHighErrorRate    = "high_error_rate"
	AlertRateLimitSpike   = "rate_limit_spike"
	AlertAuthFailureSpike = "auth_failure_spike"
	AlertToolTimeoutSpike = "tool_timeout_spike"
)

const (
	DefaultTickInterval  = 60 * time.Second
	DefaultAlertCooldown = 5 * time.Minute
)

// Thresholds is the alert table. Each limit is exclusive: an alert fires
// only when the observed figure is strictly greater.
type Thresholds struct {
	ErrorRate           float64       `yaml:"error_rate"`
	ErrorRateWindow     time.Duration `yaml:"error_rate_window"`
	RateLimitViolations int           `yaml:"rate_limit_violations"`
	RateLimitWindow     time.Duration `yaml:"rate_limit_window"`
	AuthFailures        int           `yaml:"auth_failures"`
	AuthFailureWindow   time.Duration `yaml:"auth_failure_window"`
	ToolTimeouts        int           `yaml:"tool_timeouts"`
	ToolTimeoutWindow   time.Duration `yaml:"tool_timeout_window"`
	DurationWindow      time.Duration `yaml:"duration_window"`
}

// DefaultThresholds returns the stock alert table.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRate:           0.10,
		ErrorRateWindow:     time.Minute,
		RateLimitViolations: 50,
		RateLimitWindow:     time.Minute,
		AuthFailures:        10,
		AuthFailureWindow:   time.Minute,
		ToolTimeouts:        5,
		ToolTimeoutWindow:   5 * time.Minute,
		DurationWindow:      5 * time.Minute,
	}
}

// Validate rejects windows that would silently disable an alert and
// negative limits.
func (t Thresholds) Validate() error {
	windows := []struct {
		name string
		d    time.Duration
	}{
		{"error_rate_window", t.ErrorRateWindow},
		{"rate_limit_window", t.RateLimitWindow},
		{"auth_failure_window", t.AuthFailureWindow},
		{"tool_timeout_window", t.ToolTimeoutWindow},
		{"duration_window", t.DurationWindow},
	}
	for _, w := range windows {
		if w.d <= 0 {
			return fmt.Errorf("%s must be positive", w.name)
		}
	}
	if t.ErrorRate < 0 || t.RateLimitViolations < 0 || t.AuthFailures < 0 || t.ToolTimeouts < 0 {
		return errors.New("thresholds must not be negative")
	}
	return nil
}

// Alert is a threshold breach that survived cooldown.
type Alert struct {
	Type     string
	Severity audit.Severity
	Message  string
	Figures  map[string]any
}

// Monitor evaluates the threshold table against an Aggregator.
type Monitor struct {
	agg        *Aggregator
	thresholds Thresholds
	cooldown   time.Duration
	sink       audit.Sink
	mirror     *Prometheus
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time
}

// NewMonitor creates a Monitor. Fired alerts are logged and written to sink.
func NewMonitor(agg *Aggregator, thresholds Thresholds, cooldown time.Duration, sink audit.Sink, mirror *Prometheus, logger *zap.Logger) *Monitor {
	if cooldown <= 0 {
		cooldown = DefaultAlertCooldown
	}
	return &Monitor{
		agg:        agg,
		thresholds: thresholds,
		cooldown:   cooldown,
		sink:       sink,
		mirror:     mirror,
		logger:     logger,
		now:        time.Now,
		lastFired:  make(map[string]time.Time),
	}
}

// Run ticks every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick computes the window statistics, evaluates thresholds and fires any
// alert not in cooldown. It returns the alerts that fired. A failure inside
// the tick is logged and never propagated.
func (m *Monitor) Tick(ctx context.Context) (fired []Alert) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("metric tick failed", zap.Any("panic", rec))
			fired = nil
		}
	}()

	th := m.thresholds
	messages := m.agg.Stats(MessagesReceived, th.ErrorRateWindow)
	errs := m.agg.Stats(Errors, th.ErrorRateWindow)
	violations := m.agg.Stats(RateLimitViolations, th.RateLimitWindow)
	authFailures := m.agg.Stats(AuthFailures, th.AuthFailureWindow)
	timeouts := m.agg.Stats(ToolTimeouts, th.ToolTimeoutWindow)
	durations := m.agg.Stats(ToolExecutionDuration, th.DurationWindow)

	m.logger.Debug("metric tick",
		zap.Int("messages_received", messages.Count),
		zap.Int("errors", errs.Count),
		zap.Int("rate_limit_violations", violations.Count),
		zap.Int("auth_failures", authFailures.Count),
		zap.Int("tool_timeouts", timeouts.Count),
		zap.Int("tool_executions", durations.Count),
		zap.Float64("tool_duration_avg_ms", durations.Avg),
		zap.Float64("tool_duration_max_ms", durations.Max),
	)

	var candidates []Alert
	if messages.Count > 0 {
		rate := float64(errs.Count) / float64(messages.Count)
		if rate > th.ErrorRate {
			candidates = append(candidates, Alert{
				Type:     AlertHighErrorRate,
				Severity: audit.SeverityCritical,
				Message:  "error rate above threshold",
				Figures: map[string]any{
					"error_rate": rate,
					"errors":     errs.Count,
					"messages":   messages.Count,
					"threshold":  th.ErrorRate,
				},
			})
		}
	}
	if violations.Count > th.RateLimitViolations {
		candidates = append(candidates, Alert{
			Type:     AlertRateLimitSpike,
			Severity: audit.SeverityWarning,
			Message:  "rate limit violations above threshold",
			Figures:  map[string]any{"violations": violations.Count, "threshold": th.RateLimitViolations},
		})
	}
	if authFailures.Count > th.AuthFailures {
		candidates = append(candidates, Alert{
			Type:     AlertAuthFailureSpike,
			Severity: audit.SeverityWarning,
			Message:  "auth failures above threshold",
			Figures:  map[string]any{"auth_failures": authFailures.Count, "threshold": th.AuthFailures},
		})
	}
	if timeouts.Count > th.ToolTimeouts {
		candidates = append(candidates, Alert{
			Type:     AlertToolTimeoutSpike,
			Severity: audit.SeverityWarning,
			Message:  "tool timeouts above threshold",
			Figures:  map[string]any{"tool_timeouts": timeouts.Count, "threshold": th.ToolTimeouts},
		})
	}

	for _, alert := range candidates {
		if m.fire(ctx, alert) {
			fired = append(fired, alert)
		}
	}
	return fired
}

// fire emits alert unless the same type fired within the cooldown window.
func (m *Monitor) fire(ctx context.Context, alert Alert) bool {
	m.mu.Lock()
	now := m.now()
	if last, ok := m.lastFired[alert.Type]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", zap.String("alert_type", alert.Type))
		return false
	}
	m.lastFired[alert.Type] = now
	m.mu.Unlock()

	fields := []zap.Field{
		zap.String("alert_type", alert.Type),
		zap.Any("figures", alert.Figures),
	}
	if alert.Severity == audit.SeverityCritical {
		m.logger.Error(alert.Message, fields...)
	} else {
		m.logger.Warn(alert.Message, fields...)
	}

	data := make(map[string]any, len(alert.Figures)+2)
	for k, v := range alert.Figures {
		data[k] = v
	}
	data["alert_type"] = alert.Type
	data["message"] = alert.Message
	m.sink.Record(ctx, audit.Event{
		Type:     audit.EventError,
		Data:     data,
		Severity: alert.Severity,
	})
	if m.mirror != nil {
		m.mirror.AlertFired(alert.Type)
	}
	return true
}
