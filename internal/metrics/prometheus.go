package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus mirrors aggregator samples into Prometheus collectors so the
// rolling in-process view and the scraped view agree on names.
//
// Collectors:
//   - gatekeeper_metric_samples_total{metric}: one increment per recorded sample
//   - gatekeeper_tool_execution_duration_seconds{tool,success}: tool latency
//   - gatekeeper_alerts_fired_total{alert_type}: alerts that passed cooldown
type Prometheus struct {
	Samples      *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec
	AlertsFired  *prometheus.CounterVec
}

// NewPrometheus registers the collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		Samples: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "metric_samples_total",
			Help:      "Samples recorded per rolling metric name.",
		}, []string{"metric"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gatekeeper",
			Name:      "tool_execution_duration_seconds",
			Help:      "Tool invocation wall-clock time.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool", "success"}),
		AlertsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "alerts_fired_total",
			Help:      "Alerts fired after cooldown deduplication.",
		}, []string{"alert_type"}),
	}
}

// Observe mirrors one sample.
func (p *Prometheus) Observe(name string, value float64, tags map[string]string) {
	p.Samples.WithLabelValues(name).Inc()
	if name == ToolExecutionDuration {
		p.ToolDuration.WithLabelValues(tags["tool"], tags["success"]).Observe(value / 1000)
	}
}

// AlertFired counts one fired alert.
func (p *Prometheus) AlertFired(alertType string) {
	p.AlertsFired.WithLabelValues(alertType).Inc()
}
