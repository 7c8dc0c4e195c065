// Package metrics keeps short rolling windows of named samples and raises
// deduplicated alerts when fixed thresholds are crossed.
package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Metric names recorded by the pipeline.
const (
	MessagesReceived      = "messages_received"
	ToolExecutionDuration = "tool_execution_duration"
	Errors                = "errors"
	RateLimitViolations   = "rate_limit_violations"
	AuthFailures          = "auth_failures"
	ToolTimeouts          = "tool_timeouts"
	ValidationFailures    = "validation_failures"
)

// DefaultRetention is how long samples are kept per series.
const DefaultRetention = 5 * time.Minute

// Sink accepts metric samples. Record must be cheap and must not block.
type Sink interface {
	Record(name string, value float64, tags map[string]string)
}

type sample struct {
	value float64
	at    time.Time
}

// series is a time-ordered run of samples for one name+tag set.
type series struct {
	name    string
	tags    map[string]string
	samples []sample
}

// prune drops samples at or before cutoff. Samples are appended in time
// order so the kept ones are a suffix.
func (s *series) prune(cutoff time.Time) {
	i := sort.Search(len(s.samples), func(i int) bool {
		return s.samples[i].at.After(cutoff)
	})
	if i == 0 {
		return
	}
	s.samples = append(s.samples[:0], s.samples[i:]...)
}

// Stats summarizes the samples of a metric name inside a window.
type Stats struct {
	Count int
	Sum   float64
	Avg   float64
	Min   float64
	Max   float64
}

// Aggregator holds every series in memory. A single mutex guards the map and
// each append+prune so concurrent callers never lose samples.
type Aggregator struct {
	mu        sync.Mutex
	series    map[string]*series
	retention time.Duration
	mirror    *Prometheus
	logger    *zap.Logger
	now       func() time.Time
}

// NewAggregator creates an aggregator. A nil mirror disables Prometheus export.
func NewAggregator(retention time.Duration, mirror *Prometheus, logger *zap.Logger) *Aggregator {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Aggregator{
		series:    make(map[string]*series),
		retention: retention,
		mirror:    mirror,
		logger:    logger,
		now:       time.Now,
	}
}

// Record appends a sample and prunes the series past the retention window.
func (a *Aggregator) Record(name string, value float64, tags map[string]string) {
	if name == "" || math.IsNaN(value) {
		return
	}
	key := seriesKey(name, tags)

	a.mu.Lock()
	now := a.now()
	s, ok := a.series[key]
	if !ok {
		s = &series{name: name, tags: copyTags(tags)}
		a.series[key] = s
	}
	s.samples = append(s.samples, sample{value: value, at: now})
	s.prune(now.Add(-a.retention))
	a.mu.Unlock()

	if a.mirror != nil {
		a.mirror.Observe(name, value, tags)
	}
}

// Stats aggregates every tag set of name over the trailing window.
func (a *Aggregator) Stats(name string, window time.Duration) Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-window)
	st := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, s := range a.series {
		if s.name != name {
			continue
		}
		for i := len(s.samples) - 1; i >= 0; i-- {
			smp := s.samples[i]
			if !smp.at.After(cutoff) {
				break
			}
			st.Count++
			st.Sum += smp.value
			st.Min = math.Min(st.Min, smp.value)
			st.Max = math.Max(st.Max, smp.value)
		}
	}
	if st.Count == 0 {
		return Stats{}
	}
	st.Avg = st.Sum / float64(st.Count)
	return st
}

// SeriesCount reports how many distinct name+tag series are tracked.
func (a *Aggregator) SeriesCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.series)
}

// seriesKey is name followed by sorted k=v pairs.
func seriesKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

func copyTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
