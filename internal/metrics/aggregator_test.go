package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

// fakeClock is advanced manually by tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestAggregator(clock *fakeClock) *Aggregator {
	a := NewAggregator(DefaultRetention, nil, zap.NewNop())
	a.now = clock.Now
	return a
}

func TestAggregator_StatsOverWindow(t *testing.T) {
	clock := newFakeClock()
	a := newTestAggregator(clock)

	a.Record(ToolExecutionDuration, 100, map[string]string{"tool": "calendar"})
	clock.Advance(10 * time.Second)
	a.Record(ToolExecutionDuration, 300, map[string]string{"tool": "files"})
	clock.Advance(10 * time.Second)
	a.Record(ToolExecutionDuration, 200, map[string]string{"tool": "calendar"})

	st := a.Stats(ToolExecutionDuration, time.Minute)
	if st.Count != 3 {
		t.Fatalf("expected 3 samples across tag sets, got %d", st.Count)
	}
	if st.Sum != 600 || st.Avg != 200 || st.Min != 100 || st.Max != 300 {
		t.Errorf("unexpected stats %+v", st)
	}

	// Only the last sample is inside a 15s window.
	st = a.Stats(ToolExecutionDuration, 15*time.Second)
	if st.Count != 1 || st.Sum != 200 {
		t.Errorf("expected 1 sample in 15s window, got %+v", st)
	}
}

func TestAggregator_EmptyStats(t *testing.T) {
	a := newTestAggregator(newFakeClock())

	st := a.Stats(Errors, time.Minute)
	if st != (Stats{}) {
		t.Errorf("expected zero stats, got %+v", st)
	}
}

func TestAggregator_PrunesOnWrite(t *testing.T) {
	clock := newFakeClock()
	a := newTestAggregator(clock)

	a.Record(Errors, 1, nil)
	a.Record(Errors, 1, nil)
	clock.Advance(DefaultRetention + time.Second)
	a.Record(Errors, 1, nil)

	a.mu.Lock()
	n := len(a.series[Errors].samples)
	a.mu.Unlock()
	if n != 1 {
		t.Errorf("expected samples older than retention to be pruned, %d left", n)
	}
}

func TestAggregator_SeriesKeyedByTags(t *testing.T) {
	a := newTestAggregator(newFakeClock())

	a.Record(RateLimitViolations, 1, map[string]string{"scope": "user"})
	a.Record(RateLimitViolations, 1, map[string]string{"scope": "global"})
	a.Record(RateLimitViolations, 1, map[string]string{"scope": "user"})

	if a.SeriesCount() != 2 {
		t.Errorf("expected 2 series, got %d", a.SeriesCount())
	}
	if got := a.Stats(RateLimitViolations, time.Minute).Count; got != 3 {
		t.Errorf("expected 3 samples total, got %d", got)
	}
}

func TestSeriesKey_OrderIndependent(t *testing.T) {
	k1 := seriesKey("m", map[string]string{"a": "1", "b": "2"})
	k2 := seriesKey("m", map[string]string{"b": "2", "a": "1"})
	if k1 != k2 {
		t.Errorf("expected identical keys, got %q and %q", k1, k2)
	}
	if seriesKey("m", nil) != "m" {
		t.Error("untagged key should be the bare name")
	}
}

func TestAggregator_ConcurrentRecord(t *testing.T) {
	a := NewAggregator(DefaultRetention, nil, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				a.Record(MessagesReceived, 1, nil)
			}
		}()
	}
	wg.Wait()

	if got := a.Stats(MessagesReceived, time.Minute).Count; got != 1000 {
		t.Errorf("expected 1000 samples, got %d (lost updates)", got)
	}
}

func TestAggregator_MirrorsToPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	mirror := NewPrometheus(reg)
	a := NewAggregator(DefaultRetention, mirror, zap.NewNop())

	a.Record(MessagesReceived, 1, nil)
	a.Record(MessagesReceived, 1, nil)
	a.Record(ToolExecutionDuration, 1500, map[string]string{"tool": "calendar", "success": "true"})

	if got := testutil.ToFloat64(mirror.Samples.WithLabelValues(MessagesReceived)); got != 2 {
		t.Errorf("expected 2 mirrored samples, got %v", got)
	}
	if got := testutil.CollectAndCount(mirror.ToolDuration); got != 1 {
		t.Errorf("expected 1 duration series, got %d", got)
	}
}

func TestAggregator_IgnoresNaN(t *testing.T) {
	a := newTestAggregator(newFakeClock())
	var zero float64
	a.Record(Errors, zero/zero, nil)
	if a.SeriesCount() != 0 {
		t.Error("NaN sample should be ignored")
	}
}
