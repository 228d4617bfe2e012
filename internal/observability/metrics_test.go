package observability

import (
	"math"
	"testing"
	"time"
)

func TestNewMetricsCollector_ZeroSize(t *testing.T) {
	c := NewMetricsCollector(0)
	if c.maxSize != 10000 {
		t.Errorf("maxSize = %d, want 10000", c.maxSize)
	}
}

func TestMetricsCollector_Record_RingBuffer(t *testing.T) {
	c := NewMetricsCollector(3)

	for i := 0; i < 5; i++ {
		c.Record(MetricLatency, float64(i), nil)
	}
	points := c.Query(MetricLatency, time.Time{}, nil)
	if len(points) != 3 {
		t.Fatalf("Query = %d, want 3", len(points))
	}
	if points[0].Value != 2 || points[2].Value != 4 {
		t.Errorf("window = %v..%v, want 2..4", points[0].Value, points[2].Value)
	}
}

func TestMetricsCollector_Counters(t *testing.T) {
	c := NewMetricsCollector(100)

	c.Increment(CounterCycleRuns)
	c.Increment(CounterCycleRuns)
	c.Increment(ActionCounter("update_plan"))
	c.IncrementBy(CounterStoreConflicts, 3)

	if c.Counter(CounterCycleRuns) != 2 {
		t.Errorf("cycle.runs = %d", c.Counter(CounterCycleRuns))
	}
	if c.Counter("action.update_plan") != 1 {
		t.Errorf("action.update_plan = %d", c.Counter("action.update_plan"))
	}
	if c.Counter(CounterStoreConflicts) != 3 {
		t.Errorf("store.conflicts = %d", c.Counter(CounterStoreConflicts))
	}
	if c.Counter("missing") != 0 {
		t.Errorf("missing counter = %d", c.Counter("missing"))
	}
}

func TestMetricsCollector_Nil(t *testing.T) {
	var c *MetricsCollector
	c.Increment(CounterCycleRuns)
	c.Record(MetricCost, 1, nil)
	if c.Counter(CounterCycleRuns) != 0 {
		t.Error("nil collector should read zero")
	}
}

func TestMetricsCollector_Query(t *testing.T) {
	c := NewMetricsCollector(100)
	c.Record(MetricLatency, 120, nil)
	c.Record(MetricCost, 0.01, Labels{"task_id": "t1"})
	c.Record(MetricLatency, 80, nil)

	c.Record(MetricLatency, 40, Labels{"kind": "cycle"})

	if n := len(c.Query(MetricLatency, time.Time{}, nil)); n != 3 {
		t.Errorf("latency points = %d, want 3", n)
	}
	if n := len(c.Query(MetricLatency, time.Time{}, Labels{"kind": "cycle"})); n != 1 {
		t.Errorf("cycle latency points = %d, want 1", n)
	}
	if n := len(c.Query(MetricCost, time.Time{}, Labels{"task_id": "t2"})); n != 0 {
		t.Errorf("t2 cost points = %d, want 0", n)
	}
	if n := len(c.Query(MetricCost, time.Now().Add(time.Hour), nil)); n != 0 {
		t.Errorf("future window points = %d, want 0", n)
	}
}

func TestMetricsCollector_Summarize(t *testing.T) {
	c := NewMetricsCollector(100)
	for i := 1; i <= 10; i++ {
		c.Record(MetricLatency, float64(i)*10, nil)
	}

	s := c.Summarize(MetricLatency, time.Time{}, nil)
	if s.Count != 10 {
		t.Errorf("Count = %d", s.Count)
	}
	if math.Abs(s.Mean-55) > 0.001 {
		t.Errorf("Mean = %f, want 55", s.Mean)
	}
	if s.Max != 100 || s.Sum != 550 {
		t.Errorf("Max/Sum = %f/%f", s.Max, s.Sum)
	}
	if math.Abs(s.P50-55) > 0.01 {
		t.Errorf("P50 = %f, want ~55", s.P50)
	}
	if s.P95 < 90 {
		t.Errorf("P95 = %f, too low", s.P95)
	}
}

func TestMetricsCollector_Summarize_Empty(t *testing.T) {
	c := NewMetricsCollector(100)
	if s := c.Summarize(MetricCost, time.Time{}, nil); s.Count != 0 {
		t.Errorf("Count = %d", s.Count)
	}
}

func TestMetricsCollector_Snapshot(t *testing.T) {
	c := NewMetricsCollector(100)
	c.Increment("a")
	c.IncrementBy("b", 5)

	snap := c.Snapshot()
	if snap["a"] != 1 || snap["b"] != 5 {
		t.Errorf("snap = %v", snap)
	}

	snap["a"] = 999
	if c.Counter("a") != 1 {
		t.Errorf("Counter a changed after snapshot mutation")
	}
}

func TestPercentile(t *testing.T) {
	if p := percentile(nil, 0.5); p != 0 {
		t.Errorf("nil percentile = %f", p)
	}

	vals := []float64{10, 20, 30, 40, 50}
	if p := percentile(vals, 0.0); p != 10 {
		t.Errorf("p0 = %f", p)
	}
	if p := percentile(vals, 1.0); p != 50 {
		t.Errorf("p100 = %f", p)
	}
	if p := percentile(vals, 0.5); p != 30 {
		t.Errorf("p50 = %f", p)
	}
}
