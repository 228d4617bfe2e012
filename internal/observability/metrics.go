package observability

import (
	"sort"
	"sync"
	"time"
)

// MetricType categorizes what is being measured.
type MetricType string

const (
	MetricLatency  MetricType = "latency_ms" // oracle and judge calls
	MetricCost     MetricType = "cost"       // USD per provider call
	MetricCycleLen MetricType = "cycle_ms"   // wall time of one cycle
	MetricSwarmN   MetricType = "swarm_items"
)

// Counter names.
const (
	CounterCycleRuns      = "cycle.runs"
	CounterCycleSkipped   = "cycle.skipped"
	CounterCycleFailed    = "cycle.failed"
	CounterTimeoutFired   = "timeout.fired"
	CounterTimeoutStale   = "timeout.stale"
	CounterSwarmItems     = "swarm.items"
	CounterSwarmJoins     = "swarm.joins"
	CounterStoreConflicts = "store.conflicts"
	CounterBudgetDeferred = "budget.deferred"
)

// ActionCounter returns the counter name for an applied action.
func ActionCounter(action string) string { return "action." + action }

// MetricPoint is a single recorded data point.
type MetricPoint struct {
	Type      MetricType `json:"type"`
	Value     float64    `json:"value"`
	Labels    Labels     `json:"labels,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Labels are key-value metadata on a metric.
type Labels map[string]string

// MetricsCollector collects in-memory metrics with rolling window. A nil
// collector ignores writes.
type MetricsCollector struct {
	mu       sync.RWMutex
	points   []MetricPoint
	maxSize  int // Ring buffer capacity
	counters map[string]int64
}

// NewMetricsCollector creates a collector with a max ring buffer size.
func NewMetricsCollector(maxSize int) *MetricsCollector {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MetricsCollector{
		points:   make([]MetricPoint, 0, maxSize),
		maxSize:  maxSize,
		counters: make(map[string]int64),
	}
}

// Record adds a metric data point.
func (c *MetricsCollector) Record(mt MetricType, value float64, labels Labels) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	point := MetricPoint{
		Type:      mt,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	}

	if len(c.points) >= c.maxSize {
		copy(c.points, c.points[1:])
		c.points[len(c.points)-1] = point
	} else {
		c.points = append(c.points, point)
	}
}

// Increment increments a named counter.
func (c *MetricsCollector) Increment(name string) {
	c.IncrementBy(name, 1)
}

// IncrementBy increments a named counter by n.
func (c *MetricsCollector) IncrementBy(name string, n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += n
}

// Counter returns the current value of a counter.
func (c *MetricsCollector) Counter(name string) int64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name]
}

// Query returns the points of type mt recorded at or after since whose
// labels include every pair in match. Zero since and nil match select all.
func (c *MetricsCollector) Query(mt MetricType, since time.Time, match Labels) []MetricPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []MetricPoint
	for _, p := range c.points {
		if p.Type != mt || (!since.IsZero() && p.Timestamp.Before(since)) {
			continue
		}
		if !p.Labels.has(match) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (l Labels) has(match Labels) bool {
	for k, v := range match {
		if l[k] != v {
			return false
		}
	}
	return true
}

// Summary aggregates one metric type over a window.
type Summary struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Mean  float64 `json:"mean"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
}

func (c *MetricsCollector) Summarize(mt MetricType, since time.Time, match Labels) Summary {
	points := c.Query(mt, since, match)
	if len(points) == 0 {
		return Summary{}
	}
	vals := make([]float64, 0, len(points))
	var s Summary
	for _, p := range points {
		vals = append(vals, p.Value)
		s.Sum += p.Value
	}
	sort.Float64s(vals)
	s.Count = len(vals)
	s.Mean = s.Sum / float64(s.Count)
	s.Max = vals[s.Count-1]
	s.P50 = percentile(vals, 0.50)
	s.P95 = percentile(vals, 0.95)
	return s
}

// Snapshot returns a copy of current counters.
func (c *MetricsCollector) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		snap[k] = v
	}
	return snap
}

// percentile computes the p-th percentile from sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}
