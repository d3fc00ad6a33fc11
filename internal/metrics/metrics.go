// Package metrics maintains per-capability invocation counters and latency
// aggregates, plus the system-wide request-per-minute window.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Cell is the monotonic per-capability aggregate. The latency average is a
// running mean: avg' = avg + (x-avg)/n.
type Cell struct {
	CapabilityID string    `json:"capability_id"`
	Total        int64     `json:"total"`
	Success      int64     `json:"success"`
	Failed       int64     `json:"failed"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	MinLatencyMs float64   `json:"min_latency_ms"`
	MaxLatencyMs float64   `json:"max_latency_ms"`
	CostSum      float64   `json:"cost_sum"`
	CacheHits    int64     `json:"cache_hits"`
	LastSeen     time.Time `json:"last_seen"`
}

// SystemSummary is the gateway-wide view.
type SystemSummary struct {
	UptimeMs      int64 `json:"uptime_ms"`
	TotalRequests int64 `json:"total_requests"`
	RPM           int   `json:"rpm"`
	Capabilities  int   `json:"capabilities"`
}

// rpmRingSize bounds the per-minute timestamp window. Requests beyond this
// within one minute simply saturate the RPM reading.
const rpmRingSize = 4096

// Collector records invocation outcomes per capability.
type Collector struct {
	mu        sync.RWMutex
	cells     map[string]*Cell
	total     int64
	startedAt time.Time

	// Bounded ring of recent request timestamps for the RPM window.
	stamps []time.Time
	head   int
	filled bool

	prom *PromMetrics // optional, nil when prometheus export is disabled
}

// NewCollector creates a collector. prom may be nil.
func NewCollector(prom *PromMetrics) *Collector {
	return &Collector{
		cells:     make(map[string]*Cell),
		startedAt: time.Now(),
		stamps:    make([]time.Time, rpmRingSize),
		prom:      prom,
	}
}

// Record adds one invocation outcome.
func (c *Collector) Record(capabilityID string, success bool, latencyMs float64, cost float64) {
	now := time.Now()

	c.mu.Lock()
	cell, ok := c.cells[capabilityID]
	if !ok {
		cell = &Cell{CapabilityID: capabilityID, MinLatencyMs: latencyMs, MaxLatencyMs: latencyMs}
		c.cells[capabilityID] = cell
	}

	cell.Total++
	if success {
		cell.Success++
	} else {
		cell.Failed++
	}
	cell.AvgLatencyMs += (latencyMs - cell.AvgLatencyMs) / float64(cell.Total)
	if latencyMs < cell.MinLatencyMs || cell.Total == 1 {
		cell.MinLatencyMs = latencyMs
	}
	if latencyMs > cell.MaxLatencyMs {
		cell.MaxLatencyMs = latencyMs
	}
	cell.CostSum += cost
	cell.LastSeen = now

	c.total++
	c.stamps[c.head] = now
	c.head = (c.head + 1) % rpmRingSize
	if c.head == 0 {
		c.filled = true
	}
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.ObserveInvocation(capabilityID, success, latencyMs)
	}
}

// RecordCacheHit counts a cache-served invocation for a capability. The cell
// is created on demand: with a shared cache backend a hit can land on an
// instance that never executed the capability itself.
func (c *Collector) RecordCacheHit(capabilityID string) {
	c.mu.Lock()
	cell, ok := c.cells[capabilityID]
	if !ok {
		cell = &Cell{CapabilityID: capabilityID}
		c.cells[capabilityID] = cell
	}
	cell.CacheHits++
	cell.LastSeen = time.Now()
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.CacheHits.WithLabelValues(capabilityID).Inc()
	}
}

// RecordRateDenied counts a rate-limiter rejection in the given scope.
func (c *Collector) RecordRateDenied(scope string) {
	if c.prom != nil {
		c.prom.RateDenied.WithLabelValues(scope).Inc()
	}
}

// SetBreakerOpen exports a capability's breaker state.
func (c *Collector) SetBreakerOpen(capabilityID string, open bool) {
	if c.prom == nil {
		return
	}
	v := 0.0
	if open {
		v = 1.0
	}
	c.prom.BreakerOpen.WithLabelValues(capabilityID).Set(v)
}

// SetQueueDepth exports one priority level's queued entry count.
func (c *Collector) SetQueueDepth(priority string, depth int) {
	if c.prom != nil {
		c.prom.QueueDepth.WithLabelValues(priority).Set(float64(depth))
	}
}

// SetLoadFactor exports the adaptive rate-limit load factor.
func (c *Collector) SetLoadFactor(f float64) {
	if c.prom != nil {
		c.prom.LoadFactor.Set(f)
	}
}

// Get returns a copy of the cell for a capability, or nil.
func (c *Collector) Get(capabilityID string) *Cell {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cell, ok := c.cells[capabilityID]
	if !ok {
		return nil
	}
	cp := *cell
	return &cp
}

// All returns copies of every cell.
func (c *Collector) All() []*Cell {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Cell, 0, len(c.cells))
	for _, cell := range c.cells {
		cp := *cell
		out = append(out, &cp)
	}
	return out
}

// Top returns the n most-invoked capabilities, busiest first.
func (c *Collector) Top(n int) []*Cell {
	cells := c.All()
	sort.Slice(cells, func(i, j int) bool { return cells[i].Total > cells[j].Total })
	if len(cells) > n {
		cells = cells[:n]
	}
	return cells
}

// Slowest returns the n slowest capabilities by average latency, filtering
// out cells that have never been invoked.
func (c *Collector) Slowest(n int) []*Cell {
	cells := c.All()
	filtered := cells[:0]
	for _, cell := range cells {
		if cell.Total > 0 {
			filtered = append(filtered, cell)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].AvgLatencyMs > filtered[j].AvgLatencyMs })
	if len(filtered) > n {
		filtered = filtered[:n]
	}
	return filtered
}

// System reports uptime, totals and the requests-per-minute reading.
func (c *Collector) System() SystemSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cutoff := time.Now().Add(-time.Minute)
	rpm := 0
	limit := c.head
	if c.filled {
		limit = rpmRingSize
	}
	for i := 0; i < limit; i++ {
		if c.stamps[i].After(cutoff) {
			rpm++
		}
	}

	return SystemSummary{
		UptimeMs:      time.Since(c.startedAt).Milliseconds(),
		TotalRequests: c.total,
		RPM:           rpm,
		Capabilities:  len(c.cells),
	}
}
