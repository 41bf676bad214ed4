package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SystemMetrics tracks overall engine performance: atomic counters and
// lazy-dirty-flag latency histograms for the JSON snapshot endpoints,
// mirrored into prometheus/client_golang gauges/counters for the outward
// /metrics surface.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	OrderLatency    *LatencyHistogram
	StrategyLatency *LatencyHistogram
	APILatency      *LatencyHistogram

	// Counters
	ordersProcessed  uint64
	ticksProcessed   uint64
	signalsGenerated uint64
	errorsCount      uint64
	copyTrades       uint64
	cleanupRuns      uint64
	apiRequests      uint64
	apiErrors        uint64

	lastUpdate time.Time

	// Prometheus surface.
	promOrders   prometheus.Counter
	promCopy     prometheus.Counter
	promCleanup  prometheus.Counter
	promRejects  *prometheus.CounterVec
	promExits    *prometheus.CounterVec
	promCycleLat prometheus.Histogram
}

// LatencyHistogram keeps a sliding window of samples and computes stats
// lazily: Stats() only re-sorts when Record has run since the last call.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool         // Whether samples have changed since last Stats()
	cachedStats LatencyStats // Cached computed stats
}

// NewSystemMetrics creates a new metrics instance, registering its
// Prometheus collectors against the given registerer (pass
// prometheus.DefaultRegisterer in production, a fresh prometheus.NewRegistry()
// in tests to avoid collisions across repeated test runs).
func NewSystemMetrics(reg prometheus.Registerer) *SystemMetrics {
	m := &SystemMetrics{
		OrderLatency:    NewLatencyHistogram(1000),
		StrategyLatency: NewLatencyHistogram(1000),
		APILatency:      NewLatencyHistogram(1000),
		lastUpdate:      time.Now(),

		promOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apex_orders_total", Help: "Total orders placed across all accounts.",
		}),
		promCopy: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apex_copy_trades_total", Help: "Total follower orders placed by the copy-trade bus.",
		}),
		promCleanup: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apex_cleanup_runs_total", Help: "Total ForcedCleanup runs across all accounts.",
		}),
		promRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apex_risk_rejections_total", Help: "Pre-trade rejections by RiskEngine reason code.",
		}, []string{"reason"}),
		promExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apex_exit_intents_total", Help: "ExitEngine intents by rule reason.",
		}, []string{"reason"}),
		promCycleLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "apex_account_loop_cycle_seconds", Help: "AccountLoop tick duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.promOrders, m.promCopy, m.promCleanup, m.promRejects, m.promExits, m.promCycleLat)
	}
	return m
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		// Shift window: remove oldest
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true // Mark as dirty for lazy recomputation
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
// Uses lazy computation - only recomputes when samples have changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Return cached stats if samples haven't changed
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	// Compute new stats
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementOrders increments processed orders counter.
func (m *SystemMetrics) IncrementOrders() {
	atomic.AddUint64(&m.ordersProcessed, 1)
	m.promOrders.Inc()
}

// IncrementTicks increments processed ticks counter.
func (m *SystemMetrics) IncrementTicks() {
	atomic.AddUint64(&m.ticksProcessed, 1)
}

// IncrementSignals increments generated signals counter.
func (m *SystemMetrics) IncrementSignals() {
	atomic.AddUint64(&m.signalsGenerated, 1)
}

// IncrementErrors increments error counter.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// IncrementCopyTrades increments the follower-orders-placed counter.
func (m *SystemMetrics) IncrementCopyTrades() {
	atomic.AddUint64(&m.copyTrades, 1)
	m.promCopy.Inc()
}

// IncrementCleanupRuns increments the ForcedCleanup run counter.
func (m *SystemMetrics) IncrementCleanupRuns() {
	atomic.AddUint64(&m.cleanupRuns, 1)
	m.promCleanup.Inc()
}

// IncrementAPI increments the processed-HTTP-request counter.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors increments the 4xx/5xx HTTP response counter.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// IncrementRejection records a RiskEngine pre-trade rejection by reason
// code.
func (m *SystemMetrics) IncrementRejection(reason string) {
	m.promRejects.WithLabelValues(reason).Inc()
}

// IncrementExitReason records an ExitEngine intent by its rule reason.
func (m *SystemMetrics) IncrementExitReason(reason string) {
	m.promExits.WithLabelValues(reason).Inc()
}

// ObserveCycle records one AccountLoop tick's wall-clock duration.
func (m *SystemMetrics) ObserveCycle(d time.Duration) {
	m.promCycleLat.Observe(d.Seconds())
}

// Snapshot returns current metrics snapshot.
type MetricsSnapshot struct {
	OrderLatency     LatencyStats `json:"order_latency"`
	StrategyLatency  LatencyStats `json:"strategy_latency"`
	APILatency       LatencyStats `json:"api_latency"`
	OrdersProcessed  uint64       `json:"orders_processed"`
	TicksProcessed   uint64       `json:"ticks_processed"`
	SignalsGenerated uint64       `json:"signals_generated"`
	ErrorsCount      uint64       `json:"errors_count"`
	CopyTrades       uint64       `json:"copy_trades"`
	CleanupRuns      uint64       `json:"cleanup_runs"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	HeapSys          uint64       `json:"heap_sys_bytes"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		OrderLatency:     m.OrderLatency.Stats(),
		StrategyLatency:  m.StrategyLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		OrdersProcessed:  atomic.LoadUint64(&m.ordersProcessed),
		TicksProcessed:   atomic.LoadUint64(&m.ticksProcessed),
		SignalsGenerated: atomic.LoadUint64(&m.signalsGenerated),
		ErrorsCount:      atomic.LoadUint64(&m.errorsCount),
		CopyTrades:       atomic.LoadUint64(&m.copyTrades),
		CleanupRuns:      atomic.LoadUint64(&m.cleanupRuns),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		Timestamp:        time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
