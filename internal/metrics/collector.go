package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/recordguard/recordguard/internal/domain"
	"github.com/recordguard/recordguard/internal/httpx"
)

// labeledCounter tracks a counter value for a specific label combination.
type labeledCounter struct {
	labels map[string]string
	value  int64
}

// histogram tracks a distribution of observed values using pre-defined buckets.
type histogram struct {
	mu      sync.Mutex
	labels  map[string]string
	buckets []float64 // upper bounds, sorted ascending
	counts  []int64   // count per bucket
	sum     float64
	count   int64
}

func newHistogram(labels map[string]string, buckets []float64) *histogram {
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)
	return &histogram{
		labels:  labels,
		buckets: sorted,
		counts:  make([]int64, len(sorted)),
	}
}

func (h *histogram) observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
		}
	}
}

// counterVec is a thread-safe collection of labeled counters.
type counterVec struct {
	mu       sync.RWMutex
	counters map[string]*labeledCounter
}

func newCounterVec() *counterVec {
	return &counterVec{counters: make(map[string]*labeledCounter)}
}

func (cv *counterVec) inc(labels map[string]string) {
	key := labelsKey(labels)
	cv.mu.Lock()
	c, ok := cv.counters[key]
	if !ok {
		c = &labeledCounter{labels: copyLabels(labels)}
		cv.counters[key] = c
	}
	cv.mu.Unlock()
	atomic.AddInt64(&c.value, 1)
}

func (cv *counterVec) snapshot() []labeledCounter {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	result := make([]labeledCounter, 0, len(cv.counters))
	for _, c := range cv.counters {
		result = append(result, labeledCounter{
			labels: copyLabels(c.labels),
			value:  atomic.LoadInt64(&c.value),
		})
	}
	return result
}

// histogramVec is a thread-safe collection of labeled histograms.
type histogramVec struct {
	mu         sync.RWMutex
	histograms map[string]*histogram
	buckets    []float64
}

func newHistogramVec(buckets []float64) *histogramVec {
	return &histogramVec{
		histograms: make(map[string]*histogram),
		buckets:    buckets,
	}
}

func (hv *histogramVec) observe(labels map[string]string, v float64) {
	key := labelsKey(labels)
	hv.mu.RLock()
	h, ok := hv.histograms[key]
	hv.mu.RUnlock()
	if !ok {
		hv.mu.Lock()
		h, ok = hv.histograms[key]
		if !ok {
			h = newHistogram(copyLabels(labels), hv.buckets)
			hv.histograms[key] = h
		}
		hv.mu.Unlock()
	}
	h.observe(v)
}

func (hv *histogramVec) snapshot() []*histogram {
	hv.mu.RLock()
	defer hv.mu.RUnlock()
	result := make([]*histogram, 0, len(hv.histograms))
	for _, h := range hv.histograms {
		h.mu.Lock()
		snap := &histogram{
			labels:  copyLabels(h.labels),
			buckets: h.buckets,
			counts:  make([]int64, len(h.counts)),
			sum:     h.sum,
			count:   h.count,
		}
		copy(snap.counts, h.counts)
		h.mu.Unlock()
		result = append(result, snap)
	}
	return result
}

// gaugeVec tracks a set of labeled gauges that can be set to any value.
type gaugeVec struct {
	mu     sync.RWMutex
	gauges map[string]*labeledGauge
}

type labeledGauge struct {
	labels map[string]string
	value  uint64 // float64 stored via math.Float64bits
}

func newGaugeVec() *gaugeVec {
	return &gaugeVec{gauges: make(map[string]*labeledGauge)}
}

func (gv *gaugeVec) set(labels map[string]string, v float64) {
	key := labelsKey(labels)
	gv.mu.Lock()
	g, ok := gv.gauges[key]
	if !ok {
		g = &labeledGauge{labels: copyLabels(labels)}
		gv.gauges[key] = g
	}
	gv.mu.Unlock()
	atomic.StoreUint64(&g.value, math.Float64bits(v))
}

func (gv *gaugeVec) snapshot() []struct {
	labels map[string]string
	value  float64
} {
	gv.mu.RLock()
	defer gv.mu.RUnlock()
	result := make([]struct {
		labels map[string]string
		value  float64
	}, 0, len(gv.gauges))
	for _, g := range gv.gauges {
		result = append(result, struct {
			labels map[string]string
			value  float64
		}{
			labels: copyLabels(g.labels),
			value:  math.Float64frombits(atomic.LoadUint64(&g.value)),
		})
	}
	return result
}

func labelsKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := ""
	for _, k := range keys {
		key += k + "=" + labels[k] + ","
	}
	return key
}

func copyLabels(labels map[string]string) map[string]string {
	cp := make(map[string]string, len(labels))
	for k, v := range labels {
		cp[k] = v
	}
	return cp
}

// Collector tracks live metrics using atomic counters for lock-free,
// concurrent-safe updates. It provides an in-memory real-time view of
// pipeline throughput, PII handling, prompt reuse, and validation quality.
type Collector struct {
	totalRequests    int64
	approvedRequests int64
	rejectedRequests int64

	piiFieldsRedacted int64
	reinforcedGood    int64
	reinforcedBad     int64

	cacheHits   int64
	cacheMisses int64

	activeRequests int64

	startTime time.Time

	// Labeled metrics.
	errors        *counterVec   // labels: error_kind, phase
	stageDuration *histogramVec // labels: stage
	overallScore  *histogramVec // labels: source
	piiByKind     *counterVec   // labels: kind
	breakerState  *gaugeVec     // labels: backend
}

// Stats is a point-in-time snapshot of the collector's counters, suitable
// for JSON serialisation on GET /status or a dashboard.
type Stats struct {
	Uptime           string  `json:"uptime"`
	TotalRequests    int64   `json:"total_requests"`
	ApprovedRequests int64   `json:"approved_requests"`
	RejectedRequests int64   `json:"rejected_requests"`
	ApprovalRate     float64 `json:"approval_rate"`
	PIIFieldsRedacted int64  `json:"pii_fields_redacted"`
	ReinforcedGood   int64   `json:"reinforced_good"`
	ReinforcedBad    int64   `json:"reinforced_bad"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
	CacheHits        int64   `json:"cache_hits"`
	CacheMisses      int64   `json:"cache_misses"`
	ActiveRequests   int64   `json:"active_requests"`
}

// scoreBuckets are tuned for the [0,1] overall_score range validator
// verdicts report.
var scoreBuckets = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.75, 0.8, 0.9, 1.0}

// stageBuckets are tuned for per-stage pipeline latencies (pseudonymize,
// generate, validate, learn, repersonalize).
var stageBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// NewCollector creates a new Collector with all counters initialised to
// zero and the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		startTime:     time.Now(),
		errors:        newCounterVec(),
		stageDuration: newHistogramVec(stageBuckets),
		overallScore:  newHistogramVec(scoreBuckets),
		piiByKind:     newCounterVec(),
		breakerState:  newGaugeVec(),
	}
}

// Record atomically updates the request/approval counters and the
// overall_score histogram from a completed pipeline result.
func (c *Collector) Record(result domain.PipelineResult) {
	atomic.AddInt64(&c.totalRequests, 1)
	if result.Verdict == nil {
		return
	}
	if result.Verdict.Approved {
		atomic.AddInt64(&c.approvedRequests, 1)
	} else {
		atomic.AddInt64(&c.rejectedRequests, 1)
	}
	if result.Provenance.CacheHit {
		atomic.AddInt64(&c.cacheHits, 1)
	} else {
		atomic.AddInt64(&c.cacheMisses, 1)
	}
	c.overallScore.observe(map[string]string{"source": string(result.Provenance.Source)}, result.Verdict.OverallScore)
}

// RecordPIIRedaction increments the per-kind PII redaction counter and the
// aggregate field count. Called once per field transform produced by a
// pseudonymization pass.
func (c *Collector) RecordPIIRedaction(kind domain.PIIKind) {
	atomic.AddInt64(&c.piiFieldsRedacted, 1)
	c.piiByKind.inc(map[string]string{"kind": string(kind)})
}

// RecordReinforcement increments the quality-reinforcement outcome
// counters: good verdicts widen the accepted pattern, bad verdicts narrow
// it (internal/quality.Engine.OnVerdict's two branches).
func (c *Collector) RecordReinforcement(approved bool) {
	if approved {
		atomic.AddInt64(&c.reinforcedGood, 1)
	} else {
		atomic.AddInt64(&c.reinforcedBad, 1)
	}
}

// IncrementActive increments the active request counter. Call this when a
// request enters the orchestrator.
func (c *Collector) IncrementActive() {
	atomic.AddInt64(&c.activeRequests, 1)
}

// DecrementActive decrements the active request counter. Call this when a
// request leaves the orchestrator, regardless of outcome.
func (c *Collector) DecrementActive() {
	atomic.AddInt64(&c.activeRequests, -1)
}

// RecordError increments the error counter for the given error_kind and
// pipeline phase.
func (c *Collector) RecordError(errKind domain.ErrorKind, phase string) {
	c.errors.inc(map[string]string{
		"error_kind": string(errKind),
		"phase":      phase,
	})
}

// ObserveStageDuration records a per-stage latency observation in seconds
// (pseudonymize, generate, validate, learn, repersonalize).
func (c *Collector) ObserveStageDuration(stage string, seconds float64) {
	c.stageDuration.observe(map[string]string{"stage": stage}, seconds)
}

// SyncBreakers copies every backend's current circuit-breaker state into
// the exported gauge vec, 0=closed, 1=open, 2=half_open.
func (c *Collector) SyncBreakers(reg *httpx.Registry) {
	if reg == nil {
		return
	}
	for backend, state := range reg.Snapshot() {
		c.breakerState.set(map[string]string{"backend": backend}, float64(state))
	}
}

// Stats returns a point-in-time snapshot of all metrics.
func (c *Collector) Stats() *Stats {
	total := atomic.LoadInt64(&c.totalRequests)
	approved := atomic.LoadInt64(&c.approvedRequests)
	rejected := atomic.LoadInt64(&c.rejectedRequests)
	hits := atomic.LoadInt64(&c.cacheHits)
	misses := atomic.LoadInt64(&c.cacheMisses)

	var approvalRate float64
	if decided := approved + rejected; decided > 0 {
		approvalRate = float64(approved) / float64(decided) * 100
	}
	var hitRate float64
	if ops := hits + misses; ops > 0 {
		hitRate = float64(hits) / float64(ops) * 100
	}

	return &Stats{
		Uptime:            formatDuration(time.Since(c.startTime)),
		TotalRequests:     total,
		ApprovedRequests:  approved,
		RejectedRequests:  rejected,
		ApprovalRate:      approvalRate,
		PIIFieldsRedacted: atomic.LoadInt64(&c.piiFieldsRedacted),
		ReinforcedGood:    atomic.LoadInt64(&c.reinforcedGood),
		ReinforcedBad:     atomic.LoadInt64(&c.reinforcedBad),
		CacheHitRate:      hitRate,
		CacheHits:         hits,
		CacheMisses:       misses,
		ActiveRequests:    atomic.LoadInt64(&c.activeRequests),
	}
}

// Errors returns the error counter vec for Prometheus export.
func (c *Collector) Errors() *counterVec { return c.errors }

// StageDuration returns the per-stage latency histogram vec for Prometheus export.
func (c *Collector) StageDuration() *histogramVec { return c.stageDuration }

// OverallScore returns the validation overall_score histogram vec for Prometheus export.
func (c *Collector) OverallScore() *histogramVec { return c.overallScore }

// PIIByKind returns the per-PII-kind redaction counter vec for Prometheus export.
func (c *Collector) PIIByKind() *counterVec { return c.piiByKind }

// BreakerState returns the circuit breaker state gauge vec for Prometheus export.
func (c *Collector) BreakerState() *gaugeVec { return c.breakerState }

// formatDuration produces a human-readable duration string like "2d 5h 32m".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return formatWithUnits(days, "d", hours, "h", minutes, "m")
	}
	if hours > 0 {
		return formatWithUnits(hours, "h", minutes, "m", 0, "")
	}
	return formatWithUnits(minutes, "m", 0, "", 0, "")
}

// formatWithUnits builds a compact duration string from up to three components.
func formatWithUnits(v1 int, u1 string, v2 int, u2 string, v3 int, u3 string) string {
	s := ""
	if v1 > 0 {
		s += intStr(v1) + u1
	}
	if v2 > 0 {
		if s != "" {
			s += " "
		}
		s += intStr(v2) + u2
	}
	if v3 > 0 && u3 != "" {
		if s != "" {
			s += " "
		}
		s += intStr(v3) + u3
	}
	if s == "" {
		return "0m"
	}
	return s
}

// intStr converts an int to its string representation without importing strconv.
func intStr(n int) string {
	if n == 0 {
		return "0"
	}
	if n < 0 {
		return "-" + intStr(-n)
	}
	digits := make([]byte, 0, 10)
	for n > 0 {
		digits = append(digits, byte('0'+n%10))
		n /= 10
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits)
}
