package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// PrometheusHandler returns an http.HandlerFunc that writes metrics in
// Prometheus text exposition format (version 0.0.4). It does not require the
// Prometheus client library; metrics are formatted manually.
func PrometheusHandler(collector *Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := collector.Stats()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		uptimeSeconds := time.Since(collector.startTime).Seconds()

		writeMetric(w, "recordguard_requests_total",
			"Total number of POST /analyze requests.",
			"counter", stats.TotalRequests)

		writeMetric(w, "recordguard_requests_approved_total",
			"Total number of requests whose validator verdict was approved.",
			"counter", stats.ApprovedRequests)

		writeMetric(w, "recordguard_requests_rejected_total",
			"Total number of requests exhausted by retry with a rejected verdict.",
			"counter", stats.RejectedRequests)

		writeMetricFloat(w, "recordguard_approval_rate",
			"Percentage of decided requests (approved or rejected) that were approved.",
			"gauge", stats.ApprovalRate)

		writeMetric(w, "recordguard_pii_fields_redacted_total",
			"Total number of PII fields replaced with deterministic tokens.",
			"counter", stats.PIIFieldsRedacted)

		writeMetric(w, "recordguard_reinforced_good_total",
			"Total number of approved verdicts fed back into the learning substrate.",
			"counter", stats.ReinforcedGood)

		writeMetric(w, "recordguard_reinforced_bad_total",
			"Total number of rejected verdicts fed back into the learning substrate.",
			"counter", stats.ReinforcedBad)

		writeMetric(w, "recordguard_cache_hits_total",
			"Total number of prompt-generation requests served from a reused or improved pattern.",
			"counter", stats.CacheHits)

		writeMetric(w, "recordguard_cache_misses_total",
			"Total number of prompt-generation requests that required a fresh generation.",
			"counter", stats.CacheMisses)

		writeMetricFloat(w, "recordguard_cache_hit_rate",
			"Pattern reuse rate percentage.",
			"gauge", stats.CacheHitRate)

		writeMetric(w, "recordguard_active_requests",
			"Number of requests currently in flight through the orchestrator.",
			"gauge", stats.ActiveRequests)

		writeMetricFloat(w, "recordguard_uptime_seconds",
			"Number of seconds since the process started.",
			"gauge", uptimeSeconds)

		// --- Labeled metrics ---

		writeCounterVec(w, "recordguard_errors_total",
			"Total number of pipeline errors by error_kind and phase.",
			collector.Errors())

		writeHistogramVec(w, "recordguard_stage_duration_seconds",
			"Per-stage pipeline latency in seconds (pseudonymize, generate, validate, learn, repersonalize).",
			collector.StageDuration())

		writeHistogramVec(w, "recordguard_overall_score",
			"Validator overall_score distribution by provenance source.",
			collector.OverallScore())

		writeCounterVec(w, "recordguard_pii_redactions_total",
			"Total PII field redactions by kind.",
			collector.PIIByKind())

		writeGaugeVec(w, "recordguard_backend_circuit_state",
			"Circuit breaker state per backend (0=closed, 1=open, 2=half_open).",
			collector.BreakerState())
	}
}

// writeMetric writes a single integer metric in Prometheus text format.
func writeMetric(w http.ResponseWriter, name, help, metricType string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

// writeMetricFloat writes a single float64 metric in Prometheus text format.
func writeMetricFloat(w http.ResponseWriter, name, help, metricType string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %g\n", name, value)
}

// formatLabels formats a label map as Prometheus label string, e.g. {type="foo",provider="bar"}.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// writeCounterVec writes a labeled counter vec in Prometheus text format.
func writeCounterVec(w http.ResponseWriter, name, help string, cv *counterVec) {
	entries := cv.snapshot()
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, e := range entries {
		fmt.Fprintf(w, "%s%s %d\n", name, formatLabels(e.labels), e.value)
	}
}

// writeHistogramVec writes a labeled histogram vec in Prometheus text format.
func writeHistogramVec(w http.ResponseWriter, name, help string, hv *histogramVec) {
	histograms := hv.snapshot()
	if len(histograms) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)
	for _, h := range histograms {
		labels := formatLabels(h.labels)
		// Cumulative bucket counts.
		var cumulative int64
		for i, bound := range h.buckets {
			cumulative += h.counts[i]
			le := fmt.Sprintf("%g", bound)
			if len(h.labels) == 0 {
				fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, le, cumulative)
			} else {
				// Insert le into existing labels.
				lbl := formatLabelsWithLe(h.labels, le)
				fmt.Fprintf(w, "%s_bucket%s %d\n", name, lbl, cumulative)
			}
		}
		// +Inf bucket.
		if len(h.labels) == 0 {
			fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", name, h.count)
		} else {
			lbl := formatLabelsWithLe(h.labels, "+Inf")
			fmt.Fprintf(w, "%s_bucket%s %d\n", name, lbl, h.count)
		}
		fmt.Fprintf(w, "%s_sum%s %g\n", name, labels, h.sum)
		fmt.Fprintf(w, "%s_count%s %d\n", name, labels, h.count)
	}
}

// formatLabelsWithLe formats labels with an additional "le" label for histogram buckets.
func formatLabelsWithLe(labels map[string]string, le string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	fmt.Fprintf(&b, ",le=%q", le)
	b.WriteByte('}')
	return b.String()
}

// writeGaugeVec writes a labeled gauge vec in Prometheus text format.
func writeGaugeVec(w http.ResponseWriter, name, help string, gv *gaugeVec) {
	entries := gv.snapshot()
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	for _, e := range entries {
		fmt.Fprintf(w, "%s%s %g\n", name, formatLabels(e.labels), e.value)
	}
}
