package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keygate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// User quota metrics
	QuotaChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_quota_checks_total",
			Help: "Total number of premium quota checks",
		},
		[]string{"outcome"},
	)

	QuotaDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_quota_denials_total",
			Help: "Total number of denied premium requests",
		},
		[]string{"reason"},
	)

	TierUpgradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_tier_upgrades_total",
			Help: "Total number of tier changes applied",
		},
		[]string{"tier"},
	)

	// Key pool metrics
	KeySelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_key_selections_total",
			Help: "Total number of provider key selections",
		},
		[]string{"provider"},
	)

	KeySelectionSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_key_selection_skips_total",
			Help: "Eligible keys skipped during selection",
		},
		[]string{"provider", "reason"},
	)

	KeyRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_key_rotations_total",
			Help: "Total number of key rotations",
		},
		[]string{"provider", "reason"},
	)

	KeyPoolExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_key_pool_exhausted_total",
			Help: "Selections that found no eligible key after a reset pass",
		},
		[]string{"provider"},
	)

	// Usage ledger metrics
	UsageRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_usage_records_total",
			Help: "Total number of usage records written",
		},
		[]string{"status"},
	)

	UsageRecordFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keygate_usage_record_failures_total",
			Help: "Usage records that could not be persisted and were escalated",
		},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keygate_upstream_latency_seconds",
			Help:    "Latency of upstream provider calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"provider"},
	)

	// Alerting metrics
	AlertsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_alerts_published_total",
			Help: "Operational alerts published to the queue",
		},
		[]string{"type"},
	)

	// Sweep metrics
	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_sweep_runs_total",
			Help: "Scheduled quota reset sweeps",
		},
		[]string{"status"},
	)

	SweepResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_sweep_resets_total",
			Help: "Counters reset by the scheduled sweep",
		},
		[]string{"kind"},
	)
)

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordQuotaCheck records the outcome of a premium quota check
func RecordQuotaCheck(outcome string) {
	QuotaChecksTotal.WithLabelValues(outcome).Inc()
}

// RecordQuotaDenial records a denied premium request
func RecordQuotaDenial(reason string) {
	QuotaDenialsTotal.WithLabelValues(reason).Inc()
}

// RecordUsage records a ledger write and the upstream latency behind it
func RecordUsage(provider, status string, latencySeconds float64) {
	UsageRecordsTotal.WithLabelValues(status).Inc()
	UpstreamLatency.WithLabelValues(provider).Observe(latencySeconds)
}
