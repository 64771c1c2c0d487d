package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Upload path metrics
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_uploads_total",
			Help: "Total number of uploads by outcome",
		},
		[]string{"outcome"},
	)

	UploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_upload_bytes_total",
			Help: "Total bytes accepted by the upload path",
		},
	)

	// Finalize metrics
	FinalizeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_finalize_total",
			Help: "Total number of finalize transactions by terminal status",
		},
		[]string{"status"},
	)

	FinalizePhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_finalize_phase_duration_seconds",
			Help:    "Duration of finalize phases in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"phase"},
	)

	// Capacity monitor metrics
	CapacityPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_capacity_polls_total",
			Help: "Total number of capacity polls by outcome",
		},
		[]string{"outcome"},
	)

	ElementAvailableBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strata_element_available_bytes",
			Help: "Available bytes per storage element",
		},
		[]string{"element_id", "mode"},
	)

	CapacityLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_capacity_is_leader",
			Help: "Whether this instance holds the capacity leader lease (1 = leader)",
		},
	)

	// Selector metrics
	SelectorFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_selector_fallbacks_total",
			Help: "Total selector fallbacks by source (admin, static)",
		},
		[]string{"source"},
	)

	SelectorRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_selector_retries_total",
			Help: "Total uploads retried on another element after a 507",
		},
	)

	// Query metrics
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_downloads_total",
			Help: "Total downloads by kind (full, range)",
		},
		[]string{"kind"},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_cache_lookups_total",
			Help: "Metadata cache lookups by level and outcome",
		},
		[]string{"level", "outcome"},
	)

	EventsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_events_applied_total",
			Help: "File lifecycle events applied to the query cache by type",
		},
		[]string{"type"},
	)

	// GC metrics
	GCProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_gc_processed_total",
			Help: "Cleanup queue entries processed by outcome",
		},
		[]string{"outcome"},
	)

	// Auth metrics
	TokenGrantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_token_grants_total",
			Help: "Token grants by grant type and outcome",
		},
		[]string{"grant", "outcome"},
	)

	AccountLockoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_account_lockouts_total",
			Help: "Total admin account lockouts",
		},
	)

	// Key rotation metrics
	KeyRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_key_rotations_total",
			Help: "Key rotation runs by outcome (rotated, skipped, failed)",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		UploadsTotal,
		UploadBytes,
		FinalizeTotal,
		FinalizePhaseDuration,
		CapacityPollsTotal,
		ElementAvailableBytes,
		CapacityLeader,
		SelectorFallbacksTotal,
		SelectorRetriesTotal,
		DownloadsTotal,
		CacheLookupsTotal,
		EventsAppliedTotal,
		GCProcessedTotal,
		TokenGrantsTotal,
		AccountLockoutsTotal,
		KeyRotationsTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
