package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tenant metrics
	TenantsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebac_tenants_active",
			Help: "Number of tenant actors currently loaded in memory",
		},
	)

	TenantEntitiesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebac_tenant_entities_total",
			Help: "Number of entities per tenant",
		},
		[]string{"tenant"},
	)

	TenantEdgesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebac_tenant_edges_total",
			Help: "Number of edges per tenant, revoked edges included",
		},
		[]string{"tenant"},
	)

	TenantVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebac_tenant_version",
			Help: "Current committed mutation version per tenant",
		},
		[]string{"tenant"},
	)

	TenantSnapshotVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebac_tenant_snapshot_version",
			Help: "Version of the last durable snapshot per tenant",
		},
		[]string{"tenant"},
	)

	// Sync hub metrics
	ConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebac_connections_active",
			Help: "Number of live WebSocket connections per tenant",
		},
		[]string{"tenant"},
	)

	ConnectionsEvictedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebac_connections_evicted_total",
			Help: "Total number of connections evicted, by reason",
		},
		[]string{"tenant", "reason"},
	)

	FullResyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebac_full_resyncs_total",
			Help: "Total number of full resyncs requested",
		},
		[]string{"tenant"},
	)

	// Query metrics
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rebac_query_duration_seconds",
			Help:    "Duration of graph queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant", "query"},
	)

	QueryCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebac_query_cache_hits_total",
			Help: "Total number of query cache hits",
		},
		[]string{"tenant"},
	)

	QueryCacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebac_query_cache_misses_total",
			Help: "Total number of query cache misses",
		},
		[]string{"tenant"},
	)

	// Ledger metrics
	MutationsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebac_mutations_applied_total",
			Help: "Total number of mutations applied, by kind",
		},
		[]string{"tenant", "kind"},
	)

	LedgerApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rebac_ledger_apply_duration_seconds",
			Help:    "Time taken to apply a mutation log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rebac_snapshot_duration_seconds",
			Help:    "Time taken to write a tabular snapshot to object storage",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Proof validation metrics
	ProofValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebac_proof_validations_total",
			Help: "Total number of edge-path proof validations, by result",
		},
		[]string{"tenant", "result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebac_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rebac_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(TenantsActive)
	prometheus.MustRegister(TenantEntitiesTotal)
	prometheus.MustRegister(TenantEdgesTotal)
	prometheus.MustRegister(TenantVersion)
	prometheus.MustRegister(TenantSnapshotVersion)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(ConnectionsEvictedTotal)
	prometheus.MustRegister(FullResyncsTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryCacheHitsTotal)
	prometheus.MustRegister(QueryCacheMissesTotal)
	prometheus.MustRegister(MutationsAppliedTotal)
	prometheus.MustRegister(LedgerApplyDuration)
	prometheus.MustRegister(SnapshotDuration)
	prometheus.MustRegister(ProofValidationsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
