/*
Package metrics defines and registers the Prometheus metrics exposed by the
ReBAC core, and a small Timer helper for recording durations.

Metrics are grouped by concern:

  - Tenant gauges (rebac_tenants_active, rebac_tenant_entities_total,
    rebac_tenant_edges_total, rebac_tenant_version, rebac_tenant_snapshot_version)
    are sampled periodically by Collector from the tenant actor registry.
  - Sync Hub metrics (rebac_connections_active, rebac_connections_evicted_total,
    rebac_full_resyncs_total) are updated inline by pkg/synchub.
  - Query cache metrics (rebac_query_cache_hits_total,
    rebac_query_cache_misses_total) are updated inline by pkg/graph;
    rebac_query_duration_seconds is observed by pkg/validate for proof
    validation.
  - Ledger metrics (rebac_mutations_applied_total, rebac_ledger_apply_duration_seconds,
    rebac_snapshot_duration_seconds) are updated inline by pkg/ledger.
  - Proof validation (rebac_proof_validations_total) is updated by pkg/validate.
  - API metrics: rebac_api_requests_total is incremented by pkg/httpapi for
    each error response; rebac_api_request_duration_seconds is registered
    but nothing observes it.

All metrics are registered at package init via MustRegister and are safe for
concurrent use. Handler() returns the promhttp handler for mounting at
/metrics.

	timer := metrics.NewTimer()
	allowed, err := idx.Can(ctx, subject, capability, object)
	timer.ObserveDurationVec(metrics.QueryDuration, tenant, "can")

Label cardinality is bounded by tenant count and a small closed set of
query/kind/result/route names; never label with entity, edge, or connection
IDs.
*/
package metrics
