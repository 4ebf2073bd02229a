/*
Package metrics defines and registers warrendb's Prometheus metrics.

Every core component records directly to this package's package-level
collectors rather than to a passed-in registry, matching the
global-collector pattern the rest of warrendb's ambient stack uses for
logging. Handler() exposes them for a "/metrics" endpoint; HealthChecker
(health.go) tracks a coarse up/down status per component for a "/health"
endpoint.

Naming follows the Prometheus convention <namespace>_<subsystem>_<unit>:

	warrendb_page_cache_hits_total / warrendb_page_cache_misses_total
	warrendb_wal_append_duration_seconds
	warrendb_txns_begun_total{level} / warrendb_txns_aborted_total{cause}
	warrendb_lock_wait_duration_seconds
	warrendb_bptree_splits_total
	warrendb_request_duration_seconds{kind}

Timer is a small helper for histogram observation:

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDuration(metrics.WALAppendDuration)
*/
package metrics
