/*
Package metrics exposes the availability engine's counters over Prometheus.

Every gauge, counter, and histogram named in spec.md §6/§8 lives in
metrics.go; Handler() returns the scrape endpoint, wired into pkg/api at
/metrics. health.go tracks live per-subsystem checks registered by
pkg/engine (RegisterCheck), run fresh on every /health and /ready request,
independent of the Prometheus registry.
*/
package metrics
