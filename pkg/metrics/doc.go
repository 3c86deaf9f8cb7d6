/*
Package metrics exposes ketrew's Prometheus instrumentation: target counts
by state (TargetsTotal, refreshed periodically by Collector from the
store), engine tick latency (TickDuration, ClassificationDuration),
per-backend operation latency and error counts (BackendStartDuration,
BackendUpdateDuration, BackendErrorsTotal), API request counters, and
host session gauges. Handler() serves /metrics; HealthHandler/ReadyHandler
serve /health and /ready against the component registry in health.go.
*/
package metrics
