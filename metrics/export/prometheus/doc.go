// Package prometheus exposes session store metrics to Prometheus.
//
// [PrometheusExporter] is a prometheus.Collector over
// [redisession.Handler.MetricsSnapshot]. Register it with any registry, or
// mount [PrometheusExporter.Handler], which serves it from a private one.
// Counter names are prefixed redisession_*_total; the single histogram is
// redisession_lock_wait_seconds.
//
// # What this package must NOT do
//
//   - Register with the global Prometheus registry.
//   - Mutate handler state.
package prometheus
