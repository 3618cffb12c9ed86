// Package otel binds session store metrics to an OpenTelemetry Meter.
//
// [NewOTelExporter] registers a small set of observable instruments and one
// callback that reads [redisession.Handler.MetricsSnapshot] on each
// collection:
//
//   - redisession.lock.outcomes, split by the outcome attribute
//   - redisession.session.writes, split by the result attribute
//   - redisession.lock.wait.buckets, cumulative counts split by le in seconds
//   - redisession.audit.dropped, split by event_type
//
// Destroys, codec fallbacks, decode failures and connectivity errors are
// plain counters. The lock wait instruments are only observed when the
// handler tracks latency.
//
// # What this package must NOT do
//
//   - Own the MeterProvider.
//   - Mutate handler state.
package otel
