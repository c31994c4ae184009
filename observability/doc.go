// Package observability provides OpenTelemetry-based metrics for callflow
// and the OTLP provider setup used by the service binary. The
// MetricsExtension implements lifecycle hooks to record system-wide
// counters for workflow starts, completions and failures, delivery
// retries, dead letters and alerts.
//
// For per-delivery tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
