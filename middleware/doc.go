// Package middleware provides composable middleware for event deliveries.
//
// A [Middleware] wraps the handling of one bus delivery. Middleware are
// composed with [Chain] and attached to a bus handler with [Wrap]. The
// first middleware in the list is the outermost wrapper.
//
//	// recover → logging → timeout → handler
//	h := middleware.Wrap(handle,
//	    middleware.Recover(logger),
//	    middleware.Logging(logger),
//	    middleware.Timeout(30*time.Second),
//	)
//
// # Built-in Middleware
//
//   - [Logging] logs topic, event id, attempt, duration and outcome
//   - [Recover] turns panics into fatal errors
//   - [Timeout] bounds the total time spent on one delivery
//   - [Tracing] wraps handling in an OpenTelemetry span
//   - [Metrics] records per-topic duration and outcome counters
//   - [Correlation] puts the correlation id into the context
//
// Middleware must call next unless it intentionally short-circuits.
package middleware
