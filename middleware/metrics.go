package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/bus"
)

// meterName is the instrumentation scope name for callflow metrics.
const meterName = "github.com/inimical023/callflow"

// Metrics returns middleware that records per-delivery metrics using the
// global OTel MeterProvider.
//
// Instruments:
//   - callflow.event.duration (Float64Histogram): handling time in seconds
//   - callflow.event.deliveries (Int64Counter): handled deliveries
//
// Both carry topic, event_type and status ("ok" or the error kind).
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram( //nolint:errcheck // noop fallback
		"callflow.event.duration",
		metric.WithDescription("Duration of event handling in seconds"),
		metric.WithUnit("s"),
	)
	deliveries, _ := meter.Int64Counter( //nolint:errcheck // noop fallback
		"callflow.event.deliveries",
		metric.WithDescription("Total number of handled deliveries"),
		metric.WithUnit("{delivery}"),
	)

	return func(ctx context.Context, d *bus.Delivery, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = string(callflow.KindOf(err))
		}

		attrs := metric.WithAttributes(
			attribute.String("topic", d.Topic),
			attribute.String("event_type", eventType(d)),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		deliveries.Add(ctx, 1, attrs)

		return err
	}
}
