package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/bus"
)

// tracerName is the instrumentation scope name for callflow tracing.
const tracerName = "github.com/inimical023/callflow"

// Tracing returns middleware that wraps delivery handling in an
// OpenTelemetry span. Without a global TracerProvider the noop tracer is
// used and this middleware is a pass-through.
//
// Span attributes: callflow.event.id, callflow.event.type,
// callflow.correlation_id, callflow.topic, callflow.group,
// callflow.attempt. On error the span status is codes.Error and
// callflow.error.kind is set.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, d *bus.Delivery, next Handler) error {
		ctx, span := tracer.Start(ctx, "callflow.event.handle",
			trace.WithAttributes(
				attribute.String("callflow.event.id", d.EventID()),
				attribute.String("callflow.event.type", eventType(d)),
				attribute.String("callflow.correlation_id", correlationID(d)),
				attribute.String("callflow.topic", d.Topic),
				attribute.String("callflow.group", d.Group),
				attribute.Int("callflow.attempt", d.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("callflow.error.kind", string(callflow.KindOf(err))))
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
