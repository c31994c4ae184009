package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/inimical023/callflow"
	mw "github.com/inimical023/callflow/middleware"
)

// traced runs one delivery through the tracing middleware and returns the
// single span it ended plus the span context seen inside the handler.
func traced(t *testing.T, result error) (sdktrace.ReadOnlySpan, trace.SpanContext) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")

	var inner trace.SpanContext
	err := mw.TracingWithTracer(tracer)(context.Background(), newDelivery(t), func(ctx context.Context) error {
		inner = trace.SpanContextFromContext(ctx)
		return result
	})
	if !errors.Is(err, result) {
		t.Fatalf("middleware error = %v, want %v", err, result)
	}
	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	return ended[0], inner
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[string]string {
	out := map[string]string{}
	for _, kv := range span.Attributes() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestTracing_ConsumerSpan(t *testing.T) {
	span, inner := traced(t, nil)

	if span.Name() != "callflow.event.handle" {
		t.Errorf("Name = %q, want callflow.event.handle", span.Name())
	}
	if span.SpanKind() != trace.SpanKindConsumer {
		t.Errorf("SpanKind = %v, want consumer", span.SpanKind())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("Status = %v, want Ok", span.Status().Code)
	}
	if inner.SpanID() != span.SpanContext().SpanID() {
		t.Error("handler context does not carry the delivery span")
	}

	attrs := spanAttrs(span)
	for k, want := range map[string]string{
		"callflow.event.type":     "call_logged",
		"callflow.correlation_id": "call-c1",
		"callflow.topic":          "call_logged",
		"callflow.group":          "orchestrator",
		"callflow.attempt":        "2",
	} {
		if attrs[k] != want {
			t.Errorf("%s = %q, want %q", k, attrs[k], want)
		}
	}
	if attrs["callflow.event.id"] == "" {
		t.Error("callflow.event.id missing")
	}
	if _, ok := attrs["callflow.error.kind"]; ok {
		t.Error("error kind set on a successful delivery")
	}
}

func TestTracing_FailedDelivery(t *testing.T) {
	span, _ := traced(t, callflow.Validation("decode", errors.New("missing call id")))

	if span.Status().Code != codes.Error {
		t.Errorf("Status = %v, want Error", span.Status().Code)
	}
	if got := spanAttrs(span)["callflow.error.kind"]; got != "validation" {
		t.Errorf("callflow.error.kind = %q, want validation", got)
	}
	events := span.Events()
	if len(events) == 0 || events[0].Name != "exception" {
		t.Errorf("events = %v, want an exception event", events)
	}
}

func TestTracing_GlobalProvider(t *testing.T) {
	called := false
	err := mw.Tracing()(context.Background(), newDelivery(t), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("called = %v, err = %v", called, err)
	}
}
