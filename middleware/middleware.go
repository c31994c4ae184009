package middleware

import (
	"context"

	"github.com/inimical023/callflow/bus"
)

// Handler is the terminal function that handles a delivery.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// delivery being handled and the next handler to call.
type Middleware func(ctx context.Context, d *bus.Delivery, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Chain(a, b) executes as a → b → handler.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, d *bus.Delivery, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			inner := h
			h = func(ctx context.Context) error {
				return mw(ctx, d, inner)
			}
		}
		return h(ctx)
	}
}

// Wrap returns a bus handler that runs h behind mws.
func Wrap(h bus.Handler, mws ...Middleware) bus.Handler {
	chain := Chain(mws...)
	return func(ctx context.Context, d *bus.Delivery) error {
		return chain(ctx, d, func(ctx context.Context) error {
			return h(ctx, d)
		})
	}
}

func eventType(d *bus.Delivery) string {
	if d.Envelope == nil {
		return ""
	}
	return string(d.Envelope.Type)
}

func correlationID(d *bus.Delivery) string {
	if d.Envelope == nil {
		return ""
	}
	return d.Envelope.CorrelationID
}
