package middleware

import (
	"context"

	"github.com/inimical023/callflow/bus"
)

type correlationKey struct{}

// Correlation returns middleware that stores the delivery's correlation id
// in the context.
func Correlation() Middleware {
	return func(ctx context.Context, d *bus.Delivery, next Handler) error {
		if corr := correlationID(d); corr != "" {
			ctx = context.WithValue(ctx, correlationKey{}, corr)
		}
		return next(ctx)
	}
}

// CorrelationFrom returns the correlation id stored by Correlation.
func CorrelationFrom(ctx context.Context) (string, bool) {
	corr, ok := ctx.Value(correlationKey{}).(string)
	return corr, ok
}
