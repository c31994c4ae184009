package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/bus"
)

// Timeout returns middleware that bounds the total time spent on one
// delivery. A handler that overruns its budget fails with a transient
// error so the delivery is retried. A non-positive d disables the bound.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, dl *bus.Delivery, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		err := next(ctx)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && callflow.KindOf(err) != callflow.KindTransient {
			return callflow.Transient("handler", fmt.Errorf("%s exceeded %s: %w", dl.EventID(), d, err))
		}
		return err
	}
}
