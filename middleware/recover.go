package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/bus"
)

// Recover returns middleware that recovers from panics in the handler
// chain. A panic becomes a fatal error and is logged with its stack.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, d *bus.Delivery, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("delivery handler panicked",
					slog.String("topic", d.Topic),
					slog.String("event_id", d.EventID()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = callflow.Fatal("handler", fmt.Errorf("panic handling %s: %v", d.EventID(), r))
			}
		}()
		return next(ctx)
	}
}
