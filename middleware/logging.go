package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/bus"
)

// Logging returns middleware that logs delivery start and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, d *bus.Delivery, next Handler) error {
		logger.Debug("delivery started",
			slog.String("topic", d.Topic),
			slog.String("group", d.Group),
			slog.String("event_id", d.EventID()),
			slog.String("correlation_id", correlationID(d)),
			slog.Int("attempt", d.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("delivery failed",
				slog.String("topic", d.Topic),
				slog.String("event_id", d.EventID()),
				slog.String("correlation_id", correlationID(d)),
				slog.Int("attempt", d.Attempt),
				slog.String("kind", string(callflow.KindOf(err))),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("delivery handled",
				slog.String("topic", d.Topic),
				slog.String("event_id", d.EventID()),
				slog.String("correlation_id", correlationID(d)),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
