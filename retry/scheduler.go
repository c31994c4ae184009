package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/ext"
)

// Failer parks a workflow in FAILED. The orchestrator implements it.
type Failer interface {
	Fail(ctx context.Context, correlationID string, cause error) error
}

// Scheduler applies the retry policy to failed deliveries.
type Scheduler struct {
	bus        bus.Bus
	dlq        *dlq.Service
	failer     Failer
	extensions *ext.Registry
	policy     Policy
	logger     *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPolicy sets the attempt budgets and backoff.
func WithPolicy(p Policy) Option { return func(s *Scheduler) { s.policy = p } }

// WithFailer sets the component that parks workflows in FAILED.
func WithFailer(f Failer) Option { return func(s *Scheduler) { s.failer = f } }

// WithExtensions sets the registry notified of retries, dead letters and
// alerts.
func WithExtensions(r *ext.Registry) Option { return func(s *Scheduler) { s.extensions = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// NewScheduler creates a Scheduler that redelivers through b and
// dead-letters through d.
func NewScheduler(b bus.Bus, d *dlq.Service, opts ...Option) *Scheduler {
	s := &Scheduler{
		bus:    b,
		dlq:    d,
		policy: DefaultPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.extensions == nil {
		s.extensions = ext.NewRegistry(s.logger)
	}
	return s
}

// SetFailer sets the Failer after construction, for components that need
// the scheduler to build themselves.
func (s *Scheduler) SetFailer(f Failer) { s.failer = f }

// Policy returns the active policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Wrap returns a handler that runs h and applies the policy to its error.
// Undecodable deliveries never reach h. The returned handler only fails
// when the outcome could not be recorded, leaving redelivery to the broker.
func (s *Scheduler) Wrap(h bus.Handler) bus.Handler {
	return func(ctx context.Context, d *bus.Delivery) error {
		if d.Envelope == nil {
			cause := d.DecodeErr
			if cause == nil {
				cause = callflow.ErrInvalidEnvelope
			}
			return s.Handle(ctx, d, callflow.Validation("decode", cause))
		}
		err := h(ctx, d)
		if err == nil {
			return nil
		}
		return s.Handle(ctx, d, err)
	}
}

// Handle applies the policy to a failed delivery.
func (s *Scheduler) Handle(ctx context.Context, d *bus.Delivery, err error) error {
	// Recording the outcome must survive a handler that ran out of time.
	ctx = context.WithoutCancel(ctx)

	switch callflow.KindOf(err) {
	case callflow.KindTransient:
		return s.retry(ctx, d, err)

	case callflow.KindValidation:
		s.logger.Warn("invalid delivery, dead-lettering",
			s.attrs(d, err)...,
		)
		_, dlqErr := s.deadLetter(ctx, d, err)
		return dlqErr

	case callflow.KindBusinessRule:
		s.logger.Warn("business rule violated, failing workflow",
			s.attrs(d, err)...,
		)
		s.fail(ctx, d, err)
		_, dlqErr := s.deadLetter(ctx, d, err)
		return dlqErr

	default:
		s.logger.Error("fatal delivery failure",
			append(s.attrs(d, err),
				slog.Any("history", d.History),
				slog.Bool("redelivered", d.Redelivered),
			)...,
		)
		s.fail(ctx, d, err)
		entry, dlqErr := s.deadLetter(ctx, d, err)
		s.alert(ctx, d, err, entry)
		return dlqErr
	}
}

func (s *Scheduler) retry(ctx context.Context, d *bus.Delivery, err error) error {
	budget := s.budget(d)
	if d.Attempt >= budget {
		return s.exhaust(ctx, d, err, budget)
	}

	delay := s.policy.Delay(d.Attempt)
	next := *d
	next.History = append(append([]string(nil), d.History...), err.Error())

	if rerr := s.bus.Retry(ctx, &next, delay); rerr != nil {
		s.logger.Warn("scheduling retry failed, leaving redelivery to the broker",
			append(s.attrs(d, err), slog.String("retry_error", rerr.Error()))...,
		)
		return fmt.Errorf("retry: schedule %s: %w", d.EventID(), rerr)
	}

	s.extensions.EmitEventRetrying(ctx, d, err, delay)
	s.logger.Info("delivery scheduled for retry",
		slog.String("topic", d.Topic),
		slog.String("event_id", d.EventID()),
		slog.String("correlation_id", correlationOf(d)),
		slog.Int("attempt", d.Attempt),
		slog.Int("max_attempts", budget),
		slog.Duration("delay", delay),
	)
	return nil
}

func (s *Scheduler) exhaust(ctx context.Context, d *bus.Delivery, err error, budget int) error {
	cause := fmt.Errorf("%w (%d/%d): %w", callflow.ErrMaxRetriesExceeded, d.Attempt, budget, err)
	s.logger.Warn("retry budget exhausted",
		s.attrs(d, err)...,
	)
	s.fail(ctx, d, cause)
	entry, dlqErr := s.deadLetter(ctx, d, cause)
	s.alert(ctx, d, cause, entry)
	return dlqErr
}

func (s *Scheduler) deadLetter(ctx context.Context, d *bus.Delivery, err error) (*dlq.Entry, error) {
	if s.dlq == nil {
		return nil, errors.New("retry: no dead-letter service configured")
	}
	entry, dlqErr := s.dlq.Push(ctx, d, err)
	if dlqErr != nil {
		s.logger.Error("dead-letter push failed",
			append(s.attrs(d, err), slog.String("dlq_error", dlqErr.Error()))...,
		)
		return nil, dlqErr
	}
	s.extensions.EmitEventDeadLettered(ctx, entry)
	return entry, nil
}

func (s *Scheduler) fail(ctx context.Context, d *bus.Delivery, err error) {
	corr := correlationOf(d)
	if s.failer == nil || corr == "" {
		return
	}
	if ferr := s.failer.Fail(ctx, corr, err); ferr != nil {
		s.logger.Error("failing workflow failed",
			append(s.attrs(d, err), slog.String("fail_error", ferr.Error()))...,
		)
	}
}

func (s *Scheduler) alert(ctx context.Context, d *bus.Delivery, err error, entry *dlq.Entry) {
	a := ext.Alert{
		CorrelationID: correlationOf(d),
		EventID:       d.EventID(),
		Kind:          string(callflow.KindOf(err)),
		Reason:        err.Error(),
		At:            time.Now().UTC(),
	}
	if entry != nil {
		a.Reason = entry.Reason
	}
	s.extensions.EmitAlert(ctx, a)
}

func (s *Scheduler) budget(d *bus.Delivery) int {
	if d.Envelope == nil {
		return 1
	}
	return s.policy.MaxFor(d.Envelope.Type)
}

func (s *Scheduler) attrs(d *bus.Delivery, err error) []any {
	return []any{
		slog.String("topic", d.Topic),
		slog.String("group", d.Group),
		slog.String("event_id", d.EventID()),
		slog.String("correlation_id", correlationOf(d)),
		slog.Int("attempt", d.Attempt),
		slog.String("kind", string(callflow.KindOf(err))),
		slog.String("error", err.Error()),
	}
}

func correlationOf(d *bus.Delivery) string {
	if d.Envelope == nil {
		return ""
	}
	return d.Envelope.CorrelationID
}
