package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/id"
	"github.com/inimical023/callflow/workflow"
)

// Service implements the admin operations.
type Service struct {
	store  workflow.Store
	dlq    *dlq.Service
	bus    bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(store workflow.Store, dlqSvc *dlq.Service, b bus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, dlq: dlqSvc, bus: b, logger: logger, now: time.Now}
}

// ListWorkflows returns workflows matching opts, newest first.
func (s *Service) ListWorkflows(ctx context.Context, opts workflow.ListOpts) ([]*workflow.State, error) {
	if opts.Stage != "" && !opts.Stage.Valid() {
		return nil, callflow.Validation("admin.list", fmt.Errorf("unknown stage %q", opts.Stage))
	}
	return s.store.ListStates(ctx, opts)
}

// GetWorkflow returns one workflow.
func (s *Service) GetWorkflow(ctx context.Context, correlationID string) (*workflow.State, error) {
	return s.store.GetState(ctx, correlationID)
}

// Stats summarizes workflow and dead-letter counts.
type Stats struct {
	Stages     map[workflow.Stage]int64 `json:"stages"`
	Total      int64                    `json:"total"`
	DeadLetter int64                    `json:"dead_letters"`
}

// Stats returns the number of workflows per stage. Every stage is present.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.store.CountStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("admin: count states: %w", err)
	}
	out := &Stats{Stages: make(map[workflow.Stage]int64, len(workflow.Stages()))}
	for _, st := range workflow.Stages() {
		out.Stages[st] = counts[st]
		out.Total += counts[st]
	}
	if s.dlq != nil {
		n, err := s.dlq.Store().CountDLQ(ctx)
		if err != nil {
			return nil, fmt.Errorf("admin: count dlq: %w", err)
		}
		out.DeadLetter = n
	}
	return out, nil
}

// Retry asks the orchestrator to reopen a FAILED workflow. It rejects
// workflows that are not failed or were cancelled.
func (s *Service) Retry(ctx context.Context, correlationID, requestedBy, reason string) (*envelope.Envelope, error) {
	st, err := s.store.GetState(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if st.Stage != workflow.StageFailed {
		return nil, fmt.Errorf("%w: workflow %s is %s", callflow.ErrNotRetryable, correlationID, st.Stage)
	}
	if st.Cancelled {
		return nil, fmt.Errorf("%w: workflow %s was cancelled", callflow.ErrNotRetryable, correlationID)
	}
	return s.command(ctx, envelope.TypeRetryRequested, correlationID, requestedBy, reason)
}

// Cancel asks the orchestrator to stop a workflow. Terminal workflows are
// rejected.
func (s *Service) Cancel(ctx context.Context, correlationID, requestedBy, reason string) (*envelope.Envelope, error) {
	st, err := s.store.GetState(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if st.Stage.Terminal() {
		return nil, fmt.Errorf("%w: workflow %s is already %s", callflow.ErrInvalidState, correlationID, st.Stage)
	}
	return s.command(ctx, envelope.TypeCancelRequested, correlationID, requestedBy, reason)
}

func (s *Service) command(ctx context.Context, t envelope.Type, correlationID, requestedBy, reason string) (*envelope.Envelope, error) {
	env, err := envelope.New(t, correlationID, envelope.Command{Reason: reason, RequestedBy: requestedBy})
	if err != nil {
		return nil, err
	}
	if err := s.bus.Publish(ctx, t.Topic(), env); err != nil {
		return nil, fmt.Errorf("admin: publish %s: %w", t, err)
	}
	s.logger.Info("admin command published",
		slog.String("type", string(t)),
		slog.String("correlation_id", correlationID),
		slog.String("event_id", env.EventID),
		slog.String("requested_by", requestedBy),
	)
	return env, nil
}

// ListDeadLetters returns dead-letter entries, newest first.
func (s *Service) ListDeadLetters(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	if s.dlq == nil {
		return nil, errNoDLQ
	}
	return s.dlq.Store().ListDLQ(ctx, opts)
}

// GetDeadLetter returns one dead-letter entry.
func (s *Service) GetDeadLetter(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	if s.dlq == nil {
		return nil, errNoDLQ
	}
	return s.dlq.Store().GetDLQ(ctx, entryID)
}

// ReplayDeadLetter re-publishes a dead-lettered envelope.
func (s *Service) ReplayDeadLetter(ctx context.Context, entryID id.DLQID) (*envelope.Envelope, error) {
	if s.dlq == nil {
		return nil, errNoDLQ
	}
	env, err := s.dlq.Replay(ctx, entryID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("dead letter replayed",
		slog.String("entry_id", entryID.String()),
		slog.String("event_id", env.EventID),
	)
	return env, nil
}

// PurgeDeadLetters removes entries older than age.
func (s *Service) PurgeDeadLetters(ctx context.Context, age time.Duration) (int64, error) {
	if s.dlq == nil {
		return 0, errNoDLQ
	}
	return s.dlq.Store().PurgeDLQ(ctx, s.now().UTC().Add(-age))
}

var errNoDLQ = errors.New("admin: no dead-letter service configured")
