package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/callsource"
	"github.com/inimical023/callflow/crm"
	"github.com/inimical023/callflow/dedup"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/ext"
	"github.com/inimical023/callflow/recording"
	"github.com/inimical023/callflow/retry"
	"github.com/inimical023/callflow/worker"
	"github.com/inimical023/callflow/workflow"
)

var _ retry.Failer = (*Orchestrator)(nil)

// errSkip aborts a state mutation without writing.
var errSkip = errors.New("orchestrator: skip")

// maxSteps bounds how many stages one delivery may advance through.
const maxSteps = 8

// Orchestrator is the workflow state machine.
type Orchestrator struct {
	store      workflow.Store
	bus        bus.Bus
	dedup      *dedup.Service
	crm        crm.Client
	source     callsource.Source
	recordings recording.Store
	guard      *worker.Guard
	extensions *ext.Registry
	logger     *slog.Logger
	now        func() time.Time

	casAttempts int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithExtensions sets the registry notified of lifecycle events.
func WithExtensions(r *ext.Registry) Option { return func(o *Orchestrator) { o.extensions = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithClock overrides the clock used for state timestamps.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithGuard shares a local in-flight guard.
func WithGuard(g *worker.Guard) Option { return func(o *Orchestrator) { o.guard = g } }

// WithCASAttempts sets how many times a conflicting state write is
// re-read and retried before giving up with a transient error.
func WithCASAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.casAttempts = n
		}
	}
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Store      workflow.Store
	Bus        bus.Bus
	Dedup      *dedup.Service
	CRM        crm.Client
	Source     callsource.Source
	Recordings recording.Store
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       deps.Store,
		bus:         deps.Bus,
		dedup:       deps.Dedup,
		crm:         deps.CRM,
		source:      deps.Source,
		recordings:  deps.Recordings,
		guard:       worker.NewGuard(),
		logger:      slog.Default(),
		now:         time.Now,
		casAttempts: 8,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.extensions == nil {
		o.extensions = ext.NewRegistry(o.logger)
	}
	return o
}

// Topics returns the topics the orchestrator consumes.
func Topics() []string {
	return []string{
		envelope.TypeCallLogged.Topic(),
		envelope.TypeLeadCreated.Topic(),
		envelope.TypeLeadUpdated.Topic(),
		envelope.TypeRecordingAttached.Topic(),
		envelope.TypeCancelRequested.Topic(),
		envelope.TypeRetryRequested.Topic(),
	}
}

// Handle is the bus handler for every consumed topic.
func (o *Orchestrator) Handle(ctx context.Context, d *bus.Delivery) error {
	env := d.Envelope
	if env == nil {
		return callflow.Validation("orchestrator.handle", callflow.ErrInvalidEnvelope)
	}
	if !o.guard.Acquire(env.EventID) {
		return callflow.Transient("orchestrator.handle", fmt.Errorf("%s: %w", env.EventID, callflow.ErrInFlight))
	}
	defer o.guard.Release(env.EventID)

	switch env.Type {
	case envelope.TypeCallLogged:
		return o.onCallLogged(ctx, env)
	case envelope.TypeLeadCreated, envelope.TypeLeadUpdated:
		return o.onLeadReady(ctx, env)
	case envelope.TypeRecordingAttached:
		return o.onRecordingAttached(ctx, env)
	case envelope.TypeCancelRequested:
		return o.onCancel(ctx, env)
	case envelope.TypeRetryRequested:
		return o.onRetry(ctx, env)
	default:
		o.logger.Debug("ignoring event", slog.String("type", string(env.Type)), slog.String("event_id", env.EventID))
		return nil
	}
}

// ──────────────────────────────────────────────────
// State helpers
// ──────────────────────────────────────────────────

func (o *Orchestrator) clock() time.Time { return o.now().UTC() }

// mutate loads the workflow, applies fn to a copy and writes it back
// conditioned on the loaded version, re-reading on conflict. fn returning
// errSkip leaves the state untouched; the current state is returned with
// errSkip.
func (o *Orchestrator) mutate(ctx context.Context, corr string, fn func(st *workflow.State) error) (*workflow.State, error) {
	var err error
	for range o.casAttempts {
		var st *workflow.State
		st, err = o.store.GetState(ctx, corr)
		if err != nil {
			return nil, err
		}
		next := st.Clone()
		if ferr := fn(next); ferr != nil {
			return st, ferr
		}
		err = o.store.UpdateState(ctx, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, callflow.ErrVersionConflict) {
			return nil, err
		}
		o.logger.Debug("workflow version conflict, re-reading",
			slog.String("correlation_id", corr),
			slog.String("error", err.Error()),
		)
	}
	return nil, callflow.Transient("orchestrator.mutate", err)
}

// advance moves the workflow from one stage to another. It skips when the
// workflow is no longer at from.
func (o *Orchestrator) advance(ctx context.Context, corr string, from, to workflow.Stage, fn func(st *workflow.State)) (*workflow.State, error) {
	st, err := o.mutate(ctx, corr, func(st *workflow.State) error {
		if st.Stage != from {
			return errSkip
		}
		if fn != nil {
			fn(st)
		}
		return st.Advance(to, o.clock())
	})
	if err != nil {
		return st, err
	}
	o.logger.Info("workflow stage changed",
		slog.String("correlation_id", corr),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	o.extensions.EmitStageChanged(ctx, st, from)
	if to == workflow.StageCompleted {
		o.extensions.EmitWorkflowCompleted(ctx, st, st.UpdatedAt.Sub(st.CreatedAt))
	}
	return st, nil
}

// claim makes eventID the owner of the step at the current stage. It
// reports false when another event already owns it.
func (o *Orchestrator) claim(ctx context.Context, st *workflow.State, env *envelope.Envelope) (*workflow.State, bool, error) {
	switch st.ClaimEventID {
	case env.EventID:
		return st, true, nil
	case "":
	default:
		return st, false, nil
	}
	stage := st.Stage
	next, err := o.mutate(ctx, st.CorrelationID, func(s *workflow.State) error {
		if s.Stage != stage || (s.ClaimEventID != "" && s.ClaimEventID != env.EventID) {
			return errSkip
		}
		s.ClaimEventID = env.EventID
		s.Trigger = env.Clone()
		s.UpdatedAt = o.clock()
		return nil
	})
	if errors.Is(err, errSkip) {
		return next, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return next, true, nil
}

// recordFailure counts a failed attempt at stage. Lost races are ignored.
func (o *Orchestrator) recordFailure(ctx context.Context, corr string, stage workflow.Stage, cause error) {
	if errors.Is(cause, callflow.ErrInFlight) {
		return
	}
	_, err := o.mutate(context.WithoutCancel(ctx), corr, func(st *workflow.State) error {
		if st.Stage != stage {
			return errSkip
		}
		st.RecordFailure(cause, o.clock())
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		o.logger.Warn("recording workflow failure failed",
			slog.String("correlation_id", corr),
			slog.String("error", err.Error()),
		)
	}
}

// stepFailed records cause against the stage and returns it for the
// retry scheduler.
func (o *Orchestrator) stepFailed(ctx context.Context, st *workflow.State, cause error) error {
	o.recordFailure(ctx, st.CorrelationID, st.Stage, cause)
	o.logger.Warn("workflow step failed",
		slog.String("correlation_id", st.CorrelationID),
		slog.String("stage", string(st.Stage)),
		slog.String("kind", string(callflow.KindOf(cause))),
		slog.String("error", cause.Error()),
	)
	return cause
}

func (o *Orchestrator) publish(ctx context.Context, env *envelope.Envelope) error {
	if err := o.bus.Publish(ctx, env.Type.Topic(), env); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}

// applyFailed classifies a failed state write that follows a completed
// command. Unclassified errors become transient: the redelivery replays
// the stored outcome instead of repeating the command.
func applyFailed(op string, err error) error {
	var ce *callflow.Error
	if errors.As(err, &ce) {
		return err
	}
	return callflow.Transient(op, err)
}

// outOfOrder reports an event that arrived before the workflow reached
// the stage it follows.
func outOfOrder(env *envelope.Envelope, st *workflow.State) error {
	stage := "missing"
	if st != nil {
		stage = string(st.Stage)
	}
	return callflow.Transient("orchestrator."+string(env.Type),
		fmt.Errorf("%w: %s for %s at %s", callflow.ErrOutOfOrder, env.Type, env.CorrelationID, stage))
}
