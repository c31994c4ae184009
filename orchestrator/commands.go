package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/workflow"
)

// Fail parks the workflow in FAILED with cause. Finished or unknown
// workflows are left alone. It implements retry.Failer.
func (o *Orchestrator) Fail(ctx context.Context, correlationID string, cause error) error {
	return o.fail(ctx, correlationID, cause, false)
}

func (o *Orchestrator) fail(ctx context.Context, corr string, cause error, cancelled bool) error {
	var from workflow.Stage
	st, err := o.mutate(ctx, corr, func(st *workflow.State) error {
		if st.Stage.Terminal() {
			return errSkip
		}
		from = st.Stage
		st.Cancelled = cancelled
		return st.Fail(cause, o.clock())
	})
	switch {
	case errors.Is(err, errSkip), errors.Is(err, callflow.ErrWorkflowNotFound):
		return nil
	case err != nil:
		return err
	}

	o.logger.Warn("workflow failed",
		slog.String("correlation_id", corr),
		slog.String("failed_stage", string(st.FailedStage)),
		slog.String("kind", string(st.FailureKind)),
		slog.Bool("cancelled", cancelled),
		slog.String("error", st.LastError),
	)
	o.extensions.EmitStageChanged(ctx, st, from)
	o.extensions.EmitWorkflowFailed(ctx, st, cause)

	return o.announceFailure(ctx, st)
}

// announceFailure publishes workflow_failed and, when a lead exists, an
// error lead_processed for the notification service.
func (o *Orchestrator) announceFailure(ctx context.Context, st *workflow.State) error {
	seed := fmt.Sprintf("%s-failed", st.Seed())
	failed, err := envelope.Derive(envelope.TypeWorkflowFailed, st.CorrelationID, seed, envelope.WorkflowFailed{
		Stage:     string(st.FailedStage),
		Reason:    st.LastError,
		Kind:      string(st.FailureKind),
		Attempts:  st.Attempts,
		Cancelled: st.Cancelled,
	})
	if err != nil {
		return err
	}
	var errs []error
	errs = append(errs, o.publish(ctx, failed))

	if st.LeadID != "" {
		p := envelope.LeadProcessed{
			LeadID:  st.LeadID,
			Status:  envelope.ProcessedError,
			Message: st.LastError,
		}
		if st.Call != nil {
			p.CallStatus = st.Call.Status
		}
		processed, derr := envelope.Derive(envelope.TypeLeadProcessed, st.CorrelationID, seed, p)
		if derr != nil {
			return derr
		}
		errs = append(errs, o.publish(ctx, processed))
	}
	return errors.Join(errs...)
}

// onCancel moves a non-terminal workflow to FAILED as cancelled. Repeated
// cancels and cancels of finished workflows are no-ops.
func (o *Orchestrator) onCancel(ctx context.Context, env *envelope.Envelope) error {
	cmd, err := envelope.DecodePayload[envelope.Command](env)
	if err != nil {
		return err
	}
	reason := cmd.Reason
	if reason == "" {
		reason = "cancelled by operator"
	}
	if cmd.RequestedBy != "" {
		reason += " (" + cmd.RequestedBy + ")"
	}
	cause := callflow.BusinessRule("orchestrator.cancel", fmt.Errorf("%w: %s", callflow.ErrCancelled, reason))

	if _, err := o.store.GetState(ctx, env.CorrelationID); errors.Is(err, callflow.ErrWorkflowNotFound) {
		o.logger.Warn("cancel for unknown workflow", slog.String("correlation_id", env.CorrelationID))
		return nil
	}
	return o.fail(ctx, env.CorrelationID, cause, true)
}

// onRetry reopens a FAILED workflow at the stage it failed in and
// re-publishes the event that drove that stage.
func (o *Orchestrator) onRetry(ctx context.Context, env *envelope.Envelope) error {
	if _, err := envelope.DecodePayload[envelope.Command](env); err != nil {
		return err
	}

	st, err := o.mutate(ctx, env.CorrelationID, func(st *workflow.State) error {
		return st.Reopen(o.clock())
	})
	switch {
	case errors.Is(err, callflow.ErrWorkflowNotFound):
		o.logger.Warn("retry for unknown workflow", slog.String("correlation_id", env.CorrelationID))
		return nil
	case errors.Is(err, callflow.ErrNotRetryable):
		if !reopened(st) {
			o.logger.Warn("retry rejected",
				slog.String("correlation_id", env.CorrelationID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		// Reopened by an earlier delivery of this command whose
		// re-publish failed.
	case err != nil:
		return err
	default:
		o.logger.Info("workflow reopened",
			slog.String("correlation_id", st.CorrelationID),
			slog.String("stage", string(st.Stage)),
			slog.Int("generation", st.Generation),
		)
		o.extensions.EmitStageChanged(ctx, st, workflow.StageFailed)
	}

	return o.republishTrigger(ctx, st)
}

// reopened reports whether st was reopened and its step not yet claimed.
func reopened(st *workflow.State) bool {
	return st != nil && st.Generation > 0 && !st.Stage.Terminal() && st.ClaimEventID == ""
}

// republishTrigger re-sends the envelope that drove the reopened stage
// under an id derived from the new generation.
func (o *Orchestrator) republishTrigger(ctx context.Context, st *workflow.State) error {
	if st.Trigger == nil {
		return callflow.Fatal("orchestrator.retry",
			fmt.Errorf("%w: workflow %s has no trigger to replay", callflow.ErrInvalidState, st.CorrelationID))
	}
	t := st.Trigger
	env, err := envelope.Derive(t.Type, st.CorrelationID, "retry-"+st.Seed(), json.RawMessage(t.Payload))
	if err != nil {
		return err
	}
	return o.publish(ctx, env)
}
