package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/crm"
	"github.com/inimical023/callflow/dedup"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/workflow"
)

// leadOutcome is the result of the create/update-lead command.
type leadOutcome struct {
	LeadID string `json:"lead_id"`
	Action string `json:"action"`
}

func (o *Orchestrator) onCallLogged(ctx context.Context, env *envelope.Envelope) error {
	p, err := envelope.DecodePayload[envelope.CallLogged](env)
	if err != nil {
		return err
	}
	call := p.Call
	if call.CallID == "" {
		return callflow.Validation("orchestrator.call_logged",
			fmt.Errorf("%w: call_id is required", callflow.ErrInvalidEnvelope))
	}
	if call.Status != envelope.StatusAccepted && call.Status != envelope.StatusMissed {
		return callflow.Validation("orchestrator.call_logged",
			fmt.Errorf("%w: unsupported call status %q", callflow.ErrInvalidEnvelope, call.Status))
	}

	st, err := o.ensureState(ctx, env, &call)
	if err != nil {
		return err
	}

	for range maxSteps {
		switch st.Stage {
		case workflow.StageReceived:
			var owned bool
			st, owned, err = o.claim(ctx, st, env)
			if err != nil {
				return err
			}
			if !owned {
				return o.ackDuplicate(env, st)
			}
			st, err = o.advance(ctx, st.CorrelationID, workflow.StageReceived, workflow.StageLeadPending, nil)
			if err != nil && !errors.Is(err, errSkip) {
				return err
			}

		case workflow.StageLeadPending:
			var owned bool
			st, owned, err = o.claim(ctx, st, env)
			if err != nil {
				return err
			}
			if !owned {
				return o.ackDuplicate(env, st)
			}
			st, err = o.runLeadStep(ctx, st, env)
			if err != nil {
				return err
			}

		case workflow.StageLeadReady:
			if err := o.publishLeadEvent(ctx, st); err != nil {
				return o.stepFailed(ctx, st, err)
			}
			return nil

		default:
			// Already past the lead step, failed or cancelled.
			o.logger.Debug("call_logged for advanced workflow",
				slog.String("correlation_id", st.CorrelationID),
				slog.String("stage", string(st.Stage)),
			)
			return nil
		}
	}
	return nil
}

// ensureState returns the workflow for env, creating it at RECEIVED.
func (o *Orchestrator) ensureState(ctx context.Context, env *envelope.Envelope, call *envelope.CallRecord) (*workflow.State, error) {
	st, err := o.store.GetState(ctx, env.CorrelationID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, callflow.ErrWorkflowNotFound) {
		return nil, err
	}

	st = workflow.NewState(env.CorrelationID, call, env.Clone(), o.clock())
	if err := o.store.CreateState(ctx, st); err != nil {
		if errors.Is(err, callflow.ErrWorkflowExists) {
			return o.store.GetState(ctx, env.CorrelationID)
		}
		return nil, err
	}
	o.logger.Info("workflow started",
		slog.String("correlation_id", st.CorrelationID),
		slog.String("call_id", call.CallID),
		slog.String("status", string(call.Status)),
	)
	o.extensions.EmitWorkflowStarted(ctx, st)
	return st, nil
}

func (o *Orchestrator) ackDuplicate(env *envelope.Envelope, st *workflow.State) error {
	o.logger.Debug("step owned by another event, acknowledging",
		slog.String("correlation_id", st.CorrelationID),
		slog.String("event_id", env.EventID),
		slog.String("owner", st.ClaimEventID),
		slog.String("stage", string(st.Stage)),
	)
	return nil
}

// runLeadStep issues the create/update-lead command at most once per
// event and moves the workflow to LEAD_READY. The command's outcome is
// committed with the dedup mark before the state write, so a redelivery
// after a failed write rebuilds LEAD_READY without calling the CRM again.
func (o *Orchestrator) runLeadStep(ctx context.Context, st *workflow.State, env *envelope.Envelope) (*workflow.State, error) {
	corr := st.CorrelationID
	out, replayed, err := dedup.Do(ctx, o.dedup, env.EventID, func(ctx context.Context) (leadOutcome, error) {
		return o.leadCommand(ctx, st.Call)
	})
	if err != nil {
		return nil, o.stepFailed(ctx, st, err)
	}
	if replayed {
		o.logger.Info("lead command already performed, applying stored outcome",
			slog.String("correlation_id", corr),
			slog.String("event_id", env.EventID),
			slog.String("lead_id", out.LeadID),
		)
	}
	if out.LeadID == "" {
		return nil, o.stepFailed(ctx, st, callflow.Fatal("orchestrator.lead",
			fmt.Errorf("%w: lead command for %s completed without a lead id", callflow.ErrInvalidState, corr)))
	}

	next, err := o.advance(ctx, corr, workflow.StageLeadPending, workflow.StageLeadReady, func(s *workflow.State) {
		s.LeadID = out.LeadID
		s.LeadAction = out.Action
		s.ClaimEventID = ""
	})
	if errors.Is(err, errSkip) {
		return next, nil
	}
	if err != nil {
		return nil, o.stepFailed(ctx, st, applyFailed("orchestrator.lead", err))
	}
	return next, nil
}

// leadCommand finds the caller's lead and updates it, or creates one.
func (o *Orchestrator) leadCommand(ctx context.Context, call *envelope.CallRecord) (leadOutcome, error) {
	if call == nil {
		return leadOutcome{}, callflow.Fatal("orchestrator.lead", fmt.Errorf("%w: workflow has no call", callflow.ErrInvalidState))
	}
	phone := crm.NormalizePhone(call.CallerNumber)

	leads, err := o.crm.SearchLeadsByPhone(ctx, phone)
	if err != nil {
		return leadOutcome{}, fmt.Errorf("crm search: %w", err)
	}

	if len(leads) > 0 {
		leadID := leads[0].ID
		if err := o.crm.UpdateLead(ctx, leadID, crm.LeadFields{LeadStatus: crm.LeadStatusFor(call)}); err != nil {
			return leadOutcome{}, fmt.Errorf("crm update lead: %w", err)
		}
		if _, err := o.crm.AttachNote(ctx, leadID, crm.NoteTitle(call), crm.NoteBody(call)); err != nil {
			return leadOutcome{}, fmt.Errorf("crm attach note: %w", err)
		}
		return leadOutcome{LeadID: leadID, Action: envelope.LeadActionUpdated}, nil
	}

	owners, err := o.crm.ListLeadOwners(ctx)
	if err != nil {
		return leadOutcome{}, fmt.Errorf("crm list owners: %w", err)
	}
	if len(owners) == 0 {
		return leadOutcome{}, callflow.BusinessRule("orchestrator.lead", callflow.ErrNoLeadOwner)
	}
	leadID, err := o.crm.CreateLead(ctx, crm.NewLeadFields(call, owners[0].ID))
	if err != nil {
		return leadOutcome{}, fmt.Errorf("crm create lead: %w", err)
	}
	return leadOutcome{LeadID: leadID, Action: envelope.LeadActionCreated}, nil
}

// publishLeadEvent announces the lead for the current generation.
func (o *Orchestrator) publishLeadEvent(ctx context.Context, st *workflow.State) error {
	t := envelope.TypeLeadUpdated
	if st.LeadAction == envelope.LeadActionCreated {
		t = envelope.TypeLeadCreated
	}
	phone := ""
	if st.Call != nil {
		phone = crm.NormalizePhone(st.Call.CallerNumber)
	}
	env, err := envelope.Derive(t, st.CorrelationID, st.Seed(), envelope.Lead{
		LeadID: st.LeadID,
		Action: st.LeadAction,
		Phone:  phone,
	})
	if err != nil {
		return err
	}
	return o.publish(ctx, env)
}
