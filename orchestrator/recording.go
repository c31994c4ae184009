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

// recordingOutcome is the result of the fetch and attach commands.
type recordingOutcome struct {
	ContentRef   string `json:"content_ref"`
	AttachmentID string `json:"attachment_id"`
	FileName     string `json:"file_name"`
}

// onLeadReady continues a workflow whose lead exists: accepted calls with
// a recording go through the recording stages, everything else is
// notified directly.
func (o *Orchestrator) onLeadReady(ctx context.Context, env *envelope.Envelope) error {
	if _, err := envelope.DecodePayload[envelope.Lead](env); err != nil {
		return err
	}
	st, err := o.loadFollowUp(ctx, env, workflow.StageLeadReady)
	if err != nil || st == nil {
		return err
	}

	for range maxSteps {
		switch st.Stage {
		case workflow.StageLeadReady:
			to := workflow.StageNotified
			if st.Call != nil && st.Call.HasRecording() {
				to = workflow.StageRecordingPending
			}
			st, err = o.advance(ctx, st.CorrelationID, workflow.StageLeadReady, to, func(s *workflow.State) {
				s.Trigger = env.Clone()
				s.ClaimEventID = env.EventID
			})
			if err != nil && !errors.Is(err, errSkip) {
				return err
			}

		case workflow.StageRecordingPending:
			var owned bool
			st, owned, err = o.claim(ctx, st, env)
			if err != nil {
				return err
			}
			if !owned {
				return o.ackDuplicate(env, st)
			}
			st, err = o.runRecordingStep(ctx, st, env)
			if err != nil {
				return err
			}

		case workflow.StageRecordingReady:
			if err := o.publishRecordingAttached(ctx, st); err != nil {
				return o.stepFailed(ctx, st, err)
			}
			return nil

		case workflow.StageNotified:
			return o.complete(ctx, st)

		default:
			return nil
		}
	}
	return nil
}

func (o *Orchestrator) onRecordingAttached(ctx context.Context, env *envelope.Envelope) error {
	if _, err := envelope.DecodePayload[envelope.RecordingAttached](env); err != nil {
		return err
	}
	st, err := o.loadFollowUp(ctx, env, workflow.StageRecordingReady)
	if err != nil || st == nil {
		return err
	}

	switch st.Stage {
	case workflow.StageRecordingReady:
		st, err = o.advance(ctx, st.CorrelationID, workflow.StageRecordingReady, workflow.StageNotified, func(s *workflow.State) {
			s.Trigger = env.Clone()
		})
		if errors.Is(err, errSkip) {
			return nil
		}
		if err != nil {
			return err
		}
		return o.complete(ctx, st)
	case workflow.StageNotified:
		return o.complete(ctx, st)
	default:
		return nil
	}
}

// loadFollowUp loads the workflow a follow-up event belongs to. It returns
// a transient ErrOutOfOrder when the workflow is missing or has not reached
// after yet, and a nil state when the event needs no work.
func (o *Orchestrator) loadFollowUp(ctx context.Context, env *envelope.Envelope, after workflow.Stage) (*workflow.State, error) {
	st, err := o.store.GetState(ctx, env.CorrelationID)
	if errors.Is(err, callflow.ErrWorkflowNotFound) {
		return nil, outOfOrder(env, nil)
	}
	if err != nil {
		return nil, err
	}
	if st.Stage.Terminal() {
		o.logger.Debug("follow-up for finished workflow",
			slog.String("correlation_id", st.CorrelationID),
			slog.String("type", string(env.Type)),
			slog.String("stage", string(st.Stage)),
		)
		return nil, nil
	}
	if !st.Stage.Reached(after) {
		return nil, outOfOrder(env, st)
	}
	return st, nil
}

// runRecordingStep fetches, stores and attaches the call recording at most
// once per event and moves the workflow to RECORDING_READY. As with the
// lead step, the outcome is committed before the state write and replayed
// on redelivery.
func (o *Orchestrator) runRecordingStep(ctx context.Context, st *workflow.State, env *envelope.Envelope) (*workflow.State, error) {
	corr := st.CorrelationID
	out, replayed, err := dedup.Do(ctx, o.dedup, env.EventID, func(ctx context.Context) (recordingOutcome, error) {
		return o.recordingCommand(ctx, st)
	})
	if err != nil {
		return nil, o.stepFailed(ctx, st, err)
	}
	if replayed {
		o.logger.Info("recording already attached, applying stored outcome",
			slog.String("correlation_id", corr),
			slog.String("event_id", env.EventID),
			slog.String("attachment_id", out.AttachmentID),
		)
	}
	if out.AttachmentID == "" {
		return nil, o.stepFailed(ctx, st, callflow.Fatal("orchestrator.recording",
			fmt.Errorf("%w: recording for %s attached without an attachment id", callflow.ErrInvalidState, corr)))
	}

	next, err := o.advance(ctx, corr, workflow.StageRecordingPending, workflow.StageRecordingReady, func(s *workflow.State) {
		s.RecordingRef = out.ContentRef
		s.AttachmentID = out.AttachmentID
		s.ClaimEventID = ""
	})
	if errors.Is(err, errSkip) {
		return next, nil
	}
	if err != nil {
		return nil, o.stepFailed(ctx, st, applyFailed("orchestrator.recording", err))
	}
	return next, nil
}

func (o *Orchestrator) recordingCommand(ctx context.Context, st *workflow.State) (recordingOutcome, error) {
	call := st.Call
	rec, err := o.source.FetchRecording(ctx, call.RecordingID)
	if err != nil {
		return recordingOutcome{}, fmt.Errorf("fetch recording %s: %w", call.RecordingID, err)
	}
	ref, err := o.recordings.Put(ctx, rec.Data, rec.ContentType)
	if err != nil {
		return recordingOutcome{}, fmt.Errorf("store recording %s: %w", call.RecordingID, err)
	}
	fileName := crm.RecordingFileName(call, rec.ContentType)
	attID, err := o.crm.AttachRecording(ctx, st.LeadID, fileName, rec.ContentType, ref)
	if err != nil {
		return recordingOutcome{}, fmt.Errorf("crm attach recording: %w", err)
	}
	return recordingOutcome{ContentRef: ref, AttachmentID: attID, FileName: fileName}, nil
}

func (o *Orchestrator) publishRecordingAttached(ctx context.Context, st *workflow.State) error {
	p := envelope.RecordingAttached{
		LeadID:       st.LeadID,
		AttachmentID: st.AttachmentID,
		ContentRef:   st.RecordingRef,
	}
	if st.Call != nil {
		p.RecordingID = st.Call.RecordingID
	}
	env, err := envelope.Derive(envelope.TypeRecordingAttached, st.CorrelationID, st.Seed(), p)
	if err != nil {
		return err
	}
	return o.publish(ctx, env)
}

// complete publishes lead_processed for a NOTIFIED workflow and moves it
// to COMPLETED.
func (o *Orchestrator) complete(ctx context.Context, st *workflow.State) error {
	p := envelope.LeadProcessed{
		LeadID:  st.LeadID,
		Status:  envelope.ProcessedCompleted,
		Message: completionMessage(st),
	}
	if st.Call != nil {
		p.CallStatus = st.Call.Status
	}
	env, err := envelope.Derive(envelope.TypeLeadProcessed, st.CorrelationID, st.Seed(), p)
	if err != nil {
		return err
	}
	if err := o.publish(ctx, env); err != nil {
		return o.stepFailed(ctx, st, err)
	}
	_, err = o.advance(ctx, st.CorrelationID, workflow.StageNotified, workflow.StageCompleted, func(s *workflow.State) {
		s.ClaimEventID = ""
	})
	if err != nil && !errors.Is(err, errSkip) {
		return err
	}
	return nil
}

func completionMessage(st *workflow.State) string {
	verb := "updated"
	if st.LeadAction == envelope.LeadActionCreated {
		verb = "created"
	}
	switch {
	case st.AttachmentID != "":
		return fmt.Sprintf("Lead %s %s with recording attached", st.LeadID, verb)
	case st.Call != nil && st.Call.Status == envelope.StatusMissed:
		return fmt.Sprintf("Lead %s %s for missed call", st.LeadID, verb)
	default:
		return fmt.Sprintf("Lead %s %s", st.LeadID, verb)
	}
}
