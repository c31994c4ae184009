package workflow

import (
	"fmt"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/envelope"
)

// Transition records one stage change.
type Transition struct {
	From Stage     `json:"from"`
	To   Stage     `json:"to"`
	At   time.Time `json:"at"`
}

// State is the durable record of one call's progress.
type State struct {
	CorrelationID string `json:"correlation_id"`
	Stage         Stage  `json:"stage"`

	// Attempts counts failures at the current stage.
	Attempts int `json:"attempts"`

	// Version increases with every successful write.
	Version int64 `json:"version"`

	LastError   string        `json:"last_error,omitempty"`
	FailureKind callflow.Kind `json:"failure_kind,omitempty"`
	FailedStage Stage         `json:"failed_stage,omitempty"`
	Cancelled   bool          `json:"cancelled,omitempty"`

	// Generation is bumped by every manual retry and seeds follow-up event
	// ids so a reopened workflow publishes fresh events.
	Generation int `json:"generation"`

	// ClaimEventID is the event whose delivery owns the in-progress step.
	ClaimEventID string `json:"claim_event_id,omitempty"`

	Call         *envelope.CallRecord `json:"call,omitempty"`
	LeadID       string               `json:"lead_id,omitempty"`
	LeadAction   string               `json:"lead_action,omitempty"`
	RecordingRef string               `json:"recording_ref,omitempty"`
	AttachmentID string               `json:"attachment_id,omitempty"`

	// Trigger is the envelope driving the current step. Manual retry
	// re-publishes it.
	Trigger *envelope.Envelope `json:"trigger,omitempty"`

	History []Transition `json:"history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState returns a RECEIVED workflow for call.
func NewState(correlationID string, call *envelope.CallRecord, trigger *envelope.Envelope, now time.Time) *State {
	st := &State{
		CorrelationID: correlationID,
		Stage:         StageReceived,
		Call:          call,
		Trigger:       trigger,
		History:       []Transition{{To: StageReceived, At: now}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if trigger != nil {
		st.ClaimEventID = trigger.EventID
	}
	return st
}

// Advance moves the workflow to stage to, resetting the per-stage attempt
// counter.
func (s *State) Advance(to Stage, now time.Time) error {
	if !CanTransition(s.Stage, to) {
		return fmt.Errorf("%w: %s → %s", callflow.ErrInvalidState, s.Stage, to)
	}
	s.History = append(s.History, Transition{From: s.Stage, To: to, At: now})
	s.Stage = to
	s.Attempts = 0
	s.UpdatedAt = now
	return nil
}

// Fail moves the workflow to FAILED, remembering where it stopped.
func (s *State) Fail(cause error, now time.Time) error {
	from := s.Stage
	if err := s.Advance(StageFailed, now); err != nil {
		return err
	}
	s.FailedStage = from
	if cause != nil {
		s.LastError = cause.Error()
		s.FailureKind = callflow.KindOf(cause)
	}
	s.ClaimEventID = ""
	return nil
}

// RecordFailure counts a failed attempt at the current stage.
func (s *State) RecordFailure(cause error, now time.Time) {
	s.Attempts++
	s.LastError = cause.Error()
	s.FailureKind = callflow.KindOf(cause)
	s.UpdatedAt = now
}

// Reopen returns a FAILED workflow to the stage it failed at. Cancelled
// workflows cannot be reopened.
func (s *State) Reopen(now time.Time) error {
	if s.Stage != StageFailed {
		return fmt.Errorf("%w: workflow %s is %s", callflow.ErrNotRetryable, s.CorrelationID, s.Stage)
	}
	if s.Cancelled || !s.FailedStage.Valid() || s.FailedStage == StageFailed {
		return fmt.Errorf("%w: workflow %s was cancelled", callflow.ErrNotRetryable, s.CorrelationID)
	}
	s.History = append(s.History, Transition{From: StageFailed, To: s.FailedStage, At: now})
	s.Stage = s.FailedStage
	s.FailedStage = ""
	s.Attempts = 0
	s.Generation++
	s.ClaimEventID = ""
	s.UpdatedAt = now
	return nil
}

// Seed returns the follow-up event id seed for the current generation.
func (s *State) Seed() string { return fmt.Sprintf("g%d", s.Generation) }

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.Call != nil {
		call := *s.Call
		c.Call = &call
	}
	c.Trigger = s.Trigger.Clone()
	c.History = append([]Transition(nil), s.History...)
	return &c
}
