package workflow_test

import (
	"errors"
	"testing"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/workflow"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newState(t *testing.T) *workflow.State {
	t.Helper()
	call := &envelope.CallRecord{CallID: "c1", Status: envelope.StatusAccepted, RecordingID: "r1"}
	trig, err := envelope.New(envelope.TypeCallLogged, "call-c1", envelope.CallLogged{Call: *call})
	if err != nil {
		t.Fatal(err)
	}
	return workflow.NewState("call-c1", call, trig, now)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to workflow.Stage
		want     bool
	}{
		{workflow.StageReceived, workflow.StageLeadPending, true},
		{workflow.StageLeadPending, workflow.StageLeadReady, true},
		{workflow.StageLeadReady, workflow.StageRecordingPending, true},
		{workflow.StageLeadReady, workflow.StageNotified, true},
		{workflow.StageRecordingPending, workflow.StageRecordingReady, true},
		{workflow.StageRecordingReady, workflow.StageNotified, true},
		{workflow.StageNotified, workflow.StageCompleted, true},
		{workflow.StageReceived, workflow.StageFailed, true},
		{workflow.StageNotified, workflow.StageFailed, true},

		{workflow.StageReceived, workflow.StageLeadReady, false},
		{workflow.StageLeadReady, workflow.StageLeadPending, false},
		{workflow.StageRecordingPending, workflow.StageNotified, false},
		{workflow.StageCompleted, workflow.StageFailed, false},
		{workflow.StageFailed, workflow.StageFailed, false},
		{workflow.StageFailed, workflow.StageReceived, false},
		{workflow.StageCompleted, workflow.StageNotified, false},
	}
	for _, tt := range tests {
		if got := workflow.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestReached(t *testing.T) {
	if !workflow.StageNotified.Reached(workflow.StageLeadReady) {
		t.Error("NOTIFIED should have reached LEAD_READY")
	}
	if workflow.StageLeadPending.Reached(workflow.StageLeadReady) {
		t.Error("LEAD_PENDING has not reached LEAD_READY")
	}
	if workflow.StageFailed.Reached(workflow.StageLeadReady) {
		t.Error("FAILED is off the success path")
	}
}

func TestAdvanceResetsAttempts(t *testing.T) {
	st := newState(t)
	st.RecordFailure(errors.New("crm 503"), now)
	if st.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", st.Attempts)
	}
	if err := st.Advance(workflow.StageLeadPending, now); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if st.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 after stage change", st.Attempts)
	}
	if len(st.History) != 2 || st.History[1].To != workflow.StageLeadPending {
		t.Errorf("History = %+v", st.History)
	}

	err := st.Advance(workflow.StageCompleted, now)
	if !errors.Is(err, callflow.ErrInvalidState) {
		t.Errorf("skip ahead err = %v, want ErrInvalidState", err)
	}
}

func TestFailAndReopen(t *testing.T) {
	st := newState(t)
	_ = st.Advance(workflow.StageLeadPending, now)
	_ = st.Advance(workflow.StageLeadReady, now)
	_ = st.Advance(workflow.StageRecordingPending, now)

	cause := callflow.Transient("crm.attach", errors.New("timeout"))
	if err := st.Fail(cause, now); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if st.Stage != workflow.StageFailed || st.FailedStage != workflow.StageRecordingPending {
		t.Fatalf("stage = %s failed_stage = %s", st.Stage, st.FailedStage)
	}
	if st.FailureKind != callflow.KindTransient {
		t.Errorf("FailureKind = %q, want transient", st.FailureKind)
	}
	if err := st.Fail(cause, now); err == nil {
		t.Error("failing a FAILED workflow should be rejected")
	}

	if err := st.Reopen(now); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if st.Stage != workflow.StageRecordingPending || st.Generation != 1 {
		t.Errorf("after reopen stage = %s generation = %d", st.Stage, st.Generation)
	}
	if st.Seed() != "g1" {
		t.Errorf("Seed = %q, want g1", st.Seed())
	}
}

func TestReopenRejectsCancelledAndLive(t *testing.T) {
	st := newState(t)
	if err := st.Reopen(now); !errors.Is(err, callflow.ErrNotRetryable) {
		t.Errorf("reopen live err = %v, want ErrNotRetryable", err)
	}
	st.Cancelled = true
	_ = st.Fail(callflow.BusinessRule("cancel", callflow.ErrCancelled), now)
	if err := st.Reopen(now); !errors.Is(err, callflow.ErrNotRetryable) {
		t.Errorf("reopen cancelled err = %v, want ErrNotRetryable", err)
	}
}

func TestClone(t *testing.T) {
	st := newState(t)
	c := st.Clone()
	c.Call.CallID = "other"
	c.History[0].To = workflow.StageFailed
	if st.Call.CallID != "c1" || st.History[0].To != workflow.StageReceived {
		t.Error("Clone shares memory with the original")
	}
}
