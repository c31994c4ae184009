package orchestrator_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/callsource"
	"github.com/inimical023/callflow/crm"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/store/memory"
	"github.com/inimical023/callflow/workflow"
)

func TestEndToEnd_AcceptedCallWithRecording(t *testing.T) {
	h := newHarness(t, harnessOpts{wired: true})
	h.source.AddRecording(&callsource.Recording{ID: "r1", ContentType: "audio/mpeg", Data: []byte("ID3 audio")})

	h.publish(t, callLogged(t, acceptedCall("c1", "r1")))
	st := h.waitStage(t, "call-c1", workflow.StageCompleted)

	want := []workflow.Stage{
		workflow.StageReceived, workflow.StageLeadPending, workflow.StageLeadReady,
		workflow.StageRecordingPending, workflow.StageRecordingReady,
		workflow.StageNotified, workflow.StageCompleted,
	}
	if got := stagesOf(st); !slices.Equal(got, want) {
		t.Errorf("stages = %v, want %v", got, want)
	}
	if st.LeadAction != envelope.LeadActionCreated || st.LeadID == "" {
		t.Errorf("lead = %q (%s), want a created lead", st.LeadID, st.LeadAction)
	}

	atts := h.crm.Attachments(st.LeadID)
	if len(atts) != 1 {
		t.Fatalf("attachments = %d, want 1", len(atts))
	}
	if atts[0].FileName != "20260314_092653_recording_r1.mp3" {
		t.Errorf("FileName = %q", atts[0].FileName)
	}
	if atts[0].ContentRef != st.RecordingRef || !strings.HasPrefix(st.RecordingRef, "sha256:") {
		t.Errorf("ContentRef = %q, state ref %q", atts[0].ContentRef, st.RecordingRef)
	}
	if h.recordings.Len() != 1 {
		t.Errorf("stored recordings = %d, want 1", h.recordings.Len())
	}

	h.events.wait(t, envelope.TypeLeadCreated, 1)
	h.events.wait(t, envelope.TypeRecordingAttached, 1)
	processed, err := envelope.DecodePayload[envelope.LeadProcessed](h.events.wait(t, envelope.TypeLeadProcessed, 1)[0])
	if err != nil {
		t.Fatal(err)
	}
	if processed.Status != envelope.ProcessedCompleted || processed.LeadID != st.LeadID {
		t.Errorf("lead_processed = %+v", processed)
	}
}

func TestMissedCallSkipsRecordingStages(t *testing.T) {
	h := newHarness(t, harnessOpts{wired: true})

	call := acceptedCall("c2", "r9")
	call.Status = envelope.StatusMissed
	call.Result = "Missed"
	h.publish(t, callLogged(t, call))

	st := h.waitStage(t, "call-c2", workflow.StageCompleted)
	for _, s := range stagesOf(st) {
		if s == workflow.StageRecordingPending || s == workflow.StageRecordingReady {
			t.Fatalf("missed call entered %s: %v", s, stagesOf(st))
		}
	}
	if _, n := h.source.Calls(); n != 0 {
		t.Errorf("FetchRecording calls = %d, want 0", n)
	}
	leads := h.crm.Leads()
	if len(leads) != 1 || leads[0].LeadStatus != crm.StatusMissedCall {
		t.Errorf("leads = %+v, want one missed-call lead", leads)
	}
}

func TestExistingLeadIsUpdatedWithNote(t *testing.T) {
	h := newHarness(t, harnessOpts{wired: true})
	leadID, err := h.crm.CreateLead(context.Background(), crm.LeadFields{Phone: "15551234567", LeadStatus: crm.StatusMissedCall})
	if err != nil {
		t.Fatal(err)
	}

	h.publish(t, callLogged(t, acceptedCall("c3", "")))
	st := h.waitStage(t, "call-c3", workflow.StageCompleted)

	if st.LeadID != leadID || st.LeadAction != envelope.LeadActionUpdated {
		t.Errorf("lead = %s (%s), want %s updated", st.LeadID, st.LeadAction, leadID)
	}
	if n := h.crm.Count(crm.MethodCreateLead); n != 1 {
		t.Errorf("CreateLead calls = %d, want only the seed lead", n)
	}
	notes := h.crm.Notes(leadID)
	if len(notes) != 1 || notes[0].Title != "Call on 2026-03-14 09:26:53" {
		t.Errorf("notes = %+v", notes)
	}
	h.events.wait(t, envelope.TypeLeadUpdated, 1)
}

func TestDuplicateDeliveriesCreateOneLead(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	env := callLogged(t, acceptedCall("c4", ""))
	ctx := context.Background()

	var wg sync.WaitGroup
	var inflight atomic.Int32
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.orch.Handle(ctx, delivery(env)); err != nil {
				if !errors.Is(err, callflow.ErrInFlight) {
					t.Errorf("Handle: %v", err)
				}
				inflight.Add(1)
			}
		}()
	}
	wg.Wait()
	t.Logf("in-flight rejections: %d", inflight.Load())

	// Redeliveries after the fact are acknowledged without side effects.
	for range 3 {
		if err := h.orch.Handle(ctx, delivery(env)); err != nil {
			t.Fatalf("redelivery: %v", err)
		}
	}

	if n := h.crm.Count(crm.MethodCreateLead); n != 1 {
		t.Errorf("CreateLead calls = %d, want 1", n)
	}
	if st := h.state(t, "call-c4"); st.Stage != workflow.StageLeadReady {
		t.Errorf("stage = %s, want LEAD_READY", st.Stage)
	}
	// Every run at LEAD_READY re-publishes the same derived event.
	h.events.wait(t, envelope.TypeLeadCreated, 4)
	time.Sleep(20 * time.Millisecond)
	ids := map[string]bool{}
	for _, e := range h.events.ofType(envelope.TypeLeadCreated) {
		ids[e.EventID] = true
	}
	if len(ids) != 1 {
		t.Errorf("distinct lead_created ids = %d, want 1", len(ids))
	}
}

func TestRetryExhaustionFailsWorkflow(t *testing.T) {
	h := newHarness(t, harnessOpts{wired: true})
	h.crm.FailAlways(crm.MethodSearch, callflow.Transient("crm.search", errors.New("503 service unavailable")))

	h.publish(t, callLogged(t, acceptedCall("c5", "")))
	st := h.waitStage(t, "call-c5", workflow.StageFailed)

	// Give a stray retry the chance to show up.
	time.Sleep(50 * time.Millisecond)

	if n := h.crm.Count(crm.MethodSearch); n != 5 {
		t.Errorf("SearchLeadsByPhone calls = %d, want 5", n)
	}
	if st.FailedStage != workflow.StageLeadPending {
		t.Errorf("FailedStage = %s, want LEAD_PENDING", st.FailedStage)
	}
	if !strings.Contains(st.LastError, callflow.ErrMaxRetriesExceeded.Error()) {
		t.Errorf("LastError = %q", st.LastError)
	}

	entries, err := h.mem.ListDLQ(context.Background(), dlq.ListOpts{CorrelationID: "call-c5"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Attempts != 5 {
		t.Fatalf("dlq entries = %+v, want one with 5 attempts", entries)
	}
	if n := len(h.events.wait(t, envelope.TypeWorkflowFailed, 1)); n != 1 {
		t.Errorf("workflow_failed events = %d, want 1", n)
	}
}

func TestNoLeadOwnerIsBusinessRuleViolation(t *testing.T) {
	h := newHarness(t, harnessOpts{wired: true, owners: []crm.Owner{}})

	h.publish(t, callLogged(t, acceptedCall("c6", "")))
	st := h.waitStage(t, "call-c6", workflow.StageFailed)

	if st.FailureKind != callflow.KindBusinessRule {
		t.Errorf("FailureKind = %s, want business_rule", st.FailureKind)
	}
	if n := h.crm.Count(crm.MethodListOwners); n != 1 {
		t.Errorf("ListLeadOwners calls = %d, want 1 (no retries)", n)
	}
}

func TestOutOfOrderFollowUpIsRetried(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	env, err := envelope.New(envelope.TypeLeadCreated, "call-c7", envelope.Lead{LeadID: "lead-x", Action: envelope.LeadActionCreated})
	if err != nil {
		t.Fatal(err)
	}

	err = h.orch.Handle(context.Background(), delivery(env))
	if !errors.Is(err, callflow.ErrOutOfOrder) || !callflow.IsRetryable(err) {
		t.Fatalf("Handle = %v, want transient ErrOutOfOrder", err)
	}

	// Workflow exists but is still before LEAD_READY.
	h.crm.FailNext(crm.MethodSearch, callflow.Transient("crm.search", errors.New("timeout")))
	_ = h.orch.Handle(context.Background(), delivery(callLogged(t, acceptedCall("c7", ""))))
	before := h.state(t, "call-c7")
	err = h.orch.Handle(context.Background(), delivery(env))
	if !errors.Is(err, callflow.ErrOutOfOrder) {
		t.Fatalf("Handle at LEAD_PENDING = %v, want ErrOutOfOrder", err)
	}

	// An early follow-up is not a failure of the step in progress.
	after := h.state(t, "call-c7")
	if after.Attempts != before.Attempts || after.LastError != before.LastError || after.Version != before.Version {
		t.Errorf("state touched by early follow-up: attempts %d -> %d, last error %q -> %q",
			before.Attempts, after.Attempts, before.LastError, after.LastError)
	}
}

func TestCancelStopsPendingCommands(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	trigger := callLogged(t, acceptedCall("c8", ""))

	h.crm.FailNext(crm.MethodSearch, callflow.Transient("crm.search", errors.New("503")))
	if err := h.orch.Handle(ctx, delivery(trigger)); !callflow.IsRetryable(err) {
		t.Fatalf("first Handle = %v, want transient", err)
	}
	if st := h.state(t, "call-c8"); st.Stage != workflow.StageLeadPending || st.Attempts != 1 {
		t.Fatalf("state = %s attempts %d, want LEAD_PENDING attempts 1", st.Stage, st.Attempts)
	}

	for range 2 {
		if err := h.orch.Handle(ctx, delivery(command(t, envelope.TypeCancelRequested, "call-c8"))); err != nil {
			t.Fatalf("cancel: %v", err)
		}
	}
	st := h.state(t, "call-c8")
	if st.Stage != workflow.StageFailed || !st.Cancelled {
		t.Fatalf("state = %s cancelled=%v, want FAILED cancelled", st.Stage, st.Cancelled)
	}
	if !strings.Contains(st.LastError, callflow.ErrCancelled.Error()) || !strings.Contains(st.LastError, "(ops)") {
		t.Errorf("LastError = %q", st.LastError)
	}

	// The redelivered trigger must not run the lead command.
	if err := h.orch.Handle(ctx, delivery(trigger)); err != nil {
		t.Fatalf("redelivered trigger: %v", err)
	}
	if n := h.crm.Count(crm.MethodCreateLead); n != 0 {
		t.Errorf("CreateLead calls = %d, want 0", n)
	}

	// Cancelled workflows cannot be retried.
	if err := h.orch.Handle(ctx, delivery(command(t, envelope.TypeRetryRequested, "call-c8"))); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if st := h.state(t, "call-c8"); st.Stage != workflow.StageFailed {
		t.Errorf("stage after retry = %s, want FAILED", st.Stage)
	}
	h.events.wait(t, envelope.TypeWorkflowFailed, 1)
	time.Sleep(20 * time.Millisecond)
	if n := len(h.events.ofType(envelope.TypeWorkflowFailed)); n != 1 {
		t.Errorf("workflow_failed events = %d, want 1", n)
	}
}

func TestManualRetryReopensAtFailedStage(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	trigger := callLogged(t, acceptedCall("c9", ""))

	boom := callflow.Fatal("crm.create", errors.New("invalid field"))
	h.crm.FailNext(crm.MethodCreateLead, boom)
	err := h.orch.Handle(ctx, delivery(trigger))
	if !errors.Is(err, boom) {
		t.Fatalf("Handle = %v, want injected failure", err)
	}
	if err := h.orch.Fail(ctx, "call-c9", err); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if st := h.state(t, "call-c9"); st.Stage != workflow.StageFailed || st.FailedStage != workflow.StageLeadPending {
		t.Fatalf("state = %s/%s, want FAILED at LEAD_PENDING", st.Stage, st.FailedStage)
	}

	if err := h.orch.Handle(ctx, delivery(command(t, envelope.TypeRetryRequested, "call-c9"))); err != nil {
		t.Fatalf("retry: %v", err)
	}
	st := h.state(t, "call-c9")
	if st.Stage != workflow.StageLeadPending || st.Generation != 1 || st.Attempts != 0 {
		t.Fatalf("reopened state = %s gen %d attempts %d", st.Stage, st.Generation, st.Attempts)
	}

	var replayed *envelope.Envelope
	deadline := time.Now().Add(time.Second)
	for replayed == nil && time.Now().Before(deadline) {
		for _, e := range h.events.ofType(envelope.TypeCallLogged) {
			if e.EventID != trigger.EventID {
				replayed = e
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	if replayed == nil {
		t.Fatal("trigger was not re-published")
	}

	if err := h.orch.Handle(ctx, delivery(replayed)); err != nil {
		t.Fatalf("replayed trigger: %v", err)
	}
	st = h.state(t, "call-c9")
	if st.Stage != workflow.StageLeadReady || st.LeadID == "" {
		t.Errorf("state after replay = %s lead %q, want LEAD_READY with lead", st.Stage, st.LeadID)
	}
	if n := h.crm.Count(crm.MethodCreateLead); n != 2 {
		t.Errorf("CreateLead calls = %d, want 2", n)
	}
}

// conflictStore reports one version conflict per correlation id before
// letting writes through.
type conflictStore struct {
	*memory.Store
	mu   sync.Mutex
	seen map[string]bool
	hits atomic.Int32
}

func (s *conflictStore) UpdateState(ctx context.Context, st *workflow.State) error {
	s.mu.Lock()
	first := !s.seen[st.CorrelationID]
	s.seen[st.CorrelationID] = true
	s.mu.Unlock()
	if first {
		s.hits.Add(1)
		return &callflow.VersionConflictError{CorrelationID: st.CorrelationID, Expected: st.Version, Actual: st.Version + 1}
	}
	return s.Store.UpdateState(ctx, st)
}

func TestVersionConflictIsReread(t *testing.T) {
	var cs *conflictStore
	h := newHarness(t, harnessOpts{store: func(m *memory.Store) workflow.Store {
		cs = &conflictStore{Store: m, seen: map[string]bool{}}
		return cs
	}})

	if err := h.orch.Handle(context.Background(), delivery(callLogged(t, acceptedCall("c10", "")))); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if cs.hits.Load() != 1 {
		t.Errorf("conflicts = %d, want 1", cs.hits.Load())
	}
	if st := h.state(t, "call-c10"); st.Stage != workflow.StageLeadReady {
		t.Errorf("stage = %s, want LEAD_READY", st.Stage)
	}
	if n := h.crm.Count(crm.MethodCreateLead); n != 1 {
		t.Errorf("CreateLead calls = %d, want 1", n)
	}
}

func TestInvalidCallIsValidationError(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	call := acceptedCall("c11", "")
	call.Status = "voicemail"

	err := h.orch.Handle(context.Background(), delivery(callLogged(t, call)))
	if callflow.KindOf(err) != callflow.KindValidation {
		t.Fatalf("kind = %s, want validation", callflow.KindOf(err))
	}
	if _, err := h.store.GetState(context.Background(), "call-c11"); !errors.Is(err, callflow.ErrWorkflowNotFound) {
		t.Errorf("GetState = %v, want no workflow", err)
	}
}

// failOnceStore fails the first write that moves a workflow to stage.
type failOnceStore struct {
	*memory.Store
	stage  workflow.Stage
	failed atomic.Bool
}

func (s *failOnceStore) UpdateState(ctx context.Context, st *workflow.State) error {
	if st.Stage == s.stage && s.failed.CompareAndSwap(false, true) {
		return errors.New("connection reset by peer")
	}
	return s.Store.UpdateState(ctx, st)
}

func crmMutations(m *crm.Memory) int {
	return m.Count(crm.MethodCreateLead) + m.Count(crm.MethodUpdateLead) +
		m.Count(crm.MethodAttachNote) + m.Count(crm.MethodAttachRecording)
}

func TestLeadCommandSurvivesLostStateWrite(t *testing.T) {
	var fs *failOnceStore
	h := newHarness(t, harnessOpts{store: func(m *memory.Store) workflow.Store {
		fs = &failOnceStore{Store: m, stage: workflow.StageLeadReady}
		return fs
	}})
	ctx := context.Background()
	trigger := callLogged(t, acceptedCall("c12", ""))

	err := h.orch.Handle(ctx, delivery(trigger))
	if !callflow.IsRetryable(err) {
		t.Fatalf("Handle = %v, want a retryable error", err)
	}
	if !fs.failed.Load() {
		t.Fatal("LEAD_READY write was never attempted")
	}
	if st := h.state(t, "call-c12"); st.Stage != workflow.StageLeadPending {
		t.Fatalf("stage = %s, want LEAD_PENDING after the lost write", st.Stage)
	}

	if err := h.orch.Handle(ctx, delivery(trigger)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	st := h.state(t, "call-c12")
	if st.Stage != workflow.StageLeadReady || st.LeadID == "" || st.LeadAction != envelope.LeadActionCreated {
		t.Fatalf("state = %s lead %q (%s), want LEAD_READY with the created lead", st.Stage, st.LeadID, st.LeadAction)
	}
	if n := crmMutations(h.crm); n != 1 {
		t.Errorf("CRM-mutating calls = %d, want 1", n)
	}
	if leads := h.crm.Leads(); len(leads) != 1 || leads[0].ID != st.LeadID {
		t.Errorf("leads = %v, want only %s", leads, st.LeadID)
	}
}

func TestRecordingAttachSurvivesLostStateWrite(t *testing.T) {
	var fs *failOnceStore
	h := newHarness(t, harnessOpts{store: func(m *memory.Store) workflow.Store {
		fs = &failOnceStore{Store: m, stage: workflow.StageRecordingReady}
		return fs
	}})
	h.source.AddRecording(&callsource.Recording{ID: "r13", ContentType: "audio/mpeg", Data: []byte("ID3")})
	ctx := context.Background()

	if err := h.orch.Handle(ctx, delivery(callLogged(t, acceptedCall("c13", "r13")))); err != nil {
		t.Fatalf("call_logged: %v", err)
	}
	leadEvt := h.events.wait(t, envelope.TypeLeadCreated, 1)[0]

	err := h.orch.Handle(ctx, delivery(leadEvt))
	if !callflow.IsRetryable(err) {
		t.Fatalf("lead_created = %v, want a retryable error", err)
	}
	if err := h.orch.Handle(ctx, delivery(leadEvt)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	st := h.state(t, "call-c13")
	if !st.Stage.Reached(workflow.StageRecordingReady) || st.AttachmentID == "" {
		t.Fatalf("state = %s attachment %q, want past RECORDING_READY", st.Stage, st.AttachmentID)
	}
	if n := h.crm.Count(crm.MethodAttachRecording); n != 1 {
		t.Errorf("AttachRecording calls = %d, want 1", n)
	}
	if _, n := h.source.Calls(); n != 1 {
		t.Errorf("recording fetches = %d, want 1", n)
	}
}
