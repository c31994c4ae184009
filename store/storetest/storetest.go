// Package storetest is a conformance suite run against every store.Store
// backend.
//
//	func TestConformance(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) store.Store { return memory.New() })
//	}
package storetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/dedup"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/id"
	"github.com/inimical023/callflow/store"
	"github.com/inimical023/callflow/workflow"
)

// Factory returns an empty, migrated store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Short durations keep expiry tests fast while staying above the
// millisecond resolution of every backend.
const (
	shortLease = 400 * time.Millisecond
	expiryWait = 700 * time.Millisecond
)

// Run executes the full suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, newStore(t)) })

	t.Run("Dedup/CheckAndMark", func(t *testing.T) { testCheckAndMark(t, newStore(t)) })
	t.Run("Dedup/Commit", func(t *testing.T) { testCommit(t, newStore(t)) })
	t.Run("Dedup/Release", func(t *testing.T) { testRelease(t, newStore(t)) })
	t.Run("Dedup/LeaseExpiry", func(t *testing.T) { testLeaseExpiry(t, newStore(t)) })
	t.Run("Dedup/Concurrent", func(t *testing.T) { testConcurrentMark(t, newStore(t)) })
	t.Run("Dedup/Purge", func(t *testing.T) { testPurgeMarks(t, newStore(t)) })

	t.Run("Workflow/CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("Workflow/UpdateCAS", func(t *testing.T) { testUpdateCAS(t, newStore(t)) })
	t.Run("Workflow/ConcurrentUpdate", func(t *testing.T) { testConcurrentUpdate(t, newStore(t)) })
	t.Run("Workflow/ListCount", func(t *testing.T) { testListCount(t, newStore(t)) })

	t.Run("DLQ", func(t *testing.T) { testDLQ(t, newStore(t)) })

	t.Run("Cluster/Leadership", func(t *testing.T) { testLeadership(t, newStore(t)) })
	t.Run("Cluster/Expiry", func(t *testing.T) { testLeadershipExpiry(t, newStore(t)) })
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

func testLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate (second run) = %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping = %v", err)
	}
}

// ──────────────────────────────────────────────────
// Dedup
// ──────────────────────────────────────────────────

func testCheckAndMark(t *testing.T, s store.Store) {
	ctx := context.Background()

	ok, err := s.CheckAndMark(ctx, "orchestrator:evt-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first CheckAndMark = %v, %v; want true", ok, err)
	}
	ok, err = s.CheckAndMark(ctx, "orchestrator:evt-1", time.Minute)
	if err != nil || ok {
		t.Fatalf("second CheckAndMark = %v, %v; want false", ok, err)
	}
	ok, err = s.CheckAndMark(ctx, "notifier:evt-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("other namespace CheckAndMark = %v, %v; want true", ok, err)
	}

	mk, err := s.GetMark(ctx, "orchestrator:evt-1")
	if err != nil {
		t.Fatalf("GetMark = %v", err)
	}
	if mk.State != dedup.StatePending {
		t.Errorf("State = %q, want %q", mk.State, dedup.StatePending)
	}

	if _, err := s.GetMark(ctx, "orchestrator:missing"); !errors.Is(err, callflow.ErrMarkNotFound) {
		t.Errorf("GetMark(missing) = %v, want ErrMarkNotFound", err)
	}
}

func testCommit(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.CheckAndMark(ctx, "k", time.Minute); err != nil {
		t.Fatal(err)
	}
	out := dedup.Outcome{Hash: "sha256:abc", Data: []byte(`{"lead_id":"L-1"}`)}
	if err := s.CommitMark(ctx, "k", out, time.Hour); err != nil {
		t.Fatalf("CommitMark = %v", err)
	}

	mk, err := s.GetMark(ctx, "k")
	if err != nil {
		t.Fatalf("GetMark = %v", err)
	}
	if mk.State != dedup.StateDone {
		t.Errorf("State = %q, want %q", mk.State, dedup.StateDone)
	}
	if mk.OutcomeHash != "sha256:abc" {
		t.Errorf("OutcomeHash = %q, want sha256:abc", mk.OutcomeHash)
	}
	if string(mk.Outcome) != `{"lead_id":"L-1"}` {
		t.Errorf("Outcome = %s, want the committed JSON", mk.Outcome)
	}
	if !mk.ExpiresAt.After(time.Now().Add(50 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want about an hour ahead", mk.ExpiresAt)
	}

	ok, err := s.CheckAndMark(ctx, "k", time.Minute)
	if err != nil || ok {
		t.Fatalf("CheckAndMark after commit = %v, %v; want false", ok, err)
	}
}

func testRelease(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, _ = s.CheckAndMark(ctx, "pending", time.Minute)
	if err := s.ReleaseMark(ctx, "pending"); err != nil {
		t.Fatalf("ReleaseMark = %v", err)
	}
	if ok, _ := s.CheckAndMark(ctx, "pending", time.Minute); !ok {
		t.Error("released key should be reservable again")
	}

	_, _ = s.CheckAndMark(ctx, "done", time.Minute)
	_ = s.CommitMark(ctx, "done", dedup.Outcome{Hash: "h"}, time.Hour)
	if err := s.ReleaseMark(ctx, "done"); err != nil {
		t.Fatalf("ReleaseMark(done) = %v", err)
	}
	if ok, _ := s.CheckAndMark(ctx, "done", time.Minute); ok {
		t.Error("release must not drop a committed mark")
	}

	if err := s.ReleaseMark(ctx, "never-marked"); err != nil {
		t.Errorf("ReleaseMark(missing) = %v, want nil", err)
	}
}

func testLeaseExpiry(t *testing.T, s store.Store) {
	ctx := context.Background()

	if ok, _ := s.CheckAndMark(ctx, "abandoned", shortLease); !ok {
		t.Fatal("first reservation should win")
	}
	time.Sleep(expiryWait)

	if _, err := s.GetMark(ctx, "abandoned"); !errors.Is(err, callflow.ErrMarkNotFound) {
		t.Errorf("GetMark after expiry = %v, want ErrMarkNotFound", err)
	}
	ok, err := s.CheckAndMark(ctx, "abandoned", time.Minute)
	if err != nil || !ok {
		t.Fatalf("CheckAndMark after lease expiry = %v, %v; want true", ok, err)
	}
}

func testConcurrentMark(t *testing.T, s store.Store) {
	ctx := context.Background()

	const racers = 16
	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CheckAndMark(ctx, "contended", time.Minute)
			if err != nil {
				t.Errorf("CheckAndMark = %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("winners = %d, want 1", got)
	}
}

func testPurgeMarks(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, _ = s.CheckAndMark(ctx, "short", shortLease)
	_, _ = s.CheckAndMark(ctx, "long", time.Hour)

	n, err := s.CountMarks(ctx)
	if err != nil || n != 2 {
		t.Fatalf("CountMarks = %d, %v; want 2", n, err)
	}

	time.Sleep(expiryWait)
	purged, err := s.PurgeMarks(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("PurgeMarks = %v", err)
	}
	if purged != 1 {
		t.Errorf("PurgeMarks = %d, want 1", purged)
	}
	n, err = s.CountMarks(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CountMarks after purge = %d, %v; want 1", n, err)
	}
}

// ──────────────────────────────────────────────────
// Workflow
// ──────────────────────────────────────────────────

func newState(t *testing.T, callID string, created time.Time) *workflow.State {
	t.Helper()
	call := &envelope.CallRecord{
		CallID:       callID,
		Extension:    "101",
		Direction:    "Inbound",
		Status:       envelope.StatusAccepted,
		CallerNumber: "+15551234567",
		StartTime:    created,
		Duration:     42,
		RecordingID:  "r-" + callID,
	}
	corr := envelope.CorrelationForCall(callID)
	trigger, err := envelope.New(envelope.TypeCallLogged, corr, envelope.CallLogged{Call: *call})
	if err != nil {
		t.Fatal(err)
	}
	return workflow.NewState(corr, call, trigger, created)
}

func testCreateGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	st := newState(t, "c1", now)
	if err := s.CreateState(ctx, st); err != nil {
		t.Fatalf("CreateState = %v", err)
	}
	if st.Version != 1 {
		t.Errorf("Version = %d, want 1", st.Version)
	}

	dup := newState(t, "c1", now)
	if err := s.CreateState(ctx, dup); !errors.Is(err, callflow.ErrWorkflowExists) {
		t.Fatalf("duplicate CreateState = %v, want ErrWorkflowExists", err)
	}

	got, err := s.GetState(ctx, "call-c1")
	if err != nil {
		t.Fatalf("GetState = %v", err)
	}
	if got.Stage != workflow.StageReceived {
		t.Errorf("Stage = %q, want %q", got.Stage, workflow.StageReceived)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
	if got.Call == nil || got.Call.RecordingID != "r-c1" {
		t.Errorf("Call = %+v, want recording r-c1", got.Call)
	}
	if got.Trigger == nil || got.Trigger.EventID != st.Trigger.EventID {
		t.Errorf("Trigger = %+v, want event %s", got.Trigger, st.Trigger.EventID)
	}
	if got.ClaimEventID != st.Trigger.EventID {
		t.Errorf("ClaimEventID = %q, want %q", got.ClaimEventID, st.Trigger.EventID)
	}
	if len(got.History) != 1 {
		t.Errorf("History len = %d, want 1", len(got.History))
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}

	if _, err := s.GetState(ctx, "call-missing"); !errors.Is(err, callflow.ErrWorkflowNotFound) {
		t.Errorf("GetState(missing) = %v, want ErrWorkflowNotFound", err)
	}
}

func testUpdateCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	st := newState(t, "c2", now)
	if err := s.CreateState(ctx, st); err != nil {
		t.Fatal(err)
	}

	stale := st.Clone()

	if err := st.Advance(workflow.StageLeadPending, now); err != nil {
		t.Fatal(err)
	}
	st.LeadID = "L-1"
	if err := s.UpdateState(ctx, st); err != nil {
		t.Fatalf("UpdateState = %v", err)
	}
	if st.Version != 2 {
		t.Errorf("Version after update = %d, want 2", st.Version)
	}

	if err := stale.Advance(workflow.StageLeadPending, now); err != nil {
		t.Fatal(err)
	}
	err := s.UpdateState(ctx, stale)
	if !errors.Is(err, callflow.ErrVersionConflict) {
		t.Fatalf("stale UpdateState = %v, want ErrVersionConflict", err)
	}
	var vc *callflow.VersionConflictError
	if errors.As(err, &vc) && vc.Expected != 1 {
		t.Errorf("conflict Expected = %d, want 1", vc.Expected)
	}

	got, err := s.GetState(ctx, "call-c2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != workflow.StageLeadPending || got.LeadID != "L-1" || got.Version != 2 {
		t.Errorf("stored = %s/%s/v%d, want LEAD_PENDING/L-1/v2", got.Stage, got.LeadID, got.Version)
	}

	missing := newState(t, "nope", now)
	missing.Version = 1
	if err := s.UpdateState(ctx, missing); !errors.Is(err, callflow.ErrWorkflowNotFound) {
		t.Errorf("UpdateState(missing) = %v, want ErrWorkflowNotFound", err)
	}
}

func testConcurrentUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	st := newState(t, "c3", now)
	if err := s.CreateState(ctx, st); err != nil {
		t.Fatal(err)
	}

	const racers = 8
	var (
		wins      atomic.Int32
		conflicts atomic.Int32
		wg        sync.WaitGroup
	)
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mine := st.Clone()
			mine.LeadID = fmt.Sprintf("L-%d", i)
			err := s.UpdateState(ctx, mine)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, callflow.ErrVersionConflict):
				conflicts.Add(1)
			default:
				t.Errorf("UpdateState = %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != racers-1 {
		t.Fatalf("wins/conflicts = %d/%d, want 1/%d", wins.Load(), conflicts.Load(), racers-1)
	}
}

func testListCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, callID := range []string{"a1", "a2", "b1"} {
		st := newState(t, callID, base.Add(time.Duration(i)*time.Second))
		if callID == "b1" {
			_ = st.Advance(workflow.StageLeadPending, st.CreatedAt)
		}
		if err := s.CreateState(ctx, st); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListStates(ctx, workflow.ListOpts{})
	if err != nil {
		t.Fatalf("ListStates = %v", err)
	}
	if len(all) != 3 || all[0].CorrelationID != "call-b1" || all[2].CorrelationID != "call-a1" {
		t.Fatalf("ListStates order = %v, want newest first", corrIDs(all))
	}

	received, _ := s.ListStates(ctx, workflow.ListOpts{Stage: workflow.StageReceived})
	if len(received) != 2 {
		t.Errorf("RECEIVED count = %d, want 2", len(received))
	}

	prefixed, _ := s.ListStates(ctx, workflow.ListOpts{CorrelationID: "call-a"})
	if len(prefixed) != 2 {
		t.Errorf("prefix call-a = %v, want 2 entries", corrIDs(prefixed))
	}

	page, _ := s.ListStates(ctx, workflow.ListOpts{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].CorrelationID != "call-a2" {
		t.Errorf("page = %v, want [call-a2]", corrIDs(page))
	}

	counts, err := s.CountStates(ctx)
	if err != nil {
		t.Fatalf("CountStates = %v", err)
	}
	if counts[workflow.StageReceived] != 2 || counts[workflow.StageLeadPending] != 1 {
		t.Errorf("CountStates = %v", counts)
	}
}

func corrIDs(states []*workflow.State) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = st.CorrelationID
	}
	return out
}

// ──────────────────────────────────────────────────
// DLQ
// ──────────────────────────────────────────────────

func testDLQ(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	mk := func(topic, corr string, at time.Time) *dlq.Entry {
		return &dlq.Entry{
			ID:            id.NewDLQID(),
			EventID:       id.NewEventID(),
			EventType:     envelope.Type(topic),
			CorrelationID: corr,
			Topic:         topic,
			Group:         "orchestrator",
			Envelope:      []byte(`{"event_id":"x"}`),
			Reason:        "crm: 503",
			Kind:          string(callflow.KindTransient),
			Attempts:      5,
			FailedAt:      at,
			CreatedAt:     at,
		}
	}

	old := mk("call_logged", "call-1", base.Add(-2*time.Hour))
	mid := mk("lead_created", "call-1", base.Add(-time.Hour))
	recent := mk("call_logged", "call-2", base)
	for _, e := range []*dlq.Entry{old, mid, recent} {
		if err := s.PushDLQ(ctx, e); err != nil {
			t.Fatalf("PushDLQ = %v", err)
		}
	}

	got, err := s.GetDLQ(ctx, mid.ID)
	if err != nil {
		t.Fatalf("GetDLQ = %v", err)
	}
	if got.EventID != mid.EventID || got.Attempts != 5 || got.Reason != "crm: 503" {
		t.Errorf("GetDLQ = %+v", got)
	}
	if !strings.Contains(string(got.Envelope), "event_id") {
		t.Errorf("Envelope lost: %q", got.Envelope)
	}
	if got.ReplayedAt != nil {
		t.Errorf("ReplayedAt = %v, want nil", got.ReplayedAt)
	}

	if _, err := s.GetDLQ(ctx, id.NewDLQID()); !errors.Is(err, callflow.ErrDLQNotFound) {
		t.Errorf("GetDLQ(missing) = %v, want ErrDLQNotFound", err)
	}

	list, err := s.ListDLQ(ctx, dlq.ListOpts{})
	if err != nil || len(list) != 3 {
		t.Fatalf("ListDLQ = %d, %v; want 3", len(list), err)
	}
	if list[0].ID.String() != recent.ID.String() {
		t.Errorf("ListDLQ[0] = %s, want newest %s", list[0].ID, recent.ID)
	}

	byTopic, _ := s.ListDLQ(ctx, dlq.ListOpts{Topic: "call_logged"})
	if len(byTopic) != 2 {
		t.Errorf("topic filter = %d, want 2", len(byTopic))
	}
	byCorr, _ := s.ListDLQ(ctx, dlq.ListOpts{CorrelationID: "call-1"})
	if len(byCorr) != 2 {
		t.Errorf("correlation filter = %d, want 2", len(byCorr))
	}

	if err := s.ReplayDLQ(ctx, mid.ID); err != nil {
		t.Fatalf("ReplayDLQ = %v", err)
	}
	got, _ = s.GetDLQ(ctx, mid.ID)
	if got.ReplayedAt == nil {
		t.Error("ReplayedAt not set after ReplayDLQ")
	}
	if err := s.ReplayDLQ(ctx, id.NewDLQID()); !errors.Is(err, callflow.ErrDLQNotFound) {
		t.Errorf("ReplayDLQ(missing) = %v, want ErrDLQNotFound", err)
	}

	n, err := s.PurgeDLQ(ctx, base.Add(-90*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("PurgeDLQ = %d, %v; want 1", n, err)
	}
	count, err := s.CountDLQ(ctx)
	if err != nil || count != 2 {
		t.Fatalf("CountDLQ = %d, %v; want 2", count, err)
	}
}

// ──────────────────────────────────────────────────
// Cluster
// ──────────────────────────────────────────────────

func testLeadership(t *testing.T, s store.Store) {
	ctx := context.Background()

	leader, err := s.GetLeader(ctx)
	if err != nil || leader != nil {
		t.Fatalf("GetLeader on empty store = %+v, %v; want nil", leader, err)
	}

	if ok, err := s.AcquireLeadership(ctx, "wkr_a", time.Minute); err != nil || !ok {
		t.Fatalf("AcquireLeadership(a) = %v, %v", ok, err)
	}
	if ok, _ := s.AcquireLeadership(ctx, "wkr_a", time.Minute); !ok {
		t.Error("re-acquire by the holder should succeed")
	}
	if ok, _ := s.AcquireLeadership(ctx, "wkr_b", time.Minute); ok {
		t.Fatal("wkr_b must not steal a live lease")
	}
	if ok, _ := s.RenewLeadership(ctx, "wkr_b", time.Minute); ok {
		t.Fatal("wkr_b must not renew")
	}
	if ok, err := s.RenewLeadership(ctx, "wkr_a", time.Minute); err != nil || !ok {
		t.Fatalf("RenewLeadership(a) = %v, %v", ok, err)
	}

	leader, err = s.GetLeader(ctx)
	if err != nil || leader == nil || leader.Holder != "wkr_a" {
		t.Fatalf("GetLeader = %+v, %v; want wkr_a", leader, err)
	}

	if err := s.ReleaseLeadership(ctx, "wkr_b"); err != nil {
		t.Fatalf("ReleaseLeadership(b) = %v", err)
	}
	if leader, _ = s.GetLeader(ctx); leader == nil {
		t.Fatal("release by a non-holder must not clear the lease")
	}
	if err := s.ReleaseLeadership(ctx, "wkr_a"); err != nil {
		t.Fatalf("ReleaseLeadership(a) = %v", err)
	}
	if ok, _ := s.AcquireLeadership(ctx, "wkr_b", time.Minute); !ok {
		t.Fatal("wkr_b should acquire a released lease")
	}
}

func testLeadershipExpiry(t *testing.T, s store.Store) {
	ctx := context.Background()

	if ok, _ := s.AcquireLeadership(ctx, "wkr_a", shortLease); !ok {
		t.Fatal("acquire should succeed")
	}
	time.Sleep(expiryWait)

	if leader, _ := s.GetLeader(ctx); leader != nil {
		t.Errorf("GetLeader after expiry = %+v, want nil", leader)
	}
	if ok, _ := s.RenewLeadership(ctx, "wkr_a", time.Minute); ok {
		t.Error("an expired lease must not be renewable")
	}
	if ok, err := s.AcquireLeadership(ctx, "wkr_b", time.Minute); err != nil || !ok {
		t.Fatalf("AcquireLeadership(b) after expiry = %v, %v", ok, err)
	}
}
