package retry_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/backoff"
	"github.com/inimical023/callflow/bus"
	busmemory "github.com/inimical023/callflow/bus/memory"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/ext"
	"github.com/inimical023/callflow/retry"
	"github.com/inimical023/callflow/store/memory"
)

type recordingFailer struct {
	mu    sync.Mutex
	calls map[string]error
}

func (f *recordingFailer) Fail(_ context.Context, corr string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]error)
	}
	f.calls[corr] = cause
	return nil
}

func (f *recordingFailer) get(corr string) (error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	err, ok := f.calls[corr]
	return err, ok
}

type alertCounter struct{ n atomic.Int32 }

func (a *alertCounter) Name() string { return "alerts" }

func (a *alertCounter) OnAlert(_ context.Context, _ ext.Alert) error {
	a.n.Add(1)
	return nil
}

type harness struct {
	bus    *busmemory.Bus
	store  *memory.Store
	failer *recordingFailer
	alerts *alertCounter
	sched  *retry.Scheduler
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	b := busmemory.New(busmemory.WithRedeliveryDelay(5 * time.Millisecond))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	h := &harness{
		bus:    b,
		store:  memory.New(),
		failer: &recordingFailer{},
		alerts: &alertCounter{},
	}
	reg := ext.NewRegistry(nil)
	reg.Register(h.alerts)

	h.sched = retry.NewScheduler(b, dlq.NewService(h.store, b, nil),
		retry.WithPolicy(retry.Policy{
			DefaultMaxAttempts: maxAttempts,
			Backoff:            backoff.Constant(time.Millisecond),
		}),
		retry.WithFailer(h.failer),
		retry.WithExtensions(reg),
	)
	return h
}

func (h *harness) run(t *testing.T, handler bus.Handler) {
	t.Helper()
	if _, err := h.bus.Subscribe("call_logged", h.sched.Wrap(handler), bus.WithGroup("orchestrator")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	env, err := envelope.New(envelope.TypeCallLogged, "call-c1", envelope.CallLogged{
		Call: envelope.CallRecord{CallID: "c1", Status: envelope.StatusAccepted},
	})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	if err := h.bus.Publish(context.Background(), "call_logged", env); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func (h *harness) waitDLQ(t *testing.T) *dlq.Entry {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := h.store.ListDLQ(context.Background(), dlq.ListOpts{})
		if err != nil {
			t.Fatalf("ListDLQ: %v", err)
		}
		if len(entries) > 0 {
			return entries[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no dead-letter entry before deadline")
	return nil
}

func TestScheduler_TransientExhaustsBudget(t *testing.T) {
	h := newHarness(t, 5)
	var calls atomic.Int32
	h.run(t, func(_ context.Context, _ *bus.Delivery) error {
		calls.Add(1)
		return callflow.Transient("crm.create", errors.New("503"))
	})

	entry := h.waitDLQ(t)
	// No further retries after exhaustion.
	time.Sleep(50 * time.Millisecond)

	if got := calls.Load(); got != 5 {
		t.Errorf("handler calls = %d, want 5", got)
	}
	if entry.Attempts != 5 {
		t.Errorf("entry.Attempts = %d, want 5", entry.Attempts)
	}
	if strings.Count(entry.Reason, "503") != 5 {
		t.Errorf("entry.Reason = %q, want all 5 failure reasons", entry.Reason)
	}
	cause, ok := h.failer.get("call-c1")
	if !ok {
		t.Fatal("workflow was not failed")
	}
	if !errors.Is(cause, callflow.ErrMaxRetriesExceeded) {
		t.Errorf("fail cause = %v, want ErrMaxRetriesExceeded", cause)
	}
	if got := h.alerts.n.Load(); got != 1 {
		t.Errorf("alerts = %d, want 1", got)
	}
}

func TestScheduler_TransientRecovers(t *testing.T) {
	h := newHarness(t, 5)
	var calls atomic.Int32
	done := make(chan struct{})
	h.run(t, func(_ context.Context, d *bus.Delivery) error {
		if calls.Add(1) < 3 {
			return callflow.Transient("crm.create", errors.New("503"))
		}
		if d.Attempt != 3 || len(d.History) != 2 {
			t.Errorf("attempt = %d history = %v, want 3 and 2 reasons", d.Attempt, d.History)
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never succeeded")
	}
	if n, _ := h.store.CountDLQ(context.Background()); n != 0 {
		t.Errorf("CountDLQ = %d, want 0", n)
	}
	if _, ok := h.failer.get("call-c1"); ok {
		t.Error("workflow should not be failed")
	}
}

func TestScheduler_ValidationDeadLettersImmediately(t *testing.T) {
	h := newHarness(t, 5)
	var calls atomic.Int32
	h.run(t, func(_ context.Context, _ *bus.Delivery) error {
		calls.Add(1)
		return callflow.Validation("decode payload", errors.New("missing call"))
	})

	entry := h.waitDLQ(t)
	time.Sleep(20 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("handler calls = %d, want 1", got)
	}
	if entry.Kind != string(callflow.KindValidation) {
		t.Errorf("entry.Kind = %q, want validation", entry.Kind)
	}
	if _, ok := h.failer.get("call-c1"); ok {
		t.Error("validation failures should not fail the workflow")
	}
	if got := h.alerts.n.Load(); got != 0 {
		t.Errorf("alerts = %d, want 0", got)
	}
}

func TestScheduler_BusinessRuleFailsWorkflow(t *testing.T) {
	h := newHarness(t, 5)
	h.run(t, func(_ context.Context, _ *bus.Delivery) error {
		return callflow.BusinessRule("lead owner", callflow.ErrNoLeadOwner)
	})

	entry := h.waitDLQ(t)
	if entry.Kind != string(callflow.KindBusinessRule) {
		t.Errorf("entry.Kind = %q, want business_rule", entry.Kind)
	}
	cause, ok := h.failer.get("call-c1")
	if !ok || !errors.Is(cause, callflow.ErrNoLeadOwner) {
		t.Errorf("fail cause = %v, %v; want ErrNoLeadOwner", cause, ok)
	}
}

func TestScheduler_FatalAlerts(t *testing.T) {
	h := newHarness(t, 5)
	h.run(t, func(_ context.Context, _ *bus.Delivery) error {
		return errors.New("nil map write")
	})

	entry := h.waitDLQ(t)
	if entry.Kind != string(callflow.KindFatal) {
		t.Errorf("entry.Kind = %q, want fatal", entry.Kind)
	}
	if _, ok := h.failer.get("call-c1"); !ok {
		t.Error("workflow was not failed")
	}
	if got := h.alerts.n.Load(); got != 1 {
		t.Errorf("alerts = %d, want 1", got)
	}
}

func TestScheduler_RetryFailureIsReturned(t *testing.T) {
	h := newHarness(t, 5)
	h.bus.SetAvailable(false)

	env, _ := envelope.New(envelope.TypeCallLogged, "call-c2", envelope.CallLogged{})
	d := &bus.Delivery{Topic: "call_logged", Group: "orchestrator", Envelope: env, Attempt: 1}

	err := h.sched.Handle(context.Background(), d, callflow.Transient("crm", errors.New("503")))
	if !errors.Is(err, callflow.ErrBrokerUnavailable) {
		t.Fatalf("Handle = %v, want ErrBrokerUnavailable", err)
	}
}

func TestScheduler_UndecodableNeverReachesHandler(t *testing.T) {
	h := newHarness(t, 5)
	called := false
	wrapped := h.sched.Wrap(func(_ context.Context, _ *bus.Delivery) error {
		called = true
		return nil
	})

	d := &bus.Delivery{Topic: "call_logged", Raw: []byte("{oops"), DecodeErr: callflow.ErrInvalidEnvelope, Attempt: 1}
	if err := wrapped(context.Background(), d); err != nil {
		t.Fatalf("wrapped = %v", err)
	}
	if called {
		t.Error("handler ran for an undecodable delivery")
	}
	if n, _ := h.store.CountDLQ(context.Background()); n != 1 {
		t.Errorf("CountDLQ = %d, want 1", n)
	}
}

func TestPolicy_MaxFor(t *testing.T) {
	t.Parallel()

	p := retry.DefaultPolicy()
	tests := []struct {
		typ  envelope.Type
		want int
	}{
		{envelope.TypeCallLogged, 5},
		{envelope.TypeLeadCreated, 8},
		{envelope.TypeRecordingAttached, 5},
		{envelope.TypeCancelRequested, 3},
		{envelope.TypeLeadProcessed, 5},
	}
	for _, tt := range tests {
		if got := p.MaxFor(tt.typ); got != tt.want {
			t.Errorf("MaxFor(%s) = %d, want %d", tt.typ, got, tt.want)
		}
	}

	if got := (retry.Policy{}).MaxFor(envelope.TypeCallLogged); got != 1 {
		t.Errorf("zero policy MaxFor = %d, want 1", got)
	}
}
