package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/inimical023/callflow/backoff"
	"github.com/inimical023/callflow/bus"
	busmemory "github.com/inimical023/callflow/bus/memory"
	"github.com/inimical023/callflow/callsource"
	"github.com/inimical023/callflow/crm"
	"github.com/inimical023/callflow/dedup"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/ext"
	"github.com/inimical023/callflow/orchestrator"
	"github.com/inimical023/callflow/recording"
	"github.com/inimical023/callflow/retry"
	"github.com/inimical023/callflow/store/memory"
	"github.com/inimical023/callflow/workflow"
)

var callStart = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// collector records every envelope published on the watched topics.
type collector struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (c *collector) handle(_ context.Context, d *bus.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, d.Envelope)
	return nil
}

func (c *collector) ofType(t envelope.Type) []*envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*envelope.Envelope
	for _, e := range c.envs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// wait polls until at least n envelopes of type t arrived.
func (c *collector) wait(tb testing.TB, t envelope.Type, n int) []*envelope.Envelope {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.ofType(t); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatalf("%s events = %d, want %d", t, len(c.ofType(t)), n)
	return nil
}

type harness struct {
	bus        *busmemory.Bus
	store      workflow.Store
	mem        *memory.Store
	crm        *crm.Memory
	source     *callsource.Memory
	recordings *recording.Memory
	orch       *orchestrator.Orchestrator
	sched      *retry.Scheduler
	events     *collector
}

type harnessOpts struct {
	// wired subscribes the orchestrator to its topics behind the scheduler.
	wired bool
	store func(*memory.Store) workflow.Store
	// owners seeds the CRM; nil means a single default owner.
	owners []crm.Owner
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	b := busmemory.New(busmemory.WithRedeliveryDelay(5 * time.Millisecond))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	if o.owners == nil {
		o.owners = []crm.Owner{{ID: "owner-1", Name: "Front Desk"}}
	}
	mem := memory.New()
	h := &harness{
		bus:        b,
		mem:        mem,
		store:      mem,
		crm:        crm.NewMemory(o.owners...),
		source:     callsource.NewMemory(),
		recordings: recording.NewMemory(),
		events:     &collector{},
	}
	if o.store != nil {
		h.store = o.store(mem)
	}
	reg := ext.NewRegistry(nil)
	h.orch = orchestrator.New(orchestrator.Deps{
		Store:      h.store,
		Bus:        b,
		Dedup:      dedup.NewService(mem, dedup.WithNamespace("orchestrator")),
		CRM:        h.crm,
		Source:     h.source,
		Recordings: h.recordings,
	}, orchestrator.WithExtensions(reg))
	h.sched = retry.NewScheduler(b, dlq.NewService(mem, b, nil),
		retry.WithPolicy(retry.Policy{
			DefaultMaxAttempts: 5,
			Backoff:            backoff.Constant(time.Millisecond),
		}),
		retry.WithFailer(h.orch),
		retry.WithExtensions(reg),
	)

	watched := []envelope.Type{
		envelope.TypeCallLogged, envelope.TypeLeadCreated, envelope.TypeLeadUpdated,
		envelope.TypeRecordingAttached, envelope.TypeLeadProcessed, envelope.TypeWorkflowFailed,
	}
	for _, typ := range watched {
		if _, err := b.Subscribe(typ.Topic(), h.events.handle, bus.WithGroup("test")); err != nil {
			t.Fatalf("Subscribe %s: %v", typ, err)
		}
	}
	if o.wired {
		for _, topic := range orchestrator.Topics() {
			if _, err := b.Subscribe(topic, h.sched.Wrap(h.orch.Handle), bus.WithGroup("orchestrator")); err != nil {
				t.Fatalf("Subscribe %s: %v", topic, err)
			}
		}
	}
	return h
}

func acceptedCall(callID, recordingID string) envelope.CallRecord {
	return envelope.CallRecord{
		CallID:       callID,
		Extension:    "101",
		Direction:    "Inbound",
		Status:       envelope.StatusAccepted,
		Result:       "Completed",
		CallerNumber: "(555) 123-4567",
		StartTime:    callStart,
		Duration:     42,
		RecordingID:  recordingID,
	}
}

func callLogged(t *testing.T, call envelope.CallRecord) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.TypeCallLogged, envelope.CorrelationForCall(call.CallID), envelope.CallLogged{Call: call})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	return env
}

func command(t *testing.T, typ envelope.Type, corr string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(typ, corr, envelope.Command{Reason: "test", RequestedBy: "ops"})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	return env
}

func delivery(env *envelope.Envelope) *bus.Delivery {
	return &bus.Delivery{Topic: env.Type.Topic(), Group: "orchestrator", Envelope: env, Attempt: 1}
}

func (h *harness) publish(t *testing.T, env *envelope.Envelope) {
	t.Helper()
	if err := h.bus.Publish(context.Background(), env.Type.Topic(), env); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func (h *harness) state(t *testing.T, corr string) *workflow.State {
	t.Helper()
	st, err := h.store.GetState(context.Background(), corr)
	if err != nil {
		t.Fatalf("GetState(%s): %v", corr, err)
	}
	return st
}

// waitStage polls until the workflow reaches stage.
func (h *harness) waitStage(t *testing.T, corr string, stage workflow.Stage) *workflow.State {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last *workflow.State
	for time.Now().Before(deadline) {
		st, err := h.store.GetState(context.Background(), corr)
		if err == nil {
			last = st
			if st.Stage == stage {
				return st
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	if last == nil {
		t.Fatalf("workflow %s never created", corr)
	}
	t.Fatalf("workflow %s at %s, want %s (last error %q)", corr, last.Stage, stage, last.LastError)
	return nil
}

func stagesOf(st *workflow.State) []workflow.Stage {
	out := make([]workflow.Stage, 0, len(st.History))
	for _, tr := range st.History {
		out = append(out, tr.To)
	}
	return out
}
