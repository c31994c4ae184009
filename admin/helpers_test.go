package admin_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/admin"
	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/store/memory"
	"github.com/inimical023/callflow/workflow"
)

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// captureBus records published envelopes.
type captureBus struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (b *captureBus) Publish(_ context.Context, _ string, env *envelope.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envs = append(b.envs, env)
	return nil
}

func (b *captureBus) Subscribe(string, bus.Handler, ...bus.SubscribeOption) (bus.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *captureBus) Retry(context.Context, *bus.Delivery, time.Duration) error { return nil }
func (b *captureBus) Close(context.Context) error                              { return nil }

func (b *captureBus) ofType(t envelope.Type) []*envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*envelope.Envelope
	for _, e := range b.envs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	mem *memory.Store
	bus *captureBus
	dlq *dlq.Service
	svc *admin.Service
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memory.New()
	b := &captureBus{}
	d := dlq.NewService(mem, b, quietLogger())
	return &fixture{
		mem: mem,
		bus: b,
		dlq: d,
		svc: admin.NewService(mem, d, b, quietLogger()),
	}
}

// seed creates a workflow and walks it through stages.
func (f *fixture) seed(t *testing.T, callID string, stages ...workflow.Stage) *workflow.State {
	t.Helper()
	ctx := context.Background()
	call := &envelope.CallRecord{CallID: callID, Status: envelope.StatusAccepted, StartTime: testNow}
	st := workflow.NewState(envelope.CorrelationForCall(callID), call, nil, testNow)
	if err := f.mem.CreateState(ctx, st); err != nil {
		t.Fatalf("CreateState: %v", err)
	}
	for _, stage := range stages {
		var err error
		if stage == workflow.StageFailed {
			err = st.Fail(callflow.Fatal("crm.create", errors.New("boom")), testNow)
		} else {
			err = st.Advance(stage, testNow)
		}
		if err != nil {
			t.Fatalf("advance to %s: %v", stage, err)
		}
		if err := f.mem.UpdateState(ctx, st); err != nil {
			t.Fatalf("UpdateState: %v", err)
		}
	}
	return st
}

// deadLetter pushes a dead-lettered call_logged for callID.
func (f *fixture) deadLetter(t *testing.T, callID string) *dlq.Entry {
	t.Helper()
	env, err := envelope.New(envelope.TypeCallLogged, envelope.CorrelationForCall(callID),
		envelope.CallLogged{Call: envelope.CallRecord{CallID: callID, Status: envelope.StatusAccepted}})
	if err != nil {
		t.Fatal(err)
	}
	d := &bus.Delivery{Topic: env.Type.Topic(), Group: "orchestrator", Envelope: env, Attempt: 5}
	entry, err := f.dlq.Push(context.Background(), d, callflow.ErrMaxRetriesExceeded)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	return entry
}
