package dlq_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/bus"
	busmemory "github.com/inimical023/callflow/bus/memory"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/store/memory"
)

func newDelivery(t *testing.T) *bus.Delivery {
	t.Helper()
	env, err := envelope.New(envelope.TypeLeadCreated, "call-c1", envelope.Lead{LeadID: "L1", Action: envelope.LeadActionCreated})
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := env.Marshal()
	return &bus.Delivery{
		Topic:    "lead_created",
		Group:    "orchestrator",
		Envelope: env,
		Raw:      raw,
		Attempt:  5,
		History:  []string{"attempt 1: crm 503", "attempt 2: crm 503"},
	}
}

func newBus(t *testing.T) *busmemory.Bus {
	t.Helper()
	b := busmemory.New()
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestService_Push_BuildsEntry(t *testing.T) {
	s := memory.New()
	svc := dlq.NewService(s, nil, nil)
	ctx := context.Background()

	d := newDelivery(t)
	entry, err := svc.Push(ctx, d, callflow.Transient("crm.attach", errors.New("crm 503")))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	got, err := s.GetDLQ(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if got.EventID != d.Envelope.EventID {
		t.Errorf("EventID = %q, want %q", got.EventID, d.Envelope.EventID)
	}
	if got.CorrelationID != "call-c1" || got.EventType != envelope.TypeLeadCreated {
		t.Errorf("entry = %s/%s, want call-c1/lead_created", got.CorrelationID, got.EventType)
	}
	if got.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", got.Attempts)
	}
	if got.Kind != string(callflow.KindTransient) {
		t.Errorf("Kind = %q, want transient", got.Kind)
	}
	if !strings.Contains(got.Reason, "attempt 1") || !strings.HasSuffix(got.Reason, "crm 503") {
		t.Errorf("Reason = %q, want history plus final cause", got.Reason)
	}
	if !json.Valid(got.Envelope) {
		t.Errorf("Envelope is not JSON: %q", got.Envelope)
	}
}

func TestService_Push_Undecodable(t *testing.T) {
	s := memory.New()
	svc := dlq.NewService(s, nil, nil)

	d := &bus.Delivery{Topic: "call_logged", Raw: []byte("not json"), Attempt: 1}
	entry, err := svc.Push(context.Background(), d, callflow.Validation("decode", callflow.ErrInvalidEnvelope))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if entry.EventID != "" {
		t.Errorf("EventID = %q, want empty", entry.EventID)
	}
	var quoted string
	if err := json.Unmarshal(entry.Envelope, &quoted); err != nil || quoted != "not json" {
		t.Errorf("Envelope = %s, want quoted raw bytes", entry.Envelope)
	}
	if entry.Kind != string(callflow.KindValidation) {
		t.Errorf("Kind = %q, want validation", entry.Kind)
	}
}

func TestService_Push_AnnouncesDeadLettered(t *testing.T) {
	s := memory.New()
	b := newBus(t)
	svc := dlq.NewService(s, b, nil)

	got := make(chan *bus.Delivery, 1)
	if _, err := b.Subscribe(envelope.TopicDeadLetter, func(_ context.Context, d *bus.Delivery) error {
		got <- d
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	entry, err := svc.Push(context.Background(), newDelivery(t), errors.New("boom"))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case d := <-got:
		if d.Envelope.Type != envelope.TypeDeadLettered {
			t.Fatalf("Type = %q, want dead_lettered", d.Envelope.Type)
		}
		p, err := envelope.DecodePayload[envelope.DeadLettered](d.Envelope)
		if err != nil {
			t.Fatal(err)
		}
		if p.EntryID != entry.ID.String() || p.Topic != "lead_created" {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dead_lettered event not published")
	}
}

func TestService_Push_KeepsEntryWhenBusDown(t *testing.T) {
	s := memory.New()
	b := newBus(t)
	b.SetAvailable(false)
	svc := dlq.NewService(s, b, nil)

	if _, err := svc.Push(context.Background(), newDelivery(t), errors.New("boom")); err != nil {
		t.Fatalf("Push with broker down = %v, want nil", err)
	}
	if n, _ := s.CountDLQ(context.Background()); n != 1 {
		t.Fatalf("CountDLQ = %d, want 1", n)
	}
}

func TestService_Replay(t *testing.T) {
	s := memory.New()
	b := newBus(t)
	svc := dlq.NewService(s, b, nil)
	ctx := context.Background()

	got := make(chan *bus.Delivery, 1)
	if _, err := b.Subscribe("lead_created", func(_ context.Context, d *bus.Delivery) error {
		got <- d
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	d := newDelivery(t)
	entry, err := svc.Push(ctx, d, errors.New("boom"))
	if err != nil {
		t.Fatal(err)
	}

	env, err := svc.Replay(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if env.EventID != d.Envelope.EventID {
		t.Errorf("replayed EventID = %q, want original %q", env.EventID, d.Envelope.EventID)
	}

	select {
	case rd := <-got:
		if rd.EventID() != d.Envelope.EventID {
			t.Errorf("delivered EventID = %q", rd.EventID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replayed envelope not delivered")
	}

	stored, _ := s.GetDLQ(ctx, entry.ID)
	if stored.ReplayedAt == nil {
		t.Error("ReplayedAt not set")
	}
}

func TestService_Replay_NotFound(t *testing.T) {
	s := memory.New()
	svc := dlq.NewService(s, newBus(t), nil)

	entry, _ := dlq.NewService(memory.New(), nil, nil).Push(context.Background(), newDelivery(t), errors.New("x"))
	if _, err := svc.Replay(context.Background(), entry.ID); !errors.Is(err, callflow.ErrDLQNotFound) {
		t.Fatalf("Replay(missing) = %v, want ErrDLQNotFound", err)
	}
}
