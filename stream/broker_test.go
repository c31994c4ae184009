package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/ext"
	"github.com/inimical023/callflow/id"
	"github.com/inimical023/callflow/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func receive(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case evt := <-sub.C():
		return evt
	case <-time.After(time.Second):
		t.Fatalf("subscriber %s timed out", sub.ID())
		return nil
	}
}

func TestBrokerStageChanged(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	byCall := b.Subscribe("by-call", WorkflowTopic("call-1"))
	byStage := b.Subscribe("by-stage", StageTopic(workflow.StageLeadReady))
	firehose := b.Subscribe("firehose", TopicFirehose)

	st := &workflow.State{CorrelationID: "call-1", Stage: workflow.StageLeadReady, Version: 3, LeadID: "L1"}
	if err := b.OnStageChanged(context.Background(), st, workflow.StageLeadPending); err != nil {
		t.Fatalf("OnStageChanged: %v", err)
	}

	for _, sub := range []*Subscriber{byCall, byStage, firehose} {
		evt := receive(t, sub)
		if evt.Type != EventStageChanged {
			t.Errorf("%s: Type = %q, want %q", sub.ID(), evt.Type, EventStageChanged)
		}
	}

	// Re-decode one payload.
	st2 := &workflow.State{CorrelationID: "call-1", Stage: workflow.StageNotified, Version: 4}
	_ = b.OnStageChanged(context.Background(), st2, workflow.StageLeadReady)
	var data WorkflowEventData
	if err := json.Unmarshal(receive(t, byCall).Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data.From != "LEAD_READY" || data.Stage != "NOTIFIED" || data.Version != 4 {
		t.Errorf("data = %+v", data)
	}

	// The LEAD_READY stage topic does not see NOTIFIED.
	select {
	case <-byStage.C():
		t.Fatal("stage subscriber received an event for another stage")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerOtherCallNotDelivered(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("wf-sub", WorkflowTopic("call-a"))

	_ = b.OnWorkflowStarted(context.Background(), &workflow.State{CorrelationID: "call-b", Stage: workflow.StageReceived})

	select {
	case <-sub.C():
		t.Fatal("should not receive event for a different call")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerDeliveryAndAlertTopics(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	deliveries := b.Subscribe("deliveries", TopicDeliveries)
	alerts := b.Subscribe("alerts", TopicAlerts)
	ctx := context.Background()

	env, err := envelope.New(envelope.TypeLeadCreated, "call-1", envelope.Lead{LeadID: "L1"})
	if err != nil {
		t.Fatal(err)
	}
	d := &bus.Delivery{Topic: "lead_created", Envelope: env, Attempt: 2}
	_ = b.OnEventRetrying(ctx, d, errors.New("503"), 2*time.Second)
	_ = b.OnEventDeadLettered(ctx, &dlq.Entry{ID: id.NewDLQID(), EventID: env.EventID, CorrelationID: "call-1", Topic: "lead_created"})
	_ = b.OnAlert(ctx, ext.Alert{CorrelationID: "call-1", Kind: "fatal", Reason: "boom"})

	if evt := receive(t, deliveries); evt.Type != EventRetrying {
		t.Errorf("first delivery event = %q, want %q", evt.Type, EventRetrying)
	}
	if evt := receive(t, deliveries); evt.Type != EventDeadLettered {
		t.Errorf("second delivery event = %q, want %q", evt.Type, EventDeadLettered)
	}
	if evt := receive(t, alerts); evt.Type != EventAlert {
		t.Errorf("alert event = %q, want %q", evt.Type, EventAlert)
	}
}

func TestBrokerRemoveSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("sub-rm", TopicFirehose)
	b.RemoveSubscriber("sub-rm")

	_ = b.OnWorkflowStarted(context.Background(), &workflow.State{CorrelationID: "call-1"})

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("channel should be closed after RemoveSubscriber")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel was not closed")
	}
}

func TestBrokerStats(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	_ = b.Subscribe("s1", TopicWorkflows)
	_ = b.Subscribe("s2", TopicDeliveries, TopicFirehose)

	stats := b.Stats()
	if stats.SubscriberCount != 2 {
		t.Errorf("SubscriberCount = %d, want 2", stats.SubscriberCount)
	}
	if stats.TopicCount != 3 {
		t.Errorf("TopicCount = %d, want 3", stats.TopicCount)
	}
}

func TestBrokerShutdownClosesSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("s1", TopicFirehose)
	_ = b.OnShutdown(context.Background())

	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed after shutdown")
	}
	if n := b.Stats().SubscriberCount; n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestSubscriberCredits(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("credit-sub", 10, 2)
	evt := &Event{Type: EventStageChanged, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}

	if !sub.send(evt) || !sub.send(evt) {
		t.Fatal("first two sends should succeed")
	}
	if sub.send(evt) {
		t.Fatal("third send should fail (no credits)")
	}
	if sub.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", sub.Dropped())
	}

	sub.AddCredits(5)
	if sub.Credits() != 5 {
		t.Errorf("Credits = %d, want 5", sub.Credits())
	}
	if !sub.send(evt) {
		t.Fatal("send after credit replenishment should succeed")
	}
}

func TestSubscriberFullBufferDrops(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("full", 1, 100)
	evt := &Event{Type: EventAlert}
	if !sub.send(evt) {
		t.Fatal("first send should succeed")
	}
	if sub.send(evt) {
		t.Fatal("second send should fail on a full buffer")
	}
	if sub.Credits() != 99 {
		t.Errorf("Credits = %d, want 99 (credit restored)", sub.Credits())
	}
}

func TestSubscriberFilter(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("filter-sub", 10, 100)
	sub.SetFilter(func(e *Event) bool { return e.Type == EventWorkflowFailed })

	if sub.send(&Event{Type: EventWorkflowCompleted}) {
		t.Fatal("completed event should be filtered out")
	}
	if !sub.send(&Event{Type: EventWorkflowFailed}) {
		t.Fatal("failed event should pass filter")
	}
}

func TestCorrelationFilter(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("one-call", 10, 100)
	sub.SetFilter(CorrelationFilter("call-7"))

	mine := &Event{Type: EventStageChanged, Data: json.RawMessage(`{"correlation_id":"call-7","stage":"LEAD_PENDING"}`)}
	other := &Event{Type: EventStageChanged, Data: json.RawMessage(`{"correlation_id":"call-8"}`)}
	alert := &Event{Type: EventAlert, Data: json.RawMessage(`{"message":"x"}`)}

	if !sub.send(mine) {
		t.Error("matching event was filtered")
	}
	if sub.send(other) || sub.send(alert) {
		t.Error("non-matching event delivered")
	}
	if got := sub.Topics(); len(got) != 0 {
		t.Errorf("Topics = %v, want none", got)
	}
}

func TestSubscriberSendAfterClose(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("closed", 10, 100)
	sub.Close()
	sub.Close()
	if sub.send(&Event{Type: EventAlert}) {
		t.Fatal("send after close should fail")
	}
}

func TestTopicValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		topic string
		valid bool
	}{
		{TopicWorkflows, true},
		{TopicDeliveries, true},
		{TopicAlerts, true},
		{TopicFirehose, true},
		{"workflow:call-123", true},
		{"stage:FAILED", true},
		{"stage:BOGUS", false},
		{"invalid", false},
		{"unknown:entity", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if tt.valid && err != nil {
				t.Errorf("ValidateTopic(%q) returned error: %v", tt.topic, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("ValidateTopic(%q) should return error", tt.topic)
			}
		})
	}
}

func TestBroadcastDeduplication(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()
	sub := NewSubscriber("dedup-sub", 10, 100)
	tr.Subscribe("topic-x", sub)
	tr.Subscribe("topic-y", sub)

	delivered := tr.Broadcast([]string{"topic-x", "topic-y"}, &Event{Type: EventAlert})
	if delivered != 1 {
		t.Errorf("Broadcast delivered to %d subscribers, want 1 (deduplicated)", delivered)
	}

	tr.UnsubscribeAll("dedup-sub")
	if tr.TopicCount() != 0 {
		t.Errorf("TopicCount after UnsubscribeAll = %d, want 0", tr.TopicCount())
	}
}

func TestResolveTopics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		evt      *Event
		stage    workflow.Stage
		expected []string
	}{
		{
			name:     "stage change",
			evt:      &Event{Type: EventStageChanged, Topic: "workflow:call-1"},
			stage:    workflow.StageNotified,
			expected: []string{TopicFirehose, TopicWorkflows, "stage:NOTIFIED", "workflow:call-1"},
		},
		{
			name:     "retry",
			evt:      &Event{Type: EventRetrying, Topic: "workflow:call-1"},
			expected: []string{TopicFirehose, TopicDeliveries, "workflow:call-1"},
		},
		{
			name:     "alert without call",
			evt:      &Event{Type: EventAlert},
			expected: []string{TopicFirehose, TopicAlerts},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topics := resolveTopics(tt.evt, tt.stage)
			if len(topics) != len(tt.expected) {
				t.Fatalf("got %d topics, want %d: %v", len(topics), len(tt.expected), topics)
			}
			for i, topic := range topics {
				if topic != tt.expected[i] {
					t.Errorf("topic[%d] = %q, want %q", i, topic, tt.expected[i])
				}
			}
		})
	}
}
