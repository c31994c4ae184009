package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/ext"
	"github.com/inimical023/callflow/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*Broker)(nil)
	_ ext.WorkflowStarted   = (*Broker)(nil)
	_ ext.StageChanged      = (*Broker)(nil)
	_ ext.WorkflowCompleted = (*Broker)(nil)
	_ ext.WorkflowFailed    = (*Broker)(nil)
	_ ext.EventRetrying     = (*Broker)(nil)
	_ ext.EventDeadLettered = (*Broker)(nil)
	_ ext.Alerter           = (*Broker)(nil)
	_ ext.Shutdown          = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker receives lifecycle hooks and fans them out to subscribers by
// topic.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64

	bufferSize     int
	defaultCredits int64
	now            func() time.Time
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to more topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	sub, ok := b.GetSubscriber(subscriberID)
	if !ok {
		return
	}
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// BrokerStats contains broker counters.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	var count int
	var dropped int64
	b.subscribers.Range(func(_, v any) bool {
		count++
		dropped += v.(*Subscriber).Dropped() //nolint:errcheck // sync.Map always stores *Subscriber
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    dropped,
	}
}

func (b *Broker) publish(evt *Event, stage workflow.Stage) {
	delivered := b.topics.Broadcast(resolveTopics(evt, stage), evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals event data. The payload types always encode.
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

func (b *Broker) workflowEvent(t EventType, st *workflow.State, data WorkflowEventData) {
	data.CorrelationID = st.CorrelationID
	data.Stage = string(st.Stage)
	data.Version = st.Version
	data.LeadID = st.LeadID
	b.publish(&Event{
		Type:      t,
		Timestamp: b.now(),
		Topic:     WorkflowTopic(st.CorrelationID),
		Data:      mustMarshal(data),
	}, st.Stage)
}

// ── Workflow hooks ──────────────────────────────────

func (b *Broker) OnWorkflowStarted(_ context.Context, st *workflow.State) error {
	b.workflowEvent(EventWorkflowStarted, st, WorkflowEventData{})
	return nil
}

func (b *Broker) OnStageChanged(_ context.Context, st *workflow.State, from workflow.Stage) error {
	b.workflowEvent(EventStageChanged, st, WorkflowEventData{From: string(from)})
	return nil
}

func (b *Broker) OnWorkflowCompleted(_ context.Context, st *workflow.State, elapsed time.Duration) error {
	b.workflowEvent(EventWorkflowCompleted, st, WorkflowEventData{ElapsedMs: elapsed.Milliseconds()})
	return nil
}

func (b *Broker) OnWorkflowFailed(_ context.Context, st *workflow.State, cause error) error {
	data := WorkflowEventData{From: string(st.FailedStage)}
	if cause != nil {
		data.Error = cause.Error()
	}
	b.workflowEvent(EventWorkflowFailed, st, data)
	return nil
}

// ── Delivery hooks ──────────────────────────────────

func (b *Broker) OnEventRetrying(_ context.Context, d *bus.Delivery, cause error, delay time.Duration) error {
	data := DeliveryEventData{
		EventID: d.EventID(),
		Topic:   d.Topic,
		Attempt: d.Attempt,
		DelayMs: delay.Milliseconds(),
		Error:   cause.Error(),
	}
	var topic string
	if env := d.Envelope; env != nil {
		data.EventType = string(env.Type)
		data.CorrelationID = env.CorrelationID
		topic = WorkflowTopic(env.CorrelationID)
	}
	b.publish(&Event{Type: EventRetrying, Timestamp: b.now(), Topic: topic, Data: mustMarshal(data)}, "")
	return nil
}

func (b *Broker) OnEventDeadLettered(_ context.Context, entry *dlq.Entry) error {
	data := DeliveryEventData{
		EventID:       entry.EventID,
		EventType:     string(entry.EventType),
		CorrelationID: entry.CorrelationID,
		Topic:         entry.Topic,
		Attempt:       entry.Attempts,
		EntryID:       entry.ID.String(),
		Error:         entry.Reason,
	}
	var topic string
	if entry.CorrelationID != "" {
		topic = WorkflowTopic(entry.CorrelationID)
	}
	b.publish(&Event{Type: EventDeadLettered, Timestamp: b.now(), Topic: topic, Data: mustMarshal(data)}, "")
	return nil
}

// ── Alerts ──────────────────────────────────────────

func (b *Broker) OnAlert(_ context.Context, a ext.Alert) error {
	var topic string
	if a.CorrelationID != "" {
		topic = WorkflowTopic(a.CorrelationID)
	}
	b.publish(&Event{
		Type:      EventAlert,
		Timestamp: b.now(),
		Topic:     topic,
		Data: mustMarshal(AlertEventData{
			CorrelationID: a.CorrelationID,
			EventID:       a.EventID,
			Kind:          a.Kind,
			Reason:        a.Reason,
		}),
	}, "")
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		value.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
