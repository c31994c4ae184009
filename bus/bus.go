// Package bus defines the event bus contract: topic-based publish and
// subscribe with at-least-once delivery.
//
// There is no ordering guarantee across topics, nor between events sharing
// a correlation id. Handlers must tolerate duplicates and out-of-order
// arrival.
package bus

import (
	"context"
	"time"

	"github.com/inimical023/callflow/envelope"
)

// Delivery is one delivery of an envelope to a consumer group.
type Delivery struct {
	Topic string
	Group string

	// Envelope is nil when the raw message could not be decoded.
	Envelope *envelope.Envelope

	// Raw is the message as received.
	Raw []byte

	// DecodeErr is set when Envelope is nil.
	DecodeErr error

	// Attempt is 1 for the first delivery and grows with each retry.
	Attempt int

	// History holds the failure reasons of previous attempts.
	History []string

	// Redelivered is set when the broker re-sent the message after a
	// failed or unacknowledged delivery rather than a scheduled retry.
	Redelivered bool
}

// EventID returns the envelope's event id, or "" when undecodable.
func (d *Delivery) EventID() string {
	if d.Envelope == nil {
		return ""
	}
	return d.Envelope.EventID
}

// Handler processes a delivery. A nil error acknowledges it; any error is a
// failed delivery the broker will redeliver.
type Handler func(ctx context.Context, d *Delivery) error

// Subscription is an active subscription.
type Subscription interface {
	Topic() string
	Group() string
	// Unsubscribe stops new deliveries immediately. In-flight handler
	// invocations run to completion.
	Unsubscribe() error
}

// Bus is the broker contract.
type Bus interface {
	// Publish sends env to topic. It returns ErrBrokerUnavailable (a
	// transient error) when the broker cannot be reached.
	Publish(ctx context.Context, topic string, env *envelope.Envelope) error

	// Subscribe registers h on topic.
	Subscribe(topic string, h Handler, opts ...SubscribeOption) (Subscription, error)

	// Retry redelivers d to its own group after delay, with Attempt+1 and
	// d.History. Other groups on the topic are not affected.
	Retry(ctx context.Context, d *Delivery, delay time.Duration) error

	// Close releases broker resources.
	Close(ctx context.Context) error
}

// SubscribeOptions holds the resolved subscribe options.
type SubscribeOptions struct {
	Group string
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscribeOptions)

// WithGroup places the subscription in a consumer group. Members of one
// group compete for messages; every group receives every message. Without
// a group each subscription forms its own group.
func WithGroup(name string) SubscribeOption {
	return func(o *SubscribeOptions) { o.Group = name }
}

// ApplySubscribe resolves opts.
func ApplySubscribe(opts []SubscribeOption) SubscribeOptions {
	var o SubscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
