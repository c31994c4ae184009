// Package memory provides an in-process event bus with the same delivery
// semantics as the broker-backed implementations: consumer groups,
// at-least-once redelivery on handler failure, delayed retries and
// immediate unsubscribe. Handlers run on a bounded worker pool.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/id"
	"github.com/inimical023/callflow/worker"
)

// Compile-time check.
var _ bus.Bus = (*Bus)(nil)

// Bus is an in-process bus.
type Bus struct {
	pool            *worker.Pool
	ownsPool        bool
	logger          *slog.Logger
	redeliveryDelay time.Duration

	mu     sync.RWMutex
	topics map[string]map[string]*group
	closed bool

	available atomic.Bool
	published atomic.Int64
	failed    atomic.Int64

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
}

type group struct {
	name    string
	mu      sync.Mutex
	members []*subscription
	next    int
}

// pick returns the next active member round-robin, or nil when every
// member is unsubscribing.
func (g *group) pick() *subscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	for range len(g.members) {
		s := g.members[g.next%len(g.members)]
		g.next++
		if s.active.Load() {
			return s
		}
	}
	return nil
}

type subscription struct {
	bus     *Bus
	topic   string
	group   string
	handler bus.Handler
	active  atomic.Bool
}

func (s *subscription) Topic() string { return s.topic }
func (s *subscription) Group() string { return s.group }

func (s *subscription) Unsubscribe() error {
	if !s.active.CompareAndSwap(true, false) {
		return nil
	}
	s.bus.remove(s)
	return nil
}

// Option configures a Bus.
type Option func(*Bus)

// WithPool runs handlers on a pool owned by the caller.
func WithPool(p *worker.Pool) Option {
	return func(b *Bus) { b.pool = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithRedeliveryDelay sets how long a failed delivery waits before the bus
// redelivers it.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *Bus) { b.redeliveryDelay = d }
}

// New creates a bus. Without WithPool it starts a private pool of 8
// workers that Close stops.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:          slog.Default(),
		redeliveryDelay: time.Second,
		topics:          make(map[string]map[string]*group),
		timers:          make(map[*time.Timer]struct{}),
	}
	b.available.Store(true)
	for _, opt := range opts {
		opt(b)
	}
	if b.pool == nil {
		b.pool = worker.NewPool(b.logger, worker.WithConcurrency(8))
		b.ownsPool = true
		_ = b.pool.Start(context.Background()) //nolint:errcheck // a fresh pool always starts
	}
	return b
}

// SetAvailable toggles broker reachability. While unavailable, Publish and
// Retry fail with ErrBrokerUnavailable.
func (b *Bus) SetAvailable(ok bool) { b.available.Store(ok) }

// Published returns the number of successful Publish calls.
func (b *Bus) Published() int64 { return b.published.Load() }

// FailedDeliveries returns the number of handler failures.
func (b *Bus) FailedDeliveries() int64 { return b.failed.Load() }

// PendingTimers returns the number of scheduled redeliveries.
func (b *Bus) PendingTimers() int {
	b.timersMu.Lock()
	defer b.timersMu.Unlock()
	return len(b.timers)
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if topic == "" {
		return callflow.Validation("bus.publish", fmt.Errorf("%w: empty topic", callflow.ErrInvalidEnvelope))
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if err := b.reachable(); err != nil {
		return err
	}

	raw, err := env.Marshal()
	if err != nil {
		return callflow.Validation("bus.publish", err)
	}

	b.mu.RLock()
	groups := make([]string, 0, len(b.topics[topic]))
	for name := range b.topics[topic] {
		groups = append(groups, name)
	}
	b.mu.RUnlock()

	for _, g := range groups {
		d := &bus.Delivery{
			Topic:    topic,
			Group:    g,
			Envelope: env.Clone(),
			Raw:      raw,
			Attempt:  1,
		}
		if err := b.enqueue(ctx, d); err != nil {
			return callflow.Transient("bus.publish", err)
		}
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(topic string, h bus.Handler, opts ...bus.SubscribeOption) (bus.Subscription, error) {
	o := bus.ApplySubscribe(opts)
	if o.Group == "" {
		o.Group = "sub-" + id.NewWatchID().String()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, callflow.ErrBusClosed
	}

	groups, ok := b.topics[topic]
	if !ok {
		groups = make(map[string]*group)
		b.topics[topic] = groups
	}
	g, ok := groups[o.Group]
	if !ok {
		g = &group{name: o.Group}
		groups[o.Group] = g
	}

	s := &subscription{bus: b, topic: topic, group: o.Group, handler: h}
	s.active.Store(true)
	g.mu.Lock()
	g.members = append(g.members, s)
	g.mu.Unlock()
	return s, nil
}

// Retry implements bus.Bus.
func (b *Bus) Retry(ctx context.Context, d *bus.Delivery, delay time.Duration) error {
	if err := b.reachable(); err != nil {
		return err
	}
	next := b.next(d, false)
	if delay <= 0 {
		return b.enqueue(ctx, next)
	}
	b.after(delay, next)
	return nil
}

// Close stops timers and, when the bus owns it, the worker pool.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.timersMu.Lock()
	for t := range b.timers {
		t.Stop()
	}
	b.timers = make(map[*time.Timer]struct{})
	b.timersMu.Unlock()

	if b.ownsPool {
		return b.pool.Stop(ctx)
	}
	return nil
}

func (b *Bus) reachable() error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return callflow.Transient("bus", fmt.Errorf("%w: %w", callflow.ErrBrokerUnavailable, callflow.ErrBusClosed))
	}
	if !b.available.Load() {
		return callflow.Transient("bus", callflow.ErrBrokerUnavailable)
	}
	return nil
}

func (b *Bus) enqueue(ctx context.Context, d *bus.Delivery) error {
	return b.pool.Submit(ctx, worker.Task{
		Key: d.Topic + "/" + d.Group + "/" + d.EventID(),
		Run: func(taskCtx context.Context) { b.deliver(taskCtx, d) },
	})
}

func (b *Bus) deliver(ctx context.Context, d *bus.Delivery) {
	b.mu.RLock()
	g := b.topics[d.Topic][d.Group]
	b.mu.RUnlock()
	if g == nil {
		b.logger.Debug("no subscribers left, dropping delivery",
			slog.String("topic", d.Topic),
			slog.String("group", d.Group),
			slog.String("event_id", d.EventID()),
		)
		return
	}
	s := g.pick()
	if s == nil {
		// The last members are leaving. Nothing ran, so the attempt is not
		// spent; the retry finds the group rebuilt or gone.
		b.after(b.redeliveryDelay, d)
		return
	}

	err := s.handler(ctx, d)
	if err == nil {
		return
	}
	b.failed.Add(1)
	b.logger.Warn("delivery failed, scheduling redelivery",
		slog.String("topic", d.Topic),
		slog.String("group", d.Group),
		slog.String("event_id", d.EventID()),
		slog.Int("attempt", d.Attempt),
		slog.String("error", err.Error()),
	)
	next := b.next(d, true)
	next.History = append(next.History, err.Error())
	b.after(b.redeliveryDelay, next)
}

func (b *Bus) next(d *bus.Delivery, redelivered bool) *bus.Delivery {
	n := *d
	n.Envelope = d.Envelope.Clone()
	n.History = append([]string(nil), d.History...)
	n.Attempt = d.Attempt + 1
	n.Redelivered = redelivered
	return &n
}

func (b *Bus) after(delay time.Duration, d *bus.Delivery) {
	b.timersMu.Lock()
	defer b.timersMu.Unlock()

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.timersMu.Lock()
		delete(b.timers, t)
		b.timersMu.Unlock()

		b.mu.RLock()
		closed := b.closed
		b.mu.RUnlock()
		if closed {
			return
		}
		if err := b.enqueue(context.Background(), d); err != nil {
			b.logger.Error("scheduled redelivery dropped",
				slog.String("topic", d.Topic),
				slog.String("event_id", d.EventID()),
				slog.String("error", err.Error()),
			)
		}
	})
	b.timers[t] = struct{}{}
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g := b.topics[s.topic][s.group]
	if g == nil {
		return
	}
	g.mu.Lock()
	for i, m := range g.members {
		if m == s {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	empty := len(g.members) == 0
	g.mu.Unlock()

	if empty {
		delete(b.topics[s.topic], s.group)
	}
}
