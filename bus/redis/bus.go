// Package redis implements bus.Bus on Redis Streams.
//
// Each topic is a stream and each consumer group a Redis consumer group, so
// members of a group compete for entries while every group sees every
// entry. Entries are acknowledged with XACK only after the handler
// succeeds. Entries left pending longer than the ack timeout, because the
// handler failed or the consumer crashed, are reclaimed with XAUTOCLAIM and
// redelivered. Scheduled retries wait in a sorted set and are moved by a
// Lua script into a retry stream read only by the owning group.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	b, err := redisbus.New(client, redisbus.WithPool(pool))
package redis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/id"
	"github.com/inimical023/callflow/worker"
)

// Compile-time check.
var _ bus.Bus = (*Bus)(nil)

// Bus is a Redis Streams bus.
type Bus struct {
	client       goredis.UniversalClient
	codec        bus.Codec
	pool         *worker.Pool
	ownsPool     bool
	logger       *slog.Logger
	prefix       string
	consumer     string
	block        time.Duration
	batch        int64
	ackTimeout   time.Duration
	pumpInterval time.Duration
	maxLen       int64

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithPool runs handlers on a pool owned by the caller.
func WithPool(p *worker.Pool) Option { return func(b *Bus) { b.pool = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.logger = l } }

// WithCodec selects the payload codec. Defaults to JSON.
func WithCodec(c bus.Codec) Option { return func(b *Bus) { b.codec = c } }

// WithPrefix overrides the key prefix.
func WithPrefix(p string) Option { return func(b *Bus) { b.prefix = p } }

// WithConsumerName sets this instance's consumer name within its groups.
func WithConsumerName(n string) Option { return func(b *Bus) { b.consumer = n } }

// WithAckTimeout sets how long an entry may stay unacknowledged before it
// is reclaimed and redelivered.
func WithAckTimeout(d time.Duration) Option { return func(b *Bus) { b.ackTimeout = d } }

// WithMaxLen caps each topic stream (approximate trimming).
func WithMaxLen(n int64) Option { return func(b *Bus) { b.maxLen = n } }

// New creates a bus and starts the delayed-retry pump. The caller owns the
// Redis client.
func New(client goredis.UniversalClient, opts ...Option) (*Bus, error) {
	b := &Bus{
		client:       client,
		codec:        bus.JSONCodec{},
		logger:       slog.Default(),
		prefix:       defaultPrefix,
		consumer:     id.NewWorkerID().String(),
		block:        time.Second,
		batch:        16,
		ackTimeout:   time.Minute,
		pumpInterval: 200 * time.Millisecond,
		maxLen:       100_000,
		subs:         make(map[*subscription]struct{}),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.pool == nil {
		b.pool = worker.NewPool(b.logger, worker.WithConcurrency(8))
		b.ownsPool = true
		if err := b.pool.Start(context.Background()); err != nil {
			return nil, err
		}
	}

	b.wg.Add(1)
	go b.pumpLoop()
	return b, nil
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if topic == "" {
		return callflow.Validation("bus.publish", fmt.Errorf("%w: empty topic", callflow.ErrInvalidEnvelope))
	}
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := b.codec.Encode(env)
	if err != nil {
		return callflow.Validation("bus.publish", err)
	}

	err = b.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: b.streamKey(topic),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			fieldData:    data,
			fieldAttempt: 1,
			fieldCodec:   b.codec.Name(),
		},
	}).Err()
	if err != nil {
		return unavailable("publish", err)
	}
	return nil
}

// Retry implements bus.Bus.
func (b *Bus) Retry(ctx context.Context, d *bus.Delivery, delay time.Duration) error {
	data := d.Raw
	if len(data) == 0 && d.Envelope != nil {
		var err error
		if data, err = b.codec.Encode(d.Envelope); err != nil {
			return callflow.Validation("bus.retry", err)
		}
	}
	history, err := json.Marshal(d.History)
	if err != nil {
		return fmt.Errorf("callflow/redis: retry history: %w", err)
	}
	stream := b.retryKey(d.Topic, d.Group)

	if delay <= 0 {
		err = b.client.XAdd(ctx, &goredis.XAddArgs{
			Stream: stream,
			Values: map[string]any{
				fieldData:    data,
				fieldAttempt: d.Attempt + 1,
				fieldHistory: string(history),
				fieldCodec:   b.codec.Name(),
			},
		}).Err()
		if err != nil {
			return unavailable("retry", err)
		}
		return nil
	}

	member, err := json.Marshal(map[string]string{
		"stream":  stream,
		"data":    base64.StdEncoding.EncodeToString(data),
		"attempt": strconv.Itoa(d.Attempt + 1),
		"history": string(history),
		"codec":   b.codec.Name(),
		"nonce":   id.NewEventID(),
	})
	if err != nil {
		return fmt.Errorf("callflow/redis: retry member: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := b.client.ZAdd(ctx, b.delayedKey(), goredis.Z{Score: due, Member: string(member)}).Err(); err != nil {
		return unavailable("retry", err)
	}
	return nil
}

// Subscribe implements bus.Bus. The group is created at the end of the
// stream, so a new group sees only entries published after it exists.
func (b *Bus) Subscribe(topic string, h bus.Handler, opts ...bus.SubscribeOption) (bus.Subscription, error) {
	o := bus.ApplySubscribe(opts)
	if o.Group == "" {
		o.Group = "sub-" + id.NewWatchID().String()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, callflow.ErrBusClosed
	}
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		bus:     b,
		topic:   topic,
		group:   o.Group,
		stream:  b.streamKey(topic),
		retry:   b.retryKey(topic, o.Group),
		handler: h,
		ctx:     ctx,
		cancel:  cancel,
	}
	if err := b.ensureGroup(ctx, s.stream, s.group, "$"); err != nil {
		cancel()
		return nil, err
	}
	if err := b.ensureGroup(ctx, s.retry, s.group, "0"); err != nil {
		cancel()
		return nil, err
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop()
	go s.reclaimLoop()
	return s, nil
}

// Close stops every subscription, the pump and, when owned, the pool.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe() //nolint:errcheck // Unsubscribe never fails
	}
	close(b.stopCh)
	b.wg.Wait()

	if b.ownsPool {
		return b.pool.Stop(ctx)
	}
	return nil
}

func (b *Bus) ensureGroup(ctx context.Context, stream, group, start string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return unavailable("create group", err)
	}
	return nil
}

func (b *Bus) pumpLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.pumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := pumpScript.Run(ctx, b.client, []string{b.delayedKey()},
				time.Now().UnixMilli(), 100).Result()
			cancel()
			if err != nil && !errors.Is(err, goredis.Nil) {
				b.logger.Warn("delayed retry pump failed", slog.String("error", err.Error()))
			}
		}
	}
}

// decode turns a stream entry into a delivery.
func (b *Bus) decode(topic, group string, msg goredis.XMessage) *bus.Delivery {
	d := &bus.Delivery{Topic: topic, Group: group, Attempt: 1}

	if s, ok := msg.Values[fieldData].(string); ok {
		d.Raw = []byte(s)
	} else if s, ok := msg.Values[fieldData64].(string); ok {
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			d.DecodeErr = callflow.Validation("bus.decode", err)
			return d
		}
		d.Raw = raw
	}
	if s, ok := msg.Values[fieldAttempt].(string); ok {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			d.Attempt = n
		}
	}
	if s, ok := msg.Values[fieldHistory].(string); ok && s != "" && s != "null" {
		_ = json.Unmarshal([]byte(s), &d.History) //nolint:errcheck // best-effort parse from trusted Redis data
	}

	codec := b.codec
	if name, ok := msg.Values[fieldCodec].(string); ok {
		codec = bus.GetCodec(name)
	}
	env, err := codec.Decode(d.Raw)
	if err != nil {
		d.DecodeErr = err
		return d
	}
	d.Envelope = env
	return d
}

func unavailable(op string, err error) error {
	return callflow.Transient("bus."+op, fmt.Errorf("%w: %v", callflow.ErrBrokerUnavailable, err))
}
