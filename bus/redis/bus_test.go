//go:build integration

package redis_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/inimical023/callflow/bus"
	redisbus "github.com/inimical023/callflow/bus/redis"
	"github.com/inimical023/callflow/envelope"
)

func setupBus(t *testing.T, opts ...redisbus.Option) *redisbus.Bus {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	o, err := goredis.ParseURL(uri)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client := goredis.NewClient(o)
	t.Cleanup(func() { _ = client.Close() })

	b, err := redisbus.New(client, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(ctx) })
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func env(t *testing.T) *envelope.Envelope {
	t.Helper()
	e, err := envelope.New(envelope.TypeLeadCreated, "call-c1", envelope.Lead{LeadID: "L1"})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestPublishSubscribe(t *testing.T) {
	b := setupBus(t)
	var got atomic.Value
	_, err := b.Subscribe("lead_created", func(_ context.Context, d *bus.Delivery) error {
		got.Store(d.EventID())
		return nil
	}, bus.WithGroup("orchestrator"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	e := env(t)
	if err := b.Publish(context.Background(), "lead_created", e); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool { v, _ := got.Load().(string); return v == e.EventID })
}

func TestMsgpackCodec(t *testing.T) {
	b := setupBus(t, redisbus.WithCodec(bus.MsgpackCodec{}))
	var got atomic.Value
	_, _ = b.Subscribe("lead_created", func(_ context.Context, d *bus.Delivery) error {
		got.Store(d.EventID())
		return nil
	})
	e := env(t)
	_ = b.Publish(context.Background(), "lead_created", e)
	waitFor(t, func() bool { v, _ := got.Load().(string); return v == e.EventID })
}

func TestDelayedRetryReachesOwnGroup(t *testing.T) {
	b := setupBus(t)
	var orch, audit atomic.Int32
	_, _ = b.Subscribe("lead_created", func(ctx context.Context, d *bus.Delivery) error {
		if orch.Add(1) == 1 {
			d.History = append(d.History, "crm timeout")
			return b.Retry(ctx, d, 100*time.Millisecond)
		}
		if d.Attempt != 2 || len(d.History) != 1 {
			t.Errorf("retry delivery = attempt %d history %v", d.Attempt, d.History)
		}
		return nil
	}, bus.WithGroup("orchestrator"))
	_, _ = b.Subscribe("lead_created", func(context.Context, *bus.Delivery) error {
		audit.Add(1)
		return nil
	}, bus.WithGroup("audit"))

	_ = b.Publish(context.Background(), "lead_created", env(t))
	waitFor(t, func() bool { return orch.Load() == 2 })
	if audit.Load() != 1 {
		t.Errorf("audit deliveries = %d, want 1", audit.Load())
	}
}

func TestFailedDeliveryIsReclaimed(t *testing.T) {
	b := setupBus(t, redisbus.WithAckTimeout(200*time.Millisecond))
	var n atomic.Int32
	_, _ = b.Subscribe("lead_created", func(_ context.Context, d *bus.Delivery) error {
		if n.Add(1) == 1 {
			return errors.New("crash")
		}
		if !d.Redelivered {
			t.Error("expected redelivered flag")
		}
		return nil
	}, bus.WithGroup("orchestrator"))

	_ = b.Publish(context.Background(), "lead_created", env(t))
	waitFor(t, func() bool { return n.Load() >= 2 })
}
