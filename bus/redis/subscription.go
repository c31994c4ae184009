package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/worker"
)

type subscription struct {
	bus     *Bus
	topic   string
	group   string
	stream  string
	retry   string
	handler bus.Handler

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *subscription) Topic() string { return s.topic }
func (s *subscription) Group() string { return s.group }

// Unsubscribe stops reading immediately. Deliveries already handed to the
// pool run to completion; their entries stay pending if they cannot be
// acknowledged and are reclaimed by another member later.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return nil
}

func (s *subscription) readLoop() {
	defer s.wg.Done()
	b := s.bus

	for s.ctx.Err() == nil {
		res, err := b.client.XReadGroup(s.ctx, &goredis.XReadGroupArgs{
			Group:    s.group,
			Consumer: b.consumer,
			Streams:  []string{s.stream, s.retry, ">", ">"},
			Count:    b.batch,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) || s.ctx.Err() != nil {
				continue
			}
			b.logger.Warn("stream read failed",
				slog.String("topic", s.topic),
				slog.String("group", s.group),
				slog.String("error", err.Error()),
			)
			sleepCtx(s.ctx, time.Second)
			continue
		}

		for _, xs := range res {
			for _, msg := range xs.Messages {
				s.dispatch(xs.Stream, msg, false)
			}
		}
	}
}

// reclaimLoop takes over entries left pending past the ack timeout.
func (s *subscription) reclaimLoop() {
	defer s.wg.Done()
	b := s.bus
	ticker := time.NewTicker(b.ackTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, stream := range []string{s.stream, s.retry} {
				msgs, _, err := b.client.XAutoClaim(s.ctx, &goredis.XAutoClaimArgs{
					Stream:   stream,
					Group:    s.group,
					Consumer: b.consumer,
					MinIdle:  b.ackTimeout,
					Start:    "0-0",
					Count:    b.batch,
				}).Result()
				if err != nil {
					if s.ctx.Err() == nil && !errors.Is(err, goredis.Nil) {
						b.logger.Warn("reclaim failed",
							slog.String("stream", stream),
							slog.String("error", err.Error()),
						)
					}
					continue
				}
				for _, msg := range msgs {
					s.dispatch(stream, msg, true)
				}
			}
		}
	}
}

func (s *subscription) dispatch(stream string, msg goredis.XMessage, reclaimed bool) {
	b := s.bus
	d := b.decode(s.topic, s.group, msg)
	if reclaimed {
		d.Attempt++
		d.Redelivered = true
		d.History = append(d.History, "acknowledgment timeout")
	}

	err := b.pool.Submit(s.ctx, worker.Task{
		Key: s.topic + "/" + s.group + "/" + msg.ID,
		Run: func(ctx context.Context) {
			if herr := s.handler(ctx, d); herr != nil {
				b.logger.Warn("delivery failed, leaving pending for redelivery",
					slog.String("topic", s.topic),
					slog.String("group", s.group),
					slog.String("event_id", d.EventID()),
					slog.Int("attempt", d.Attempt),
					slog.String("error", herr.Error()),
				)
				return
			}
			s.ack(stream, msg.ID)
		},
	})
	if err != nil {
		b.logger.Debug("delivery not scheduled, entry stays pending",
			slog.String("topic", s.topic),
			slog.String("id", msg.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *subscription) ack(stream, msgID string) {
	b := s.bus
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := b.client.TxPipeline()
	pipe.XAck(ctx, stream, s.group, msgID)
	if stream == s.retry {
		pipe.XDel(ctx, stream, msgID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Warn("ack failed, entry will be redelivered",
			slog.String("stream", stream),
			slog.String("id", msgID),
			slog.String("error", err.Error()),
		)
	}
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
