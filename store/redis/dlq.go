package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/id"
)

// PushDLQ implements dlq.Store.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	eID := entry.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.dlqKey(eID), dlqToMap(entry))
	pipe.ZAdd(ctx, s.dlqIndexKey(), goredis.Z{Score: float64(entry.CreatedAt.UnixMilli()), Member: eID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("callflow/redis: push dlq: %w", err)
	}
	return nil
}

// ListDLQ implements dlq.Store.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	ids, err := s.client.ZRevRange(ctx, s.dlqIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("callflow/redis: list dlq: %w", err)
	}

	var (
		entries []*dlq.Entry
		skipped int
	)
	for _, eID := range ids {
		vals, getErr := s.client.HGetAll(ctx, s.dlqKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		e, convErr := mapToDLQ(vals)
		if convErr != nil {
			continue
		}
		if opts.Topic != "" && e.Topic != opts.Topic {
			continue
		}
		if opts.CorrelationID != "" && e.CorrelationID != opts.CorrelationID {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		entries = append(entries, e)
		if opts.Limit > 0 && len(entries) >= opts.Limit {
			break
		}
	}
	return entries, nil
}

// GetDLQ implements dlq.Store.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	vals, err := s.client.HGetAll(ctx, s.dlqKey(entryID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("callflow/redis: get dlq: %w", err)
	}
	if len(vals) == 0 {
		return nil, callflow.ErrDLQNotFound
	}
	return mapToDLQ(vals)
}

// ReplayDLQ implements dlq.Store.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	key := s.dlqKey(entryID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("callflow/redis: replay dlq exists: %w", err)
	}
	if exists == 0 {
		return callflow.ErrDLQNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"replayed_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("callflow/redis: replay dlq: %w", err)
	}
	return nil
}

// PurgeDLQ implements dlq.Store.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRange(ctx, s.dlqIndexKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("callflow/redis: purge dlq zrange: %w", err)
	}

	var purged int64
	for _, eID := range ids {
		key := s.dlqKey(eID)
		failedAtStr, getErr := s.client.HGet(ctx, key, "failed_at").Result()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				continue
			}
			return purged, fmt.Errorf("callflow/redis: purge dlq get: %w", getErr)
		}

		failedAt, _ := time.Parse(time.RFC3339Nano, failedAtStr) //nolint:errcheck // best-effort parse from trusted Redis data
		if failedAt.Before(before) {
			pipe := s.client.TxPipeline()
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.dlqIndexKey(), eID)
			if _, pErr := pipe.Exec(ctx); pErr != nil {
				return purged, fmt.Errorf("callflow/redis: purge dlq del: %w", pErr)
			}
			purged++
		}
	}
	return purged, nil
}

// CountDLQ implements dlq.Store.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, s.dlqIndexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("callflow/redis: count dlq: %w", err)
	}
	return count, nil
}

// ── helpers ──

func dlqToMap(e *dlq.Entry) map[string]any {
	m := map[string]any{
		"id":             e.ID.String(),
		"event_id":       e.EventID,
		"event_type":     string(e.EventType),
		"correlation_id": e.CorrelationID,
		"topic":          e.Topic,
		"group":          e.Group,
		"envelope":       string(e.Envelope),
		"reason":         e.Reason,
		"kind":           e.Kind,
		"attempts":       strconv.Itoa(e.Attempts),
		"failed_at":      e.FailedAt.Format(time.RFC3339Nano),
		"created_at":     e.CreatedAt.Format(time.RFC3339Nano),
	}
	if e.ReplayedAt != nil {
		m["replayed_at"] = e.ReplayedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToDLQ(m map[string]string) (*dlq.Entry, error) {
	eID, err := id.ParseDLQID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("callflow/redis: parse dlq id: %w", err)
	}
	attempts, _ := strconv.Atoi(m["attempts"])                    //nolint:errcheck // best-effort parse from trusted Redis data
	failedAt, _ := time.Parse(time.RFC3339Nano, m["failed_at"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	e := &dlq.Entry{
		ID:            eID,
		EventID:       m["event_id"],
		EventType:     envelope.Type(m["event_type"]),
		CorrelationID: m["correlation_id"],
		Topic:         m["topic"],
		Group:         m["group"],
		Envelope:      []byte(m["envelope"]),
		Reason:        m["reason"],
		Kind:          m["kind"],
		Attempts:      attempts,
		FailedAt:      failedAt,
		CreatedAt:     createdAt,
	}

	if v := m["replayed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		e.ReplayedAt = &t
	}
	return e, nil
}
