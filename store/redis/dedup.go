package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/dedup"
)

// CheckAndMark implements dedup.Store.
func (s *Store) CheckAndMark(ctx context.Context, key string, lease time.Duration) (bool, error) {
	now := time.Now()
	n, err := markScript.Run(ctx, s.client,
		[]string{s.markKey(key), s.markIndexKey()},
		key, now.UnixMilli(), lease.Milliseconds(), now.Add(lease).UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("callflow/redis: check and mark: %w", err)
	}
	return n == 1, nil
}

// CommitMark implements dedup.Store.
func (s *Store) CommitMark(ctx context.Context, key string, out dedup.Outcome, ttl time.Duration) error {
	now := time.Now()
	expires := now.Add(ttl).UnixMilli()
	mk := s.markKey(key)

	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, mk, "marked_at", now.UnixMilli())
	pipe.HSet(ctx, mk,
		"state", string(dedup.StateDone),
		"outcome_hash", out.Hash,
		"outcome", string(out.Data),
		"processed_at", now.UnixMilli(),
		"expires_at", expires,
	)
	pipe.PExpire(ctx, mk, ttl)
	pipe.ZAdd(ctx, s.markIndexKey(), goredis.Z{Score: float64(expires), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("callflow/redis: commit mark: %w", err)
	}
	return nil
}

// ReleaseMark implements dedup.Store.
func (s *Store) ReleaseMark(ctx context.Context, key string) error {
	err := releaseScript.Run(ctx, s.client, []string{s.markKey(key), s.markIndexKey()}, key).Err()
	if err != nil {
		return fmt.Errorf("callflow/redis: release mark: %w", err)
	}
	return nil
}

// GetMark implements dedup.Store.
func (s *Store) GetMark(ctx context.Context, key string) (*dedup.Mark, error) {
	vals, err := s.client.HGetAll(ctx, s.markKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("callflow/redis: get mark: %w", err)
	}
	if len(vals) == 0 {
		return nil, callflow.ErrMarkNotFound
	}
	return &dedup.Mark{
		Key:         key,
		State:       dedup.State(vals["state"]),
		OutcomeHash: vals["outcome_hash"],
		Outcome:     outcomeBytes(vals["outcome"]),
		MarkedAt:    parseMillis(vals["marked_at"]),
		ProcessedAt: parseMillis(vals["processed_at"]),
		ExpiresAt:   parseMillis(vals["expires_at"]),
	}, nil
}

// CountMarks implements dedup.Store.
func (s *Store) CountMarks(ctx context.Context) (int64, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := s.client.ZCount(ctx, s.markIndexKey(), "("+now, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("callflow/redis: count marks: %w", err)
	}
	return n, nil
}

// PurgeMarks implements dedup.Store. Mark hashes expire natively; this
// trims the index.
func (s *Store) PurgeMarks(ctx context.Context, before time.Time) (int64, error) {
	cutoff := strconv.FormatInt(before.UnixMilli(), 10)
	n, err := s.client.ZRemRangeByScore(ctx, s.markIndexKey(), "-inf", "("+cutoff).Result()
	if err != nil {
		return 0, fmt.Errorf("callflow/redis: purge marks: %w", err)
	}
	return n, nil
}

func outcomeBytes(v string) []byte {
	if v == "" {
		return nil
	}
	return []byte(v)
}

func parseMillis(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ms, _ := strconv.ParseInt(v, 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	return time.UnixMilli(ms).UTC()
}
