package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/inimical023/callflow/cluster"
)

// AcquireLeadership implements cluster.Store.
func (s *Store) AcquireLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, s.client, []string{s.leaderKey()},
		holder, time.Now().UnixMilli(), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("callflow/redis: acquire leadership: %w", err)
	}
	return n == 1, nil
}

// RenewLeadership implements cluster.Store.
func (s *Store) RenewLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.client, []string{s.leaderKey()}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("callflow/redis: renew leadership: %w", err)
	}
	return n == 1, nil
}

// ReleaseLeadership implements cluster.Store.
func (s *Store) ReleaseLeadership(ctx context.Context, holder string) error {
	if err := releaseLeaderScript.Run(ctx, s.client, []string{s.leaderKey()}, holder).Err(); err != nil {
		return fmt.Errorf("callflow/redis: release leadership: %w", err)
	}
	return nil
}

// GetLeader implements cluster.Store.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Lease, error) {
	pipe := s.client.Pipeline()
	vals := pipe.HGetAll(ctx, s.leaderKey())
	ttl := pipe.PTTL(ctx, s.leaderKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("callflow/redis: get leader: %w", err)
	}

	m := vals.Val()
	if len(m) == 0 || ttl.Val() <= 0 {
		return nil, nil //nolint:nilnil // no leader
	}
	return &cluster.Lease{
		Holder:     m["holder"],
		AcquiredAt: parseMillis(m["acquired_at"]),
		ExpiresAt:  time.Now().UTC().Add(ttl.Val()),
	}, nil
}
