package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/inimical023/callflow/cluster"
)

// AcquireLeadership implements cluster.Store. The upsert only replaces a
// row held by the same holder or one that has expired.
func (s *Store) AcquireLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	at := now()
	var got string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO callflow_leader (name, holder, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			holder      = EXCLUDED.holder,
			acquired_at = CASE WHEN callflow_leader.holder = EXCLUDED.holder
				THEN callflow_leader.acquired_at ELSE EXCLUDED.acquired_at END,
			expires_at  = EXCLUDED.expires_at
		WHERE callflow_leader.holder = EXCLUDED.holder
		   OR callflow_leader.expires_at <= EXCLUDED.acquired_at
		RETURNING holder`,
		leaderRow, holder, at, at.Add(ttl),
	).Scan(&got)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("callflow/postgres: acquire leadership: %w", err)
	}
	return true, nil
}

// RenewLeadership implements cluster.Store.
func (s *Store) RenewLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	at := now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE callflow_leader SET expires_at = $4
		WHERE name = $1 AND holder = $2 AND expires_at > $3`,
		leaderRow, holder, at, at.Add(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("callflow/postgres: renew leadership: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLeadership implements cluster.Store.
func (s *Store) ReleaseLeadership(ctx context.Context, holder string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM callflow_leader WHERE name = $1 AND holder = $2`, leaderRow, holder)
	if err != nil {
		return fmt.Errorf("callflow/postgres: release leadership: %w", err)
	}
	return nil
}

// GetLeader implements cluster.Store.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Lease, error) {
	var l cluster.Lease
	err := s.pool.QueryRow(ctx, `
		SELECT holder, acquired_at, expires_at FROM callflow_leader
		WHERE name = $1 AND expires_at > $2`,
		leaderRow, now(),
	).Scan(&l.Holder, &l.AcquiredAt, &l.ExpiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // no leader
		}
		return nil, fmt.Errorf("callflow/postgres: get leader: %w", err)
	}
	return &l, nil
}
