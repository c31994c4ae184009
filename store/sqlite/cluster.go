package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/inimical023/callflow/cluster"
)

// AcquireLeadership implements cluster.Store.
func (s *Store) AcquireLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	at := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO callflow_leader (name, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			acquired_at = CASE WHEN callflow_leader.holder = excluded.holder
				THEN callflow_leader.acquired_at ELSE excluded.acquired_at END,
			holder      = excluded.holder,
			expires_at  = excluded.expires_at
		WHERE callflow_leader.holder = excluded.holder
		   OR callflow_leader.expires_at <= excluded.acquired_at`,
		leaderRow, holder, toUnix(at), toUnix(at.Add(ttl)),
	)
	if err != nil {
		return false, fmt.Errorf("callflow/sqlite: acquire leadership: %w", err)
	}
	return affected(res) == 1, nil
}

// RenewLeadership implements cluster.Store.
func (s *Store) RenewLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	at := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE callflow_leader SET expires_at = ?
		WHERE name = ? AND holder = ? AND expires_at > ?`,
		toUnix(at.Add(ttl)), leaderRow, holder, toUnix(at),
	)
	if err != nil {
		return false, fmt.Errorf("callflow/sqlite: renew leadership: %w", err)
	}
	return affected(res) == 1, nil
}

// ReleaseLeadership implements cluster.Store.
func (s *Store) ReleaseLeadership(ctx context.Context, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM callflow_leader WHERE name = ? AND holder = ?`, leaderRow, holder)
	if err != nil {
		return fmt.Errorf("callflow/sqlite: release leadership: %w", err)
	}
	return nil
}

// GetLeader implements cluster.Store.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Lease, error) {
	var (
		l                   cluster.Lease
		acquired, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT holder, acquired_at, expires_at FROM callflow_leader
		WHERE name = ? AND expires_at > ?`,
		leaderRow, toUnix(time.Now()),
	).Scan(&l.Holder, &acquired, &expiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // no leader
		}
		return nil, fmt.Errorf("callflow/sqlite: get leader: %w", err)
	}
	l.AcquiredAt = fromUnix(acquired)
	l.ExpiresAt = fromUnix(expiresAt)
	return &l, nil
}
