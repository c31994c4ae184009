package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/inimical023/callflow/cluster"
)

// AcquireLeadership implements cluster.Store.
func (s *Store) AcquireLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	at := now()
	m := &leaderModel{Name: leaderRow, Holder: holder, AcquiredAt: at, ExpiresAt: at.Add(ttl)}
	res, err := s.db.NewInsert().Model(m).
		On("CONFLICT (name) DO UPDATE").
		Set("holder = EXCLUDED.holder").
		Set(`acquired_at = CASE WHEN callflow_leader.holder = EXCLUDED.holder
			THEN callflow_leader.acquired_at ELSE EXCLUDED.acquired_at END`).
		Set("expires_at = EXCLUDED.expires_at").
		Where("callflow_leader.holder = EXCLUDED.holder OR callflow_leader.expires_at <= EXCLUDED.acquired_at").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("callflow/bun: acquire leadership: %w", err)
	}
	return affected(res) == 1, nil
}

// RenewLeadership implements cluster.Store.
func (s *Store) RenewLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	at := now()
	res, err := s.db.NewUpdate().
		TableExpr("callflow_leader").
		Set("expires_at = ?", at.Add(ttl)).
		Where("name = ?", leaderRow).
		Where("holder = ?", holder).
		Where("expires_at > ?", at).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("callflow/bun: renew leadership: %w", err)
	}
	return affected(res) == 1, nil
}

// ReleaseLeadership implements cluster.Store.
func (s *Store) ReleaseLeadership(ctx context.Context, holder string) error {
	_, err := s.db.NewDelete().Model((*leaderModel)(nil)).
		Where("name = ?", leaderRow).
		Where("holder = ?", holder).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("callflow/bun: release leadership: %w", err)
	}
	return nil
}

// GetLeader implements cluster.Store.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Lease, error) {
	m := new(leaderModel)
	err := s.db.NewSelect().Model(m).
		Where("name = ?", leaderRow).
		Where("expires_at > ?", now()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // no leader
		}
		return nil, fmt.Errorf("callflow/bun: get leader: %w", err)
	}
	return fromLeaderModel(m), nil
}
