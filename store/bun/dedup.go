package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/dedup"
)

// CheckAndMark implements dedup.Store.
func (s *Store) CheckAndMark(ctx context.Context, key string, lease time.Duration) (bool, error) {
	at := now()
	m := &dedupModel{
		Key:       key,
		State:     string(dedup.StatePending),
		MarkedAt:  at,
		ExpiresAt: at.Add(lease),
	}
	res, err := s.db.NewInsert().Model(m).
		On("CONFLICT (key) DO UPDATE").
		Set("state = EXCLUDED.state").
		Set("outcome_hash = ''").
		Set("outcome = NULL").
		Set("marked_at = EXCLUDED.marked_at").
		Set("processed_at = NULL").
		Set("expires_at = EXCLUDED.expires_at").
		Where("callflow_dedup.expires_at <= EXCLUDED.marked_at").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("callflow/bun: check and mark: %w", err)
	}
	return affected(res) == 1, nil
}

// CommitMark implements dedup.Store.
func (s *Store) CommitMark(ctx context.Context, key string, out dedup.Outcome, ttl time.Duration) error {
	at := now()
	m := &dedupModel{
		Key:         key,
		State:       string(dedup.StateDone),
		OutcomeHash: out.Hash,
		Outcome:     out.Data,
		MarkedAt:    at,
		ProcessedAt: &at,
		ExpiresAt:   at.Add(ttl),
	}
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (key) DO UPDATE").
		Set("state = EXCLUDED.state").
		Set("outcome_hash = EXCLUDED.outcome_hash").
		Set("outcome = EXCLUDED.outcome").
		Set("processed_at = EXCLUDED.processed_at").
		Set("expires_at = EXCLUDED.expires_at").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("callflow/bun: commit mark: %w", err)
	}
	return nil
}

// ReleaseMark implements dedup.Store.
func (s *Store) ReleaseMark(ctx context.Context, key string) error {
	_, err := s.db.NewDelete().Model((*dedupModel)(nil)).
		Where("key = ?", key).
		Where("state = ?", string(dedup.StatePending)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("callflow/bun: release mark: %w", err)
	}
	return nil
}

// GetMark implements dedup.Store.
func (s *Store) GetMark(ctx context.Context, key string) (*dedup.Mark, error) {
	m := new(dedupModel)
	err := s.db.NewSelect().Model(m).
		Where("key = ?", key).
		Where("expires_at > ?", now()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, callflow.ErrMarkNotFound
		}
		return nil, fmt.Errorf("callflow/bun: get mark: %w", err)
	}
	return fromDedupModel(m), nil
}

// CountMarks implements dedup.Store.
func (s *Store) CountMarks(ctx context.Context) (int64, error) {
	n, err := s.db.NewSelect().Model((*dedupModel)(nil)).
		Where("expires_at > ?", now()).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("callflow/bun: count marks: %w", err)
	}
	return int64(n), nil
}

// PurgeMarks implements dedup.Store.
func (s *Store) PurgeMarks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.NewDelete().Model((*dedupModel)(nil)).
		Where("expires_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("callflow/bun: purge marks: %w", err)
	}
	return affected(res), nil
}
