package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/dedup"
)

// CheckAndMark implements dedup.Store. The upsert only overwrites a row
// whose mark has expired, so exactly one concurrent caller gets a row back.
func (s *Store) CheckAndMark(ctx context.Context, key string, lease time.Duration) (bool, error) {
	at := now()
	var got string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO callflow_dedup (key, state, outcome_hash, marked_at, processed_at, expires_at)
		VALUES ($1, 'pending', '', $2, NULL, $3)
		ON CONFLICT (key) DO UPDATE SET
			state        = 'pending',
			outcome_hash = '',
			outcome      = NULL,
			marked_at    = EXCLUDED.marked_at,
			processed_at = NULL,
			expires_at   = EXCLUDED.expires_at
		WHERE callflow_dedup.expires_at <= EXCLUDED.marked_at
		RETURNING key`,
		key, at, at.Add(lease),
	).Scan(&got)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("callflow/postgres: check and mark: %w", err)
	}
	return true, nil
}

// CommitMark implements dedup.Store.
func (s *Store) CommitMark(ctx context.Context, key string, out dedup.Outcome, ttl time.Duration) error {
	at := now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO callflow_dedup (key, state, outcome_hash, outcome, marked_at, processed_at, expires_at)
		VALUES ($1, 'done', $2, $3, $4, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			state        = 'done',
			outcome_hash = EXCLUDED.outcome_hash,
			outcome      = EXCLUDED.outcome,
			processed_at = EXCLUDED.processed_at,
			expires_at   = EXCLUDED.expires_at`,
		key, out.Hash, []byte(out.Data), at, at.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("callflow/postgres: commit mark: %w", err)
	}
	return nil
}

// ReleaseMark implements dedup.Store.
func (s *Store) ReleaseMark(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM callflow_dedup WHERE key = $1 AND state = 'pending'`, key)
	if err != nil {
		return fmt.Errorf("callflow/postgres: release mark: %w", err)
	}
	return nil
}

// GetMark implements dedup.Store.
func (s *Store) GetMark(ctx context.Context, key string) (*dedup.Mark, error) {
	var (
		m           dedup.Mark
		state       string
		outcome     []byte
		processedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT key, state, outcome_hash, outcome, marked_at, processed_at, expires_at
		FROM callflow_dedup
		WHERE key = $1 AND expires_at > $2`,
		key, now(),
	).Scan(&m.Key, &state, &m.OutcomeHash, &outcome, &m.MarkedAt, &processedAt, &m.ExpiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, callflow.ErrMarkNotFound
		}
		return nil, fmt.Errorf("callflow/postgres: get mark: %w", err)
	}
	m.State = dedup.State(state)
	m.Outcome = outcome
	if processedAt != nil {
		m.ProcessedAt = *processedAt
	}
	return &m, nil
}

// CountMarks implements dedup.Store.
func (s *Store) CountMarks(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM callflow_dedup WHERE expires_at > $1`, now()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("callflow/postgres: count marks: %w", err)
	}
	return n, nil
}

// PurgeMarks implements dedup.Store.
func (s *Store) PurgeMarks(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM callflow_dedup WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("callflow/postgres: purge marks: %w", err)
	}
	return tag.RowsAffected(), nil
}
