package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/dedup"
)

// CheckAndMark implements dedup.Store.
func (s *Store) CheckAndMark(ctx context.Context, key string, lease time.Duration) (bool, error) {
	at := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO callflow_dedup (key, state, outcome_hash, marked_at, processed_at, expires_at)
		VALUES (?, 'pending', '', ?, NULL, ?)
		ON CONFLICT (key) DO UPDATE SET
			state        = 'pending',
			outcome_hash = '',
			outcome      = NULL,
			marked_at    = excluded.marked_at,
			processed_at = NULL,
			expires_at   = excluded.expires_at
		WHERE callflow_dedup.expires_at <= excluded.marked_at`,
		key, toUnix(at), toUnix(at.Add(lease)),
	)
	if err != nil {
		return false, fmt.Errorf("callflow/sqlite: check and mark: %w", err)
	}
	return affected(res) == 1, nil
}

// CommitMark implements dedup.Store.
func (s *Store) CommitMark(ctx context.Context, key string, out dedup.Outcome, ttl time.Duration) error {
	at := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO callflow_dedup (key, state, outcome_hash, outcome, marked_at, processed_at, expires_at)
		VALUES (?, 'done', ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			state        = 'done',
			outcome_hash = excluded.outcome_hash,
			outcome      = excluded.outcome,
			processed_at = excluded.processed_at,
			expires_at   = excluded.expires_at`,
		key, out.Hash, []byte(out.Data), toUnix(at), toUnix(at), toUnix(at.Add(ttl)),
	)
	if err != nil {
		return fmt.Errorf("callflow/sqlite: commit mark: %w", err)
	}
	return nil
}

// ReleaseMark implements dedup.Store.
func (s *Store) ReleaseMark(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM callflow_dedup WHERE key = ? AND state = 'pending'`, key)
	if err != nil {
		return fmt.Errorf("callflow/sqlite: release mark: %w", err)
	}
	return nil
}

// GetMark implements dedup.Store.
func (s *Store) GetMark(ctx context.Context, key string) (*dedup.Mark, error) {
	var (
		m                   dedup.Mark
		state               string
		markedAt, expiresAt int64
		processedAt         sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, state, outcome_hash, outcome, marked_at, processed_at, expires_at
		FROM callflow_dedup WHERE key = ? AND expires_at > ?`,
		key, toUnix(time.Now()),
	).Scan(&m.Key, &state, &m.OutcomeHash, &m.Outcome, &markedAt, &processedAt, &expiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, callflow.ErrMarkNotFound
		}
		return nil, fmt.Errorf("callflow/sqlite: get mark: %w", err)
	}
	m.State = dedup.State(state)
	m.MarkedAt = fromUnix(markedAt)
	m.ExpiresAt = fromUnix(expiresAt)
	if p := fromNullUnix(processedAt); p != nil {
		m.ProcessedAt = *p
	}
	return &m, nil
}

// CountMarks implements dedup.Store.
func (s *Store) CountMarks(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM callflow_dedup WHERE expires_at > ?`, toUnix(time.Now())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("callflow/sqlite: count marks: %w", err)
	}
	return n, nil
}

// PurgeMarks implements dedup.Store.
func (s *Store) PurgeMarks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM callflow_dedup WHERE expires_at < ?`, toUnix(before))
	if err != nil {
		return 0, fmt.Errorf("callflow/sqlite: purge marks: %w", err)
	}
	return affected(res), nil
}
