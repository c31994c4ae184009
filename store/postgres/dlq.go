package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/id"
)

const dlqColumns = `id, event_id, event_type, correlation_id, topic, consumer_group,
	envelope, reason, kind, attempts, failed_at, replayed_at, created_at`

// PushDLQ implements dlq.Store.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	var env any
	if len(entry.Envelope) > 0 {
		env = []byte(entry.Envelope)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO callflow_dlq (`+dlqColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.ID.String(), entry.EventID, string(entry.EventType), entry.CorrelationID,
		entry.Topic, entry.Group, env, entry.Reason, entry.Kind, entry.Attempts,
		entry.FailedAt, entry.ReplayedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("callflow/postgres: push dlq: %w", err)
	}
	return nil
}

// ListDLQ implements dlq.Store.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + dlqColumns + ` FROM callflow_dlq WHERE 1=1`
	var args []any
	if opts.Topic != "" {
		query, args = appendFilter(query, args, "topic", "=", opts.Topic)
	}
	if opts.CorrelationID != "" {
		query, args = appendFilter(query, args, "correlation_id", "=", opts.CorrelationID)
	}
	query += " ORDER BY created_at DESC"
	query, args = appendPage(query, args, opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("callflow/postgres: list dlq: %w", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		e, scanErr := scanDLQ(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("callflow/postgres: scan dlq row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("callflow/postgres: iterate dlq rows: %w", err)
	}
	return entries, nil
}

// GetDLQ implements dlq.Store.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+dlqColumns+` FROM callflow_dlq WHERE id = $1`, entryID.String())
	e, err := scanDLQ(row)
	if err != nil {
		if isNoRows(err) {
			return nil, callflow.ErrDLQNotFound
		}
		return nil, fmt.Errorf("callflow/postgres: get dlq: %w", err)
	}
	return e, nil
}

// ReplayDLQ implements dlq.Store.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE callflow_dlq SET replayed_at = $2 WHERE id = $1`, entryID.String(), now())
	if err != nil {
		return fmt.Errorf("callflow/postgres: replay dlq: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return callflow.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ implements dlq.Store.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM callflow_dlq WHERE failed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("callflow/postgres: purge dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDLQ implements dlq.Store.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM callflow_dlq`).Scan(&count); err != nil {
		return 0, fmt.Errorf("callflow/postgres: count dlq: %w", err)
	}
	return count, nil
}

func scanDLQ(row pgx.Row) (*dlq.Entry, error) {
	var (
		e         dlq.Entry
		rawID     string
		eventType string
		env       []byte
	)
	err := row.Scan(&rawID, &e.EventID, &eventType, &e.CorrelationID, &e.Topic, &e.Group,
		&env, &e.Reason, &e.Kind, &e.Attempts, &e.FailedAt, &e.ReplayedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	parsed, err := id.ParseDLQID(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse dlq id %q: %w", rawID, err)
	}
	e.ID = parsed
	e.EventType = envelope.Type(eventType)
	e.Envelope = env
	return &e, nil
}
