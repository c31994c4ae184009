package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/id"
)

const dlqColumns = `id, event_id, event_type, correlation_id, topic, consumer_group,
	envelope, reason, kind, attempts, failed_at, replayed_at, created_at`

// PushDLQ implements dlq.Store.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	var replayed sql.NullInt64
	if entry.ReplayedAt != nil {
		replayed = sql.NullInt64{Int64: toUnix(*entry.ReplayedAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO callflow_dlq (`+dlqColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.EventID, string(entry.EventType), entry.CorrelationID,
		entry.Topic, entry.Group, string(entry.Envelope), entry.Reason, entry.Kind,
		entry.Attempts, toUnix(entry.FailedAt), replayed, toUnix(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("callflow/sqlite: push dlq: %w", err)
	}
	return nil
}

// ListDLQ implements dlq.Store.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + dlqColumns + ` FROM callflow_dlq WHERE 1=1`
	var args []any
	if opts.Topic != "" {
		query += " AND topic = ?"
		args = append(args, opts.Topic)
	}
	if opts.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, opts.CorrelationID)
	}
	query += " ORDER BY created_at DESC"
	query, args = appendPage(query, args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("callflow/sqlite: list dlq: %w", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		e, scanErr := scanDLQ(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("callflow/sqlite: scan dlq row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("callflow/sqlite: iterate dlq rows: %w", err)
	}
	return entries, nil
}

// GetDLQ implements dlq.Store.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+dlqColumns+` FROM callflow_dlq WHERE id = ?`, entryID.String())
	e, err := scanDLQ(row)
	if err != nil {
		if isNoRows(err) {
			return nil, callflow.ErrDLQNotFound
		}
		return nil, fmt.Errorf("callflow/sqlite: get dlq: %w", err)
	}
	return e, nil
}

// ReplayDLQ implements dlq.Store.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE callflow_dlq SET replayed_at = ? WHERE id = ?`,
		toUnix(time.Now()), entryID.String())
	if err != nil {
		return fmt.Errorf("callflow/sqlite: replay dlq: %w", err)
	}
	if affected(res) == 0 {
		return callflow.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ implements dlq.Store.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM callflow_dlq WHERE failed_at < ?`, toUnix(before))
	if err != nil {
		return 0, fmt.Errorf("callflow/sqlite: purge dlq: %w", err)
	}
	return affected(res), nil
}

// CountDLQ implements dlq.Store.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM callflow_dlq`).Scan(&n); err != nil {
		return 0, fmt.Errorf("callflow/sqlite: count dlq: %w", err)
	}
	return n, nil
}

func scanDLQ(row scanner) (*dlq.Entry, error) {
	var (
		e                   dlq.Entry
		rawID, eventType    string
		env                 sql.NullString
		failedAt, createdAt int64
		replayedAt          sql.NullInt64
	)
	err := row.Scan(&rawID, &e.EventID, &eventType, &e.CorrelationID, &e.Topic, &e.Group,
		&env, &e.Reason, &e.Kind, &e.Attempts, &failedAt, &replayedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	parsed, err := id.ParseDLQID(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse dlq id %q: %w", rawID, err)
	}
	e.ID = parsed
	e.EventType = envelope.Type(eventType)
	if env.Valid {
		e.Envelope = []byte(env.String)
	}
	e.FailedAt = fromUnix(failedAt)
	e.CreatedAt = fromUnix(createdAt)
	e.ReplayedAt = fromNullUnix(replayedAt)
	return &e, nil
}
