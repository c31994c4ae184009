package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/id"
)

// PushDLQ implements dlq.Store.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.db.NewInsert().Model(toDLQModel(entry)).Returning("NULL").Exec(ctx)
	if err != nil {
		return fmt.Errorf("callflow/bun: push dlq: %w", err)
	}
	return nil
}

// ListDLQ implements dlq.Store.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	var models []dlqEntryModel
	q := s.db.NewSelect().Model(&models)

	if opts.Topic != "" {
		q = q.Where("topic = ?", opts.Topic)
	}
	if opts.CorrelationID != "" {
		q = q.Where("correlation_id = ?", opts.CorrelationID)
	}

	q = q.Order("created_at DESC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("callflow/bun: list dlq: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(models))
	for i := range models {
		e, convErr := fromDLQModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("callflow/bun: list dlq convert: %w", convErr)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetDLQ implements dlq.Store.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m := new(dlqEntryModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", entryID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, callflow.ErrDLQNotFound
		}
		return nil, fmt.Errorf("callflow/bun: get dlq: %w", err)
	}
	return fromDLQModel(m)
}

// ReplayDLQ implements dlq.Store.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	res, err := s.db.NewUpdate().
		TableExpr("callflow_dlq").
		Set("replayed_at = ?", now()).
		Where("id = ?", entryID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("callflow/bun: replay dlq: %w", err)
	}
	if affected(res) == 0 {
		return callflow.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ implements dlq.Store.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.NewDelete().Model((*dlqEntryModel)(nil)).
		Where("failed_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("callflow/bun: purge dlq: %w", err)
	}
	return affected(res), nil
}

// CountDLQ implements dlq.Store.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	n, err := s.db.NewSelect().Model((*dlqEntryModel)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("callflow/bun: count dlq: %w", err)
	}
	return int64(n), nil
}
