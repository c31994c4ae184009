package bunstore

import (
	"context"
	"fmt"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/workflow"
)

// CreateState implements workflow.Store.
func (s *Store) CreateState(ctx context.Context, st *workflow.State) error {
	st.Version = 1
	_, err := s.db.NewInsert().Model(toWorkflowModel(st)).Returning("NULL").Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return callflow.ErrWorkflowExists
		}
		return fmt.Errorf("callflow/bun: create state: %w", err)
	}
	return nil
}

// GetState implements workflow.Store.
func (s *Store) GetState(ctx context.Context, correlationID string) (*workflow.State, error) {
	m := new(workflowModel)
	err := s.db.NewSelect().Model(m).
		Where("correlation_id = ?", correlationID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, callflow.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("callflow/bun: get state: %w", err)
	}
	return fromWorkflowModel(m)
}

// UpdateState implements workflow.Store.
func (s *Store) UpdateState(ctx context.Context, st *workflow.State) error {
	expected := st.Version
	m := toWorkflowModel(st)
	m.Version = expected + 1

	res, err := s.db.NewUpdate().Model(m).
		Column("stage", "version", "data", "updated_at").
		Where("correlation_id = ?", st.CorrelationID).
		Where("version = ?", expected).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("callflow/bun: update state: %w", err)
	}
	if affected(res) == 1 {
		st.Version = expected + 1
		return nil
	}

	var actual int64
	err = s.db.NewSelect().Model((*workflowModel)(nil)).
		Column("version").
		Where("correlation_id = ?", st.CorrelationID).
		Scan(ctx, &actual)
	if err != nil {
		if isNoRows(err) {
			return callflow.ErrWorkflowNotFound
		}
		return fmt.Errorf("callflow/bun: read version: %w", err)
	}
	return &callflow.VersionConflictError{
		CorrelationID: st.CorrelationID,
		Expected:      expected,
		Actual:        actual,
	}
}

// ListStates implements workflow.Store.
func (s *Store) ListStates(ctx context.Context, opts workflow.ListOpts) ([]*workflow.State, error) {
	var models []workflowModel
	q := s.db.NewSelect().Model(&models)

	if opts.Stage != "" {
		q = q.Where("stage = ?", string(opts.Stage))
	}
	if opts.CorrelationID != "" {
		q = q.Where("correlation_id LIKE ?", opts.CorrelationID+"%")
	}

	q = q.Order("created_at DESC", "correlation_id DESC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("callflow/bun: list states: %w", err)
	}

	states := make([]*workflow.State, 0, len(models))
	for i := range models {
		st, err := fromWorkflowModel(&models[i])
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

// CountStates implements workflow.Store.
func (s *Store) CountStates(ctx context.Context) (map[workflow.Stage]int64, error) {
	var rows []struct {
		Stage string `bun:"stage"`
		N     int64  `bun:"n"`
	}
	err := s.db.NewSelect().Model((*workflowModel)(nil)).
		Column("stage").
		ColumnExpr("COUNT(*) AS n").
		Group("stage").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("callflow/bun: count states: %w", err)
	}

	out := make(map[workflow.Stage]int64, len(rows))
	for _, r := range rows {
		out[workflow.Stage(r.Stage)] = r.N
	}
	return out, nil
}
