package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/workflow"
)

// CreateState implements workflow.Store.
func (s *Store) CreateState(ctx context.Context, st *workflow.State) error {
	st.Version = 1
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("callflow/postgres: encode state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO callflow_workflows (correlation_id, stage, version, data, created_at, updated_at)
		VALUES ($1, $2, 1, $3, $4, $5)`,
		st.CorrelationID, string(st.Stage), data, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return callflow.ErrWorkflowExists
		}
		return fmt.Errorf("callflow/postgres: create state: %w", err)
	}
	return nil
}

// GetState implements workflow.Store.
func (s *Store) GetState(ctx context.Context, correlationID string) (*workflow.State, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT version, data FROM callflow_workflows WHERE correlation_id = $1`, correlationID)
	st, err := scanState(row)
	if err != nil {
		if isNoRows(err) {
			return nil, callflow.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("callflow/postgres: get state: %w", err)
	}
	return st, nil
}

// UpdateState implements workflow.Store.
func (s *Store) UpdateState(ctx context.Context, st *workflow.State) error {
	expected := st.Version
	next := *st
	next.Version = expected + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("callflow/postgres: encode state: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE callflow_workflows
		SET stage = $3, version = version + 1, data = $4, updated_at = $5
		WHERE correlation_id = $1 AND version = $2`,
		st.CorrelationID, expected, string(st.Stage), data, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("callflow/postgres: update state: %w", err)
	}
	if tag.RowsAffected() == 1 {
		st.Version = next.Version
		return nil
	}

	var actual int64
	err = s.pool.QueryRow(ctx,
		`SELECT version FROM callflow_workflows WHERE correlation_id = $1`, st.CorrelationID,
	).Scan(&actual)
	if err != nil {
		if isNoRows(err) {
			return callflow.ErrWorkflowNotFound
		}
		return fmt.Errorf("callflow/postgres: read version: %w", err)
	}
	return &callflow.VersionConflictError{
		CorrelationID: st.CorrelationID,
		Expected:      expected,
		Actual:        actual,
	}
}

// ListStates implements workflow.Store.
func (s *Store) ListStates(ctx context.Context, opts workflow.ListOpts) ([]*workflow.State, error) {
	query := `SELECT version, data FROM callflow_workflows WHERE 1=1`
	var args []any
	if opts.Stage != "" {
		query, args = appendFilter(query, args, "stage", "=", string(opts.Stage))
	}
	if opts.CorrelationID != "" {
		query, args = appendFilter(query, args, "correlation_id", "LIKE", opts.CorrelationID+"%")
	}
	query += " ORDER BY created_at DESC, correlation_id DESC"
	query, args = appendPage(query, args, opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("callflow/postgres: list states: %w", err)
	}
	defer rows.Close()

	var states []*workflow.State
	for rows.Next() {
		st, scanErr := scanState(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("callflow/postgres: scan state: %w", scanErr)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("callflow/postgres: iterate states: %w", err)
	}
	return states, nil
}

// CountStates implements workflow.Store.
func (s *Store) CountStates(ctx context.Context) (map[workflow.Stage]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT stage, COUNT(*) FROM callflow_workflows GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("callflow/postgres: count states: %w", err)
	}
	defer rows.Close()

	out := make(map[workflow.Stage]int64)
	for rows.Next() {
		var (
			stage string
			n     int64
		)
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("callflow/postgres: scan count: %w", err)
		}
		out[workflow.Stage(stage)] = n
	}
	return out, rows.Err()
}

func scanState(row pgx.Row) (*workflow.State, error) {
	var (
		version int64
		data    []byte
	)
	if err := row.Scan(&version, &data); err != nil {
		return nil, err
	}
	var st workflow.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	st.Version = version
	return &st, nil
}
