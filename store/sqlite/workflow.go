package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/workflow"
)

// CreateState implements workflow.Store.
func (s *Store) CreateState(ctx context.Context, st *workflow.State) error {
	st.Version = 1
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("callflow/sqlite: encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO callflow_workflows (correlation_id, stage, version, data, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)`,
		st.CorrelationID, string(st.Stage), string(data), toUnix(st.CreatedAt), toUnix(st.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return callflow.ErrWorkflowExists
		}
		return fmt.Errorf("callflow/sqlite: create state: %w", err)
	}
	return nil
}

// GetState implements workflow.Store.
func (s *Store) GetState(ctx context.Context, correlationID string) (*workflow.State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, data FROM callflow_workflows WHERE correlation_id = ?`, correlationID)
	st, err := scanState(row)
	if err != nil {
		if isNoRows(err) {
			return nil, callflow.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("callflow/sqlite: get state: %w", err)
	}
	return st, nil
}

// UpdateState implements workflow.Store.
func (s *Store) UpdateState(ctx context.Context, st *workflow.State) error {
	expected := st.Version
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("callflow/sqlite: encode state: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE callflow_workflows
		SET stage = ?, version = version + 1, data = ?, updated_at = ?
		WHERE correlation_id = ? AND version = ?`,
		string(st.Stage), string(data), toUnix(st.UpdatedAt), st.CorrelationID, expected,
	)
	if err != nil {
		return fmt.Errorf("callflow/sqlite: update state: %w", err)
	}
	if affected(res) == 1 {
		st.Version = expected + 1
		return nil
	}

	var actual int64
	err = s.db.QueryRowContext(ctx,
		`SELECT version FROM callflow_workflows WHERE correlation_id = ?`, st.CorrelationID,
	).Scan(&actual)
	if err != nil {
		if isNoRows(err) {
			return callflow.ErrWorkflowNotFound
		}
		return fmt.Errorf("callflow/sqlite: read version: %w", err)
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
		query += " AND stage = ?"
		args = append(args, string(opts.Stage))
	}
	if opts.CorrelationID != "" {
		query += " AND correlation_id LIKE ?"
		args = append(args, opts.CorrelationID+"%")
	}
	query += " ORDER BY created_at DESC, correlation_id DESC"
	query, args = appendPage(query, args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("callflow/sqlite: list states: %w", err)
	}
	defer rows.Close()

	var states []*workflow.State
	for rows.Next() {
		st, scanErr := scanState(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("callflow/sqlite: scan state: %w", scanErr)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("callflow/sqlite: iterate states: %w", err)
	}
	return states, nil
}

// CountStates implements workflow.Store.
func (s *Store) CountStates(ctx context.Context) (map[workflow.Stage]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, COUNT(*) FROM callflow_workflows GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("callflow/sqlite: count states: %w", err)
	}
	defer rows.Close()

	out := make(map[workflow.Stage]int64)
	for rows.Next() {
		var (
			stage string
			n     int64
		)
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("callflow/sqlite: scan count: %w", err)
		}
		out[workflow.Stage(stage)] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (*workflow.State, error) {
	var (
		version int64
		data    string
	)
	if err := row.Scan(&version, &data); err != nil {
		return nil, err
	}
	var st workflow.State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	st.Version = version
	return &st, nil
}

// appendPage appends LIMIT/OFFSET. SQLite needs a LIMIT before OFFSET.
func appendPage(query string, args []any, limit, offset int) (string, []any) {
	switch {
	case limit > 0:
		query += " LIMIT ?"
		args = append(args, limit)
	case offset > 0:
		query += " LIMIT -1"
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}
	return query, args
}
