package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// leaderRow is the single row name in callflow_leader.
const leaderRow = "leader"

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// now returns the current time truncated to the column resolution.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// appendFilter appends "AND <col> <op> $n" and returns the next index.
func appendFilter(query string, args []any, col, op string, val any) (string, []any) {
	args = append(args, val)
	return query + fmt.Sprintf(" AND %s %s $%d", col, op, len(args)), args
}

// appendPage appends LIMIT/OFFSET clauses.
func appendPage(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
