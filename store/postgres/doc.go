// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: ON CONFLICT dedup reservations, version-checked workflow
// updates, a single-row leadership lease, embedded SQL migrations.
package postgres
