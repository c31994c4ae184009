// Package migrate applies the embedded SQL migrations of the SQL store
// backends and records them in callflow_migrations.
package migrate

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Table records applied migration versions.
const Table = "callflow_migrations"

// DB is the database surface the runner needs. Each backend adapts its
// driver to it.
type DB struct {
	// Backend names the store in errors, e.g. "postgres".
	Backend string
	// Exec runs a statement. Migration files may hold several statements
	// and are executed without arguments.
	Exec func(ctx context.Context, query string, args ...any) error
	// Count runs a single-column COUNT query.
	Count func(ctx context.Context, query string, args ...any) (int64, error)
	// Bind renders the placeholder of the nth (1-based) argument.
	Bind   func(n int) string
	Logger *slog.Logger
}

// Dollar renders Postgres placeholders ($1, $2, ...).
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// Question renders positional placeholders (?).
func Question(int) string { return "?" }

// Run applies every migrations/*.sql file of fsys not yet recorded, in
// lexical order, and returns the versions it applied.
func Run(ctx context.Context, db DB, fsys fs.FS) ([]string, error) {
	logger := db.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fail := func(op string, err error) error {
		return fmt.Errorf("callflow/%s: %s: %w", db.Backend, op, err)
	}

	create := `CREATE TABLE IF NOT EXISTS ` + Table + ` (
		version    TEXT PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`
	if err := db.Exec(ctx, create); err != nil {
		return nil, fail("create migrations table", err)
	}

	files, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, fail("list migrations", err)
	}
	slices.Sort(files)

	var applied []string
	for _, file := range files {
		version := strings.TrimSuffix(path.Base(file), ".sql")

		n, err := db.Count(ctx, `SELECT COUNT(*) FROM `+Table+` WHERE version = `+db.Bind(1), version)
		if err != nil {
			return applied, fail("check migration "+version, err)
		}
		if n > 0 {
			continue
		}

		src, err := fs.ReadFile(fsys, file)
		if err != nil {
			return applied, fail("read migration "+version, err)
		}
		if err := db.Exec(ctx, string(src)); err != nil {
			return applied, fail("execute migration "+version, err)
		}
		record := `INSERT INTO ` + Table + ` (version, applied_at) VALUES (` + db.Bind(1) + `, ` + db.Bind(2) + `)`
		if err := db.Exec(ctx, record, version, time.Now().UnixNano()); err != nil {
			return applied, fail("record migration "+version, err)
		}

		logger.Info("applied migration",
			slog.String("backend", db.Backend),
			slog.String("version", version),
		)
		applied = append(applied, version)
	}
	return applied, nil
}
