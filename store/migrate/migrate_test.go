package migrate_test

import (
	"context"
	"database/sql"
	"slices"
	"strings"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"

	"github.com/inimical023/callflow/store/migrate"
)

func openDB(t *testing.T) (*sql.DB, migrate.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db, migrate.DB{
		Backend: "sqlite",
		Exec: func(ctx context.Context, q string, args ...any) error {
			_, err := db.ExecContext(ctx, q, args...)
			return err
		},
		Count: func(ctx context.Context, q string, args ...any) (n int64, err error) {
			err = db.QueryRowContext(ctx, q, args...).Scan(&n)
			return n, err
		},
		Bind: migrate.Question,
	}
}

func TestRunAppliesInOrderOnce(t *testing.T) {
	ctx := context.Background()
	db, mdb := openDB(t)
	fsys := fstest.MapFS{
		"migrations/002_add.sql":  {Data: []byte(`ALTER TABLE calls ADD COLUMN note TEXT;`)},
		"migrations/001_init.sql": {Data: []byte(`CREATE TABLE calls (id TEXT PRIMARY KEY);`)},
		"migrations/README.md":    {Data: []byte(`ignored`)},
	}

	applied, err := migrate.Run(ctx, mdb, fsys)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []string{"001_init", "002_add"}; !slices.Equal(applied, want) {
		t.Fatalf("applied = %v, want %v", applied, want)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO calls (id, note) VALUES ('c1', 'x')`); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}

	again, err := migrate.Run(ctx, mdb, fsys)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second Run applied %v, want nothing", again)
	}
}

func TestRunReportsFailingVersion(t *testing.T) {
	_, mdb := openDB(t)
	fsys := fstest.MapFS{
		"migrations/001_bad.sql": {Data: []byte(`CREATE TABLE (`)},
	}
	_, err := migrate.Run(context.Background(), mdb, fsys)
	if err == nil || !strings.Contains(err.Error(), "callflow/sqlite: execute migration 001_bad") {
		t.Fatalf("Run() error = %v, want the failing version", err)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := migrate.Dollar(2); got != "$2" {
		t.Errorf("Dollar(2) = %q, want $2", got)
	}
	if got := migrate.Question(2); got != "?" {
		t.Errorf("Question(2) = %q, want ?", got)
	}
}
