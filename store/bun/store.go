package bunstore

import (
	"context"
	"embed"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/inimical023/callflow/cluster"
	"github.com/inimical023/callflow/dedup"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/store/migrate"
	"github.com/inimical023/callflow/workflow"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	_ dedup.Store    = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
	_ dlq.Store      = (*Store)(nil)
	_ cluster.Store  = (*Store)(nil)
)

// Store persists callflow state through Bun on the PostgreSQL dialect.
// Rows map onto the models in models.go. The caller owns the *bun.DB.
type Store struct {
	db     *bun.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger used for migration output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New wraps db. Close leaves it open.
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying *bun.DB.
func (s *Store) DB() *bun.DB { return s.db }

// Migrate applies the embedded schema migrations not yet recorded.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := migrate.Run(ctx, migrate.DB{
		Backend: "bun",
		Exec: func(ctx context.Context, q string, args ...any) error {
			_, err := s.db.ExecContext(ctx, q, args...)
			return err
		},
		Count: func(ctx context.Context, q string, args ...any) (n int64, err error) {
			err = s.db.QueryRowContext(ctx, q, args...).Scan(&n)
			return n, err
		},
		Bind:   migrate.Question,
		Logger: s.logger,
	}, migrationsFS)
	return err
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the caller closes the *bun.DB.
func (s *Store) Close() error { return nil }
