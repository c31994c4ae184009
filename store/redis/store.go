package redis

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/inimical023/callflow/cluster"
	"github.com/inimical023/callflow/dedup"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/workflow"
)

var (
	_ dedup.Store    = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
	_ dlq.Store      = (*Store)(nil)
	_ cluster.Store  = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPrefix sets the key prefix. Default "callflow:".
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// Store keeps callflow state in Redis under a key prefix. Dedup marks,
// the leader lease and workflow updates run as Lua scripts, so each one
// is atomic across instances.
type Store struct {
	client goredis.UniversalClient
	owned  bool
	prefix string
	logger *slog.Logger
}

// New wraps client. The caller keeps it and Close leaves it open.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open dials the redis:// URL. Close closes the client.
func Open(url string, opts ...Option) (*Store, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("callflow/redis: parse url: %w", err)
	}
	s := New(goredis.NewClient(o), opts...)
	s.owned = true
	return s, nil
}

// Client exposes the underlying client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Migrate does nothing; Redis has no schema.
func (s *Store) Migrate(context.Context) error { return nil }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client when Open created it.
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
