package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/inimical023/callflow/cluster"
	"github.com/inimical023/callflow/dedup"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/workflow"
)

const (
	colDedup     = "callflow_dedup"
	colWorkflows = "callflow_workflows"
	colDLQ       = "callflow_dlq"
	colLeader    = "callflow_leader"
)

const leaderDoc = "leader"

var (
	_ dedup.Store    = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
	_ dlq.Store      = (*Store)(nil)
	_ cluster.Store  = (*Store)(nil)
)

// disconnectTimeout bounds Close when the store owns its client.
const disconnectTimeout = 5 * time.Second

// Store persists callflow state in MongoDB, one collection per subsystem.
// Dedup marks expire through a TTL index. Leader lease and workflow
// writes are filtered UpdateOne calls on the holder or version field.
type Store struct {
	db     *mongod.Database
	owned  bool
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger used for index creation output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New wraps db. The caller keeps the client and Close leaves it connected.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to uri and uses database. Close disconnects the client.
func Open(uri, database string, opts ...Option) (*Store, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("callflow/mongo: connect: %w", err)
	}
	s := New(client.Database(database), opts...)
	s.owned = true
	return s, nil
}

// DB exposes the underlying database.
func (s *Store) DB() *mongod.Database { return s.db }

// Migrate creates the collection indexes. Existing indexes are left alone.
func (s *Store) Migrate(ctx context.Context) error {
	for _, ix := range indexes {
		model := mongod.IndexModel{Keys: ix.keys}
		if ix.ttl {
			model.Options = options.Index().SetExpireAfterSeconds(0)
		}
		name, err := s.db.Collection(ix.collection).Indexes().CreateOne(ctx, model)
		if err != nil {
			return fmt.Errorf("callflow/mongo: index %s: %w", ix.collection, err)
		}
		s.logger.Debug("ensured index",
			slog.String("collection", ix.collection),
			slog.String("index", name),
		)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close disconnects the client when Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	return s.db.Client().Disconnect(ctx)
}

type index struct {
	collection string
	keys       bson.D
	ttl        bool
}

var indexes = []index{
	{collection: colDedup, keys: bson.D{{Key: "expires_at", Value: 1}}, ttl: true},
	{collection: colWorkflows, keys: bson.D{{Key: "stage", Value: 1}, {Key: "created_at", Value: -1}}},
	{collection: colWorkflows, keys: bson.D{{Key: "created_at", Value: -1}}},
	{collection: colDLQ, keys: bson.D{{Key: "topic", Value: 1}, {Key: "created_at", Value: -1}}},
	{collection: colDLQ, keys: bson.D{{Key: "correlation_id", Value: 1}}},
	{collection: colDLQ, keys: bson.D{{Key: "failed_at", Value: 1}}},
}

// ── helpers ──────────────────────────────────────────────────────

// now returns the current UTC time at the precision BSON dates keep.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	return mongod.IsDuplicateKeyError(err)
}
