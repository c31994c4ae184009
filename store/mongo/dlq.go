package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/id"
)

// PushDLQ implements dlq.Store.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}
	if _, err := s.db.Collection(colDLQ).InsertOne(ctx, toDLQModel(entry)); err != nil {
		return fmt.Errorf("callflow/mongo: push dlq: %w", err)
	}
	return nil
}

// ListDLQ implements dlq.Store.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	filter := bson.M{}
	if opts.Topic != "" {
		filter["topic"] = opts.Topic
	}
	if opts.CorrelationID != "" {
		filter["correlation_id"] = opts.CorrelationID
	}

	findOpts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: -1},
		{Key: "_id", Value: -1},
	})
	pageOpts(findOpts, opts.Limit, opts.Offset)

	cursor, err := s.db.Collection(colDLQ).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("callflow/mongo: list dlq: %w", err)
	}
	var models []dlqEntryModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("callflow/mongo: decode dlq: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(models))
	for i := range models {
		e, err := fromDLQModel(&models[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetDLQ implements dlq.Store.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	var m dlqEntryModel
	err := s.db.Collection(colDLQ).FindOne(ctx, bson.M{"_id": entryID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, callflow.ErrDLQNotFound
		}
		return nil, fmt.Errorf("callflow/mongo: get dlq: %w", err)
	}
	return fromDLQModel(&m)
}

// ReplayDLQ implements dlq.Store.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	res, err := s.db.Collection(colDLQ).UpdateOne(ctx,
		bson.M{"_id": entryID.String()},
		bson.M{"$set": bson.M{"replayed_at": now()}})
	if err != nil {
		return fmt.Errorf("callflow/mongo: replay dlq: %w", err)
	}
	if res.MatchedCount == 0 {
		return callflow.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ implements dlq.Store.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection(colDLQ).DeleteMany(ctx,
		bson.M{"failed_at": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("callflow/mongo: purge dlq: %w", err)
	}
	return res.DeletedCount, nil
}

// CountDLQ implements dlq.Store.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	n, err := s.db.Collection(colDLQ).CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("callflow/mongo: count dlq: %w", err)
	}
	return n, nil
}
