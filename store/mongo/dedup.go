package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/dedup"
)

// CheckAndMark implements dedup.Store. The filter only matches an expired
// mark; a live one makes the upsert collide on _id and the reservation
// fails.
func (s *Store) CheckAndMark(ctx context.Context, key string, lease time.Duration) (bool, error) {
	at := now()
	filter := bson.M{"_id": key, "expires_at": bson.M{"$lte": at}}
	update := bson.M{"$set": bson.M{
		"state":        string(dedup.StatePending),
		"outcome_hash": "",
		"outcome":      nil,
		"marked_at":    at,
		"processed_at": nil,
		"expires_at":   at.Add(lease),
	}}

	_, err := s.db.Collection(colDedup).UpdateOne(ctx, filter, update,
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("callflow/mongo: check and mark: %w", err)
	}
	return true, nil
}

// CommitMark implements dedup.Store.
func (s *Store) CommitMark(ctx context.Context, key string, out dedup.Outcome, ttl time.Duration) error {
	at := now()
	update := bson.M{
		"$set": bson.M{
			"state":        string(dedup.StateDone),
			"outcome_hash": out.Hash,
			"outcome":      []byte(out.Data),
			"processed_at": at,
			"expires_at":   at.Add(ttl),
		},
		"$setOnInsert": bson.M{"marked_at": at},
	}

	_, err := s.db.Collection(colDedup).UpdateOne(ctx, bson.M{"_id": key}, update,
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("callflow/mongo: commit mark: %w", err)
	}
	return nil
}

// ReleaseMark implements dedup.Store.
func (s *Store) ReleaseMark(ctx context.Context, key string) error {
	_, err := s.db.Collection(colDedup).DeleteOne(ctx,
		bson.M{"_id": key, "state": string(dedup.StatePending)})
	if err != nil {
		return fmt.Errorf("callflow/mongo: release mark: %w", err)
	}
	return nil
}

// GetMark implements dedup.Store.
func (s *Store) GetMark(ctx context.Context, key string) (*dedup.Mark, error) {
	var m markModel
	err := s.db.Collection(colDedup).FindOne(ctx,
		bson.M{"_id": key, "expires_at": bson.M{"$gt": now()}}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, callflow.ErrMarkNotFound
		}
		return nil, fmt.Errorf("callflow/mongo: get mark: %w", err)
	}
	return fromMarkModel(&m), nil
}

// CountMarks implements dedup.Store.
func (s *Store) CountMarks(ctx context.Context) (int64, error) {
	n, err := s.db.Collection(colDedup).CountDocuments(ctx,
		bson.M{"expires_at": bson.M{"$gt": now()}})
	if err != nil {
		return 0, fmt.Errorf("callflow/mongo: count marks: %w", err)
	}
	return n, nil
}

// PurgeMarks implements dedup.Store.
func (s *Store) PurgeMarks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection(colDedup).DeleteMany(ctx,
		bson.M{"expires_at": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("callflow/mongo: purge marks: %w", err)
	}
	return res.DeletedCount, nil
}
