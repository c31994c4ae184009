package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/inimical023/callflow/cluster"
)

// AcquireLeadership implements cluster.Store. A live lease held by someone
// else fails the filter and the upsert collides on _id.
func (s *Store) AcquireLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	at := now()
	filter := bson.M{
		"_id": leaderDoc,
		"$or": bson.A{
			bson.M{"holder": holder},
			bson.M{"expires_at": bson.M{"$lte": at}},
		},
	}
	// acquired_at survives a re-acquire by the same holder.
	update := mongod.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "acquired_at", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$eq", Value: bson.A{"$holder", holder}}},
				"$acquired_at",
				at,
			}}}},
			{Key: "holder", Value: holder},
			{Key: "expires_at", Value: at.Add(ttl)},
		}}},
	}

	_, err := s.db.Collection(colLeader).UpdateOne(ctx, filter, update,
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("callflow/mongo: acquire leadership: %w", err)
	}
	return true, nil
}

// RenewLeadership implements cluster.Store.
func (s *Store) RenewLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	at := now()
	res, err := s.db.Collection(colLeader).UpdateOne(ctx,
		bson.M{"_id": leaderDoc, "holder": holder, "expires_at": bson.M{"$gt": at}},
		bson.M{"$set": bson.M{"expires_at": at.Add(ttl)}})
	if err != nil {
		return false, fmt.Errorf("callflow/mongo: renew leadership: %w", err)
	}
	return res.MatchedCount == 1, nil
}

// ReleaseLeadership implements cluster.Store.
func (s *Store) ReleaseLeadership(ctx context.Context, holder string) error {
	_, err := s.db.Collection(colLeader).DeleteOne(ctx,
		bson.M{"_id": leaderDoc, "holder": holder})
	if err != nil {
		return fmt.Errorf("callflow/mongo: release leadership: %w", err)
	}
	return nil
}

// GetLeader implements cluster.Store.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Lease, error) {
	var m leaderModel
	err := s.db.Collection(colLeader).FindOne(ctx,
		bson.M{"_id": leaderDoc, "expires_at": bson.M{"$gt": now()}}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil //nolint:nilnil // no leader
		}
		return nil, fmt.Errorf("callflow/mongo: get leader: %w", err)
	}
	return fromLeaderModel(&m), nil
}
