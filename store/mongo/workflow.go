package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/workflow"
)

// CreateState implements workflow.Store.
func (s *Store) CreateState(ctx context.Context, st *workflow.State) error {
	st.Version = 1
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("callflow/mongo: encode state: %w", err)
	}
	m := &workflowModel{
		CorrelationID: st.CorrelationID,
		Stage:         string(st.Stage),
		Version:       1,
		Data:          string(data),
		CreatedAt:     st.CreatedAt.UTC(),
		UpdatedAt:     st.UpdatedAt.UTC(),
	}
	if _, err := s.db.Collection(colWorkflows).InsertOne(ctx, m); err != nil {
		if isDuplicateKey(err) {
			return callflow.ErrWorkflowExists
		}
		return fmt.Errorf("callflow/mongo: create state: %w", err)
	}
	return nil
}

// GetState implements workflow.Store.
func (s *Store) GetState(ctx context.Context, correlationID string) (*workflow.State, error) {
	var m workflowModel
	err := s.db.Collection(colWorkflows).FindOne(ctx, bson.M{"_id": correlationID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, callflow.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("callflow/mongo: get state: %w", err)
	}
	return decodeState(&m)
}

// UpdateState implements workflow.Store.
func (s *Store) UpdateState(ctx context.Context, st *workflow.State) error {
	expected := st.Version
	st.Version = expected + 1
	data, err := json.Marshal(st)
	st.Version = expected
	if err != nil {
		return fmt.Errorf("callflow/mongo: encode state: %w", err)
	}

	col := s.db.Collection(colWorkflows)
	res, err := col.UpdateOne(ctx,
		bson.M{"_id": st.CorrelationID, "version": expected},
		bson.M{
			"$set": bson.M{
				"stage":      string(st.Stage),
				"data":       string(data),
				"updated_at": st.UpdatedAt.UTC(),
			},
			"$inc": bson.M{"version": 1},
		})
	if err != nil {
		return fmt.Errorf("callflow/mongo: update state: %w", err)
	}
	if res.MatchedCount == 1 {
		st.Version = expected + 1
		return nil
	}

	var current workflowModel
	err = col.FindOne(ctx, bson.M{"_id": st.CorrelationID},
		options.FindOne().SetProjection(bson.M{"version": 1})).Decode(&current)
	if err != nil {
		if isNoDocuments(err) {
			return callflow.ErrWorkflowNotFound
		}
		return fmt.Errorf("callflow/mongo: read version: %w", err)
	}
	return &callflow.VersionConflictError{
		CorrelationID: st.CorrelationID,
		Expected:      expected,
		Actual:        current.Version,
	}
}

// ListStates implements workflow.Store.
func (s *Store) ListStates(ctx context.Context, opts workflow.ListOpts) ([]*workflow.State, error) {
	filter := bson.M{}
	if opts.Stage != "" {
		filter["stage"] = string(opts.Stage)
	}
	if opts.CorrelationID != "" {
		filter["_id"] = bson.M{"$regex": "^" + regexp.QuoteMeta(opts.CorrelationID)}
	}

	findOpts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: -1},
		{Key: "_id", Value: -1},
	})
	pageOpts(findOpts, opts.Limit, opts.Offset)

	cursor, err := s.db.Collection(colWorkflows).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("callflow/mongo: list states: %w", err)
	}
	var models []workflowModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("callflow/mongo: decode states: %w", err)
	}

	states := make([]*workflow.State, 0, len(models))
	for i := range models {
		st, err := decodeState(&models[i])
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

// CountStates implements workflow.Store.
func (s *Store) CountStates(ctx context.Context) (map[workflow.Stage]int64, error) {
	pipeline := mongod.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$stage"},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cursor, err := s.db.Collection(colWorkflows).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("callflow/mongo: count states: %w", err)
	}
	var rows []struct {
		Stage string `bson:"_id"`
		N     int64  `bson:"n"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("callflow/mongo: decode counts: %w", err)
	}

	counts := make(map[workflow.Stage]int64, len(rows))
	for _, r := range rows {
		counts[workflow.Stage(r.Stage)] = r.N
	}
	return counts, nil
}

func decodeState(m *workflowModel) (*workflow.State, error) {
	var st workflow.State
	if err := json.Unmarshal([]byte(m.Data), &st); err != nil {
		return nil, fmt.Errorf("callflow/mongo: decode state %s: %w", m.CorrelationID, err)
	}
	st.Version = m.Version
	return &st, nil
}

func pageOpts(o *options.FindOptionsBuilder, limit, offset int) {
	if limit > 0 {
		o.SetLimit(int64(limit))
	}
	if offset > 0 {
		o.SetSkip(int64(offset))
	}
}
