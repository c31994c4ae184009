package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/workflow"
)

// CreateState implements workflow.Store.
func (s *Store) CreateState(ctx context.Context, st *workflow.State) error {
	st.Version = 1
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("callflow/redis: encode state: %w", err)
	}
	n, err := createScript.Run(ctx, s.client,
		[]string{s.workflowKey(st.CorrelationID), s.workflowIndexKey()},
		st.CorrelationID, string(st.Stage), data, st.CreatedAt.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("callflow/redis: create state: %w", err)
	}
	if n == 0 {
		return callflow.ErrWorkflowExists
	}
	return nil
}

// GetState implements workflow.Store.
func (s *Store) GetState(ctx context.Context, correlationID string) (*workflow.State, error) {
	vals, err := s.client.HMGet(ctx, s.workflowKey(correlationID), "version", "data").Result()
	if err != nil {
		return nil, fmt.Errorf("callflow/redis: get state: %w", err)
	}
	st, err := decodeState(vals)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, callflow.ErrWorkflowNotFound
	}
	return st, nil
}

// UpdateState implements workflow.Store.
func (s *Store) UpdateState(ctx context.Context, st *workflow.State) error {
	expected := st.Version
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("callflow/redis: encode state: %w", err)
	}
	res, err := updateScript.Run(ctx, s.client,
		[]string{s.workflowKey(st.CorrelationID)},
		expected, string(st.Stage), data,
	).Int64()
	if err != nil {
		return fmt.Errorf("callflow/redis: update state: %w", err)
	}
	switch res {
	case 0:
		st.Version = expected + 1
		return nil
	case -1:
		return callflow.ErrWorkflowNotFound
	default:
		return &callflow.VersionConflictError{
			CorrelationID: st.CorrelationID,
			Expected:      expected,
			Actual:        res,
		}
	}
}

// ListStates implements workflow.Store. The index is walked newest first
// and filtered client-side.
func (s *Store) ListStates(ctx context.Context, opts workflow.ListOpts) ([]*workflow.State, error) {
	all, err := s.loadStates(ctx)
	if err != nil {
		return nil, err
	}

	var (
		out     []*workflow.State
		skipped int
	)
	for _, st := range all {
		if opts.Stage != "" && st.Stage != opts.Stage {
			continue
		}
		if opts.CorrelationID != "" && !strings.HasPrefix(st.CorrelationID, opts.CorrelationID) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, st)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// CountStates implements workflow.Store.
func (s *Store) CountStates(ctx context.Context) (map[workflow.Stage]int64, error) {
	ids, err := s.client.ZRange(ctx, s.workflowIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("callflow/redis: count states: %w", err)
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.StringCmd, len(ids))
	for i, corr := range ids {
		cmds[i] = pipe.HGet(ctx, s.workflowKey(corr), "stage")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("callflow/redis: count states: %w", err)
	}

	out := make(map[workflow.Stage]int64)
	for _, cmd := range cmds {
		stage, cmdErr := cmd.Result()
		if cmdErr != nil {
			continue
		}
		out[workflow.Stage(stage)]++
	}
	return out, nil
}

func (s *Store) loadStates(ctx context.Context) ([]*workflow.State, error) {
	ids, err := s.client.ZRevRange(ctx, s.workflowIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("callflow/redis: list states: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.SliceCmd, len(ids))
	for i, corr := range ids {
		cmds[i] = pipe.HMGet(ctx, s.workflowKey(corr), "version", "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("callflow/redis: list states: %w", err)
	}

	states := make([]*workflow.State, 0, len(cmds))
	for _, cmd := range cmds {
		vals, cmdErr := cmd.Result()
		if cmdErr != nil {
			continue
		}
		st, decErr := decodeState(vals)
		if decErr != nil || st == nil {
			continue
		}
		states = append(states, st)
	}
	return states, nil
}

// decodeState builds a State from HMGET version, data. It returns nil when
// the hash does not exist.
func decodeState(vals []any) (*workflow.State, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, nil //nolint:nilnil // missing hash
	}
	version, err := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("callflow/redis: parse version: %w", err)
	}
	var st workflow.State
	if err := json.Unmarshal([]byte(fmt.Sprint(vals[1])), &st); err != nil {
		return nil, fmt.Errorf("callflow/redis: decode state: %w", err)
	}
	st.Version = version
	return &st, nil
}
