package workflow

import "context"

// ListOpts filters and paginates workflow listings.
type ListOpts struct {
	// Stage filters by stage. Empty means all stages.
	Stage Stage
	// CorrelationID filters by correlation id prefix.
	CorrelationID string
	// Limit is the maximum number of results. Zero means no limit.
	Limit int
	// Offset is the number of results to skip.
	Offset int
}

// Store persists workflow state.
type Store interface {
	// CreateState persists a new workflow at version 1. It returns
	// callflow.ErrWorkflowExists when the correlation id is taken.
	CreateState(ctx context.Context, st *State) error

	// GetState returns the workflow or callflow.ErrWorkflowNotFound.
	GetState(ctx context.Context, correlationID string) (*State, error)

	// UpdateState writes st only if the stored version equals st.Version,
	// then increments st.Version. A mismatch returns a
	// *callflow.VersionConflictError.
	UpdateState(ctx context.Context, st *State) error

	// ListStates returns workflows ordered by creation time, newest first.
	ListStates(ctx context.Context, opts ListOpts) ([]*State, error)

	// CountStates returns the number of workflows per stage.
	CountStates(ctx context.Context) (map[Stage]int64, error)
}
