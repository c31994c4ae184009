// Package dedup records which event ids have already produced their side
// effect so redelivered events are acknowledged without repeating it.
package dedup

import (
	"context"
	"encoding/json"
	"time"
)

// State of a dedup mark.
type State string

const (
	// StatePending marks a reservation whose side effect is in progress.
	StatePending State = "pending"
	// StateDone marks a committed side effect.
	StateDone State = "done"
)

// Outcome is what a committed side effect produced: the canonical JSON of
// the result and its hash. Redeliveries rebuild their state from Data
// instead of repeating the side effect.
type Outcome struct {
	Hash string
	Data json.RawMessage
}

// Mark is one dedup entry.
type Mark struct {
	Key         string          `json:"key"`
	State       State           `json:"state"`
	OutcomeHash string          `json:"outcome_hash,omitempty"`
	Outcome     json.RawMessage `json:"outcome,omitempty"`
	MarkedAt    time.Time       `json:"marked_at"`
	ProcessedAt time.Time       `json:"processed_at,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Store is the dedup contract. CheckAndMark must be atomic across every
// instance sharing the store.
type Store interface {
	// CheckAndMark reserves key. It returns true when no live mark exists,
	// in which case the caller owns the side effect and must CommitMark or
	// ReleaseMark. An expired mark counts as absent. The reservation
	// expires after lease.
	CheckAndMark(ctx context.Context, key string, lease time.Duration) (bool, error)

	// CommitMark records the outcome of key's side effect and keeps the
	// mark for ttl.
	CommitMark(ctx context.Context, key string, out Outcome, ttl time.Duration) error

	// ReleaseMark drops a pending mark so a retry can reserve key again.
	// Committed marks are left untouched.
	ReleaseMark(ctx context.Context, key string) error

	// GetMark returns the live mark for key or callflow.ErrMarkNotFound.
	GetMark(ctx context.Context, key string) (*Mark, error)

	// CountMarks returns the number of live marks.
	CountMarks(ctx context.Context) (int64, error)

	// PurgeMarks deletes marks that expired before the given time.
	PurgeMarks(ctx context.Context, before time.Time) (int64, error)
}
