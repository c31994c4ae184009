package dlq

import (
	"context"
	"time"

	"github.com/inimical023/callflow/id"
)

// ListOpts filters and paginates DLQ listings.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// Topic filters by original topic.
	Topic string
	// CorrelationID filters by correlation id.
	CorrelationID string
}

// Store persists dead-letter entries.
type Store interface {
	PushDLQ(ctx context.Context, entry *Entry) error

	// ListDLQ returns entries newest first.
	ListDLQ(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetDLQ returns the entry or callflow.ErrDLQNotFound.
	GetDLQ(ctx context.Context, entryID id.DLQID) (*Entry, error)

	// ReplayDLQ marks the entry as replayed.
	ReplayDLQ(ctx context.Context, entryID id.DLQID) error

	// PurgeDLQ removes entries that failed before the given time.
	PurgeDLQ(ctx context.Context, before time.Time) (int64, error)

	CountDLQ(ctx context.Context) (int64, error)
}
