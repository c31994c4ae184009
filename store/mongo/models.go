package mongo

import (
	"fmt"
	"time"

	"github.com/inimical023/callflow/cluster"
	"github.com/inimical023/callflow/dedup"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/id"
)

// ── Dedup model ───────────────────────────────────────────────────

type markModel struct {
	Key         string     `bson:"_id"`
	State       string     `bson:"state"`
	OutcomeHash string     `bson:"outcome_hash"`
	Outcome     []byte     `bson:"outcome,omitempty"`
	MarkedAt    time.Time  `bson:"marked_at"`
	ProcessedAt *time.Time `bson:"processed_at,omitempty"`
	ExpiresAt   time.Time  `bson:"expires_at"`
}

func fromMarkModel(m *markModel) *dedup.Mark {
	mk := &dedup.Mark{
		Key:         m.Key,
		State:       dedup.State(m.State),
		OutcomeHash: m.OutcomeHash,
		Outcome:     m.Outcome,
		MarkedAt:    m.MarkedAt.UTC(),
		ExpiresAt:   m.ExpiresAt.UTC(),
	}
	if m.ProcessedAt != nil {
		mk.ProcessedAt = m.ProcessedAt.UTC()
	}
	return mk
}

// ── Workflow model ────────────────────────────────────────────────

// workflowModel stores the state as JSON so its encoding matches the other
// backends.
type workflowModel struct {
	CorrelationID string    `bson:"_id"`
	Stage         string    `bson:"stage"`
	Version       int64     `bson:"version"`
	Data          string    `bson:"data"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

// ── DLQ model ─────────────────────────────────────────────────────

type dlqEntryModel struct {
	ID            string     `bson:"_id"`
	EventID       string     `bson:"event_id"`
	EventType     string     `bson:"event_type"`
	CorrelationID string     `bson:"correlation_id"`
	Topic         string     `bson:"topic"`
	Group         string     `bson:"group"`
	Envelope      string     `bson:"envelope"`
	Reason        string     `bson:"reason"`
	Kind          string     `bson:"kind"`
	Attempts      int        `bson:"attempts"`
	FailedAt      time.Time  `bson:"failed_at"`
	ReplayedAt    *time.Time `bson:"replayed_at,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
}

func toDLQModel(e *dlq.Entry) *dlqEntryModel {
	return &dlqEntryModel{
		ID:            e.ID.String(),
		EventID:       e.EventID,
		EventType:     string(e.EventType),
		CorrelationID: e.CorrelationID,
		Topic:         e.Topic,
		Group:         e.Group,
		Envelope:      string(e.Envelope),
		Reason:        e.Reason,
		Kind:          e.Kind,
		Attempts:      e.Attempts,
		FailedAt:      e.FailedAt,
		ReplayedAt:    e.ReplayedAt,
		CreatedAt:     e.CreatedAt,
	}
}

func fromDLQModel(m *dlqEntryModel) (*dlq.Entry, error) {
	entryID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("callflow/mongo: parse dlq id %q: %w", m.ID, err)
	}
	e := &dlq.Entry{
		ID:            entryID,
		EventID:       m.EventID,
		EventType:     envelope.Type(m.EventType),
		CorrelationID: m.CorrelationID,
		Topic:         m.Topic,
		Group:         m.Group,
		Envelope:      []byte(m.Envelope),
		Reason:        m.Reason,
		Kind:          m.Kind,
		Attempts:      m.Attempts,
		FailedAt:      m.FailedAt.UTC(),
		CreatedAt:     m.CreatedAt.UTC(),
	}
	if m.ReplayedAt != nil {
		t := m.ReplayedAt.UTC()
		e.ReplayedAt = &t
	}
	return e, nil
}

// ── Leader model ──────────────────────────────────────────────────

type leaderModel struct {
	ID         string    `bson:"_id"`
	Holder     string    `bson:"holder"`
	AcquiredAt time.Time `bson:"acquired_at"`
	ExpiresAt  time.Time `bson:"expires_at"`
}

func fromLeaderModel(m *leaderModel) *cluster.Lease {
	return &cluster.Lease{
		Holder:     m.Holder,
		AcquiredAt: m.AcquiredAt.UTC(),
		ExpiresAt:  m.ExpiresAt.UTC(),
	}
}
