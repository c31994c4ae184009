package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/inimical023/callflow/cluster"
	"github.com/inimical023/callflow/dedup"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/id"
	"github.com/inimical023/callflow/workflow"
)

// ── Dedup model ───────────────────────────────────────────────────

type dedupModel struct {
	bun.BaseModel `bun:"table:callflow_dedup"`

	Key         string     `bun:"key,pk"`
	State       string     `bun:"state,notnull"`
	OutcomeHash string     `bun:"outcome_hash,notnull"`
	Outcome     []byte     `bun:"outcome"`
	MarkedAt    time.Time  `bun:"marked_at,notnull"`
	ProcessedAt *time.Time `bun:"processed_at"`
	ExpiresAt   time.Time  `bun:"expires_at,notnull"`
}

func fromDedupModel(m *dedupModel) *dedup.Mark {
	mk := &dedup.Mark{
		Key:         m.Key,
		State:       dedup.State(m.State),
		OutcomeHash: m.OutcomeHash,
		Outcome:     m.Outcome,
		MarkedAt:    m.MarkedAt,
		ExpiresAt:   m.ExpiresAt,
	}
	if m.ProcessedAt != nil {
		mk.ProcessedAt = *m.ProcessedAt
	}
	return mk
}

// ── Workflow model ────────────────────────────────────────────────

type workflowModel struct {
	bun.BaseModel `bun:"table:callflow_workflows"`

	CorrelationID string          `bun:"correlation_id,pk"`
	Stage         string          `bun:"stage,notnull"`
	Version       int64           `bun:"version,notnull"`
	Data          *workflow.State `bun:"data,type:jsonb,notnull"`
	CreatedAt     time.Time       `bun:"created_at,notnull"`
	UpdatedAt     time.Time       `bun:"updated_at,notnull"`
}

func toWorkflowModel(st *workflow.State) *workflowModel {
	return &workflowModel{
		CorrelationID: st.CorrelationID,
		Stage:         string(st.Stage),
		Version:       st.Version,
		Data:          st,
		CreatedAt:     st.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
	}
}

func fromWorkflowModel(m *workflowModel) (*workflow.State, error) {
	if m.Data == nil {
		return nil, fmt.Errorf("callflow/bun: workflow %s has no data", m.CorrelationID)
	}
	st := m.Data
	st.Version = m.Version
	return st, nil
}

// ── DLQ model ─────────────────────────────────────────────────────

type dlqEntryModel struct {
	bun.BaseModel `bun:"table:callflow_dlq"`

	ID            string          `bun:"id,pk"`
	EventID       string          `bun:"event_id,notnull"`
	EventType     string          `bun:"event_type,notnull"`
	CorrelationID string          `bun:"correlation_id,notnull"`
	Topic         string          `bun:"topic,notnull"`
	Group         string          `bun:"consumer_group,notnull"`
	Envelope      json.RawMessage `bun:"envelope,type:jsonb"`
	Reason        string          `bun:"reason,notnull"`
	Kind          string          `bun:"kind,notnull"`
	Attempts      int             `bun:"attempts,notnull"`
	FailedAt      time.Time       `bun:"failed_at,notnull"`
	ReplayedAt    *time.Time      `bun:"replayed_at"`
	CreatedAt     time.Time       `bun:"created_at,notnull"`
}

func toDLQModel(e *dlq.Entry) *dlqEntryModel {
	return &dlqEntryModel{
		ID:            e.ID.String(),
		EventID:       e.EventID,
		EventType:     string(e.EventType),
		CorrelationID: e.CorrelationID,
		Topic:         e.Topic,
		Group:         e.Group,
		Envelope:      e.Envelope,
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
		return nil, fmt.Errorf("parse dlq id %q: %w", m.ID, err)
	}
	return &dlq.Entry{
		ID:            entryID,
		EventID:       m.EventID,
		EventType:     envelope.Type(m.EventType),
		CorrelationID: m.CorrelationID,
		Topic:         m.Topic,
		Group:         m.Group,
		Envelope:      m.Envelope,
		Reason:        m.Reason,
		Kind:          m.Kind,
		Attempts:      m.Attempts,
		FailedAt:      m.FailedAt,
		ReplayedAt:    m.ReplayedAt,
		CreatedAt:     m.CreatedAt,
	}, nil
}

// ── Leader model ──────────────────────────────────────────────────

type leaderModel struct {
	bun.BaseModel `bun:"table:callflow_leader"`

	Name       string    `bun:"name,pk"`
	Holder     string    `bun:"holder,notnull"`
	AcquiredAt time.Time `bun:"acquired_at,notnull"`
	ExpiresAt  time.Time `bun:"expires_at,notnull"`
}

func fromLeaderModel(m *leaderModel) *cluster.Lease {
	return &cluster.Lease{Holder: m.Holder, AcquiredAt: m.AcquiredAt, ExpiresAt: m.ExpiresAt}
}
