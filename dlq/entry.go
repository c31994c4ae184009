package dlq

import (
	"encoding/json"
	"time"

	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/id"
)

// Entry is one dead-lettered delivery.
type Entry struct {
	ID            id.DLQID        `json:"id"`
	EventID       string          `json:"event_id"`
	EventType     envelope.Type   `json:"event_type"`
	CorrelationID string          `json:"correlation_id"`
	Topic         string          `json:"topic"`
	Group         string          `json:"group"`
	Envelope      json.RawMessage `json:"envelope"`
	Reason        string          `json:"reason"`
	Kind          string          `json:"kind"`
	Attempts      int             `json:"attempts"`
	FailedAt      time.Time       `json:"failed_at"`
	ReplayedAt    *time.Time      `json:"replayed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
