// Package stream fans callflow lifecycle events out to live watchers. The
// Broker is an ext.Extension; the admin watch endpoint subscribes to it.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Workflow events.
	EventWorkflowStarted   EventType = "workflow.started"
	EventStageChanged      EventType = "workflow.stage_changed"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"

	// Delivery events.
	EventRetrying     EventType = "event.retrying"
	EventDeadLettered EventType = "event.dead_lettered"

	// Alerts.
	EventAlert EventType = "alert"
)

// Event is what watchers receive.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
}

// WorkflowEventData is the payload for workflow events.
type WorkflowEventData struct {
	CorrelationID string `json:"correlation_id"`
	Stage         string `json:"stage"`
	From          string `json:"from,omitempty"`
	Version       int64  `json:"version"`
	LeadID        string `json:"lead_id,omitempty"`
	ElapsedMs     int64  `json:"elapsed_ms,omitempty"`
	Error         string `json:"error,omitempty"`
}

// DeliveryEventData is the payload for delivery events.
type DeliveryEventData struct {
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Topic         string `json:"topic"`
	Attempt       int    `json:"attempt,omitempty"`
	DelayMs       int64  `json:"delay_ms,omitempty"`
	EntryID       string `json:"entry_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// AlertEventData is the payload for alerts.
type AlertEventData struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	EventID       string `json:"event_id,omitempty"`
	Kind          string `json:"kind"`
	Reason        string `json:"reason"`
}
