// Package envelope defines the versioned event envelope exchanged between
// callflow services, the event types, and their typed payloads.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/id"
)

// SchemaVersion is the envelope schema version produced by this module.
// Decoding rejects anything newer.
const SchemaVersion = 1

// Type names an event. Each type travels on the bus topic of the same name.
type Type string

// Workflow events.
const (
	TypeCallLogged        Type = "call_logged"
	TypeLeadCreated       Type = "lead_created"
	TypeLeadUpdated       Type = "lead_updated"
	TypeRecordingAttached Type = "recording_attached"
	TypeLeadProcessed     Type = "lead_processed"
	TypeWorkflowFailed    Type = "workflow_failed"
)

// Operator commands and audit events.
const (
	TypeCancelRequested Type = "cancel_requested"
	TypeRetryRequested  Type = "retry_requested"
	TypeDeadLettered    Type = "dead_lettered"
)

// TopicDeadLetter carries dead_lettered events.
const TopicDeadLetter = "dead_letter"

var knownTypes = map[Type]bool{
	TypeCallLogged:        true,
	TypeLeadCreated:       true,
	TypeLeadUpdated:       true,
	TypeRecordingAttached: true,
	TypeLeadProcessed:     true,
	TypeWorkflowFailed:    true,
	TypeCancelRequested:   true,
	TypeRetryRequested:    true,
	TypeDeadLettered:      true,
}

// Types returns every declared event type.
func Types() []Type {
	return []Type{
		TypeCallLogged, TypeLeadCreated, TypeLeadUpdated, TypeRecordingAttached,
		TypeLeadProcessed, TypeWorkflowFailed, TypeCancelRequested,
		TypeRetryRequested, TypeDeadLettered,
	}
}

// Valid reports whether t is a declared event type.
func (t Type) Valid() bool { return knownTypes[t] }

// Topic returns the bus topic for events of type t.
func (t Type) Topic() string {
	if t == TypeDeadLettered {
		return TopicDeadLetter
	}
	return string(t)
}

// Envelope is the unit exchanged on the bus. EventID is used only for
// deduplication, never for ordering. CorrelationID is stable across every
// event of one call.
type Envelope struct {
	EventID       string          `json:"event_id"        msgpack:"event_id"`
	Type          Type            `json:"type"            msgpack:"type"`
	CorrelationID string          `json:"correlation_id"  msgpack:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"       msgpack:"timestamp"`
	SchemaVersion int             `json:"schema_version"  msgpack:"schema_version"`
	Payload       json.RawMessage `json:"payload"         msgpack:"payload"`
}

// New builds an envelope with a fresh event id.
func New(t Type, correlationID string, payload any) (*Envelope, error) {
	return build(id.NewEventID(), t, correlationID, payload)
}

// Derive builds an envelope whose event id is a function of the correlation
// id, the type and seed. Re-publishing the same follow-up after a crash
// therefore yields the same id and is absorbed by deduplication.
func Derive(t Type, correlationID, seed string, payload any) (*Envelope, error) {
	return build(DeriveID(t, correlationID, seed), t, correlationID, payload)
}

var derivedNamespace = uuid.MustParse("6f1c3d9e-8a57-4c1b-9f0e-2d4b7a8c1e35")

// DeriveID returns the deterministic event id used by Derive.
func DeriveID(t Type, correlationID, seed string) string {
	name := correlationID + "|" + string(t) + "|" + seed
	return "evt-" + uuid.NewSHA1(derivedNamespace, []byte(name)).String()
}

func build(eventID string, t Type, correlationID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, callflow.Validation("envelope.build", fmt.Errorf("marshal %s payload: %w", t, err))
	}
	e := &Envelope{
		EventID:       eventID,
		Type:          t,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		SchemaVersion: SchemaVersion,
		Payload:       raw,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the structural invariants of an in-memory envelope.
func (e *Envelope) Validate() error {
	switch {
	case e == nil:
		return invalid("nil envelope")
	case e.EventID == "":
		return invalid("event_id is required")
	case !e.Type.Valid():
		return invalid(fmt.Sprintf("unknown type %q", e.Type))
	case e.CorrelationID == "":
		return invalid("correlation_id is required")
	case e.Timestamp.IsZero():
		return invalid("timestamp is required")
	case e.SchemaVersion < 1:
		return invalid("schema_version is required")
	case e.SchemaVersion > SchemaVersion:
		return callflow.Validation("envelope.validate",
			fmt.Errorf("%w: %d", callflow.ErrUnsupportedSchema, e.SchemaVersion))
	}
	trimmed := bytes.TrimSpace(e.Payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return invalid("payload must be an object")
	}
	return nil
}

func invalid(msg string) error {
	return callflow.Validation("envelope.validate", fmt.Errorf("%w: %s", callflow.ErrInvalidEnvelope, msg))
}

// Marshal encodes e as JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}

// DecodePayload decodes the payload of e into T.
func DecodePayload[T any](e *Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return out, callflow.Validation("envelope.payload",
			fmt.Errorf("%w: decode %s payload: %v", callflow.ErrInvalidEnvelope, e.Type, err))
	}
	return out, nil
}
