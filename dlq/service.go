package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/id"
)

// Service persists dead letters and announces them on the bus.
type Service struct {
	store  Store
	bus    bus.Bus
	logger *slog.Logger
}

// NewService creates a DLQ service. b may be nil, in which case entries are
// only persisted.
func NewService(store Store, b bus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, bus: b, logger: logger}
}

// Push records d as dead-lettered with the accumulated failure reasons and
// publishes a dead_lettered event. A publish failure is logged; the stored
// entry remains the source of truth.
func (s *Service) Push(ctx context.Context, d *bus.Delivery, cause error) (*Entry, error) {
	now := time.Now().UTC()
	reasons := append(append([]string(nil), d.History...), cause.Error())
	entry := &Entry{
		ID:        id.NewDLQID(),
		Topic:     d.Topic,
		Group:     d.Group,
		Envelope:  rawEnvelope(d),
		Reason:    strings.Join(reasons, "; "),
		Kind:      string(callflow.KindOf(cause)),
		Attempts:  d.Attempt,
		FailedAt:  now,
		CreatedAt: now,
	}
	if env := d.Envelope; env != nil {
		entry.EventID = env.EventID
		entry.EventType = env.Type
		entry.CorrelationID = env.CorrelationID
	}

	if err := s.store.PushDLQ(ctx, entry); err != nil {
		return nil, fmt.Errorf("dlq: push: %w", err)
	}

	if s.bus != nil {
		if err := s.announce(ctx, entry); err != nil {
			s.logger.Warn("dead_lettered publish failed",
				slog.String("entry_id", entry.ID.String()),
				slog.String("event_id", entry.EventID),
				slog.String("error", err.Error()),
			)
		}
	}
	return entry, nil
}

func (s *Service) announce(ctx context.Context, entry *Entry) error {
	correlation := entry.CorrelationID
	if correlation == "" {
		correlation = "dlq-" + entry.ID.String()
	}
	env, err := envelope.New(envelope.TypeDeadLettered, correlation, envelope.DeadLettered{
		EntryID:  entry.ID.String(),
		Topic:    entry.Topic,
		Reason:   entry.Reason,
		Kind:     entry.Kind,
		Attempts: entry.Attempts,
		Original: entry.Envelope,
	})
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, envelope.TopicDeadLetter, env)
}

// Replay re-publishes the entry's envelope to its original topic and marks
// the entry as replayed. The envelope keeps its event id.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (*envelope.Envelope, error) {
	if s.bus == nil {
		return nil, errors.New("dlq: replay needs a bus")
	}
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}
	env, err := envelope.Decode(entry.Envelope)
	if err != nil {
		return nil, fmt.Errorf("dlq: entry %s holds an undecodable envelope: %w", entryID, err)
	}
	if err := s.bus.Publish(ctx, entry.Topic, env); err != nil {
		return nil, err
	}
	if err := s.store.ReplayDLQ(ctx, entryID); err != nil {
		return env, err
	}
	return env, nil
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// rawEnvelope returns the delivery's bytes as JSON, wrapping undecodable
// payloads in a JSON string.
func rawEnvelope(d *bus.Delivery) json.RawMessage {
	if d.Envelope != nil {
		if raw, err := d.Envelope.Marshal(); err == nil {
			return raw
		}
	}
	if json.Valid(d.Raw) {
		return append(json.RawMessage(nil), d.Raw...)
	}
	quoted, _ := json.Marshal(string(d.Raw)) //nolint:errcheck // marshaling a string cannot fail
	return quoted
}
