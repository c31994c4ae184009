package stream

import (
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// credits is a lock-free flow-control counter.
type credits struct{ n atomic.Int64 }

// take spends one credit, reporting false when none are left.
func (c *credits) take() bool {
	for {
		cur := c.n.Load()
		if cur <= 0 {
			return false
		}
		if c.n.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

func (c *credits) give(n int64) { c.n.Add(n) }

// Subscriber is one watcher's view of the broker. Each delivered event
// spends a credit; with no credits left, or a full buffer, the event is
// counted as dropped and the publisher moves on.
type Subscriber struct {
	id      string
	ch      chan *Event
	credits credits
	dropped atomic.Int64

	// mu guards topics and filter, and is held for writing while ch is
	// closed so send never writes to a closed channel.
	mu     sync.RWMutex
	topics map[string]struct{}
	filter func(*Event) bool
	closed bool
}

// NewSubscriber returns a subscriber buffering up to bufferSize events and
// starting with initialCredits.
func NewSubscriber(id string, bufferSize int, initialCredits int64) *Subscriber {
	s := &Subscriber{
		id:     id,
		ch:     make(chan *Event, bufferSize),
		topics: map[string]struct{}{},
	}
	s.credits.give(initialCredits)
	return s
}

func (s *Subscriber) ID() string { return s.id }

// C is closed when the subscriber is removed from the broker.
func (s *Subscriber) C() <-chan *Event { return s.ch }

func (s *Subscriber) AddCredits(n int64) { s.credits.give(n) }

func (s *Subscriber) Credits() int64 { return s.credits.n.Load() }

// Dropped counts events lost to missing credits or a full buffer.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// SetFilter restricts delivery to events fn accepts. nil accepts all.
func (s *Subscriber) SetFilter(fn func(*Event) bool) {
	s.mu.Lock()
	s.filter = fn
	s.mu.Unlock()
}

// Topics returns the subscribed topics in sorted order.
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.topics))
}

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// send hands evt over without blocking and reports whether it was queued.
func (s *Subscriber) send(evt *Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.closed:
		return false
	case s.filter != nil && !s.filter(evt):
		return false
	case !s.credits.take():
		s.dropped.Add(1)
		return false
	}

	select {
	case s.ch <- evt:
		return true
	default:
		s.credits.give(1)
		s.dropped.Add(1)
		return false
	}
}

// Close closes C. Further calls do nothing.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// CorrelationFilter accepts events whose payload carries correlationID.
// Events without a correlation id, such as alerts, are rejected.
func CorrelationFilter(correlationID string) func(*Event) bool {
	return func(evt *Event) bool {
		var probe struct {
			CorrelationID string `json:"correlation_id"`
		}
		if err := json.Unmarshal(evt.Data, &probe); err != nil {
			return false
		}
		return probe.CorrelationID == correlationID
	}
}
