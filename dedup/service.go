package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/inimical023/callflow"
)

// Service wraps a Store with the mark, run, commit or release sequence.
type Service struct {
	store     Store
	namespace string
	lease     time.Duration
	ttl       time.Duration
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithNamespace prefixes every key, so consumers of the same event keep
// independent marks.
func WithNamespace(ns string) Option { return func(s *Service) { s.namespace = ns } }

// WithTTL sets how long committed marks live.
func WithTTL(d time.Duration) Option { return func(s *Service) { s.ttl = d } }

// WithLease sets how long a pending reservation lives.
func WithLease(d time.Duration) Option { return func(s *Service) { s.lease = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService creates a Service with a 24h TTL and a 5m lease.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		lease:  5 * time.Minute,
		ttl:    24 * time.Hour,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Key returns the namespaced store key for eventID.
func (s *Service) Key(eventID string) string {
	if s.namespace == "" {
		return eventID
	}
	return s.namespace + ":" + eventID
}

// Do runs fn at most once per eventID within the TTL and keeps its result
// in the mark. A redelivery of a committed event gets the stored result
// back with replayed=true and fn is not called. An event still being
// processed elsewhere returns a transient ErrInFlight. When fn fails the
// reservation is released and the error returned.
//
// Once fn has succeeded its side effect is final: the caller applies the
// result to its own state afterwards, and a failure there is repaired by
// the redelivery replaying the stored result.
func Do[T any](ctx context.Context, s *Service, eventID string, fn func(ctx context.Context) (T, error)) (out T, replayed bool, err error) {
	key := s.Key(eventID)
	first, err := s.store.CheckAndMark(ctx, key, s.lease)
	if err != nil {
		return out, false, fmt.Errorf("dedup: check %s: %w", key, err)
	}
	if !first {
		out, err = replay[T](ctx, s, key)
		return out, err == nil, err
	}

	out, err = fn(ctx)
	if err != nil {
		s.release(ctx, key)
		return out, false, err
	}
	if err := s.commit(ctx, key, out); err != nil {
		return out, false, err
	}
	return out, false, nil
}

// Once runs fn at most once per eventID within the TTL. ran reports
// whether fn was called by this invocation.
func (s *Service) Once(ctx context.Context, eventID string, fn func(ctx context.Context) (any, error)) (ran bool, err error) {
	_, _, err = Do(ctx, s, eventID, func(ctx context.Context) (any, error) {
		ran = true
		return fn(ctx)
	})
	return ran, err
}

// replay returns the stored result for a key that is already marked.
func replay[T any](ctx context.Context, s *Service, key string) (T, error) {
	var out T
	m, err := s.store.GetMark(ctx, key)
	switch {
	case errors.Is(err, callflow.ErrMarkNotFound):
		// Expired between CheckAndMark and GetMark; the retry reserves it.
		return out, callflow.Transient("dedup.replay", fmt.Errorf("%s: %w", key, callflow.ErrInFlight))
	case err != nil:
		return out, fmt.Errorf("dedup: get %s: %w", key, err)
	case m.State == StatePending:
		return out, callflow.Transient("dedup.replay", fmt.Errorf("%s: %w", key, callflow.ErrInFlight))
	}
	if len(m.Outcome) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(m.Outcome, &out); err != nil {
		return out, callflow.Fatal("dedup.replay", fmt.Errorf("decode outcome %s: %w", key, err))
	}
	return out, nil
}

// commit stores out under key. The side effect already happened, so the
// write is detached from ctx and retried before giving up; a mark left
// pending blocks the key until its lease runs out.
func (s *Service) commit(ctx context.Context, key string, out any) error {
	outcome, err := Encode(out)
	if err != nil {
		s.logger.Warn("dedup outcome not stored", slog.String("key", key), slog.String("error", err.Error()))
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	for attempt := 1; ; attempt++ {
		err = s.store.CommitMark(cctx, key, outcome, s.ttl)
		if err == nil {
			return nil
		}
		if attempt == commitAttempts {
			break
		}
		select {
		case <-cctx.Done():
			return fmt.Errorf("dedup: commit %s: %w", key, err)
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return fmt.Errorf("dedup: commit %s: %w", key, err)
}

// release drops a pending reservation after a failed side effect.
func (s *Service) release(ctx context.Context, key string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := s.store.ReleaseMark(rctx, key); err != nil {
		s.logger.Warn("dedup release failed, mark expires with its lease",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

const (
	commitAttempts = 3
	commitTimeout  = 5 * time.Second
)

// Encode returns the canonical RFC 8785 JSON of v and its hash.
func Encode(v any) (Outcome, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Outcome{}, fmt.Errorf("dedup: marshal outcome: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return Outcome{}, fmt.Errorf("dedup: canonicalize outcome: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return Outcome{Hash: "sha256:" + hex.EncodeToString(sum[:]), Data: canonical}, nil
}

// Hash returns "sha256:<hex>" over the RFC 8785 canonical JSON of v.
func Hash(v any) (string, error) {
	out, err := Encode(v)
	return out.Hash, err
}
