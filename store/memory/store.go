// Package memory provides an in-memory implementation of store.Store for
// development and testing.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/cluster"
	"github.com/inimical023/callflow/dedup"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/id"
	"github.com/inimical023/callflow/workflow"
)

// Compile-time checks. store is not imported to avoid a cycle with
// storetest.
var (
	_ dedup.Store    = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
	_ dlq.Store      = (*Store)(nil)
	_ cluster.Store  = (*Store)(nil)
)

// Store is a fully in-memory store. Safe for concurrent access.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	marks  map[string]*dedup.Mark
	states map[string]*workflow.State
	dlqs   map[string]*dlq.Entry

	lease *cluster.Lease

	// Expired marks are swept on writes at most once per sweepEvery.
	sweepEvery time.Duration
	nextSweep  time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSweepInterval sets how often writes sweep expired dedup marks out of
// memory. Zero sweeps on every write.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepEvery = d }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		sweepEvery: time.Minute,
		now:        func() time.Time { return time.Now().UTC() },
		marks:  make(map[string]*dedup.Mark),
		states: make(map[string]*workflow.State),
		dlqs:   make(map[string]*dlq.Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Dedup Store
// ──────────────────────────────────────────────────

// CheckAndMark implements dedup.Store.
func (m *Store) CheckAndMark(_ context.Context, key string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.maybeSweep(now)
	if mk, ok := m.marks[key]; ok && now.Before(mk.ExpiresAt) {
		return false, nil
	}
	m.marks[key] = &dedup.Mark{
		Key:       key,
		State:     dedup.StatePending,
		MarkedAt:  now,
		ExpiresAt: now.Add(lease),
	}
	return true, nil
}

// CommitMark implements dedup.Store.
func (m *Store) CommitMark(_ context.Context, key string, out dedup.Outcome, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.maybeSweep(now)
	mk, ok := m.marks[key]
	if !ok {
		mk = &dedup.Mark{Key: key, MarkedAt: now}
		m.marks[key] = mk
	}
	mk.State = dedup.StateDone
	mk.OutcomeHash = out.Hash
	mk.Outcome = append([]byte(nil), out.Data...)
	mk.ProcessedAt = now
	mk.ExpiresAt = now.Add(ttl)
	return nil
}

// ReleaseMark implements dedup.Store.
func (m *Store) ReleaseMark(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mk, ok := m.marks[key]; ok && mk.State == dedup.StatePending {
		delete(m.marks, key)
	}
	return nil
}

// GetMark implements dedup.Store.
func (m *Store) GetMark(_ context.Context, key string) (*dedup.Mark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mk, ok := m.marks[key]
	if !ok || !m.now().Before(mk.ExpiresAt) {
		return nil, callflow.ErrMarkNotFound
	}
	cp := *mk
	cp.Outcome = append([]byte(nil), mk.Outcome...)
	return &cp, nil
}

// CountMarks implements dedup.Store. Expired marks it passes over are
// dropped.
func (m *Store) CountMarks(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(m.now())
	return int64(len(m.marks)), nil
}

// PurgeMarks implements dedup.Store.
func (m *Store) PurgeMarks(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, mk := range m.marks {
		if mk.ExpiresAt.Before(before) {
			delete(m.marks, k)
			n++
		}
	}
	return n, nil
}

// maybeSweep drops expired marks when a sweep is due. Callers hold mu.
func (m *Store) maybeSweep(now time.Time) {
	if now.Before(m.nextSweep) {
		return
	}
	m.sweep(now)
	m.nextSweep = now.Add(m.sweepEvery)
}

func (m *Store) sweep(now time.Time) int64 {
	var n int64
	for k, mk := range m.marks {
		if !now.Before(mk.ExpiresAt) {
			delete(m.marks, k)
			n++
		}
	}
	return n
}

// ──────────────────────────────────────────────────
// Workflow Store
// ──────────────────────────────────────────────────

// CreateState implements workflow.Store.
func (m *Store) CreateState(_ context.Context, st *workflow.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.states[st.CorrelationID]; exists {
		return callflow.ErrWorkflowExists
	}
	st.Version = 1
	m.states[st.CorrelationID] = st.Clone()
	return nil
}

// GetState implements workflow.Store.
func (m *Store) GetState(_ context.Context, correlationID string) (*workflow.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[correlationID]
	if !ok {
		return nil, callflow.ErrWorkflowNotFound
	}
	return st.Clone(), nil
}

// UpdateState implements workflow.Store.
func (m *Store) UpdateState(_ context.Context, st *workflow.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.states[st.CorrelationID]
	if !ok {
		return callflow.ErrWorkflowNotFound
	}
	if cur.Version != st.Version {
		return &callflow.VersionConflictError{
			CorrelationID: st.CorrelationID,
			Expected:      st.Version,
			Actual:        cur.Version,
		}
	}
	st.Version++
	m.states[st.CorrelationID] = st.Clone()
	return nil
}

// ListStates implements workflow.Store.
func (m *Store) ListStates(_ context.Context, opts workflow.ListOpts) ([]*workflow.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workflow.State, 0, len(m.states))
	for _, st := range m.states {
		if opts.Stage != "" && st.Stage != opts.Stage {
			continue
		}
		if opts.CorrelationID != "" && !strings.HasPrefix(st.CorrelationID, opts.CorrelationID) {
			continue
		}
		result = append(result, st.Clone())
	}

	sort.Slice(result, func(i, k int) bool {
		if result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CorrelationID > result[k].CorrelationID
		}
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// CountStates implements workflow.Store.
func (m *Store) CountStates(_ context.Context) (map[workflow.Stage]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[workflow.Stage]int64)
	for _, st := range m.states {
		out[st.Stage]++
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDLQ implements dlq.Store.
func (m *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.dlqs[entry.ID.String()] = &cp
	return nil
}

// ListDLQ implements dlq.Store.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if opts.Topic != "" && e.Topic != opts.Topic {
			continue
		}
		if opts.CorrelationID != "" && e.CorrelationID != opts.CorrelationID {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// GetDLQ implements dlq.Store.
func (m *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, callflow.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// ReplayDLQ implements dlq.Store.
func (m *Store) ReplayDLQ(_ context.Context, entryID id.DLQID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return callflow.ErrDLQNotFound
	}
	now := m.now()
	e.ReplayedAt = &now
	return nil
}

// PurgeDLQ implements dlq.Store.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, e := range m.dlqs {
		if e.FailedAt.Before(before) {
			delete(m.dlqs, k)
			n++
		}
	}
	return n, nil
}

// CountDLQ implements dlq.Store.
func (m *Store) CountDLQ(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.dlqs)), nil
}

// ──────────────────────────────────────────────────
// Cluster Store
// ──────────────────────────────────────────────────

// AcquireLeadership implements cluster.Store.
func (m *Store) AcquireLeadership(_ context.Context, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.lease != nil && m.lease.Holder != holder && now.Before(m.lease.ExpiresAt) {
		return false, nil
	}
	if m.lease == nil || m.lease.Holder != holder {
		m.lease = &cluster.Lease{Holder: holder, AcquiredAt: now}
	}
	m.lease.ExpiresAt = now.Add(ttl)
	return true, nil
}

// RenewLeadership implements cluster.Store.
func (m *Store) RenewLeadership(_ context.Context, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.lease == nil || m.lease.Holder != holder || !now.Before(m.lease.ExpiresAt) {
		return false, nil
	}
	m.lease.ExpiresAt = now.Add(ttl)
	return true, nil
}

// ReleaseLeadership implements cluster.Store.
func (m *Store) ReleaseLeadership(_ context.Context, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lease != nil && m.lease.Holder == holder {
		m.lease = nil
	}
	return nil
}

// GetLeader implements cluster.Store.
func (m *Store) GetLeader(_ context.Context) (*cluster.Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.lease == nil || !m.now().Before(m.lease.ExpiresAt) {
		return nil, nil //nolint:nilnil // no leader
	}
	cp := *m.lease
	return &cp, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
