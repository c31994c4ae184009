package cluster

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Elector keeps trying to hold the leadership lease.
type Elector struct {
	store  Store
	holder string
	ttl    time.Duration
	logger *slog.Logger

	leader  atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// ElectorOption configures an Elector.
type ElectorOption func(*Elector)

// WithTTL sets the lease duration. The elector renews at half of it.
func WithTTL(d time.Duration) ElectorOption { return func(e *Elector) { e.ttl = d } }

// WithElectorLogger sets the logger.
func WithElectorLogger(l *slog.Logger) ElectorOption { return func(e *Elector) { e.logger = l } }

// NewElector creates an elector for holder.
func NewElector(store Store, holder string, opts ...ElectorOption) *Elector {
	e := &Elector{
		store:  store,
		holder: holder,
		ttl:    15 * time.Second,
		logger: slog.Default(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsLeader reports whether this instance held the lease at the last check.
func (e *Elector) IsLeader() bool { return e.leader.Load() }

// Holder returns this instance's identity.
func (e *Elector) Holder() string { return e.holder }

// Start tries once synchronously, then keeps renewing in the background.
func (e *Elector) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	e.running = true

	e.try(ctx)
	e.wg.Add(1)
	go e.loop()
	return nil
}

// Stop ends the loop and releases the lease if held.
func (e *Elector) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()

	if e.leader.Swap(false) {
		return e.store.ReleaseLeadership(ctx, e.holder)
	}
	return nil
}

func (e *Elector) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.ttl/2)
			e.try(ctx)
			cancel()
		}
	}
}

func (e *Elector) try(ctx context.Context) {
	renewed, err := e.store.RenewLeadership(ctx, e.holder, e.ttl)
	if err != nil {
		e.logger.Warn("leadership renew error", slog.String("error", err.Error()))
		e.demote()
		return
	}
	if renewed {
		return
	}

	acquired, err := e.store.AcquireLeadership(ctx, e.holder, e.ttl)
	if err != nil {
		e.logger.Warn("leadership acquire error", slog.String("error", err.Error()))
		e.demote()
		return
	}
	if acquired {
		if !e.leader.Swap(true) {
			e.logger.Info("acquired leadership", slog.String("holder", e.holder))
		}
		return
	}
	e.demote()
}

func (e *Elector) demote() {
	if e.leader.Swap(false) {
		e.logger.Warn("lost leadership", slog.String("holder", e.holder))
	}
}
