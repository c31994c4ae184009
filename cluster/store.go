package cluster

import (
	"context"
	"time"
)

// Lease describes the current leadership.
type Lease struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Store persists the leadership lease.
type Store interface {
	// AcquireLeadership makes holder the leader when the lease is free,
	// expired or already held by holder. The lease lasts ttl.
	AcquireLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error)

	// RenewLeadership extends the lease when holder owns it.
	RenewLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error)

	// ReleaseLeadership gives the lease up when holder owns it.
	ReleaseLeadership(ctx context.Context, holder string) error

	// GetLeader returns the live lease, or nil when there is no leader.
	GetLeader(ctx context.Context) (*Lease, error)
}
