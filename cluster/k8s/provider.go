package k8s

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/inimical023/callflow/cluster"
)

// Compile-time check.
var _ cluster.Store = (*Provider)(nil)

const defaultLeaseName = "callflow-leader"

// Provider holds leadership in a Lease object.
type Provider struct {
	client    kubernetes.Interface
	namespace string
	leaseName string
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Provider) { p.logger = l } }

// WithLeaseName sets the Lease object name. Default "callflow-leader".
func WithLeaseName(name string) Option { return func(p *Provider) { p.leaseName = name } }

// New creates a provider in namespace.
func New(client kubernetes.Interface, namespace string, opts ...Option) *Provider {
	p := &Provider{
		client:    client,
		namespace: namespace,
		leaseName: defaultLeaseName,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// AcquireLeadership implements cluster.Store. Conflicting writers are
// resolved by the API server's resourceVersion check.
func (p *Provider) AcquireLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := metav1.NewMicroTime(p.now())
	ttlSec := int32(ttl.Seconds())
	leases := p.client.CoordinationV1().Leases(p.namespace)

	lease, err := leases.Get(ctx, p.leaseName, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = leases.Create(ctx, &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{Name: p.leaseName, Namespace: p.namespace},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       &holder,
				LeaseDurationSeconds: &ttlSec,
				AcquireTime:          &now,
				RenewTime:            &now,
			},
		}, metav1.CreateOptions{})
		if errors.IsAlreadyExists(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("k8s: create lease: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("k8s: get lease: %w", err)
	}

	if p.heldByOther(lease, holder) {
		return false, nil
	}

	if current := lease.Spec.HolderIdentity; current == nil || *current != holder {
		lease.Spec.AcquireTime = &now
		transitions := int32(1)
		if lease.Spec.LeaseTransitions != nil {
			transitions = *lease.Spec.LeaseTransitions + 1
		}
		lease.Spec.LeaseTransitions = &transitions
	}
	lease.Spec.HolderIdentity = &holder
	lease.Spec.LeaseDurationSeconds = &ttlSec
	lease.Spec.RenewTime = &now

	if _, err := leases.Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		if errors.IsConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("k8s: update lease (acquire): %w", err)
	}
	return true, nil
}

// RenewLeadership implements cluster.Store.
func (p *Provider) RenewLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := metav1.NewMicroTime(p.now())
	ttlSec := int32(ttl.Seconds())
	leases := p.client.CoordinationV1().Leases(p.namespace)

	lease, err := leases.Get(ctx, p.leaseName, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("k8s: renew get lease: %w", err)
	}
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity != holder {
		return false, nil
	}

	lease.Spec.LeaseDurationSeconds = &ttlSec
	lease.Spec.RenewTime = &now
	if _, err := leases.Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		if errors.IsConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("k8s: renew update lease: %w", err)
	}
	return true, nil
}

// ReleaseLeadership implements cluster.Store by clearing the holder.
func (p *Provider) ReleaseLeadership(ctx context.Context, holder string) error {
	leases := p.client.CoordinationV1().Leases(p.namespace)
	lease, err := leases.Get(ctx, p.leaseName, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("k8s: release get lease: %w", err)
	}
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity != holder {
		return nil
	}
	empty := ""
	lease.Spec.HolderIdentity = &empty
	if _, err := leases.Update(ctx, lease, metav1.UpdateOptions{}); err != nil && !errors.IsConflict(err) {
		return fmt.Errorf("k8s: release update lease: %w", err)
	}
	return nil
}

// GetLeader implements cluster.Store.
func (p *Provider) GetLeader(ctx context.Context) (*cluster.Lease, error) {
	lease, err := p.client.CoordinationV1().Leases(p.namespace).Get(ctx, p.leaseName, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		return nil, nil //nolint:nilnil // no leader
	}
	if err != nil {
		return nil, fmt.Errorf("k8s: get leader lease: %w", err)
	}
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity == "" || p.expired(lease) {
		return nil, nil //nolint:nilnil // no leader
	}

	out := &cluster.Lease{
		Holder:    *lease.Spec.HolderIdentity,
		ExpiresAt: p.expiry(lease),
	}
	if lease.Spec.AcquireTime != nil {
		out.AcquiredAt = lease.Spec.AcquireTime.Time
	}
	return out, nil
}

func (p *Provider) heldByOther(lease *coordinationv1.Lease, holder string) bool {
	h := lease.Spec.HolderIdentity
	if h == nil || *h == "" || *h == holder {
		return false
	}
	return !p.expired(lease)
}

func (p *Provider) expiry(lease *coordinationv1.Lease) time.Time {
	if lease.Spec.RenewTime == nil || lease.Spec.LeaseDurationSeconds == nil {
		return time.Time{}
	}
	return lease.Spec.RenewTime.Add(time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second)
}

func (p *Provider) expired(lease *coordinationv1.Lease) bool {
	exp := p.expiry(lease)
	return exp.IsZero() || p.now().After(exp)
}
