package crm

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/inimical023/callflow"
)

// WithTimeout bounds every call to c by d.
func WithTimeout(c Client, d time.Duration) Client {
	if d <= 0 {
		return c
	}
	return &decorated{next: c, before: func(ctx context.Context) (context.Context, context.CancelFunc, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		return ctx, cancel, nil
	}}
}

// RateLimited throttles calls to c with a token bucket of limit calls per
// second and the given burst. A caller whose context ends while waiting
// for a token gets a transient error.
func RateLimited(c Client, limit float64, burst int) Client {
	if limit <= 0 {
		return c
	}
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(limit), burst)
	return &decorated{next: c, before: func(ctx context.Context) (context.Context, context.CancelFunc, error) {
		if err := lim.Wait(ctx); err != nil {
			return ctx, func() {}, callflow.Transient("crm.rate_limit", err)
		}
		return ctx, func() {}, nil
	}}
}

// decorated runs before ahead of every call to next.
type decorated struct {
	next   Client
	before func(ctx context.Context) (context.Context, context.CancelFunc, error)
}

func (d *decorated) SearchLeadsByPhone(ctx context.Context, phone string) ([]Lead, error) {
	ctx, cancel, err := d.before(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	return d.next.SearchLeadsByPhone(ctx, phone)
}

func (d *decorated) CreateLead(ctx context.Context, fields LeadFields) (string, error) {
	ctx, cancel, err := d.before(ctx)
	defer cancel()
	if err != nil {
		return "", err
	}
	return d.next.CreateLead(ctx, fields)
}

func (d *decorated) UpdateLead(ctx context.Context, leadID string, fields LeadFields) error {
	ctx, cancel, err := d.before(ctx)
	defer cancel()
	if err != nil {
		return err
	}
	return d.next.UpdateLead(ctx, leadID, fields)
}

func (d *decorated) AttachNote(ctx context.Context, leadID, title, text string) (string, error) {
	ctx, cancel, err := d.before(ctx)
	defer cancel()
	if err != nil {
		return "", err
	}
	return d.next.AttachNote(ctx, leadID, title, text)
}

func (d *decorated) AttachRecording(ctx context.Context, leadID, fileName, contentType, contentRef string) (string, error) {
	ctx, cancel, err := d.before(ctx)
	defer cancel()
	if err != nil {
		return "", err
	}
	return d.next.AttachRecording(ctx, leadID, fileName, contentType, contentRef)
}

func (d *decorated) ListLeadOwners(ctx context.Context) ([]Owner, error) {
	ctx, cancel, err := d.before(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	return d.next.ListLeadOwners(ctx)
}
