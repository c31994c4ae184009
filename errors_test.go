package callflow_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/inimical023/callflow"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want callflow.Kind
	}{
		{"nil", nil, ""},
		{"explicit transient", callflow.Transient("crm.create", errors.New("503")), callflow.KindTransient},
		{"explicit validation", callflow.Validation("decode", errors.New("bad")), callflow.KindValidation},
		{"explicit business", callflow.BusinessRule("owner", errors.New("none")), callflow.KindBusinessRule},
		{"explicit fatal", callflow.Fatal("x", errors.New("boom")), callflow.KindFatal},
		{"deadline", fmt.Errorf("crm: %w", context.DeadlineExceeded), callflow.KindTransient},
		{"broker", callflow.ErrBrokerUnavailable, callflow.KindTransient},
		{"out of order", fmt.Errorf("lead_created: %w", callflow.ErrOutOfOrder), callflow.KindTransient},
		{"version conflict", &callflow.VersionConflictError{CorrelationID: "c", Expected: 1, Actual: 2}, callflow.KindTransient},
		{"invalid envelope", callflow.ErrInvalidEnvelope, callflow.KindValidation},
		{"no owner", callflow.ErrNoLeadOwner, callflow.KindBusinessRule},
		{"unknown", errors.New("nil pointer"), callflow.KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := callflow.KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExplicitKindWinsOverSentinel(t *testing.T) {
	t.Parallel()

	err := callflow.Fatal("broker", callflow.ErrBrokerUnavailable)
	if got := callflow.KindOf(err); got != callflow.KindFatal {
		t.Fatalf("KindOf = %q, want %q", got, callflow.KindFatal)
	}
	if !errors.Is(err, callflow.ErrBrokerUnavailable) {
		t.Error("wrapped sentinel should still match errors.Is")
	}
}

func TestVersionConflictIs(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("update: %w", &callflow.VersionConflictError{CorrelationID: "call-1", Expected: 3, Actual: 4})
	if !errors.Is(err, callflow.ErrVersionConflict) {
		t.Fatal("expected errors.Is to match ErrVersionConflict")
	}
	var vc *callflow.VersionConflictError
	if !errors.As(err, &vc) {
		t.Fatal("expected errors.As to find *VersionConflictError")
	}
	if vc.Expected != 3 || vc.Actual != 4 {
		t.Errorf("conflict = %d/%d, want 3/4", vc.Expected, vc.Actual)
	}
}

func TestWrapNil(t *testing.T) {
	t.Parallel()

	if err := callflow.Transient("op", nil); err != nil {
		t.Errorf("Transient(nil) = %v, want nil", err)
	}
	if callflow.IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
}
