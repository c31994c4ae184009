package callflow

import (
	"context"
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("callflow: no store configured")
	ErrStoreClosed     = errors.New("callflow: store closed")
	ErrMigrationFailed = errors.New("callflow: migration failed")

	// Not found errors.
	ErrWorkflowNotFound  = errors.New("callflow: workflow not found")
	ErrDLQNotFound       = errors.New("callflow: dlq entry not found")
	ErrMarkNotFound      = errors.New("callflow: dedup mark not found")
	ErrRecordingNotFound = errors.New("callflow: recording not found")
	ErrLeadNotFound      = errors.New("callflow: lead not found")

	// Conflict errors.
	ErrWorkflowExists   = errors.New("callflow: workflow already exists")
	ErrVersionConflict  = errors.New("callflow: workflow version conflict")
	ErrInvalidState     = errors.New("callflow: invalid stage transition")
	ErrWorkflowTerminal = errors.New("callflow: workflow is terminal")
	ErrNotRetryable     = errors.New("callflow: workflow cannot be retried")

	// Delivery errors.
	ErrBrokerUnavailable  = errors.New("callflow: broker unavailable")
	ErrBusClosed          = errors.New("callflow: bus closed")
	ErrInvalidEnvelope    = errors.New("callflow: invalid envelope")
	ErrUnsupportedSchema  = errors.New("callflow: unsupported schema version")
	ErrOutOfOrder         = errors.New("callflow: event arrived before its prerequisite")
	ErrInFlight           = errors.New("callflow: event already in flight on this instance")
	ErrMaxRetriesExceeded = errors.New("callflow: max attempts exceeded")
	ErrPoolStopped        = errors.New("callflow: worker pool stopped")

	// Business rule errors.
	ErrNoLeadOwner = errors.New("callflow: no lead owner configured")
	ErrCancelled   = errors.New("callflow: workflow cancelled")

	// Cluster errors.
	ErrLeadershipLost = errors.New("callflow: leadership lost")
	ErrNotLeader      = errors.New("callflow: not the leader")
)

// Kind classifies a failure for the retry policy.
type Kind string

const (
	// KindTransient covers network, broker and timeout failures. Retried
	// with backoff.
	KindTransient Kind = "transient"
	// KindValidation covers malformed or unversioned envelopes. Dead-lettered
	// immediately.
	KindValidation Kind = "validation"
	// KindBusinessRule covers violations such as a missing lead owner. The
	// workflow is parked in FAILED.
	KindBusinessRule Kind = "business_rule"
	// KindFatal covers everything unexpected. The workflow is parked in
	// FAILED and an alert is raised.
	KindFatal Kind = "fatal"
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error { return wrapKind(KindTransient, op, err) }

// Validation wraps err as a ValidationError.
func Validation(op string, err error) error { return wrapKind(KindValidation, op, err) }

// BusinessRule wraps err as a BusinessRuleViolation.
func BusinessRule(op string, err error) error { return wrapKind(KindBusinessRule, op, err) }

// Fatal wraps err as a FatalError.
func Fatal(op string, err error) error { return wrapKind(KindFatal, op, err) }

func wrapKind(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// KindOf classifies err. An explicit *Error wins; otherwise well-known
// sentinels are mapped and anything unrecognised is fatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrBrokerUnavailable),
		errors.Is(err, ErrOutOfOrder),
		errors.Is(err, ErrInFlight),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrPoolStopped):
		return KindTransient
	case errors.Is(err, ErrInvalidEnvelope), errors.Is(err, ErrUnsupportedSchema):
		return KindValidation
	case errors.Is(err, ErrNoLeadOwner), errors.Is(err, ErrCancelled):
		return KindBusinessRule
	default:
		return KindFatal
	}
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool { return KindOf(err) == KindTransient }

// VersionConflictError reports a failed conditional write on a workflow.
type VersionConflictError struct {
	CorrelationID string
	Expected      int64
	Actual        int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("callflow: workflow %s version conflict: expected %d, found %d",
		e.CorrelationID, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrVersionConflict) match.
func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }
