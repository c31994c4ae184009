package ext

import (
	"context"
	"time"

	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/workflow"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Workflow lifecycle hooks
// ──────────────────────────────────────────────────

// WorkflowStarted is called after a workflow is created at RECEIVED.
type WorkflowStarted interface {
	OnWorkflowStarted(ctx context.Context, st *workflow.State) error
}

// StageChanged is called after a stage transition has been persisted.
type StageChanged interface {
	OnStageChanged(ctx context.Context, st *workflow.State, from workflow.Stage) error
}

// WorkflowCompleted is called when a workflow reaches COMPLETED.
type WorkflowCompleted interface {
	OnWorkflowCompleted(ctx context.Context, st *workflow.State, elapsed time.Duration) error
}

// WorkflowFailed is called when a workflow is parked in FAILED.
type WorkflowFailed interface {
	OnWorkflowFailed(ctx context.Context, st *workflow.State, err error) error
}

// ──────────────────────────────────────────────────
// Delivery hooks
// ──────────────────────────────────────────────────

// EventRetrying is called when a failed delivery is scheduled for retry.
type EventRetrying interface {
	OnEventRetrying(ctx context.Context, d *bus.Delivery, err error, delay time.Duration) error
}

// EventDeadLettered is called after a delivery has been dead-lettered.
type EventDeadLettered interface {
	OnEventDeadLettered(ctx context.Context, entry *dlq.Entry) error
}

// ──────────────────────────────────────────────────
// Other hooks
// ──────────────────────────────────────────────────

// Alert describes a failure an operator must look at.
type Alert struct {
	CorrelationID string
	EventID       string
	Kind          string
	Reason        string
	At            time.Time
}

// Alerter is called for fatal failures and exhausted retry budgets.
type Alerter interface {
	OnAlert(ctx context.Context, a Alert) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
