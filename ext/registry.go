package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/workflow"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time.
type workflowStartedEntry struct {
	name string
	hook WorkflowStarted
}

type stageChangedEntry struct {
	name string
	hook StageChanged
}

type workflowCompletedEntry struct {
	name string
	hook WorkflowCompleted
}

type workflowFailedEntry struct {
	name string
	hook WorkflowFailed
}

type eventRetryingEntry struct {
	name string
	hook EventRetrying
}

type eventDeadLetteredEntry struct {
	name string
	hook EventDeadLettered
}

type alerterEntry struct {
	name string
	hook Alerter
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. Extensions are type-cached at registration so emit calls only
// iterate over the ones implementing the relevant hook.
//
// Register all extensions before the engine starts; the registry is not
// safe for concurrent registration.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	workflowStarted   []workflowStartedEntry
	stageChanged      []stageChangedEntry
	workflowCompleted []workflowCompletedEntry
	workflowFailed    []workflowFailedEntry
	eventRetrying     []eventRetryingEntry
	eventDeadLettered []eventDeadLetteredEntry
	alerter           []alerterEntry
	shutdown          []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(WorkflowStarted); ok {
		r.workflowStarted = append(r.workflowStarted, workflowStartedEntry{name, h})
	}
	if h, ok := e.(StageChanged); ok {
		r.stageChanged = append(r.stageChanged, stageChangedEntry{name, h})
	}
	if h, ok := e.(WorkflowCompleted); ok {
		r.workflowCompleted = append(r.workflowCompleted, workflowCompletedEntry{name, h})
	}
	if h, ok := e.(WorkflowFailed); ok {
		r.workflowFailed = append(r.workflowFailed, workflowFailedEntry{name, h})
	}
	if h, ok := e.(EventRetrying); ok {
		r.eventRetrying = append(r.eventRetrying, eventRetryingEntry{name, h})
	}
	if h, ok := e.(EventDeadLettered); ok {
		r.eventDeadLettered = append(r.eventDeadLettered, eventDeadLetteredEntry{name, h})
	}
	if h, ok := e.(Alerter); ok {
		r.alerter = append(r.alerter, alerterEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Workflow event emitters
// ──────────────────────────────────────────────────

// EmitWorkflowStarted notifies all extensions that implement WorkflowStarted.
func (r *Registry) EmitWorkflowStarted(ctx context.Context, st *workflow.State) {
	for _, e := range r.workflowStarted {
		if err := e.hook.OnWorkflowStarted(ctx, st); err != nil {
			r.logHookError("OnWorkflowStarted", e.name, err)
		}
	}
}

// EmitStageChanged notifies all extensions that implement StageChanged.
func (r *Registry) EmitStageChanged(ctx context.Context, st *workflow.State, from workflow.Stage) {
	for _, e := range r.stageChanged {
		if err := e.hook.OnStageChanged(ctx, st, from); err != nil {
			r.logHookError("OnStageChanged", e.name, err)
		}
	}
}

// EmitWorkflowCompleted notifies all extensions that implement WorkflowCompleted.
func (r *Registry) EmitWorkflowCompleted(ctx context.Context, st *workflow.State, elapsed time.Duration) {
	for _, e := range r.workflowCompleted {
		if err := e.hook.OnWorkflowCompleted(ctx, st, elapsed); err != nil {
			r.logHookError("OnWorkflowCompleted", e.name, err)
		}
	}
}

// EmitWorkflowFailed notifies all extensions that implement WorkflowFailed.
func (r *Registry) EmitWorkflowFailed(ctx context.Context, st *workflow.State, cause error) {
	for _, e := range r.workflowFailed {
		if err := e.hook.OnWorkflowFailed(ctx, st, cause); err != nil {
			r.logHookError("OnWorkflowFailed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Delivery event emitters
// ──────────────────────────────────────────────────

// EmitEventRetrying notifies all extensions that implement EventRetrying.
func (r *Registry) EmitEventRetrying(ctx context.Context, d *bus.Delivery, cause error, delay time.Duration) {
	for _, e := range r.eventRetrying {
		if err := e.hook.OnEventRetrying(ctx, d, cause, delay); err != nil {
			r.logHookError("OnEventRetrying", e.name, err)
		}
	}
}

// EmitEventDeadLettered notifies all extensions that implement EventDeadLettered.
func (r *Registry) EmitEventDeadLettered(ctx context.Context, entry *dlq.Entry) {
	for _, e := range r.eventDeadLettered {
		if err := e.hook.OnEventDeadLettered(ctx, entry); err != nil {
			r.logHookError("OnEventDeadLettered", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitAlert notifies all extensions that implement Alerter. Without any,
// the alert is logged at error level so it is never lost.
func (r *Registry) EmitAlert(ctx context.Context, a Alert) {
	if len(r.alerter) == 0 {
		r.logger.Error("callflow alert",
			slog.String("correlation_id", a.CorrelationID),
			slog.String("event_id", a.EventID),
			slog.String("kind", a.Kind),
			slog.String("reason", a.Reason),
		)
		return
	}
	for _, e := range r.alerter {
		if err := e.hook.OnAlert(ctx, a); err != nil {
			r.logHookError("OnAlert", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Hook errors are never propagated.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
