package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/ext"
	"github.com/inimical023/callflow/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*Extension)(nil)
	_ ext.WorkflowStarted   = (*Extension)(nil)
	_ ext.StageChanged      = (*Extension)(nil)
	_ ext.WorkflowCompleted = (*Extension)(nil)
	_ ext.WorkflowFailed    = (*Extension)(nil)
	_ ext.EventRetrying     = (*Extension)(nil)
	_ ext.EventDeadLettered = (*Extension)(nil)
	_ ext.Alerter           = (*Extension)(nil)
)

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit trail entry.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
	At         time.Time      `json:"at"`
}

// RecorderFunc adapts a plain function to a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// SlogRecorder writes audit events as structured log records.
func SlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityCritical:
			level = slog.LevelError
		}
		logger.LogAttrs(ctx, level, "audit",
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
			slog.String("reason", evt.Reason),
			slog.Any("metadata", evt.Metadata),
		)
		return nil
	})
}

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges callflow lifecycle hooks to a Recorder.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Extension that records through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Workflow hooks ──────────────────────────────────

// OnWorkflowStarted implements ext.WorkflowStarted.
func (e *Extension) OnWorkflowStarted(ctx context.Context, st *workflow.State) error {
	return e.record(ctx, ActionWorkflowStarted, SeverityInfo, OutcomeSuccess,
		ResourceWorkflow, st.CorrelationID, CategoryWorkflow, nil,
		"call_id", callID(st),
	)
}

// OnStageChanged implements ext.StageChanged.
func (e *Extension) OnStageChanged(ctx context.Context, st *workflow.State, from workflow.Stage) error {
	return e.record(ctx, ActionStageChanged, SeverityInfo, OutcomeSuccess,
		ResourceWorkflow, st.CorrelationID, CategoryWorkflow, nil,
		"from", string(from),
		"to", string(st.Stage),
		"version", st.Version,
	)
}

// OnWorkflowCompleted implements ext.WorkflowCompleted.
func (e *Extension) OnWorkflowCompleted(ctx context.Context, st *workflow.State, elapsed time.Duration) error {
	return e.record(ctx, ActionWorkflowCompleted, SeverityInfo, OutcomeSuccess,
		ResourceWorkflow, st.CorrelationID, CategoryWorkflow, nil,
		"lead_id", st.LeadID,
		"lead_action", st.LeadAction,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnWorkflowFailed implements ext.WorkflowFailed.
func (e *Extension) OnWorkflowFailed(ctx context.Context, st *workflow.State, cause error) error {
	return e.record(ctx, ActionWorkflowFailed, SeverityCritical, OutcomeFailure,
		ResourceWorkflow, st.CorrelationID, CategoryWorkflow, cause,
		"failed_stage", string(st.FailedStage),
		"failure_kind", string(st.FailureKind),
		"cancelled", st.Cancelled,
	)
}

// ── Delivery hooks ──────────────────────────────────

// OnEventRetrying implements ext.EventRetrying.
func (e *Extension) OnEventRetrying(ctx context.Context, d *bus.Delivery, cause error, delay time.Duration) error {
	var corr, typ string
	if d.Envelope != nil {
		corr, typ = d.Envelope.CorrelationID, string(d.Envelope.Type)
	}
	return e.record(ctx, ActionEventRetrying, SeverityWarning, OutcomeFailure,
		ResourceEvent, d.EventID(), CategoryDelivery, cause,
		"correlation_id", corr,
		"event_type", typ,
		"group", d.Group,
		"attempt", d.Attempt,
		"delay_ms", delay.Milliseconds(),
	)
}

// OnEventDeadLettered implements ext.EventDeadLettered.
func (e *Extension) OnEventDeadLettered(ctx context.Context, entry *dlq.Entry) error {
	return e.record(ctx, ActionEventDeadLettered, SeverityCritical, OutcomeFailure,
		ResourceDeadLetter, entry.ID.String(), CategoryDelivery, nil,
		"event_id", entry.EventID,
		"event_type", string(entry.EventType),
		"correlation_id", entry.CorrelationID,
		"kind", entry.Kind,
		"attempts", entry.Attempts,
		"reason", entry.Reason,
	)
}

// OnAlert implements ext.Alerter.
func (e *Extension) OnAlert(ctx context.Context, a ext.Alert) error {
	return e.record(ctx, ActionAlert, SeverityCritical, OutcomeFailure,
		ResourceWorkflow, a.CorrelationID, CategoryAlert, nil,
		"event_id", a.EventID,
		"kind", a.Kind,
		"reason", a.Reason,
	)
}

// ── Internal helpers ────────────────────────────────

func callID(st *workflow.State) string {
	if st.Call == nil {
		return ""
	}
	return st.Call.CallID
}

// record builds and sends an audit event if the action is enabled.
// kvPairs become Metadata. Recorder failures are logged, never returned.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = reason
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
		At:         e.now().UTC(),
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
