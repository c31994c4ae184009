package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/ext"
	"github.com/inimical023/callflow/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*MetricsExtension)(nil)
	_ ext.WorkflowStarted   = (*MetricsExtension)(nil)
	_ ext.WorkflowCompleted = (*MetricsExtension)(nil)
	_ ext.WorkflowFailed    = (*MetricsExtension)(nil)
	_ ext.EventRetrying     = (*MetricsExtension)(nil)
	_ ext.EventDeadLettered = (*MetricsExtension)(nil)
	_ ext.Alerter           = (*MetricsExtension)(nil)
)

const meterName = "github.com/inimical023/callflow/observability"

// MetricsExtension records system-wide lifecycle metrics through an OTel
// meter. Register it as an extension to track workflow outcomes, retry
// volume, dead letters and alerts.
type MetricsExtension struct {
	WorkflowStarted   metric.Int64Counter
	WorkflowCompleted metric.Int64Counter
	WorkflowFailed    metric.Int64Counter
	WorkflowDuration  metric.Float64Histogram
	EventRetried      metric.Int64Counter
	EventDeadLettered metric.Int64Counter
	Alerts            metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided
// meter. Tests pass a meter backed by an sdkmetric.ManualReader.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc)) //nolint:errcheck // noop fallback
		return c
	}
	duration, _ := meter.Float64Histogram( //nolint:errcheck // noop fallback
		"callflow.workflow.duration",
		metric.WithDescription("Time from RECEIVED to COMPLETED in seconds"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		WorkflowStarted:   counter("callflow.workflow.started", "Workflows created"),
		WorkflowCompleted: counter("callflow.workflow.completed", "Workflows that reached COMPLETED"),
		WorkflowFailed:    counter("callflow.workflow.failed", "Workflows parked in FAILED"),
		WorkflowDuration:  duration,
		EventRetried:      counter("callflow.event.retried", "Deliveries scheduled for retry"),
		EventDeadLettered: counter("callflow.event.dead_lettered", "Deliveries moved to the dead-letter topic"),
		Alerts:            counter("callflow.alerts", "Alert signals raised"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Workflow lifecycle hooks ────────────────────────

// OnWorkflowStarted implements ext.WorkflowStarted.
func (m *MetricsExtension) OnWorkflowStarted(ctx context.Context, _ *workflow.State) error {
	m.WorkflowStarted.Add(ctx, 1)
	return nil
}

// OnWorkflowCompleted implements ext.WorkflowCompleted.
func (m *MetricsExtension) OnWorkflowCompleted(ctx context.Context, _ *workflow.State, elapsed time.Duration) error {
	m.WorkflowCompleted.Add(ctx, 1)
	m.WorkflowDuration.Record(ctx, elapsed.Seconds())
	return nil
}

// OnWorkflowFailed implements ext.WorkflowFailed.
func (m *MetricsExtension) OnWorkflowFailed(ctx context.Context, st *workflow.State, _ error) error {
	m.WorkflowFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(st.FailedStage)),
		attribute.String("kind", string(st.FailureKind)),
		attribute.Bool("cancelled", st.Cancelled),
	))
	return nil
}

// ── Delivery hooks ──────────────────────────────────

// OnEventRetrying implements ext.EventRetrying.
func (m *MetricsExtension) OnEventRetrying(ctx context.Context, d *bus.Delivery, _ error, _ time.Duration) error {
	m.EventRetried.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", d.Topic)))
	return nil
}

// OnEventDeadLettered implements ext.EventDeadLettered.
func (m *MetricsExtension) OnEventDeadLettered(ctx context.Context, entry *dlq.Entry) error {
	m.EventDeadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", entry.Topic),
		attribute.String("kind", entry.Kind),
	))
	return nil
}

// OnAlert implements ext.Alerter.
func (m *MetricsExtension) OnAlert(ctx context.Context, a ext.Alert) error {
	m.Alerts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", a.Kind)))
	return nil
}
