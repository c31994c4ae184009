package observability_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/ext"
	"github.com/inimical023/callflow/observability"
	"github.com/inimical023/callflow/workflow"
)

func newTestExtension(t *testing.T) (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return observability.NewMetricsExtensionWithMeter(mp.Meter("test")), reader
}

// sums collects every Int64 sum by instrument name.
func sums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out
}

func newTestState() *workflow.State {
	return &workflow.State{
		CorrelationID: "call-c1",
		Stage:         workflow.StageFailed,
		FailedStage:   workflow.StageLeadPending,
	}
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := newTestExtension(t)
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_WorkflowFailed(t *testing.T) {
	e, reader := newTestExtension(t)
	if err := e.OnWorkflowFailed(context.Background(), newTestState(), errors.New("crm down")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sums(t, reader)["callflow.workflow.failed"]; got != 1 {
		t.Errorf("callflow.workflow.failed = %d, want 1", got)
	}
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	e, reader := newTestExtension(t)

	reg := ext.NewRegistry(slog.Default())
	reg.Register(e)

	ctx := context.Background()
	st := newTestState()

	reg.EmitWorkflowStarted(ctx, st)
	reg.EmitWorkflowCompleted(ctx, st, time.Second)
	reg.EmitWorkflowFailed(ctx, st, errors.New("wf fail"))
	reg.EmitEventRetrying(ctx, &bus.Delivery{Topic: "call_logged", Attempt: 1}, errors.New("503"), time.Second)
	reg.EmitEventDeadLettered(ctx, &dlq.Entry{Topic: "call_logged", Kind: "transient"})
	reg.EmitAlert(ctx, ext.Alert{CorrelationID: "call-c1", Kind: "fatal"})

	got := sums(t, reader)
	for _, name := range []string{
		"callflow.workflow.started",
		"callflow.workflow.completed",
		"callflow.workflow.failed",
		"callflow.event.retried",
		"callflow.event.dead_lettered",
		"callflow.alerts",
	} {
		if got[name] != 1 {
			t.Errorf("%s = %d, want 1", name, got[name])
		}
	}
}

func TestSetup_NoEndpoint(t *testing.T) {
	p, err := observability.Setup(context.Background(), observability.ProviderConfig{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
