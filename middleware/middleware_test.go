package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/middleware"
)

func newDelivery(t *testing.T) *bus.Delivery {
	t.Helper()
	env, err := envelope.New(envelope.TypeCallLogged, "call-c1", envelope.CallLogged{
		Call: envelope.CallRecord{CallID: "c1", Status: envelope.StatusAccepted},
	})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	return &bus.Delivery{Topic: "call_logged", Group: "orchestrator", Envelope: env, Attempt: 2}
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *bus.Delivery, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *bus.Delivery, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	err := chain(context.Background(), newDelivery(t), func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	called := false
	err := middleware.Chain()(context.Background(), newDelivery(t), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestWrap_PassesDelivery(t *testing.T) {
	d := newDelivery(t)
	var got *bus.Delivery
	h := middleware.Wrap(func(_ context.Context, d *bus.Delivery) error {
		got = d
		return nil
	}, middleware.Correlation())

	if err := h(context.Background(), d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != d {
		t.Error("handler did not receive the delivery")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	pass := func(ctx context.Context, _ *bus.Delivery, next middleware.Handler) error {
		return next(ctx)
	}
	want := errors.New("handler error")

	err := middleware.Chain(pass)(context.Background(), newDelivery(t), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	mw := middleware.Recover(slog.Default())
	d := newDelivery(t)

	err := mw(context.Background(), d, func(_ context.Context) error {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if callflow.KindOf(err) != callflow.KindFatal {
		t.Errorf("KindOf = %q, want fatal", callflow.KindOf(err))
	}
	if !strings.Contains(err.Error(), "test panic") || !strings.Contains(err.Error(), d.EventID()) {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	called := false
	err := middleware.Recover(slog.Default())(context.Background(), newDelivery(t), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestLogging_Error(t *testing.T) {
	want := errors.New("fail")
	err := middleware.Logging(slog.Default())(context.Background(), newDelivery(t), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestTimeout_OverrunIsTransient(t *testing.T) {
	mw := middleware.Timeout(10 * time.Millisecond)

	err := mw(context.Background(), newDelivery(t), func(ctx context.Context) error {
		<-ctx.Done()
		return errors.New("crm call aborted")
	})
	if !callflow.IsRetryable(err) {
		t.Fatalf("err = %v, want a transient error", err)
	}
}

func TestTimeout_DeadlineSet(t *testing.T) {
	mw := middleware.Timeout(time.Minute)

	err := mw(context.Background(), newDelivery(t), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected a deadline on the handler context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTimeout_DisabledPassesThrough(t *testing.T) {
	mw := middleware.Timeout(0)
	want := callflow.BusinessRule("owner", callflow.ErrNoLeadOwner)

	err := mw(context.Background(), newDelivery(t), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("unexpected deadline")
		}
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestCorrelation_StoresID(t *testing.T) {
	err := middleware.Correlation()(context.Background(), newDelivery(t), func(ctx context.Context) error {
		corr, ok := middleware.CorrelationFrom(ctx)
		if !ok || corr != "call-c1" {
			t.Errorf("CorrelationFrom = %q, %v; want call-c1", corr, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCorrelation_NoOpWhenUndecodable(t *testing.T) {
	d := &bus.Delivery{Topic: "call_logged", Raw: []byte("x")}
	err := middleware.Correlation()(context.Background(), d, func(ctx context.Context) error {
		if _, ok := middleware.CorrelationFrom(ctx); ok {
			t.Error("expected no correlation id for an undecodable delivery")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
