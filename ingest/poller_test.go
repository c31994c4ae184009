package ingest_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/callsource"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/ingest"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// captureBus records published envelopes.
type captureBus struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
	err  error
}

func (b *captureBus) Publish(_ context.Context, _ string, env *envelope.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.envs = append(b.envs, env)
	return nil
}

func (b *captureBus) Subscribe(string, bus.Handler, ...bus.SubscribeOption) (bus.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *captureBus) Retry(context.Context, *bus.Delivery, time.Duration) error { return nil }
func (b *captureBus) Close(context.Context) error                              { return nil }

func (b *captureBus) published() []*envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*envelope.Envelope(nil), b.envs...)
}

type staticLeader bool

func (l staticLeader) IsLeader() bool { return bool(l) }

func call(id, ext, result string, at time.Time) envelope.CallRecord {
	return envelope.CallRecord{
		CallID:       id,
		Extension:    ext,
		Direction:    "Inbound",
		Result:       result,
		CallerNumber: "5551234567",
		StartTime:    at,
		Duration:     30,
	}
}

func newSource() *callsource.Memory {
	src := callsource.NewMemory()
	src.AddCall(call("c1", "101", "Completed", now.Add(-2*time.Hour)))
	src.AddCall(call("c2", "102", "Missed", now.Add(-time.Hour)))
	src.AddCall(call("c3", "101", "Voicemail", now.Add(-time.Hour)))
	src.AddCall(call("c4", "101", "Completed", now.Add(-48*time.Hour)))
	src.AddCall(call("c5", "103", "Completed", now.Add(-time.Hour)))
	return src
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPollPublishesCallsInWindow(t *testing.T) {
	t.Parallel()

	b := &captureBus{}
	p := ingest.NewPoller(newSource(), b,
		ingest.WithExtensions("101", "102"),
		ingest.WithClock(func() time.Time { return now }),
		ingest.WithLogger(quietLogger()),
	)

	res, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Fetched != 2 || res.Published != 2 {
		t.Fatalf("result = %+v, want 2 fetched and published", res)
	}
	if !res.From.Equal(now.Add(-24*time.Hour)) || !res.To.Equal(now) {
		t.Errorf("window = %s..%s", res.From, res.To)
	}

	byCall := map[string]*envelope.Envelope{}
	for _, env := range b.published() {
		payload, err := envelope.DecodePayload[envelope.CallLogged](env)
		if err != nil {
			t.Fatal(err)
		}
		byCall[payload.Call.CallID] = env
	}
	for _, id := range []string{"c1", "c2"} {
		env, ok := byCall[id]
		if !ok {
			t.Fatalf("call %s not published", id)
		}
		corr := envelope.CorrelationForCall(id)
		if env.CorrelationID != corr {
			t.Errorf("CorrelationID = %q, want %q", env.CorrelationID, corr)
		}
		if want := envelope.DeriveID(envelope.TypeCallLogged, corr, "ingest"); env.EventID != want {
			t.Errorf("EventID = %q, want %q", env.EventID, want)
		}
	}
	if !p.LastRun().Equal(now) {
		t.Errorf("LastRun = %s, want %s", p.LastRun(), now)
	}
}

func TestPollAppliesFilter(t *testing.T) {
	t.Parallel()

	f, err := ingest.NewFilter(`call.status == "accepted"`)
	if err != nil {
		t.Fatal(err)
	}
	b := &captureBus{}
	p := ingest.NewPoller(newSource(), b,
		ingest.WithExtensions("101", "102", "103"),
		ingest.WithFilter(f),
		ingest.WithConcurrency(2),
		ingest.WithClock(func() time.Time { return now }),
		ingest.WithLogger(quietLogger()),
	)

	res, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Fetched != 3 || res.Filtered != 1 || res.Published != 2 {
		t.Fatalf("result = %+v, want 3 fetched, 1 filtered, 2 published", res)
	}
}

func TestPollSkipsWhenNotLeader(t *testing.T) {
	t.Parallel()

	src := newSource()
	p := ingest.NewPoller(src, &captureBus{},
		ingest.WithExtensions("101"),
		ingest.WithLeader(staticLeader(false)),
		ingest.WithLogger(quietLogger()),
	)

	res, err := p.Poll(context.Background())
	if err != nil || !res.Skipped {
		t.Fatalf("Poll = %+v, %v, want skipped", res, err)
	}
	if n, _ := src.Calls(); n != 0 {
		t.Errorf("FetchCallLogs calls = %d, want 0", n)
	}
}

func TestPollWindowAdvancesOnlyOnSuccess(t *testing.T) {
	t.Parallel()

	src := newSource()
	src.FailNext("FetchCallLogs", callflow.Transient("callsource.fetch_logs", errors.New("timeout")))
	clock := now
	p := ingest.NewPoller(src, &captureBus{},
		ingest.WithExtensions("101"),
		ingest.WithClock(func() time.Time { return clock }),
		ingest.WithLogger(quietLogger()),
	)

	if _, err := p.Poll(context.Background()); !callflow.IsRetryable(err) {
		t.Fatalf("Poll = %v, want transient error", err)
	}
	if !p.LastRun().IsZero() {
		t.Fatalf("LastRun = %s after failure, want zero", p.LastRun())
	}

	clock = now.Add(5 * time.Minute)
	res, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !res.From.Equal(clock.Add(-24 * time.Hour)) {
		t.Errorf("From = %s, want lookback start", res.From)
	}

	clock = now.Add(10 * time.Minute)
	res, err = p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !res.From.Equal(now.Add(5 * time.Minute)) {
		t.Errorf("From = %s, want previous run end", res.From)
	}
	if res.Published != 0 {
		t.Errorf("Published = %d, want 0 for an empty window", res.Published)
	}
}

func TestPollPublishError(t *testing.T) {
	t.Parallel()

	b := &captureBus{err: callflow.ErrBrokerUnavailable}
	p := ingest.NewPoller(newSource(), b,
		ingest.WithExtensions("101"),
		ingest.WithClock(func() time.Time { return now }),
		ingest.WithLogger(quietLogger()),
	)
	if _, err := p.Poll(context.Background()); !errors.Is(err, callflow.ErrBrokerUnavailable) {
		t.Fatalf("Poll = %v, want ErrBrokerUnavailable", err)
	}
	if !p.LastRun().IsZero() {
		t.Errorf("LastRun advanced after publish failure")
	}
}

func TestStartValidatesConfig(t *testing.T) {
	t.Parallel()

	bad := ingest.NewPoller(newSource(), &captureBus{},
		ingest.WithExtensions("101"),
		ingest.WithSchedule("not a schedule"),
		ingest.WithLogger(quietLogger()),
	)
	if err := bad.Start(context.Background()); err == nil {
		t.Error("Start with bad schedule succeeded")
	}

	none := ingest.NewPoller(newSource(), &captureBus{}, ingest.WithLogger(quietLogger()))
	if err := none.Start(context.Background()); err == nil {
		t.Error("Start without extensions succeeded")
	}

	ok := ingest.NewPoller(newSource(), &captureBus{},
		ingest.WithExtensions("101"),
		ingest.WithSchedule("@every 1h"),
		ingest.WithLogger(quietLogger()),
	)
	if err := ok.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ok.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
