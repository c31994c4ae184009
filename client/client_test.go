package client_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/inimical023/callflow/admin"
	"github.com/inimical023/callflow/bus/memory"
	"github.com/inimical023/callflow/client"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/stream"
	"github.com/inimical023/callflow/workflow"

	storememory "github.com/inimical023/callflow/store/memory"
)

// ── Test Helpers ──────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupClientTest serves the admin API on an httptest server and returns
// the watch URL, the broker feeding it and the JWT authenticator.
func setupClientTest(t *testing.T) (string, *stream.Broker, *admin.JWTAuthenticator) {
	t.Helper()

	st := storememory.New()
	b := memory.New()
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	svc := admin.NewService(st, dlq.NewService(st, b, testLogger()), b, testLogger())

	auth, err := admin.NewJWTAuthenticator("test-secret", "callflow")
	if err != nil {
		t.Fatalf("NewJWTAuthenticator: %v", err)
	}
	broker := stream.NewBroker(testLogger())
	srv := admin.NewServer(svc, broker,
		admin.WithAuthenticator(auth),
		admin.WithLogger(testLogger()),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/watch", broker, auth
}

func token(t *testing.T, auth *admin.JWTAuthenticator) string {
	t.Helper()
	tok, err := auth.Issue("ops", []string{admin.ScopeWatch}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func failedState() *workflow.State {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	st := workflow.NewState("call-c1", &envelope.CallRecord{CallID: "c1"}, nil, now)
	_ = st.Advance(workflow.StageLeadPending, now)
	_ = st.Fail(nil, now)
	return st
}

// ── Tests ─────────────────────────────────────────────

func TestDial_SubscribesInitialTopics(t *testing.T) {
	t.Parallel()
	url, _, auth := setupClientTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, url,
		client.WithToken(token(t, auth)),
		client.WithTopics(stream.StageTopic(workflow.StageFailed), stream.TopicAlerts),
		client.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	got := c.Topics()
	slices.Sort(got)
	if want := []string{"alerts", "stage:FAILED"}; !slices.Equal(got, want) {
		t.Errorf("Topics() = %v, want %v", got, want)
	}
}

func TestDial_RejectsMissingToken(t *testing.T) {
	t.Parallel()
	url, _, _ := setupClientTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Dial(ctx, url, client.WithLogger(testLogger())); err == nil {
		t.Fatal("Dial without token succeeded")
	}
}

func TestClient_ReceivesEvents(t *testing.T) {
	t.Parallel()
	url, broker, auth := setupClientTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, url,
		client.WithToken(token(t, auth)),
		client.WithTopics(stream.TopicWorkflows),
		client.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	st := failedState()
	if err := broker.OnStageChanged(context.Background(), st, workflow.StageLeadPending); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-c.Events():
		if evt.Type != stream.EventStageChanged {
			t.Errorf("Type = %s, want %s", evt.Type, stream.EventStageChanged)
		}
		if evt.Topic == "" {
			t.Error("event has no topic")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestClient_CorrelationFilter(t *testing.T) {
	t.Parallel()
	url, broker, auth := setupClientTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, url,
		client.WithToken(token(t, auth)),
		client.WithTopics(stream.TopicWorkflows),
		client.WithCorrelationID("call-c2"),
		client.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	other := workflow.NewState("call-c2", &envelope.CallRecord{CallID: "c2"}, nil, now)
	_ = broker.OnStageChanged(context.Background(), failedState(), workflow.StageLeadPending)
	_ = broker.OnStageChanged(context.Background(), other, workflow.StageReceived)

	select {
	case evt := <-c.Events():
		if !strings.Contains(string(evt.Data), `"call-c2"`) {
			t.Errorf("Data = %s, want call-c2 only", evt.Data)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestClient_SubscribeUnsubscribe(t *testing.T) {
	t.Parallel()
	url, _, auth := setupClientTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, url, client.WithToken(token(t, auth)), client.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	topics, err := c.Subscribe(ctx, stream.TopicAlerts)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	slices.Sort(topics)
	if want := []string{"alerts", "firehose"}; !slices.Equal(topics, want) {
		t.Errorf("topics = %v, want %v", topics, want)
	}

	topics, err = c.Unsubscribe(ctx, stream.TopicFirehose)
	if err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if want := []string{"alerts"}; !slices.Equal(topics, want) {
		t.Errorf("topics = %v, want %v", topics, want)
	}

	if _, err := c.Subscribe(ctx, "stage:BOGUS"); err == nil {
		t.Error("Subscribe accepted an invalid topic")
	}
	if err := c.AddCredits(ctx, 10); err != nil {
		t.Errorf("AddCredits: %v", err)
	}
	if err := c.AddCredits(ctx, 0); err == nil {
		t.Error("AddCredits(0) succeeded")
	}
}

func TestClient_CloseEndsEvents(t *testing.T) {
	t.Parallel()
	url, _, auth := setupClientTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, url, client.WithToken(token(t, auth)), client.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("received an event after Close")
		}
	case <-ctx.Done():
		t.Fatal("Events() not closed after Close")
	}
	if _, err := c.Subscribe(ctx, stream.TopicAlerts); err == nil {
		t.Error("Subscribe on closed client succeeded")
	}
}

// burstServer completes the upgrade and sends its greeting and first event
// in the same write as the 101 response.
func burstServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var buf bytes.Buffer
		rw := struct {
			io.Reader
			io.Writer
		}{conn, &buf}
		if _, err := ws.Upgrade(rw); err != nil {
			return
		}
		_ = wsutil.WriteServerText(&buf, []byte(`{"type":"subscribed","topics":["alerts"]}`))
		_ = wsutil.WriteServerText(&buf, []byte(`{"type":"alert","topic":"alerts","ts":"2026-03-14T09:26:53Z","data":{}}`))
		if _, err := conn.Write(buf.Bytes()); err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, conn)
	}()
	return "ws://" + ln.Addr().String() + "/v1/watch"
}

func TestDial_ReadsFramesBufferedWithHandshake(t *testing.T) {
	t.Parallel()
	url := burstServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, url, client.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if got := c.Topics(); !slices.Equal(got, []string{"alerts"}) {
		t.Errorf("Topics() = %v, want [alerts]", got)
	}
	select {
	case evt := <-c.Events():
		if evt.Topic != "alerts" {
			t.Errorf("event topic = %q, want alerts", evt.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event sent with the handshake was lost")
	}
}
