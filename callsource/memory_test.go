package callsource_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/callsource"
	"github.com/inimical023/callflow/envelope"
)

func TestMemory_FetchCallLogsFilters(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := callsource.NewMemory()
	m.AddCall(envelope.CallRecord{CallID: "1", Extension: "101", Result: "Completed", StartTime: base})
	m.AddCall(envelope.CallRecord{CallID: "2", Extension: "101", Result: "Voicemail", StartTime: base.Add(time.Minute)})
	m.AddCall(envelope.CallRecord{CallID: "3", Extension: "101", Result: "Missed", StartTime: base.Add(2 * time.Minute)})
	m.AddCall(envelope.CallRecord{CallID: "4", Extension: "202", Result: "Completed", StartTime: base})
	m.AddCall(envelope.CallRecord{CallID: "5", Extension: "101", Result: "Completed", StartTime: base.Add(time.Hour)})

	calls, err := m.FetchCallLogs(context.Background(), callsource.Filter{
		ExtensionID: "101",
		From:        base,
		To:          base.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("FetchCallLogs: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("len(calls) = %d, want 2", len(calls))
	}
	if calls[0].Status != envelope.StatusAccepted || calls[1].Status != envelope.StatusMissed {
		t.Errorf("statuses = %q, %q, want accepted, missed", calls[0].Status, calls[1].Status)
	}
}

func TestMemory_FailNext(t *testing.T) {
	t.Parallel()

	m := callsource.NewMemory()
	m.AddRecording(&callsource.Recording{ID: "r1", ContentType: "audio/mpeg", Data: []byte("mp3")})
	boom := callflow.Transient("test", errors.New("503"))
	m.FailNext("FetchRecording", boom)

	if _, err := m.FetchRecording(context.Background(), "r1"); !errors.Is(err, boom) {
		t.Fatalf("first FetchRecording error = %v, want injected failure", err)
	}
	rec, err := m.FetchRecording(context.Background(), "r1")
	if err != nil {
		t.Fatalf("second FetchRecording: %v", err)
	}
	if string(rec.Data) != "mp3" {
		t.Errorf("Data = %q, want mp3", rec.Data)
	}
	if _, n := m.Calls(); n != 2 {
		t.Errorf("FetchRecording calls = %d, want 2", n)
	}
}

func TestMemory_UnknownRecording(t *testing.T) {
	t.Parallel()

	_, err := callsource.NewMemory().FetchRecording(context.Background(), "nope")
	if !errors.Is(err, callflow.ErrRecordingNotFound) {
		t.Fatalf("error = %v, want ErrRecordingNotFound", err)
	}
}

type slowSource struct{ callsource.Source }

func (slowSource) FetchRecording(ctx context.Context, _ string) (*callsource.Recording, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	t.Parallel()

	src := callsource.WithTimeout(slowSource{}, 10*time.Millisecond)
	_, err := src.FetchRecording(context.Background(), "r1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if !callflow.IsRetryable(err) {
		t.Error("deadline errors should be retryable")
	}
}
