package crm_test

import (
	"strings"
	"testing"
	"time"

	"github.com/inimical023/callflow/crm"
	"github.com/inimical023/callflow/envelope"
)

func testCall(status envelope.CallStatus) *envelope.CallRecord {
	return &envelope.CallRecord{
		CallID:       "c1",
		Extension:    "101",
		Direction:    "Inbound",
		Status:       status,
		Result:       "Completed",
		CallerNumber: "(555) 123-4567",
		StartTime:    time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Duration:     42,
		RecordingID:  "r1",
	}
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"(555) 123-4567", "15551234567"},
		{"+1 555 123 4567", "15551234567"},
		{"5551234567", "15551234567"},
		{"+44 20 7946 0958", "442079460958"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := crm.NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNoteTitle(t *testing.T) {
	t.Parallel()

	if got := crm.NoteTitle(testCall(envelope.StatusAccepted)); got != "Call on 2026-03-14 09:26:53" {
		t.Errorf("accepted title = %q", got)
	}
	if got := crm.NoteTitle(testCall(envelope.StatusMissed)); got != "Missed Call on 2026-03-14 09:26:53" {
		t.Errorf("missed title = %q", got)
	}
}

func TestNoteBody(t *testing.T) {
	t.Parallel()

	body := crm.NoteBody(testCall(envelope.StatusAccepted))
	for _, want := range []string{
		"Call received on 2026-03-14 09:26:53",
		"---",
		"Call ID: c1",
		"Call direction: Inbound",
		"Call result: Completed",
		"Call duration: 42 seconds",
		"Caller number: (555) 123-4567",
		"Called extension: 101",
		"Recording ID: r1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("note body missing %q:\n%s", want, body)
		}
	}

	call := testCall(envelope.StatusMissed)
	call.RecordingID = ""
	if strings.Contains(crm.NoteBody(call), "Recording ID") {
		t.Error("note body should omit an empty recording id")
	}
}

func TestNewLeadFields(t *testing.T) {
	t.Parallel()

	f := crm.NewLeadFields(testCall(envelope.StatusMissed), "owner-1")
	if f.Phone != "15551234567" {
		t.Errorf("Phone = %q", f.Phone)
	}
	if f.FirstName != crm.UnknownCaller || f.LastName != crm.UnknownCaller {
		t.Errorf("name = %q %q", f.FirstName, f.LastName)
	}
	if f.LeadSource != "Extension 101" {
		t.Errorf("LeadSource = %q", f.LeadSource)
	}
	if f.LeadStatus != crm.StatusMissedCall {
		t.Errorf("LeadStatus = %q, want %q", f.LeadStatus, crm.StatusMissedCall)
	}
	if f.OwnerID != "owner-1" {
		t.Errorf("OwnerID = %q", f.OwnerID)
	}
}

func TestRecordingFileName(t *testing.T) {
	t.Parallel()

	call := testCall(envelope.StatusAccepted)
	tests := []struct {
		contentType string
		want        string
	}{
		{"audio/mpeg", "20260314_092653_recording_r1.mp3"},
		{"audio/wav", "20260314_092653_recording_r1.wav"},
		{"audio/ogg; codecs=opus", "20260314_092653_recording_r1.ogg"},
		{"", "20260314_092653_recording_r1.bin"},
	}
	for _, tt := range tests {
		if got := crm.RecordingFileName(call, tt.contentType); got != tt.want {
			t.Errorf("RecordingFileName(%q) = %q, want %q", tt.contentType, got, tt.want)
		}
	}
}
