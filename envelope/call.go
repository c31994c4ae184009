package envelope

import (
	"strings"
	"time"
)

// CallStatus is the normalised outcome of a call.
type CallStatus string

const (
	StatusAccepted CallStatus = "accepted"
	StatusMissed   CallStatus = "missed"
)

// CallRecord describes one logged call. It is embedded in the call_logged
// payload.
type CallRecord struct {
	CallID       string     `json:"call_id"`
	Extension    string     `json:"extension"`
	Direction    string     `json:"direction"`
	Status       CallStatus `json:"status"`
	Result       string     `json:"result,omitempty"`
	CallerNumber string     `json:"caller_number"`
	StartTime    time.Time  `json:"start_time"`
	Duration     int        `json:"duration"`
	RecordingID  string     `json:"recording_id,omitempty"`
}

// HasRecording reports whether the call carries a recording to attach.
func (c *CallRecord) HasRecording() bool {
	return c.Status == StatusAccepted && c.RecordingID != ""
}

// StatusFromResult maps an upstream call result to a CallStatus. Results
// other than completed and missed calls (voicemail, busy, rejected, ...) are
// not processed.
func StatusFromResult(result string) (CallStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "completed", "accepted", "call connected":
		return StatusAccepted, true
	case "missed":
		return StatusMissed, true
	default:
		return "", false
	}
}

// CorrelationForCall returns the correlation id shared by every event of the
// call.
func CorrelationForCall(callID string) string {
	return "call-" + callID
}
