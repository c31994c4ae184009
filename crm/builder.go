package crm

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/inimical023/callflow/envelope"
)

const noteTimeLayout = "2006-01-02 15:04:05"

// NormalizePhone strips everything but digits and prefixes 10-digit
// numbers with the country code 1.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 {
		return "1" + digits
	}
	return digits
}

// LeadStatusFor returns the lead status written for a call.
func LeadStatusFor(call *envelope.CallRecord) string {
	if call.Status == envelope.StatusMissed {
		return StatusMissedCall
	}
	return StatusAcceptedCall
}

// NoteTitle returns the title of the note describing call.
func NoteTitle(call *envelope.CallRecord) string {
	prefix := "Call on "
	if call.Status == envelope.StatusMissed {
		prefix = "Missed Call on "
	}
	return prefix + call.StartTime.UTC().Format(noteTimeLayout)
}

// NoteBody returns the note text describing call.
func NoteBody(call *envelope.CallRecord) string {
	result := call.Result
	if result == "" {
		result = string(call.Status)
	}
	lines := []string{
		"Call received on " + call.StartTime.UTC().Format(noteTimeLayout),
		"---",
		"Call ID: " + call.CallID,
		"Call direction: " + call.Direction,
		"Call result: " + result,
		fmt.Sprintf("Call duration: %d seconds", call.Duration),
		"Caller number: " + call.CallerNumber,
		"Called extension: " + call.Extension,
	}
	if call.RecordingID != "" {
		lines = append(lines, "Recording ID: "+call.RecordingID)
	}
	return strings.Join(lines, "\n")
}

// NewLeadFields returns the fields of a lead created from call, assigned
// to ownerID.
func NewLeadFields(call *envelope.CallRecord, ownerID string) LeadFields {
	return LeadFields{
		Phone:       NormalizePhone(call.CallerNumber),
		FirstName:   UnknownCaller,
		LastName:    UnknownCaller,
		LeadSource:  "Extension " + call.Extension,
		LeadStatus:  LeadStatusFor(call),
		OwnerID:     ownerID,
		Description: NoteBody(call),
	}
}

// RecordingFileName returns the attachment name of a recording:
// <YYYYmmdd_HHMMSS>_recording_<id>.<ext>.
func RecordingFileName(call *envelope.CallRecord, contentType string) string {
	return fmt.Sprintf("%s_recording_%s.%s",
		call.StartTime.UTC().Format("20060102_150405"), call.RecordingID, extensionFor(contentType))
}

func extensionFor(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	}
	if _, sub, ok := strings.Cut(ct, "/"); ok && sub != "" {
		return sub
	}
	return "bin"
}
