package envelope

import "encoding/json"

// CallLogged is the payload of call_logged.
type CallLogged struct {
	Call CallRecord `json:"call"`
}

// Lead actions.
const (
	LeadActionCreated = "created"
	LeadActionUpdated = "updated"
)

// Lead is the payload of lead_created and lead_updated.
type Lead struct {
	LeadID string `json:"lead_id"`
	Action string `json:"action"`
	Phone  string `json:"phone"`
}

// RecordingAttached is the payload of recording_attached.
type RecordingAttached struct {
	LeadID       string `json:"lead_id"`
	RecordingID  string `json:"recording_id"`
	AttachmentID string `json:"attachment_id"`
	FileName     string `json:"file_name"`
	ContentRef   string `json:"content_ref"`
}

// Lead processing statuses carried by lead_processed.
const (
	ProcessedCompleted = "completed"
	ProcessedError     = "error"
)

// LeadProcessed is the payload of lead_processed.
type LeadProcessed struct {
	LeadID     string     `json:"lead_id"`
	Status     string     `json:"status"`
	Message    string     `json:"message"`
	CallStatus CallStatus `json:"call_status"`
}

// WorkflowFailed is the payload of workflow_failed.
type WorkflowFailed struct {
	Stage     string `json:"stage"`
	Reason    string `json:"reason"`
	Kind      string `json:"kind"`
	Attempts  int    `json:"attempts"`
	Cancelled bool   `json:"cancelled"`
}

// Command is the payload of cancel_requested and retry_requested.
type Command struct {
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// DeadLettered is the payload of dead_lettered.
type DeadLettered struct {
	EntryID  string          `json:"entry_id"`
	Topic    string          `json:"topic"`
	Reason   string          `json:"reason"`
	Kind     string          `json:"kind"`
	Attempts int             `json:"attempts"`
	Original json.RawMessage `json:"original,omitempty"`
}
