// Package crm defines the contract callflow uses to manage leads in the
// CRM, the builders that turn a call into lead fields and notes, an
// in-memory CRM, and timeout and rate-limit decorators.
package crm

import "context"

// Lead statuses written by callflow.
const (
	StatusAcceptedCall = "Accepted Call"
	StatusMissedCall   = "Missed Call"
)

// UnknownCaller fills the name fields of leads created from a call.
const UnknownCaller = "Unknown Caller"

// LeadFields is the writable subset of a CRM lead. Empty fields are left
// untouched by UpdateLead.
type LeadFields struct {
	Phone       string `json:"phone,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	LeadSource  string `json:"lead_source,omitempty"`
	LeadStatus  string `json:"lead_status,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// Lead is a CRM lead as returned by search.
type Lead struct {
	ID string `json:"id"`
	LeadFields
}

// Owner is a CRM user leads can be assigned to.
type Owner struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Client is the synchronous CRM contract.
type Client interface {
	// SearchLeadsByPhone returns the leads whose phone matches phone.
	SearchLeadsByPhone(ctx context.Context, phone string) ([]Lead, error)

	// CreateLead creates a lead and returns its id.
	CreateLead(ctx context.Context, fields LeadFields) (string, error)

	// UpdateLead updates the non-empty fields of a lead.
	UpdateLead(ctx context.Context, leadID string, fields LeadFields) error

	// AttachNote adds a note to a lead and returns the note id.
	AttachNote(ctx context.Context, leadID, title, text string) (string, error)

	// AttachRecording attaches recording content, addressed by contentRef,
	// to a lead and returns the attachment id. Attaching the same file
	// name twice returns the first attachment.
	AttachRecording(ctx context.Context, leadID, fileName, contentType, contentRef string) (string, error)

	// ListLeadOwners returns the users leads can be assigned to.
	ListLeadOwners(ctx context.Context) ([]Owner, error)
}
