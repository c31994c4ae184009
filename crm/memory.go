package crm

import (
	"context"
	"fmt"
	"sync"

	"github.com/inimical023/callflow"
)

// Memory method names accepted by FailNext and Count.
const (
	MethodSearch          = "SearchLeadsByPhone"
	MethodCreateLead      = "CreateLead"
	MethodUpdateLead      = "UpdateLead"
	MethodAttachNote      = "AttachNote"
	MethodAttachRecording = "AttachRecording"
	MethodListOwners      = "ListLeadOwners"
)

// Note is a note stored by Memory.
type Note struct {
	ID    string
	Title string
	Text  string
}

// Attachment is a recording attachment stored by Memory.
type Attachment struct {
	ID          string
	FileName    string
	ContentType string
	ContentRef  string
}

// Memory is an in-process CRM that counts calls per method and supports
// failure injection.
type Memory struct {
	mu          sync.Mutex
	seq         int
	owners      []Owner
	leads       map[string]*Lead
	notes       map[string][]Note
	attachments map[string][]Attachment
	calls       map[string]int
	failures    map[string][]error
}

var _ Client = (*Memory)(nil)

// NewMemory returns an empty Memory CRM with the given owners.
func NewMemory(owners ...Owner) *Memory {
	return &Memory{
		owners:      owners,
		leads:       make(map[string]*Lead),
		notes:       make(map[string][]Note),
		attachments: make(map[string][]Attachment),
		calls:       make(map[string]int),
		failures:    make(map[string][]error),
	}
}

// FailNext queues errs to be returned by the next calls of method.
func (m *Memory) FailNext(method string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = append(m.failures[method], errs...)
}

// FailAlways makes every call of method fail with err until cleared with
// a nil err.
func (m *Memory) FailAlways(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method+"*")
		return
	}
	m.failures[method+"*"] = []error{err}
}

// Count returns how many times method was invoked.
func (m *Memory) Count(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Leads returns a copy of every stored lead.
func (m *Memory) Leads() []Lead {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Lead, 0, len(m.leads))
	for _, l := range m.leads {
		out = append(out, *l)
	}
	return out
}

// Notes returns the notes attached to leadID.
func (m *Memory) Notes(leadID string) []Note {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Note(nil), m.notes[leadID]...)
}

// Attachments returns the recordings attached to leadID.
func (m *Memory) Attachments(leadID string) []Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Attachment(nil), m.attachments[leadID]...)
}

// enter counts a call and returns an injected failure, if any. Callers
// hold m.mu.
func (m *Memory) enter(ctx context.Context, method string) error {
	m.calls[method]++
	if err := ctx.Err(); err != nil {
		return callflow.Transient("crm."+method, err)
	}
	if errs := m.failures[method+"*"]; len(errs) > 0 {
		return errs[0]
	}
	if q := m.failures[method]; len(q) > 0 {
		m.failures[method] = q[1:]
		return q[0]
	}
	return nil
}

func (m *Memory) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s%d", prefix, m.seq)
}

// SearchLeadsByPhone implements Client.
func (m *Memory) SearchLeadsByPhone(ctx context.Context, phone string) ([]Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MethodSearch); err != nil {
		return nil, err
	}
	want := NormalizePhone(phone)
	var out []Lead
	for _, l := range m.leads {
		if NormalizePhone(l.Phone) == want {
			out = append(out, *l)
		}
	}
	return out, nil
}

// CreateLead implements Client.
func (m *Memory) CreateLead(ctx context.Context, fields LeadFields) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MethodCreateLead); err != nil {
		return "", err
	}
	leadID := m.nextID("lead-")
	m.leads[leadID] = &Lead{ID: leadID, LeadFields: fields}
	return leadID, nil
}

// UpdateLead implements Client.
func (m *Memory) UpdateLead(ctx context.Context, leadID string, fields LeadFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MethodUpdateLead); err != nil {
		return err
	}
	l, ok := m.leads[leadID]
	if !ok {
		return callflow.Fatal("crm.update_lead", fmt.Errorf("%w: %s", callflow.ErrLeadNotFound, leadID))
	}
	merge(&l.LeadFields, fields)
	return nil
}

func merge(dst *LeadFields, src LeadFields) {
	set := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	set(&dst.Phone, src.Phone)
	set(&dst.FirstName, src.FirstName)
	set(&dst.LastName, src.LastName)
	set(&dst.LeadSource, src.LeadSource)
	set(&dst.LeadStatus, src.LeadStatus)
	set(&dst.OwnerID, src.OwnerID)
	set(&dst.Description, src.Description)
}

// AttachNote implements Client.
func (m *Memory) AttachNote(ctx context.Context, leadID, title, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MethodAttachNote); err != nil {
		return "", err
	}
	if _, ok := m.leads[leadID]; !ok {
		return "", callflow.Fatal("crm.attach_note", fmt.Errorf("%w: %s", callflow.ErrLeadNotFound, leadID))
	}
	noteID := m.nextID("note-")
	m.notes[leadID] = append(m.notes[leadID], Note{ID: noteID, Title: title, Text: text})
	return noteID, nil
}

// AttachRecording implements Client.
func (m *Memory) AttachRecording(ctx context.Context, leadID, fileName, contentType, contentRef string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MethodAttachRecording); err != nil {
		return "", err
	}
	if _, ok := m.leads[leadID]; !ok {
		return "", callflow.Fatal("crm.attach_recording", fmt.Errorf("%w: %s", callflow.ErrLeadNotFound, leadID))
	}
	for _, a := range m.attachments[leadID] {
		if a.FileName == fileName {
			return a.ID, nil
		}
	}
	attID := m.nextID("att-")
	m.attachments[leadID] = append(m.attachments[leadID], Attachment{
		ID:          attID,
		FileName:    fileName,
		ContentType: contentType,
		ContentRef:  contentRef,
	})
	return attID, nil
}

// ListLeadOwners implements Client.
func (m *Memory) ListLeadOwners(ctx context.Context) ([]Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MethodListOwners); err != nil {
		return nil, err
	}
	return append([]Owner(nil), m.owners...), nil
}
