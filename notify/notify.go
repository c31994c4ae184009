// Package notify is the notification collaborator. It consumes
// lead_processed events only, renders a per-status template and hands the
// message to a Sender. Each event is notified at most once.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/dedup"
	"github.com/inimical023/callflow/envelope"
)

// Message is a rendered notification.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Sender delivers rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Template holds the text/template sources for one status.
type Template struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// fallbackStatus keys the template used for statuses without their own.
const fallbackStatus = "default"

// DefaultTemplates returns the built-in completed, error and fallback
// templates.
func DefaultTemplates() map[string]Template {
	return map[string]Template{
		envelope.ProcessedCompleted: {
			Subject: "Lead {{.LeadID}} Processing Completed",
			Body: "Lead Processing Completed\n\nLead ID: {{.LeadID}}\nStatus: {{.Status}}\n" +
				"Call: {{.CallStatus}}\nMessage: {{.Message}}\n",
		},
		envelope.ProcessedError: {
			Subject: "Lead {{.LeadID}} Processing Error",
			Body: "Lead Processing Error\n\nLead ID: {{.LeadID}}\nStatus: {{.Status}}\n" +
				"Message: {{.Message}}\n",
		},
		fallbackStatus: {
			Subject: "Lead {{.LeadID}} Processing {{.Status}}",
			Body:    "Lead Processing {{.Status}}\n\nLead ID: {{.LeadID}}\nMessage: {{.Message}}\n",
		},
	}
}

type compiled struct {
	subject *template.Template
	body    *template.Template
}

// Notifier renders lead_processed events and sends them.
type Notifier struct {
	sender     Sender
	dedup      *dedup.Service
	recipients []string
	templates  map[string]compiled
	logger     *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier) error

// WithRecipients sets the message recipients.
func WithRecipients(to ...string) Option {
	return func(n *Notifier) error {
		n.recipients = to
		return nil
	}
}

// WithTemplates overrides templates per status. Statuses not present keep
// their defaults.
func WithTemplates(tpls map[string]Template) Option {
	return func(n *Notifier) error {
		for status, t := range tpls {
			c, err := compile(status, t)
			if err != nil {
				return err
			}
			n.templates[status] = c
		}
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) error {
		n.logger = l
		return nil
	}
}

// New creates a Notifier. dd deduplicates sends per event id.
func New(sender Sender, dd *dedup.Service, opts ...Option) (*Notifier, error) {
	n := &Notifier{
		sender:    sender,
		dedup:     dd,
		templates: make(map[string]compiled),
		logger:    slog.Default(),
	}
	for status, t := range DefaultTemplates() {
		c, err := compile(status, t)
		if err != nil {
			return nil, err
		}
		n.templates[status] = c
	}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func compile(status string, t Template) (compiled, error) {
	subject, err := template.New(status + ".subject").Parse(t.Subject)
	if err != nil {
		return compiled{}, fmt.Errorf("notify: parse %s subject: %w", status, err)
	}
	body, err := template.New(status + ".body").Parse(t.Body)
	if err != nil {
		return compiled{}, fmt.Errorf("notify: parse %s body: %w", status, err)
	}
	return compiled{subject: subject, body: body}, nil
}

// Render builds the message for p.
func (n *Notifier) Render(p envelope.LeadProcessed) (Message, error) {
	c, ok := n.templates[p.Status]
	if !ok {
		c = n.templates[fallbackStatus]
	}
	var subject, body bytes.Buffer
	if err := c.subject.Execute(&subject, p); err != nil {
		return Message{}, fmt.Errorf("notify: render subject: %w", err)
	}
	if err := c.body.Execute(&body, p); err != nil {
		return Message{}, fmt.Errorf("notify: render body: %w", err)
	}
	return Message{To: n.recipients, Subject: subject.String(), Body: body.String()}, nil
}

// Handle is the bus handler for lead_processed.
func (n *Notifier) Handle(ctx context.Context, d *bus.Delivery) error {
	env := d.Envelope
	if env.Type != envelope.TypeLeadProcessed {
		return nil
	}
	p, err := envelope.DecodePayload[envelope.LeadProcessed](env)
	if err != nil {
		return err
	}
	if p.LeadID == "" || p.Status == "" {
		return callflow.Validation("notify.handle",
			fmt.Errorf("%w: lead_processed without lead_id or status", callflow.ErrInvalidEnvelope))
	}

	msg, err := n.Render(p)
	if err != nil {
		return callflow.Fatal("notify.render", err)
	}

	ran, err := n.dedup.Once(ctx, env.EventID, func(ctx context.Context) (any, error) {
		if err := n.sender.Send(ctx, msg); err != nil {
			return nil, callflow.Transient("notify.send", err)
		}
		return msg.Subject, nil
	})
	if err != nil {
		return err
	}
	if !ran {
		n.logger.Debug("notification already sent",
			slog.String("event_id", env.EventID),
			slog.String("correlation_id", env.CorrelationID),
		)
		return nil
	}
	n.logger.Info("lead processed notification sent",
		slog.String("correlation_id", env.CorrelationID),
		slog.String("lead_id", p.LeadID),
		slog.String("status", p.Status),
	)
	return nil
}
