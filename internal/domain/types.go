package domain

import (
	"errors"
	"net/mail"
	"time"
)

// Priority of a send request. Maps to queue ordering (higher served first).
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// QueueWeight returns the numeric queue priority for this level:
// high 10, normal 5, low 1.
func (p Priority) QueueWeight() int {
	switch p {
	case PriorityHigh:
		return 10
	case PriorityLow:
		return 1
	default:
		return 5
	}
}

type SendStatus string

const (
	StatusSent   SendStatus = "sent"
	StatusFailed SendStatus = "failed"
)

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

// SendRequest is one logical email send. Immutable once enqueued; it has no
// intrinsic ID until the transport assigns a delivery ID.
type SendRequest struct {
	To          []string          `json:"to"`
	Cc          []string          `json:"cc,omitempty"`
	Bcc         []string          `json:"bcc,omitempty"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	TemplateID  string            `json:"templateId,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Priority    Priority          `json:"priority,omitempty"`
	FormType    string            `json:"formType"`
}

func (r SendRequest) Validate() error {
	if len(r.To) == 0 {
		return ErrNoRecipients
	}
	all := make([]string, 0, len(r.To)+len(r.Cc)+len(r.Bcc))
	all = append(all, r.To...)
	all = append(all, r.Cc...)
	all = append(all, r.Bcc...)
	for _, addr := range all {
		if _, err := mail.ParseAddress(addr); err != nil {
			return ErrBadRecipient
		}
	}
	if r.TemplateID == "" && (r.Subject == "" || r.Body == "") {
		return ErrMissingContent
	}
	if r.FormType == "" {
		return ErrMissingFormType
	}
	return nil
}

var (
	ErrNoRecipients    = errors.New("at least one recipient is required")
	ErrBadRecipient    = errors.New("invalid recipient address")
	ErrMissingContent  = errors.New("subject and body are required when no template is set")
	ErrMissingFormType = errors.New("form type is required")

	// ErrTemplateNotFound is terminal: retrying will not make a missing
	// template appear.
	ErrTemplateNotFound = errors.New("template not found or inactive")

	// ErrQueueUnavailable signals the durable store is unreachable and the
	// caller should degrade to inline processing.
	ErrQueueUnavailable = errors.New("queue store unavailable")
)

// DeliveryOutcome is the append-only record of one SendRequest after success
// or exhausted retries. Never mutated after creation.
type DeliveryOutcome struct {
	DeliveryID   string     `json:"deliveryId,omitempty"`
	Status       SendStatus `json:"status"`
	Recipients   []string   `json:"recipients"`
	AttemptCount int        `json:"attemptCount"`
	ElapsedMs    int64      `json:"elapsedMs"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	SentAt       time.Time  `json:"sentAt"`
}

func (o DeliveryOutcome) Sent() bool { return o.Status == StatusSent }
