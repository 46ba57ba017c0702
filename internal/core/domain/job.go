package domain

import (
	"errors"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// ContentKind distinguishes HTML from plain-text message bodies.
type ContentKind string

const (
	ContentHTML ContentKind = "html"
	ContentText ContentKind = "text"
)

// ErrInvalidPayload is returned when a message payload fails validation at
// enqueue time. Invalid payloads are never queued.
var ErrInvalidPayload = errors.New("invalid message payload")

// MessagePayload is the normalized outbound message handed to the provider.
type MessagePayload struct {
	To       string      `json:"to"`
	From     string      `json:"from"`
	ReplyTo  string      `json:"reply_to,omitempty"`
	Subject  string      `json:"subject"`
	Body     string      `json:"body"`
	Kind     ContentKind `json:"kind"`
	RecordID string      `json:"record_id"` // delivery record created at enqueue time
}

// Validate rejects payloads that can never be sent.
func (p *MessagePayload) Validate() error {
	if strings.TrimSpace(p.To) == "" || !strings.Contains(p.To, "@") {
		return ErrInvalidPayload
	}
	if strings.TrimSpace(p.From) == "" {
		return ErrInvalidPayload
	}
	if strings.TrimSpace(p.Subject) == "" {
		return ErrInvalidPayload
	}
	if strings.TrimSpace(p.Body) == "" {
		return ErrInvalidPayload
	}
	if p.Kind != ContentHTML && p.Kind != ContentText {
		return ErrInvalidPayload
	}
	return nil
}

// SendJob is one unit of queued outbound work. Lower priority means more
// urgent. Status only moves pending -> processing -> {completed|failed},
// or back to pending when a transient failure is rescheduled.
type SendJob struct {
	ID          string
	Payload     MessagePayload
	Priority    int
	Status      JobStatus
	Attempts    int
	MaxRetries  int
	LastError   string
	ScheduledAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
