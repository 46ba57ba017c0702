package storage

import (
	"context"
	"errors"
	"time"

	"github.com/trungdn/courier/internal/core/domain"
)

var (
	// ErrNotFound is returned when a record doesn't exist
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateEvent is returned when an audit row already exists for an event id
	ErrDuplicateEvent = errors.New("duplicate webhook event")
)

// JobRepository handles send job storage operations
type JobRepository interface {
	// Create stores a new job
	Create(ctx context.Context, job *domain.SendJob) error

	// GetByID retrieves a job by id
	GetByID(ctx context.Context, id string) (*domain.SendJob, error)

	// ClaimBatch marks up to limit eligible jobs (pending, due) as processing
	// and returns them ordered by (priority ASC, scheduled_at ASC)
	ClaimBatch(ctx context.Context, now time.Time, limit int) ([]*domain.SendJob, error)

	// MarkCompleted transitions a job to completed
	MarkCompleted(ctx context.Context, id string) error

	// MarkFailed transitions a job to terminal failed
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error

	// Reschedule returns a job to pending with a new due time
	Reschedule(ctx context.Context, id string, attempts int, lastError string, nextRun time.Time) error

	// ListFailed returns terminally failed jobs for operator inspection/resend
	ListFailed(ctx context.Context, limit int) ([]*domain.SendJob, error)

	// CountPending returns the pending backlog depth
	CountPending(ctx context.Context) (int, error)
}

// DeliveryRepository handles delivery record storage operations
type DeliveryRepository interface {
	// Create stores a new delivery record
	Create(ctx context.Context, rec *domain.DeliveryRecord) error

	// GetByID retrieves a record by internal id
	GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error)

	// GetByProviderMessageID retrieves a record by the provider-assigned id
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.DeliveryRecord, error)

	// GetByToken retrieves a record by its one-time token
	GetByToken(ctx context.Context, token string) (*domain.DeliveryRecord, error)

	// MarkSent records a successful hand-off to the provider. Sets
	// provider_message_id and sent_at (only if unset) and advances status.
	MarkSent(ctx context.Context, id, providerMessageID string, sentAt time.Time) error

	// MarkFailed records a terminal send failure
	MarkFailed(ctx context.Context, id string) error

	// Update persists reconciler-driven changes (status, bounce fields,
	// delivered_at, tracking log)
	Update(ctx context.Context, rec *domain.DeliveryRecord) error
}

// WebhookEventRepository stores the audit trail of processed webhook events
type WebhookEventRepository interface {
	// Append stores an audit row; returns ErrDuplicateEvent on a replayed id
	Append(ctx context.Context, ev *domain.WebhookEvent) error

	// Seen reports whether an event id was already recorded
	Seen(ctx context.Context, eventID string) (bool, error)
}
