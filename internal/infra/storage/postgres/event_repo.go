package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/trungdn/courier/internal/core/domain"
	"github.com/trungdn/courier/internal/infra/storage"
)

type WebhookEventRepo struct {
	db *sql.DB
}

func NewWebhookEventRepo(db *DB) *WebhookEventRepo { return &WebhookEventRepo{db: db.DB} }

func (r *WebhookEventRepo) Append(ctx context.Context, ev *domain.WebhookEvent) error {
	reasons, err := json.Marshal(ev.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}
	if ev.Reasons == nil {
		reasons = []byte("[]")
	}
	query := `
		INSERT INTO webhook_events (event_id, event_type, provider_message_id, reasons, url, body_hash, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		ev.EventID, ev.EventType, ev.ProviderMessageID, reasons, ev.URL, ev.BodyHash, ev.ReceivedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return storage.ErrDuplicateEvent
	}
	return err
}

func (r *WebhookEventRepo) Seen(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)", eventID).Scan(&exists)
	return exists, err
}
