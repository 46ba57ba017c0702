package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trungdn/courier/internal/core/domain"
	"github.com/trungdn/courier/internal/infra/storage"
)

type DeliveryRepo struct {
	db *sql.DB
}

func NewDeliveryRepo(db *DB) *DeliveryRepo { return &DeliveryRepo{db: db.DB} }

const deliveryColumns = `id, provider_message_id, token, recipient, sender, subject, status,
	classification, category, severity, confidence, tracking_log,
	created_at, sent_at, delivered_at, updated_at`

func (r *DeliveryRepo) Create(ctx context.Context, rec *domain.DeliveryRecord) error {
	tracking, err := json.Marshal(rec.TrackingLog)
	if err != nil {
		return fmt.Errorf("failed to marshal tracking log: %w", err)
	}
	if rec.TrackingLog == nil {
		tracking = []byte("[]")
	}
	query := `
		INSERT INTO delivery_records (id, provider_message_id, token, recipient, sender, subject, status,
			classification, category, severity, confidence, tracking_log, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.ID, rec.ProviderMessageID, rec.Token, rec.Recipient, rec.Sender, rec.Subject,
		rec.Status, rec.Classification, rec.Category, rec.Severity, rec.Confidence,
		tracking, rec.CreatedAt)
	return err
}

func (r *DeliveryRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	return r.getBy(ctx, "id = $1", id)
}

func (r *DeliveryRepo) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.DeliveryRecord, error) {
	if providerMessageID == "" {
		return nil, storage.ErrNotFound
	}
	return r.getBy(ctx, "provider_message_id = $1", providerMessageID)
}

func (r *DeliveryRepo) GetByToken(ctx context.Context, token string) (*domain.DeliveryRecord, error) {
	return r.getBy(ctx, "token = $1", token)
}

func (r *DeliveryRepo) getBy(ctx context.Context, where string, arg any) (*domain.DeliveryRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM delivery_records WHERE %s", deliveryColumns, where)
	return scanDelivery(r.db.QueryRowContext(ctx, query, arg))
}

// MarkSent records a successful provider hand-off. The record sits at
// sent_to_api until the provider's own sent webhook confirms acceptance.
// Idempotent: sent_at is only written when still NULL, so a replayed call
// never moves the timestamp.
func (r *DeliveryRepo) MarkSent(ctx context.Context, id, providerMessageID string, sentAt time.Time) error {
	query := `
		UPDATE delivery_records
		SET provider_message_id = $2,
		    status = $3,
		    sent_at = COALESCE(sent_at, $4),
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, providerMessageID, domain.DeliveryStatusSentToAPI, sentAt)
	return err
}

func (r *DeliveryRepo) MarkFailed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE delivery_records SET status = $2, updated_at = NOW() WHERE id = $1",
		id, domain.DeliveryStatusFailed)
	return err
}

func (r *DeliveryRepo) Update(ctx context.Context, rec *domain.DeliveryRecord) error {
	tracking, err := json.Marshal(rec.TrackingLog)
	if err != nil {
		return fmt.Errorf("failed to marshal tracking log: %w", err)
	}
	if rec.TrackingLog == nil {
		tracking = []byte("[]")
	}
	query := `
		UPDATE delivery_records
		SET status = $2, classification = $3, category = $4, severity = $5, confidence = $6,
		    tracking_log = $7,
		    sent_at = COALESCE(sent_at, $8),
		    delivered_at = COALESCE(delivered_at, $9),
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.ID, rec.Status, rec.Classification, rec.Category, rec.Severity, rec.Confidence,
		tracking, rec.SentAt, rec.DeliveredAt)
	return err
}

func scanDelivery(row rowScanner) (*domain.DeliveryRecord, error) {
	var rec domain.DeliveryRecord
	var tracking []byte
	var sentAt, deliveredAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.ProviderMessageID, &rec.Token, &rec.Recipient,
		&rec.Sender, &rec.Subject, &rec.Status,
		&rec.Classification, &rec.Category, &rec.Severity, &rec.Confidence,
		&tracking, &rec.CreatedAt, &sentAt, &deliveredAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sentAt.Valid {
		rec.SentAt = &sentAt.Time
	}
	if deliveredAt.Valid {
		rec.DeliveredAt = &deliveredAt.Time
	}
	if len(tracking) > 0 {
		if err := json.Unmarshal(tracking, &rec.TrackingLog); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tracking log: %w", err)
		}
	}
	return &rec, nil
}
