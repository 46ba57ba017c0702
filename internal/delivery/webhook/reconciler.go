// Package webhook receives provider status notifications and reconciles them
// into delivery records. Processing is idempotent: dedup and ownership checks
// happen before any mutation, and status changes are forward-only.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trungdn/courier/internal/core/domain"
	"github.com/trungdn/courier/internal/delivery/bounce"
	"github.com/trungdn/courier/internal/delivery/metrics"
	"github.com/trungdn/courier/internal/events"
	"github.com/trungdn/courier/internal/infra/storage"
)

var (
	ErrInvalidPayload = errors.New("invalid webhook payload")
	ErrUnknownEvent   = errors.New("unknown webhook event type")
)

// Outcome reports what Ingest did with an event, for metrics and logging.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"   // no owning record
	OutcomeDuplicate Outcome = "duplicate" // replayed event id
	OutcomeStale     Outcome = "stale"     // would move status backwards
)

// Deduper is the fast-path replay filter consulted before any write.
type Deduper interface {
	MarkSeen(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}

// seenTTL bounds the fast-path dedup window. The audit table catches replays
// beyond it.
const seenTTL = 24 * time.Hour

// MemoryDeduper is the in-process fallback when Redis is not configured.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]time.Time)}
}

func (d *MemoryDeduper) MarkSeen(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if exp, ok := d.seen[eventID]; ok && exp.After(now) {
		return false, nil
	}
	// Sweep expired entries so the map stays bounded by the live window.
	for id, exp := range d.seen {
		if !exp.After(now) {
			delete(d.seen, id)
		}
	}
	d.seen[eventID] = now.Add(ttl)
	return true, nil
}

// eventPayload is the provider wire format for status notifications.
type eventPayload struct {
	EventID   string   `json:"event_id"`
	EventType string   `json:"event_type"`
	MessageID string   `json:"message_id"`
	Reason    string   `json:"reason,omitempty"`
	Reasons   []string `json:"reasons,omitempty"`
	URL       string   `json:"url,omitempty"`
}

// Reconciler drives the per-record state machine from inbound events.
type Reconciler struct {
	logger     *slog.Logger
	deliveries storage.DeliveryRepository
	audit      storage.WebhookEventRepository
	dedup      Deduper
	bus        *events.Bus
	now        func() time.Time
}

func NewReconciler(
	logger *slog.Logger,
	deliveries storage.DeliveryRepository,
	audit storage.WebhookEventRepository,
	dedup Deduper,
	bus *events.Bus,
) *Reconciler {
	if dedup == nil {
		dedup = NewMemoryDeduper()
	}
	return &Reconciler{
		logger:     logger.With("component", "webhook"),
		deliveries: deliveries,
		audit:      audit,
		dedup:      dedup,
		bus:        bus,
		now:        time.Now,
	}
}

// Ingest processes one raw webhook body. The caller has already verified
// authenticity. Returns the outcome for acknowledged events; returned errors
// map to client-facing 4xx responses.
func (r *Reconciler) Ingest(ctx context.Context, body []byte) (Outcome, error) {
	var payload eventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	eventType := domain.WebhookEventType(payload.EventType)
	if payload.EventType == "" {
		return "", fmt.Errorf("%w: missing event_type", ErrInvalidPayload)
	}
	if !domain.KnownWebhookEvent(eventType) {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, payload.EventType)
	}

	bodyHash := sha256.Sum256(body)
	eventID := payload.EventID
	if eventID == "" {
		eventID = hex.EncodeToString(bodyHash[:])
	}
	log := r.logger.With("event_id", eventID, "event_type", payload.EventType, "message_id", payload.MessageID)

	// Ownership check before any write: events for messages we did not send
	// are acknowledged and dropped.
	rec, err := r.deliveries.GetByProviderMessageID(ctx, payload.MessageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Debug("event for unowned message, ignoring")
			metrics.WebhookEvents.WithLabelValues(payload.EventType, string(OutcomeIgnored)).Inc()
			return OutcomeIgnored, nil
		}
		return "", fmt.Errorf("locate record: %w", err)
	}

	// Dedup before mutation: fast path in Redis, durable path in the audit
	// table. Either one marking the id as seen makes the replay a no-op.
	fresh, err := r.dedup.MarkSeen(ctx, eventID, seenTTL)
	if err != nil {
		log.Warn("dedup check failed, relying on audit table", "error", err)
	} else if !fresh {
		metrics.WebhookEvents.WithLabelValues(payload.EventType, string(OutcomeDuplicate)).Inc()
		return OutcomeDuplicate, nil
	}

	audit := &domain.WebhookEvent{
		EventID:           eventID,
		EventType:         eventType,
		ProviderMessageID: payload.MessageID,
		Reasons:           payload.reasons(),
		URL:               payload.URL,
		BodyHash:          hex.EncodeToString(bodyHash[:]),
		ReceivedAt:        r.now().UTC(),
	}
	if err := r.audit.Append(ctx, audit); err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			metrics.WebhookEvents.WithLabelValues(payload.EventType, string(OutcomeDuplicate)).Inc()
			return OutcomeDuplicate, nil
		}
		return "", fmt.Errorf("append audit row: %w", err)
	}

	outcome := r.apply(rec, eventType, payload.reasons(), payload.URL)
	if outcome == OutcomeProcessed {
		if err := r.deliveries.Update(ctx, rec); err != nil {
			return "", fmt.Errorf("persist record: %w", err)
		}
		r.bus.DeliveryUpdated(ctx, domain.DeliveryUpdated{
			RecordID:          rec.ID,
			ProviderMessageID: rec.ProviderMessageID,
			Recipient:         rec.Recipient,
			Status:            rec.Status,
			Classification:    domain.BounceClassification(rec.Classification),
			Category:          rec.Category,
			Severity:          rec.Severity,
			Confidence:        rec.Confidence,
			OccurredAt:        r.now().UTC(),
		})
		log.Info("record reconciled", "record_id", rec.ID, "status", rec.Status)
	}

	metrics.WebhookEvents.WithLabelValues(payload.EventType, string(outcome)).Inc()
	return outcome, nil
}

// apply mutates the record in memory per the state machine and reports
// whether anything changed.
func (r *Reconciler) apply(rec *domain.DeliveryRecord, eventType domain.WebhookEventType, reasons []string, url string) Outcome {
	now := r.now().UTC()

	switch eventType {
	case domain.WebhookEventOpened, domain.WebhookEventClicked:
		// Engagement events never change status; they accumulate on the
		// tracking log.
		rec.TrackingLog = append(rec.TrackingLog, domain.TrackingEntry{
			EventType:  string(eventType),
			URL:        url,
			OccurredAt: now,
		})
		return OutcomeProcessed

	case domain.WebhookEventSent:
		if !rec.Status.CanAdvance(domain.DeliveryStatusSent) {
			return OutcomeStale
		}
		rec.Status = domain.DeliveryStatusSent
		if rec.SentAt == nil {
			rec.SentAt = &now
		}

	case domain.WebhookEventDelivered:
		if !rec.Status.CanAdvance(domain.DeliveryStatusDelivered) {
			return OutcomeStale
		}
		rec.Status = domain.DeliveryStatusDelivered
		if rec.DeliveredAt == nil {
			rec.DeliveredAt = &now
		}

	case domain.WebhookEventDelayed:
		if !rec.Status.CanAdvance(domain.DeliveryStatusDelayed) {
			return OutcomeStale
		}
		rec.Status = domain.DeliveryStatusDelayed

	case domain.WebhookEventHeld:
		if !rec.Status.CanAdvance(domain.DeliveryStatusHeld) {
			return OutcomeStale
		}
		rec.Status = domain.DeliveryStatusHeld

	case domain.WebhookEventBounced, domain.WebhookEventComplained:
		target := domain.DeliveryStatusBounced
		if eventType == domain.WebhookEventComplained {
			target = domain.DeliveryStatusComplained
		}
		if !rec.Status.CanAdvance(target) {
			return OutcomeStale
		}
		rec.Status = target
		result := bounce.Classify(string(eventType), reasons)
		rec.Classification = string(result.Classification)
		rec.Category = result.Category
		rec.Severity = result.Severity
		rec.Confidence = result.Confidence
		metrics.BounceClassifications.WithLabelValues(string(result.Classification)).Inc()

	case domain.WebhookEventFailed:
		if !rec.Status.CanAdvance(domain.DeliveryStatusFailed) {
			return OutcomeStale
		}
		rec.Status = domain.DeliveryStatusFailed
	}

	return OutcomeProcessed
}

func (p *eventPayload) reasons() []string {
	if len(p.Reasons) > 0 {
		return p.Reasons
	}
	if p.Reason != "" {
		return []string{p.Reason}
	}
	return nil
}
