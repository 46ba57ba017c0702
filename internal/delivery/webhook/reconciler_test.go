package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/trungdn/courier/internal/core/domain"
	"github.com/trungdn/courier/internal/events"
	"github.com/trungdn/courier/internal/infra/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testReconciler(t *testing.T) (*Reconciler, *memory.MemoryStorage) {
	t.Helper()
	store := memory.NewMemoryStorage()
	logger := testLogger()
	bus := events.NewBus(logger, nil)
	rec := NewReconciler(logger, memory.NewDeliveryRepo(store), memory.NewWebhookEventRepo(store), nil, bus)
	return rec, store
}

func seedRecord(t *testing.T, store *memory.MemoryStorage, providerID string, status domain.DeliveryStatus) *domain.DeliveryRecord {
	t.Helper()
	rec := &domain.DeliveryRecord{
		ID:                "rec-" + providerID,
		ProviderMessageID: providerID,
		Token:             "tok-" + providerID,
		Recipient:         "user@example.com",
		Status:            status,
		CreatedAt:         time.Now().UTC(),
	}
	if err := memory.NewDeliveryRepo(store).Create(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return rec
}

func eventBody(t *testing.T, eventID, eventType, messageID string, reasons ...string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event_id":   eventID,
		"event_type": eventType,
		"message_id": messageID,
		"reasons":    reasons,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func TestIngest_SentConfirmsProviderHandOff(t *testing.T) {
	r, store := testReconciler(t)
	ctx := context.Background()
	seedRecord(t, store, "msg-1", domain.DeliveryStatusSentToAPI)

	outcome, err := r.Ingest(ctx, eventBody(t, "ev-1", "sent", "msg-1"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s, want processed", outcome)
	}
	got, _ := memory.NewDeliveryRepo(store).GetByProviderMessageID(ctx, "msg-1")
	if got.Status != domain.DeliveryStatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}

	// A late sent event after delivery confirmation must not regress.
	seedRecord(t, store, "msg-2", domain.DeliveryStatusDelivered)
	outcome, err = r.Ingest(ctx, eventBody(t, "ev-2", "sent", "msg-2"))
	if err != nil {
		t.Fatalf("late ingest: %v", err)
	}
	if outcome != OutcomeStale {
		t.Fatalf("outcome = %s, want stale", outcome)
	}
}

func TestIngest_DeliveredAdvancesAndStampsOnce(t *testing.T) {
	r, store := testReconciler(t)
	ctx := context.Background()
	seedRecord(t, store, "msg-1", domain.DeliveryStatusSent)

	outcome, err := r.Ingest(ctx, eventBody(t, "ev-1", "delivered", "msg-1"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s, want processed", outcome)
	}

	got, _ := memory.NewDeliveryRepo(store).GetByProviderMessageID(ctx, "msg-1")
	if got.Status != domain.DeliveryStatusDelivered {
		t.Errorf("status = %s, want delivered", got.Status)
	}
	if got.DeliveredAt == nil {
		t.Fatal("delivered_at not set")
	}
	stamp := *got.DeliveredAt

	// Replay with a different event id must not move the timestamp.
	outcome, err = r.Ingest(ctx, eventBody(t, "ev-2", "delivered", "msg-1"))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if outcome != OutcomeStale {
		t.Fatalf("outcome = %s, want stale", outcome)
	}
	got, _ = memory.NewDeliveryRepo(store).GetByProviderMessageID(ctx, "msg-1")
	if !got.DeliveredAt.Equal(stamp) {
		t.Errorf("delivered_at moved from %v to %v", stamp, *got.DeliveredAt)
	}
}

func TestIngest_ReplayedEventIDIsNoOp(t *testing.T) {
	r, store := testReconciler(t)
	ctx := context.Background()
	seedRecord(t, store, "msg-1", domain.DeliveryStatusSent)

	body := eventBody(t, "ev-1", "opened", "msg-1")
	if outcome, err := r.Ingest(ctx, body); err != nil || outcome != OutcomeProcessed {
		t.Fatalf("first ingest: outcome=%s err=%v", outcome, err)
	}
	if outcome, err := r.Ingest(ctx, body); err != nil || outcome != OutcomeDuplicate {
		t.Fatalf("replay: outcome=%s err=%v", outcome, err)
	}

	got, _ := memory.NewDeliveryRepo(store).GetByProviderMessageID(ctx, "msg-1")
	if len(got.TrackingLog) != 1 {
		t.Errorf("tracking log has %d entries, want 1", len(got.TrackingLog))
	}
}

func TestIngest_AuditTableCatchesReplayWhenDedupFails(t *testing.T) {
	store := memory.NewMemoryStorage()
	logger := testLogger()
	// A deduper that always reports fresh simulates Redis flushed between
	// deliveries; the audit table must still stop the replay.
	alwaysFresh := dedupFunc(func(context.Context, string, time.Duration) (bool, error) { return true, nil })
	r := NewReconciler(logger, memory.NewDeliveryRepo(store), memory.NewWebhookEventRepo(store), alwaysFresh, events.NewBus(logger, nil))
	ctx := context.Background()
	seedRecord(t, store, "msg-1", domain.DeliveryStatusSent)

	body := eventBody(t, "ev-1", "opened", "msg-1")
	if _, err := r.Ingest(ctx, body); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	outcome, err := r.Ingest(ctx, body)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("outcome = %s, want duplicate", outcome)
	}
}

type dedupFunc func(context.Context, string, time.Duration) (bool, error)

func (f dedupFunc) MarkSeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return f(ctx, id, ttl)
}

func TestIngest_UnownedMessageAckedWithoutMutation(t *testing.T) {
	r, store := testReconciler(t)
	ctx := context.Background()

	outcome, err := r.Ingest(ctx, eventBody(t, "ev-1", "delivered", "someone-elses-msg"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Fatalf("outcome = %s, want ignored", outcome)
	}
	if seen, _ := memory.NewWebhookEventRepo(store).Seen(ctx, "ev-1"); seen {
		t.Error("audit row written for unowned message")
	}
}

func TestIngest_BounceAttachesClassification(t *testing.T) {
	r, store := testReconciler(t)
	ctx := context.Background()
	seedRecord(t, store, "msg-1", domain.DeliveryStatusSent)

	var published []domain.DeliveryUpdated
	r.bus.OnDeliveryUpdated(func(ev domain.DeliveryUpdated) { published = append(published, ev) })

	_, err := r.Ingest(ctx, eventBody(t, "ev-1", "bounced", "msg-1", "550 mailbox not found"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got, _ := memory.NewDeliveryRepo(store).GetByProviderMessageID(ctx, "msg-1")
	if got.Status != domain.DeliveryStatusBounced {
		t.Errorf("status = %s, want bounced", got.Status)
	}
	if got.Classification != string(domain.BounceHard) {
		t.Errorf("classification = %s, want hard_bounce", got.Classification)
	}
	if got.Confidence == 0 {
		t.Error("confidence not attached")
	}
	if len(published) != 1 || published[0].Classification != domain.BounceHard {
		t.Errorf("published events = %+v", published)
	}
}

func TestIngest_EngagementEventsKeepStatus(t *testing.T) {
	r, store := testReconciler(t)
	ctx := context.Background()
	seedRecord(t, store, "msg-1", domain.DeliveryStatusDelivered)

	for i, ev := range []string{"opened", "clicked"} {
		body := eventBody(t, "ev-"+string(rune('a'+i)), ev, "msg-1")
		if outcome, err := r.Ingest(ctx, body); err != nil || outcome != OutcomeProcessed {
			t.Fatalf("%s: outcome=%s err=%v", ev, outcome, err)
		}
	}

	got, _ := memory.NewDeliveryRepo(store).GetByProviderMessageID(ctx, "msg-1")
	if got.Status != domain.DeliveryStatusDelivered {
		t.Errorf("status = %s, engagement must not change it", got.Status)
	}
	if len(got.TrackingLog) != 2 {
		t.Errorf("tracking log has %d entries, want 2", len(got.TrackingLog))
	}
}

func TestIngest_RejectsBadInput(t *testing.T) {
	r, _ := testReconciler(t)
	ctx := context.Background()

	tests := []struct {
		name string
		body []byte
		want error
	}{
		{"malformed json", []byte("{not json"), ErrInvalidPayload},
		{"missing event type", []byte(`{"message_id":"m"}`), ErrInvalidPayload},
		{"unknown event type", eventBody(t, "ev-1", "teleported", "msg-1"), ErrUnknownEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Ingest(ctx, tt.body); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMemoryDeduper_EvictsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDeduper()

	// Zero TTL expires immediately.
	if fresh, _ := d.MarkSeen(ctx, "ev-old", 0); !fresh {
		t.Fatal("first sighting should be fresh")
	}
	if fresh, _ := d.MarkSeen(ctx, "ev-live", time.Hour); !fresh {
		t.Fatal("second id should be fresh")
	}

	d.mu.Lock()
	_, oldKept := d.seen["ev-old"]
	n := len(d.seen)
	d.mu.Unlock()
	if oldKept || n != 1 {
		t.Fatalf("expired entry not evicted: kept=%v len=%d", oldKept, n)
	}

	// The live entry still dedups.
	if fresh, _ := d.MarkSeen(ctx, "ev-live", time.Hour); fresh {
		t.Error("live entry should still be seen")
	}
}
