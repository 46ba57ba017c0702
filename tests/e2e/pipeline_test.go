package e2e

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/trungdn/courier/internal/core/config"
	"github.com/trungdn/courier/internal/core/domain"
	"github.com/trungdn/courier/internal/delivery/policy"
	"github.com/trungdn/courier/internal/delivery/queue"
	"github.com/trungdn/courier/internal/delivery/webhook"
	"github.com/trungdn/courier/internal/events"
	"github.com/trungdn/courier/internal/infra/esp"
	"github.com/trungdn/courier/internal/infra/storage/memory"
)

const secret = "e2e-secret"

// TestSendAndReconcile drives one message through the whole pipeline: enqueue,
// batch dispatch against a fake provider, then a signed delivery webhook.
func TestSendAndReconcile(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"message_id":"prov-e2e-1"}`)
	}))
	defer provider.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewMemoryStorage()
	jobs := memory.NewJobRepo(store)
	deliveries := memory.NewDeliveryRepo(store)
	audit := memory.NewWebhookEventRepo(store)
	bus := events.NewBus(logger, nil)

	engine := policy.NewEngine(policy.Config{
		FailureThreshold: 5,
		Cooldown:         300 * time.Second,
		AuthDisable:      15 * time.Minute,
		QuotaDisable:     4 * time.Hour,
		NotifyWindow:     10 * time.Minute,
	}, policy.NewMemoryStore())
	engine.SetNotifier(func(policy.ErrorCode, string, string) {})

	client := esp.NewClient(esp.Config{
		BaseURL:     provider.URL,
		APIKey:      "key",
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
	}, engine)

	q := queue.New(logger, config.QueueConfig{
		BatchSize:      10,
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
		UrgentPriority: 1,
		Interval:       time.Minute,
		LockTTL:        time.Minute,
	}, jobs, deliveries, client, bus, nil)

	reconciler := webhook.NewReconciler(logger, deliveries, audit, nil, bus)
	hookServer := webhook.NewServer(logger, config.WebhookConfig{
		Secret:             secret,
		RateLimitPerMinute: 100,
	}, reconciler, nil)

	ctx := context.Background()

	job, err := q.Enqueue(ctx, domain.MessagePayload{
		To:      "alice@example.com",
		From:    "noreply@example.com",
		Subject: "welcome",
		Body:    "<p>hello</p>",
		Kind:    domain.ContentHTML,
	}, 5, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := q.RunBatch(ctx, 0); err != nil {
		t.Fatalf("run batch: %v", err)
	}

	sent, err := deliveries.GetByID(ctx, job.Payload.RecordID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if sent.Status != domain.DeliveryStatusSentToAPI || sent.ProviderMessageID != "prov-e2e-1" {
		t.Fatalf("after dispatch: %+v", sent)
	}

	// Provider confirms acceptance, then delivery, via signed webhooks.
	accepted, _ := json.Marshal(map[string]any{
		"event_id":   "ev-e2e-0",
		"event_type": "sent",
		"message_id": "prov-e2e-1",
	})
	req0 := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(accepted))
	req0.Header.Set("X-Webhook-Signature", sign(accepted))
	req0.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	w0 := httptest.NewRecorder()
	hookServer.Handler().ServeHTTP(w0, req0)
	if w0.Code != http.StatusOK {
		t.Fatalf("sent webhook status = %d (body %s)", w0.Code, w0.Body.String())
	}
	confirmed, _ := deliveries.GetByID(ctx, job.Payload.RecordID)
	if confirmed.Status != domain.DeliveryStatusSent {
		t.Fatalf("after sent webhook: status = %s, want sent", confirmed.Status)
	}

	body, _ := json.Marshal(map[string]any{
		"event_id":   "ev-e2e-1",
		"event_type": "delivered",
		"message_id": "prov-e2e-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", sign(body))
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))

	w := httptest.NewRecorder()
	hookServer.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("webhook status = %d (body %s)", w.Code, w.Body.String())
	}

	final, _ := deliveries.GetByID(ctx, job.Payload.RecordID)
	if final.Status != domain.DeliveryStatusDelivered {
		t.Fatalf("final status = %s, want delivered", final.Status)
	}
	if final.DeliveredAt == nil || final.SentAt == nil {
		t.Fatalf("timestamps missing: %+v", final)
	}

	gotJob, _ := jobs.GetByID(ctx, job.ID)
	if gotJob.Status != domain.JobStatusCompleted {
		t.Fatalf("job status = %s, want completed", gotJob.Status)
	}
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
