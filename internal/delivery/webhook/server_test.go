package webhook

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/trungdn/courier/internal/core/config"
	"github.com/trungdn/courier/internal/core/domain"
	"github.com/trungdn/courier/internal/events"
	"github.com/trungdn/courier/internal/infra/storage/memory"
)

const testSecret = "shh-very-secret"

func testServer(t *testing.T, limiter Limiter) (*Server, *memory.MemoryStorage) {
	t.Helper()
	store := memory.NewMemoryStorage()
	logger := testLogger()
	rec := NewReconciler(logger, memory.NewDeliveryRepo(store), memory.NewWebhookEventRepo(store), nil, events.NewBus(logger, nil))
	srv := NewServer(logger, config.WebhookConfig{
		Port:               0,
		Secret:             testSecret,
		RateLimitPerMinute: 100,
	}, rec, limiter)
	return srv, store
}

func signedRequest(body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(HeaderSignature, Sign(testSecret, body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	return req
}

func TestWebhook_SignedRequestProcessed(t *testing.T) {
	srv, store := testServer(t, nil)
	seedRecord(t, store, "msg-1", domain.DeliveryStatusSent)

	body := eventBody(t, "ev-1", "delivered", "msg-1")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, signedRequest(body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	got, _ := memory.NewDeliveryRepo(store).GetByProviderMessageID(context.Background(), "msg-1")
	if got.Status != domain.DeliveryStatusDelivered {
		t.Errorf("record status = %s, want delivered", got.Status)
	}
}

func TestWebhook_TamperedBodyRejectedWithoutMutation(t *testing.T) {
	srv, store := testServer(t, nil)
	seedRecord(t, store, "msg-1", domain.DeliveryStatusSent)

	body := eventBody(t, "ev-1", "delivered", "msg-1")
	req := signedRequest(body)

	// Flip one byte after signing.
	tampered := bytes.Replace(body, []byte("delivered"), []byte("deliverey"), 1)
	req.Body = httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(tampered)).Body

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	got, _ := memory.NewDeliveryRepo(store).GetByProviderMessageID(context.Background(), "msg-1")
	if got.Status != domain.DeliveryStatusSent {
		t.Errorf("record mutated despite bad signature: status = %s", got.Status)
	}
	if seen, _ := memory.NewWebhookEventRepo(store).Seen(context.Background(), "ev-1"); seen {
		t.Error("audit row written despite bad signature")
	}
}

func TestWebhook_StaleTimestampRejected(t *testing.T) {
	srv, _ := testServer(t, nil)

	body := eventBody(t, "ev-1", "delivered", "msg-1")
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(HeaderSignature, Sign(testSecret, body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestWebhook_BadPayloadResponses(t *testing.T) {
	srv, _ := testServer(t, nil)

	tests := []struct {
		name string
		body []byte
		want int
	}{
		{"malformed json", []byte("{nope"), http.StatusBadRequest},
		{"unknown event", []byte(`{"event_type":"teleported","message_id":"m"}`), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, signedRequest(tt.body))
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

type fixedLimiter bool

func (l fixedLimiter) Allow(context.Context, string, int) (bool, error) { return bool(l), nil }

func TestWebhook_RateLimited(t *testing.T) {
	srv, _ := testServer(t, fixedLimiter(false))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, signedRequest(eventBody(t, "ev-1", "delivered", "msg-1")))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
}

func TestWebhook_HealthUnauthenticated(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhook/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event_type":"delivered"}`)
	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)

	if err := VerifySignature(testSecret, body, Sign(testSecret, body), ts, now); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifySignature(testSecret, body, Sign("wrong-secret", body), ts, now); err != ErrInvalidSignature {
		t.Errorf("wrong secret: err = %v", err)
	}
	if err := VerifySignature(testSecret, body, "not-prefixed", ts, now); err != ErrInvalidSignature {
		t.Errorf("missing prefix: err = %v", err)
	}
	if err := VerifySignature(testSecret, body, Sign(testSecret, body), "garbage", now); err != ErrStaleTimestamp {
		t.Errorf("bad timestamp: err = %v", err)
	}
}
