package control

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/trungdn/courier/internal/core/config"
)

func testConfig() config.AppConfig {
	return config.AppConfig{
		Server:  config.ServerConfig{Port: 0},
		Webhook: config.WebhookConfig{Port: 0, RateLimitPerMinute: 100},
		Provider: config.ProviderConfig{
			BaseURL:     "http://localhost:9",
			APIKey:      "test-key",
			Timeout:     5 * time.Second,
			MaxAttempts: 1,
		},
		Queue: config.QueueConfig{
			BatchSize:      10,
			MaxRetries:     3,
			BaseDelay:      time.Second,
			MaxDelay:       time.Minute,
			UrgentPriority: 1,
			Interval:       100 * time.Millisecond,
			LockTTL:        time.Minute,
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         300 * time.Second,
			AuthDisable:      15 * time.Minute,
			QuotaDisable:     4 * time.Hour,
			NotifyWindow:     10 * time.Minute,
		},
	}
}

func TestCourier_Lifecycle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// No database or redis URL: memory storage, no coordination.
	c, err := New(logger, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.Queue() == nil || c.Bus() == nil {
		t.Fatal("pipeline components not wired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Let the servers and runner spin up before tearing down.
	time.Sleep(100 * time.Millisecond)

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
