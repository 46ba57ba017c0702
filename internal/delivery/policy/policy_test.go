package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trungdn/courier/internal/core/domain"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         300 * time.Second,
		AuthDisable:      15 * time.Minute,
		QuotaDisable:     4 * time.Hour,
		NotifyWindow:     10 * time.Minute,
	}
}

func TestHandle_TableActions(t *testing.T) {
	tests := []struct {
		code        ErrorCode
		action      Action
		shouldRetry bool
	}{
		{CodeAuthentication, ActionDisableAPI, false},
		{CodeQuota, ActionDisableAPI, false},
		{CodeRateLimit, ActionDelayRetry, true},
		{CodeNetwork, ActionRetry, true},
		{CodeTimeout, ActionRetry, true},
		{CodeServer, ActionRetry, true},
		{CodeValidation, ActionLogSkip, false},
		{CodeCircuitOpen, ActionLog, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			engine := NewEngine(testConfig(), NewMemoryStore())
			engine.SetNotifier(func(ErrorCode, string, string) {})

			d := engine.Handle(context.Background(), NewSendError(tt.code, 0, "x", nil))
			if d.Action != tt.action {
				t.Errorf("Handle(%s).Action = %s, want %s", tt.code, d.Action, tt.action)
			}
			if d.ShouldRetry != tt.shouldRetry {
				t.Errorf("Handle(%s).ShouldRetry = %v, want %v", tt.code, d.ShouldRetry, tt.shouldRetry)
			}
		})
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker(NewMemoryStore(), 5, 300*time.Second)

	for i := 0; i < 4; i++ {
		if err := b.RecordFailure(ctx); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		allowed, _ := b.Allow(ctx)
		if !allowed {
			t.Fatalf("breaker opened after %d failures, threshold is 5", i+1)
		}
	}

	if err := b.RecordFailure(ctx); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if allowed, _ := b.Allow(ctx); allowed {
		t.Error("breaker still allows calls after reaching threshold")
	}

	state, _ := b.Status(ctx)
	if state.Status != domain.BreakerOpen {
		t.Errorf("breaker status = %s, want open", state.Status)
	}
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	b := NewBreaker(NewMemoryStore(), 1, 300*time.Second)
	b.now = func() time.Time { return now }

	if err := b.RecordFailure(ctx); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if allowed, _ := b.Allow(ctx); allowed {
		t.Fatal("breaker should be open")
	}

	// Cooldown elapses: exactly one trial call goes through
	now = now.Add(301 * time.Second)
	first, _ := b.Allow(ctx)
	second, _ := b.Allow(ctx)
	if !first {
		t.Error("first call after cooldown should get the trial")
	}
	if second {
		t.Error("second call should fail fast while the trial is in flight")
	}

	state, _ := b.Status(ctx)
	if state.Status != domain.BreakerHalfOpen {
		t.Fatalf("breaker status = %s, want half-open", state.Status)
	}
}

func TestBreaker_AbandonedTrialReclaimed(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	b := NewBreaker(NewMemoryStore(), 1, 300*time.Second)
	b.now = func() time.Time { return now }

	b.RecordFailure(ctx)
	now = now.Add(301 * time.Second)
	if allowed, _ := b.Allow(ctx); !allowed {
		t.Fatal("first caller should get the trial")
	}

	// The trial holder crashed and never reported an outcome. Within the
	// cooldown everyone still fails fast.
	now = now.Add(time.Minute)
	if allowed, _ := b.Allow(ctx); allowed {
		t.Fatal("trial still fresh, callers must fail fast")
	}

	// Once a full cooldown has passed the trial is up for grabs again.
	now = now.Add(300 * time.Second)
	first, _ := b.Allow(ctx)
	second, _ := b.Allow(ctx)
	if !first {
		t.Error("abandoned trial should be reclaimed after the cooldown")
	}
	if second {
		t.Error("only one caller may hold the reclaimed trial")
	}
}

func TestBreaker_TrialOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		ctx := context.Background()
		now := time.Now()
		b := NewBreaker(NewMemoryStore(), 1, time.Second)
		b.now = func() time.Time { return now }

		b.RecordFailure(ctx)
		now = now.Add(2 * time.Second)
		b.Allow(ctx) // takes the trial
		if err := b.RecordSuccess(ctx); err != nil {
			t.Fatalf("RecordSuccess: %v", err)
		}

		state, _ := b.Status(ctx)
		if state.Status != domain.BreakerClosed || state.Failures != 0 {
			t.Errorf("state = %+v, want closed with zero failures", state)
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		ctx := context.Background()
		now := time.Now()
		b := NewBreaker(NewMemoryStore(), 1, time.Second)
		b.now = func() time.Time { return now }

		b.RecordFailure(ctx)
		now = now.Add(2 * time.Second)
		b.Allow(ctx) // takes the trial
		b.RecordFailure(ctx)

		state, _ := b.Status(ctx)
		if state.Status != domain.BreakerOpen {
			t.Fatalf("state = %s, want open", state.Status)
		}
		// Cooldown restarted from the trial failure
		if allowed, _ := b.Allow(ctx); allowed {
			t.Error("breaker should stay open until the new cooldown elapses")
		}
	})
}

func TestGate_AuthDisable(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(testConfig(), NewMemoryStore())
	engine.SetNotifier(func(ErrorCode, string, string) {})

	if err := engine.Gate(ctx); err != nil {
		t.Fatalf("Gate before any errors: %v", err)
	}

	engine.Handle(ctx, NewSendError(CodeAuthentication, 401, "bad key", nil))

	err := engine.Gate(ctx)
	if !errors.Is(err, ErrSendingDisabled) {
		t.Errorf("Gate after auth error = %v, want ErrSendingDisabled", err)
	}

	// Auth errors bypass the breaker counter entirely
	state, _ := engine.Breaker().Status(ctx)
	if state.Failures != 0 {
		t.Errorf("breaker failures = %d, want 0 (auth bypasses counter)", state.Failures)
	}
}

func TestGate_RateLimitSuppression(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(testConfig(), NewMemoryStore())
	engine.SetNotifier(func(ErrorCode, string, string) {})

	now := time.Now()
	engine.now = func() time.Time { return now }
	engine.breaker.now = engine.now

	se := NewSendError(CodeRateLimit, 429, "throttled", nil)
	se.RetryIn = 30 * time.Second
	engine.Handle(ctx, se)

	if err := engine.Gate(ctx); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Gate during cooldown = %v, want ErrRateLimited", err)
	}

	now = now.Add(31 * time.Second)
	if err := engine.Gate(ctx); err != nil {
		t.Errorf("Gate after cooldown = %v, want nil", err)
	}
}

func TestNotify_DedupWithinWindow(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(testConfig(), NewMemoryStore())

	var count int
	engine.SetNotifier(func(ErrorCode, string, string) { count++ })

	for i := 0; i < 5; i++ {
		engine.Handle(ctx, NewSendError(CodeServer, 500, "boom", nil))
	}
	if count != 1 {
		t.Errorf("notified %d times within window, want 1", count)
	}

	// CircuitOpen rejections never page
	engine.Handle(ctx, ErrCircuitOpen)
	if count != 1 {
		t.Errorf("circuit-open rejection notified, count = %d", count)
	}
}
