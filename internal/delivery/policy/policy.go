// Package policy maps classified send errors to recovery strategies and owns
// the circuit breaker guarding the delivery API.
package policy

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Action is the recovery strategy for an error code.
type Action string

const (
	ActionRetry      Action = "retry"
	ActionDelayRetry Action = "delay_retry"
	ActionDisableAPI Action = "disable_api"
	ActionLogSkip    Action = "log_skip"
	ActionLog        Action = "log"
)

// Rule is one row of the static policy table.
type Rule struct {
	Severity string
	Action   Action
	Message  string
}

// table maps every error code to its recovery strategy.
var table = map[ErrorCode]Rule{
	CodeAuthentication: {"critical", ActionDisableAPI, "delivery API credential rejected"},
	CodeQuota:          {"critical", ActionDisableAPI, "delivery API quota exhausted"},
	CodeRateLimit:      {"warning", ActionDelayRetry, "delivery API throttling requests"},
	CodeNetwork:        {"warning", ActionRetry, "network failure reaching delivery API"},
	CodeTimeout:        {"warning", ActionRetry, "delivery API request timed out"},
	CodeServer:         {"warning", ActionRetry, "delivery API server error"},
	CodeValidation:     {"info", ActionLogSkip, "message rejected as invalid"},
	CodeCircuitOpen:    {"info", ActionLog, "circuit breaker rejected send"},
}

// Decision tells the caller how to proceed after an error.
type Decision struct {
	Action      Action
	ShouldRetry bool
	RetryAfter  time.Duration
}

// Config holds engine tunables.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	AuthDisable      time.Duration
	QuotaDisable     time.Duration
	NotifyWindow     time.Duration
}

// Notifier receives operator notifications about recurring errors.
type Notifier func(code ErrorCode, severity, message string)

// Engine is the error policy engine. It classifies failures, feeds the
// circuit breaker, and maintains the hard-disable and rate-limit suppression
// windows that the API client's gates consult.
type Engine struct {
	cfg     Config
	breaker *Breaker
	notify  Notifier
	now     func() time.Time

	mu            sync.Mutex
	disabledUntil time.Time
	limitedUntil  time.Time
	lastNotified  map[ErrorCode]time.Time
}

// NewEngine creates a policy engine backed by the given breaker state store.
func NewEngine(cfg Config, store StateStore) *Engine {
	e := &Engine{
		cfg:          cfg,
		breaker:      NewBreaker(store, cfg.FailureThreshold, cfg.Cooldown),
		now:          time.Now,
		lastNotified: make(map[ErrorCode]time.Time),
	}
	e.notify = func(code ErrorCode, severity, message string) {
		slog.Warn("Delivery error policy notification",
			"code", code, "severity", severity, "message", message)
	}
	return e
}

// SetNotifier replaces the default slog notifier.
func (e *Engine) SetNotifier(n Notifier) {
	e.notify = n
}

// Breaker exposes the engine's circuit breaker for health reporting.
func (e *Engine) Breaker() *Breaker {
	return e.breaker
}

// Gate reports whether a send may be attempted at all. Checked before every
// provider call: hard disable first, then breaker, then rate-limit cooldown.
func (e *Engine) Gate(ctx context.Context) error {
	e.mu.Lock()
	disabled := e.now().Before(e.disabledUntil)
	limited := e.now().Before(e.limitedUntil)
	e.mu.Unlock()

	if disabled {
		return ErrSendingDisabled
	}

	allowed, err := e.breaker.Allow(ctx)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrCircuitOpen
	}

	if limited {
		return ErrRateLimited
	}
	return nil
}

// RecordSuccess resets the breaker after a successful send.
func (e *Engine) RecordSuccess(ctx context.Context) error {
	return e.breaker.RecordSuccess(ctx)
}

// Handle classifies an error, applies its side effects (breaker counting,
// disable windows, rate-limit suppression, notification dedup) and returns
// the recovery decision.
func (e *Engine) Handle(ctx context.Context, err error) Decision {
	se := AsSendError(err)
	rule := table[se.Code]
	now := e.now()

	switch se.Code {
	case CodeCircuitOpen:
		// A rejected call is not a new failure

	case CodeAuthentication:
		e.disable(now.Add(e.cfg.AuthDisable))

	case CodeQuota:
		e.disable(now.Add(e.cfg.QuotaDisable))

	case CodeRateLimit:
		cooldown := se.RetryAfter()
		if cooldown <= 0 {
			cooldown = time.Minute
		}
		e.mu.Lock()
		e.limitedUntil = now.Add(cooldown)
		e.mu.Unlock()
		if berr := e.breaker.RecordFailure(ctx); berr != nil {
			slog.Error("Failed to record breaker failure", "error", berr)
		}

	case CodeValidation:
		// Caller input problem, not provider degradation

	default:
		if berr := e.breaker.RecordFailure(ctx); berr != nil {
			slog.Error("Failed to record breaker failure", "error", berr)
		}
	}

	e.maybeNotify(se.Code, rule)

	return Decision{
		Action:      rule.Action,
		ShouldRetry: rule.Action == ActionRetry || rule.Action == ActionDelayRetry,
		RetryAfter:  se.RetryAfter(),
	}
}

func (e *Engine) disable(until time.Time) {
	e.mu.Lock()
	if until.After(e.disabledUntil) {
		e.disabledUntil = until
	}
	e.mu.Unlock()
}

// maybeNotify notifies once per code per window so one ongoing incident does
// not page repeatedly.
func (e *Engine) maybeNotify(code ErrorCode, rule Rule) {
	if rule.Severity == "info" {
		return
	}
	now := e.now()
	e.mu.Lock()
	last, ok := e.lastNotified[code]
	if ok && now.Sub(last) < e.cfg.NotifyWindow {
		e.mu.Unlock()
		return
	}
	e.lastNotified[code] = now
	e.mu.Unlock()

	e.notify(code, rule.Severity, rule.Message)
}
