package domain

import "time"

type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half-open"
)

// BreakerState is the shared circuit-breaker state. It transitions
// closed -> open on threshold breach, open -> half-open once the cooldown
// elapses, half-open -> closed on a trial success and half-open -> open on a
// trial failure.
type BreakerState struct {
	Status         BreakerStatus `json:"status"`
	Failures       int           `json:"failures"`
	LastFailureAt  time.Time     `json:"last_failure_at"`
	OpenedAt       time.Time     `json:"opened_at"`
	TrialStartedAt time.Time     `json:"trial_started_at"`
}
