package policy

import (
	"context"
	"sync"
	"time"

	"github.com/trungdn/courier/internal/core/domain"
)

// StateStore persists breaker state. The Redis implementation shares one
// breaker across processes; MemoryStore backs tests and single-process runs.
type StateStore interface {
	Get(ctx context.Context) (domain.BreakerState, error)
	Update(ctx context.Context, fn func(domain.BreakerState) domain.BreakerState) (domain.BreakerState, error)
}

// MemoryStore is an in-process StateStore.
type MemoryStore struct {
	mu    sync.Mutex
	state domain.BreakerState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: domain.BreakerState{Status: domain.BreakerClosed}}
}

func (s *MemoryStore) Get(ctx context.Context) (domain.BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *MemoryStore) Update(ctx context.Context, fn func(domain.BreakerState) domain.BreakerState) (domain.BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = fn(s.state)
	return s.state, nil
}

// Breaker is the circuit breaker guarding the delivery API. Transitions:
// closed -> open when failures reach the threshold inside the rolling window,
// open -> half-open after the cooldown, half-open -> closed on a trial
// success, half-open -> open on a trial failure.
type Breaker struct {
	store     StateStore
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func NewBreaker(store StateStore, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		store:     store,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. When the cooldown has elapsed the
// caller that performs the open -> half-open transition gets the single trial
// call; everyone else keeps failing fast until the trial resolves. An
// unresolved trial lapses after a full cooldown and a new caller may claim it.
func (b *Breaker) Allow(ctx context.Context) (bool, error) {
	state, err := b.store.Get(ctx)
	if err != nil {
		return false, err
	}

	switch state.Status {
	case domain.BreakerOpen:
		if b.now().Sub(state.OpenedAt) < b.cooldown {
			return false, nil
		}
		var transitioned bool
		_, err := b.store.Update(ctx, func(s domain.BreakerState) domain.BreakerState {
			// Re-check under the store's exclusion: another caller may
			// have taken the trial already.
			if s.Status == domain.BreakerOpen && b.now().Sub(s.OpenedAt) >= b.cooldown {
				s.Status = domain.BreakerHalfOpen
				s.TrialStartedAt = b.now()
				transitioned = true
			}
			return s
		})
		if err != nil {
			return false, err
		}
		return transitioned, nil
	case domain.BreakerHalfOpen:
		if b.now().Sub(state.TrialStartedAt) < b.cooldown {
			// A trial call is already in flight
			return false, nil
		}
		// The previous trial was never resolved. Reclaim it after a full
		// cooldown so a crashed caller cannot wedge the breaker shut.
		var reclaimed bool
		_, err := b.store.Update(ctx, func(s domain.BreakerState) domain.BreakerState {
			if s.Status == domain.BreakerHalfOpen && b.now().Sub(s.TrialStartedAt) >= b.cooldown {
				s.TrialStartedAt = b.now()
				reclaimed = true
			}
			return s
		})
		if err != nil {
			return false, err
		}
		return reclaimed, nil
	default:
		return true, nil
	}
}

// RecordFailure counts a classified failure. Failures older than the rolling
// window are forgotten before counting.
func (b *Breaker) RecordFailure(ctx context.Context) error {
	now := b.now()
	_, err := b.store.Update(ctx, func(s domain.BreakerState) domain.BreakerState {
		if s.Status == domain.BreakerHalfOpen {
			// Trial failed: reopen and restart the cooldown
			s.Status = domain.BreakerOpen
			s.OpenedAt = now
			s.LastFailureAt = now
			return s
		}
		if !s.LastFailureAt.IsZero() && now.Sub(s.LastFailureAt) > b.cooldown {
			s.Failures = 0
		}
		s.Failures++
		s.LastFailureAt = now
		if s.Status == domain.BreakerClosed && s.Failures >= b.threshold {
			s.Status = domain.BreakerOpen
			s.OpenedAt = now
		}
		return s
	})
	return err
}

// RecordSuccess resets the failure counter and closes a half-open breaker.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	_, err := b.store.Update(ctx, func(s domain.BreakerState) domain.BreakerState {
		s.Status = domain.BreakerClosed
		s.Failures = 0
		return s
	})
	return err
}

// Status returns the current breaker state for health reporting.
func (b *Breaker) Status(ctx context.Context) (domain.BreakerState, error) {
	return b.store.Get(ctx)
}
