package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trungdn/courier/internal/core/domain"
)

const (
	breakerKey     = "courier:breaker:state"
	breakerLock    = "breaker-update"
	breakerLockTTL = 5 * time.Second
)

// BreakerStore persists circuit-breaker state in Redis so concurrent
// processes share one breaker. Updates run under a short-TTL lock instead of
// naive read-then-write; a lost update at worst tolerates one extra failure
// before opening, and the TTL guarantees the lock can never wedge.
type BreakerStore struct {
	client *Client
}

func NewBreakerStore(client *Client) *BreakerStore {
	return &BreakerStore{client: client}
}

// Get returns the current breaker state, zero-valued (closed) when unset.
func (s *BreakerStore) Get(ctx context.Context) (domain.BreakerState, error) {
	var state domain.BreakerState
	data, err := s.client.rdb.Get(ctx, breakerKey).Bytes()
	if err == redis.Nil {
		state.Status = domain.BreakerClosed
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("breaker get failed: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("breaker state corrupt: %w", err)
	}
	return state, nil
}

// Update applies fn to the stored state under the update lock. If the lock is
// contended the update proceeds without it rather than blocking the send path.
func (s *BreakerStore) Update(ctx context.Context, fn func(domain.BreakerState) domain.BreakerState) (domain.BreakerState, error) {
	locked, err := s.client.AcquireLock(ctx, breakerLock, breakerLockTTL)
	if err == nil && locked {
		defer s.client.ReleaseLock(ctx, breakerLock)
	}

	state, err := s.Get(ctx)
	if err != nil {
		return state, err
	}

	state = fn(state)

	data, err := json.Marshal(state)
	if err != nil {
		return state, fmt.Errorf("breaker marshal failed: %w", err)
	}
	if err := s.client.rdb.Set(ctx, breakerKey, data, 0).Err(); err != nil {
		return state, fmt.Errorf("breaker set failed: %w", err)
	}
	return state, nil
}
