package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trungdn/courier/internal/delivery/policy"
	"github.com/trungdn/courier/internal/infra/storage/memory"
)

type stubPinger struct {
	err error
}

func (p *stubPinger) Health(context.Context) error { return p.err }

func newBreaker() *policy.Breaker {
	return policy.NewBreaker(policy.NewMemoryStore(), 5, 300*time.Second)
}

func TestCheckHealth_AllHealthy(t *testing.T) {
	store := memory.NewMemoryStorage()
	m := NewMonitor(&stubPinger{}, &stubPinger{}, newBreaker(), memory.NewJobRepo(store), nil)

	report := m.CheckHealth(context.Background())
	if report.SystemStatus != StatusHealthy {
		t.Fatalf("system status = %s, want healthy", report.SystemStatus)
	}
	for name, c := range report.Components {
		if c.Status != StatusHealthy {
			t.Errorf("component %s = %s, want healthy", name, c.Status)
		}
	}
}

func TestCheckHealth_DatabaseDownIsCritical(t *testing.T) {
	store := memory.NewMemoryStorage()
	m := NewMonitor(&stubPinger{err: errors.New("connection refused")}, &stubPinger{}, newBreaker(), memory.NewJobRepo(store), nil)

	report := m.CheckHealth(context.Background())
	if report.SystemStatus != StatusCritical {
		t.Fatalf("system status = %s, want critical", report.SystemStatus)
	}
	if report.Components["database"].Status != StatusCritical {
		t.Errorf("database = %s, want critical", report.Components["database"].Status)
	}
}

func TestCheckHealth_RedisDownOnlyDegrades(t *testing.T) {
	store := memory.NewMemoryStorage()
	m := NewMonitor(&stubPinger{}, &stubPinger{err: errors.New("timeout")}, newBreaker(), memory.NewJobRepo(store), nil)

	report := m.CheckHealth(context.Background())
	if report.SystemStatus != StatusDegraded {
		t.Fatalf("system status = %s, want degraded", report.SystemStatus)
	}
}

func TestCheckHealth_OpenBreakerIsCritical(t *testing.T) {
	store := memory.NewMemoryStorage()
	breaker := newBreaker()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := breaker.RecordFailure(ctx); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	m := NewMonitor(&stubPinger{}, &stubPinger{}, breaker, memory.NewJobRepo(store), nil)
	report := m.CheckHealth(ctx)
	if report.Components["breaker"].Status != StatusCritical {
		t.Fatalf("breaker = %s, want critical", report.Components["breaker"].Status)
	}
}

func TestCheckHealth_CachesBetweenProbes(t *testing.T) {
	store := memory.NewMemoryStorage()
	db := &stubPinger{}
	m := NewMonitor(db, nil, newBreaker(), memory.NewJobRepo(store), nil)
	ctx := context.Background()

	first := m.CheckHealth(ctx)
	db.err = errors.New("down now")
	second := m.CheckHealth(ctx)

	// Within the cache window the stale report is served.
	if first.SystemStatus != second.SystemStatus {
		t.Fatalf("report not cached: %s then %s", first.SystemStatus, second.SystemStatus)
	}
}
