package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trungdn/courier/internal/core/domain"
	"github.com/trungdn/courier/internal/delivery/metrics"
	"github.com/trungdn/courier/internal/delivery/policy"
	"github.com/trungdn/courier/internal/infra/esp"
	"github.com/trungdn/courier/internal/infra/storage"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Health(ctx context.Context) error
}

// Backlog thresholds for status evaluation.
const (
	backlogDegraded = 500
	backlogCritical = 5000
)

// Monitor aggregates health status from the pipeline's dependencies.
type Monitor struct {
	db         Pinger
	redis      Pinger
	breaker    *policy.Breaker
	jobs       storage.JobRepository
	provider   *esp.Monitor
	lastCheck  time.Time
	lastReport Report
	mu         sync.RWMutex
}

// NewMonitor creates a new health monitor. redis and provider may be nil when
// those subsystems are not configured.
func NewMonitor(db Pinger, redis Pinger, breaker *policy.Breaker, jobs storage.JobRepository, provider *esp.Monitor) *Monitor {
	return &Monitor{
		db:       db,
		redis:    redis,
		breaker:  breaker,
		jobs:     jobs,
		provider: provider,
	}
}

// CheckHealth performs a health check across all components.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks to avoid hammering dependencies from probes
	if time.Since(m.lastCheck) < 10*time.Second && len(m.lastReport.Components) > 0 {
		return m.lastReport
	}

	components := make(map[string]ComponentHealth)

	dbHealth := ComponentHealth{Name: "database", Status: StatusHealthy}
	if err := m.db.Health(ctx); err != nil {
		dbHealth.Status = StatusCritical
		dbHealth.Detail = err.Error()
	}
	components["database"] = dbHealth

	if m.redis != nil {
		redisHealth := ComponentHealth{Name: "redis", Status: StatusHealthy}
		if err := m.redis.Health(ctx); err != nil {
			// Redis loss degrades coordination but the pipeline still runs
			redisHealth.Status = StatusDegraded
			redisHealth.Detail = err.Error()
		}
		components["redis"] = redisHealth
	}

	breakerHealth := ComponentHealth{Name: "breaker", Status: StatusHealthy}
	if state, err := m.breaker.Status(ctx); err != nil {
		breakerHealth.Status = StatusDegraded
		breakerHealth.Detail = err.Error()
	} else {
		breakerHealth.Detail = string(state.Status)
		switch state.Status {
		case domain.BreakerOpen:
			breakerHealth.Status = StatusCritical
			metrics.BreakerState.Set(2)
		case domain.BreakerHalfOpen:
			breakerHealth.Status = StatusDegraded
			metrics.BreakerState.Set(1)
		default:
			metrics.BreakerState.Set(0)
		}
	}
	components["breaker"] = breakerHealth

	queueHealth := ComponentHealth{Name: "queue", Status: StatusHealthy}
	if backlog, err := m.jobs.CountPending(ctx); err != nil {
		queueHealth.Status = StatusDegraded
		queueHealth.Detail = err.Error()
	} else {
		queueHealth.Backlog = backlog
		metrics.QueueBacklog.Set(float64(backlog))
		if backlog > backlogCritical {
			queueHealth.Status = StatusCritical
		} else if backlog > backlogDegraded {
			queueHealth.Status = StatusDegraded
		}
	}
	components["queue"] = queueHealth

	if m.provider != nil {
		stats := m.provider.GetStats()
		providerHealth := ComponentHealth{
			Name:   "provider",
			Status: StatusHealthy,
			Detail: fmt.Sprintf("avg latency %s, %d requests last hour", stats.AverageLatency, stats.RequestsLastHour),
		}
		if stats.ThrottleCount429 > 0 && time.Since(stats.LastThrottleAt) < stats.ThrottleRetryIn {
			providerHealth.Status = StatusDegraded
			providerHealth.Detail = fmt.Sprintf("throttled, retry in %s", stats.ThrottleRetryIn)
		}
		components["provider"] = providerHealth
	}

	report := Report{SystemStatus: aggregate(components), Components: components}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

// aggregate picks the worst component status as the system status.
func aggregate(components map[string]ComponentHealth) SystemStatus {
	status := StatusHealthy
	for _, c := range components {
		if c.Status == StatusCritical {
			return StatusCritical
		}
		if c.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
