package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SendAttempts tracks provider send attempts by outcome
	SendAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_send_attempts_total",
			Help: "Total number of provider send attempts",
		},
		[]string{"outcome"},
	)

	// SendErrors tracks classified send errors
	SendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_send_errors_total",
			Help: "Total number of classified send errors",
		},
		[]string{"code"},
	)

	// SendLatency tracks provider request latency
	SendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_send_latency_seconds",
			Help:    "Provider send request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// JobsProcessed tracks dispatch queue outcomes
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_jobs_processed_total",
			Help: "Total number of send jobs processed by terminal outcome",
		},
		[]string{"outcome"},
	)

	// QueueBacklog tracks the pending job backlog depth
	QueueBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_queue_backlog",
			Help: "Number of pending send jobs",
		},
	)

	// WebhookEvents tracks inbound webhook events by type and outcome
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_webhook_events_total",
			Help: "Total number of inbound webhook events",
		},
		[]string{"event_type", "outcome"},
	)

	// BounceClassifications tracks classifier output
	BounceClassifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_bounce_classifications_total",
			Help: "Total number of bounce classifications",
		},
		[]string{"classification"},
	)

	// BreakerState tracks the circuit breaker state (0=closed, 1=half-open, 2=open)
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// DBConnectionPoolUsage tracks database pool saturation
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
