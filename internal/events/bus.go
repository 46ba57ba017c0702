// Package events carries domain events from the delivery pipeline to
// collaborators. The in-process bus fans out synchronously to registered
// handlers; a Publisher bridges events out of the process.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/trungdn/courier/internal/core/domain"
)

// Publisher sends a domain event to an external system.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// Routing keys for published events.
const (
	KeyDeliveryUpdated = "courier.delivery.updated"
	KeyJobFailed       = "courier.job.failed"
)

// Bus fans domain events out to in-process handlers and an optional external
// publisher. Handlers run synchronously on the publishing goroutine; slow
// handlers slow the pipeline, so keep them cheap.
type Bus struct {
	logger    *slog.Logger
	publisher Publisher

	mu               sync.RWMutex
	deliveryHandlers []func(domain.DeliveryUpdated)
	failureHandlers  []func(domain.JobFailed)
}

func NewBus(logger *slog.Logger, publisher Publisher) *Bus {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &Bus{
		logger:    logger.With("component", "events"),
		publisher: publisher,
	}
}

// OnDeliveryUpdated registers a handler for delivery status changes.
func (b *Bus) OnDeliveryUpdated(fn func(domain.DeliveryUpdated)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliveryHandlers = append(b.deliveryHandlers, fn)
}

// OnJobFailed registers a handler for terminal job failures.
func (b *Bus) OnJobFailed(fn func(domain.JobFailed)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureHandlers = append(b.failureHandlers, fn)
}

// DeliveryUpdated dispatches the event to handlers and the publisher.
// Publisher errors are logged, never propagated; event delivery must not
// block the reconciler.
func (b *Bus) DeliveryUpdated(ctx context.Context, ev domain.DeliveryUpdated) {
	b.mu.RLock()
	handlers := b.deliveryHandlers
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
	if err := b.publisher.Publish(ctx, KeyDeliveryUpdated, ev); err != nil {
		b.logger.Warn("publish failed", "routing_key", KeyDeliveryUpdated, "record_id", ev.RecordID, "error", err)
	}
}

// JobFailed dispatches the event to handlers and the publisher.
func (b *Bus) JobFailed(ctx context.Context, ev domain.JobFailed) {
	b.mu.RLock()
	handlers := b.failureHandlers
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
	if err := b.publisher.Publish(ctx, KeyJobFailed, ev); err != nil {
		b.logger.Warn("publish failed", "routing_key", KeyJobFailed, "job_id", ev.JobID, "error", err)
	}
}

// Close releases the external publisher.
func (b *Bus) Close() error {
	return b.publisher.Close()
}

// NoopPublisher drops events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, any) error { return nil }
func (NoopPublisher) Close() error                               { return nil }
