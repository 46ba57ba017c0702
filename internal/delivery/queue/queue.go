// Package queue implements the durable dispatch queue: jobs are persisted at
// enqueue time, claimed in priority batches, and retried with exponential
// backoff until they complete or fail terminally.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/trungdn/courier/internal/core/config"
	"github.com/trungdn/courier/internal/core/domain"
	"github.com/trungdn/courier/internal/delivery/metrics"
	"github.com/trungdn/courier/internal/delivery/policy"
	"github.com/trungdn/courier/internal/events"
	"github.com/trungdn/courier/internal/infra/esp"
	"github.com/trungdn/courier/internal/infra/storage"
)

const dispatchLock = "dispatch-batch"

// Locker is the single-flight lock guarding batch dispatch across processes.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

// noopLocker always grants the lock. Used when Redis is not configured.
type noopLocker struct{}

func (noopLocker) AcquireLock(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}
func (noopLocker) ReleaseLock(context.Context, string) error { return nil }

// Queue owns the send-job lifecycle from enqueue through terminal outcome.
type Queue struct {
	logger     *slog.Logger
	cfg        config.QueueConfig
	jobs       storage.JobRepository
	deliveries storage.DeliveryRepository
	sender     esp.Sender
	bus        *events.Bus
	locker     Locker
	kick       chan struct{}
	now        func() time.Time
}

func New(
	logger *slog.Logger,
	cfg config.QueueConfig,
	jobs storage.JobRepository,
	deliveries storage.DeliveryRepository,
	sender esp.Sender,
	bus *events.Bus,
	locker Locker,
) *Queue {
	if locker == nil {
		locker = noopLocker{}
	}
	return &Queue{
		logger:     logger.With("component", "queue"),
		cfg:        cfg,
		jobs:       jobs,
		deliveries: deliveries,
		sender:     sender,
		bus:        bus,
		locker:     locker,
		kick:       make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Enqueue validates the payload, creates the delivery record, and persists a
// pending job due after delay. Urgent jobs kick the runner so they do not
// wait for the next tick.
func (q *Queue) Enqueue(ctx context.Context, payload domain.MessagePayload, priority int, delay time.Duration) (*domain.SendJob, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if delay < 0 {
		delay = 0
	}

	now := q.now().UTC()
	rec := &domain.DeliveryRecord{
		ID:        uuid.New().String(),
		Token:     uuid.New().String(),
		Recipient: payload.To,
		Sender:    payload.From,
		Subject:   payload.Subject,
		Status:    domain.DeliveryStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.deliveries.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create delivery record: %w", err)
	}
	payload.RecordID = rec.ID

	job := &domain.SendJob{
		ID:          uuid.New().String(),
		Payload:     payload,
		Priority:    priority,
		Status:      domain.JobStatusPending,
		MaxRetries:  q.cfg.MaxRetries,
		ScheduledAt: now.Add(delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	q.logger.Info("job enqueued", "job_id", job.ID, "record_id", rec.ID, "priority", priority)

	if priority <= q.cfg.UrgentPriority {
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}
	return job, nil
}

// RunBatch claims and processes up to maxItems due jobs and reports how many
// it handled. Only one process dispatches at a time; losing the lock race is
// a silent no-op.
func (q *Queue) RunBatch(ctx context.Context, maxItems int) (int, error) {
	if maxItems <= 0 {
		maxItems = q.cfg.BatchSize
	}
	ok, err := q.locker.AcquireLock(ctx, dispatchLock, q.cfg.LockTTL)
	if err != nil {
		return 0, fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !ok {
		q.logger.Debug("dispatch lock held elsewhere, skipping batch")
		return 0, nil
	}
	defer func() {
		if err := q.locker.ReleaseLock(context.WithoutCancel(ctx), dispatchLock); err != nil {
			q.logger.Warn("failed to release dispatch lock", "error", err)
		}
	}()

	jobs, err := q.jobs.ClaimBatch(ctx, q.now().UTC(), maxItems)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(jobs) == 0 {
		q.updateBacklog(ctx)
		return 0, nil
	}

	q.logger.Info("processing batch", "jobs", len(jobs))
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			// Shutdown mid-batch: return unprocessed claims to pending so they
			// are eligible on the next run instead of stuck in processing.
			q.release(context.WithoutCancel(ctx), jobs[i:])
			return i, err
		}
		q.process(ctx, job)
	}

	q.updateBacklog(ctx)
	return len(jobs), nil
}

// process drives a single claimed job to completion, reschedule, or terminal
// failure.
func (q *Queue) process(ctx context.Context, job *domain.SendJob) {
	resp, err := q.sender.Send(ctx, job.Payload)
	if err == nil {
		if err := q.jobs.MarkCompleted(ctx, job.ID); err != nil {
			q.logger.Error("failed to mark job completed", "job_id", job.ID, "error", err)
		}
		if job.Payload.RecordID != "" {
			if err := q.deliveries.MarkSent(ctx, job.Payload.RecordID, resp.MessageID, q.now().UTC()); err != nil {
				q.logger.Error("failed to mark delivery sent", "record_id", job.Payload.RecordID, "error", err)
			}
		}
		metrics.JobsProcessed.WithLabelValues("completed").Inc()
		q.logger.Info("job completed", "job_id", job.ID, "provider_message_id", resp.MessageID)
		return
	}

	attempts := job.Attempts + 1
	se := policy.AsSendError(err)

	if se.Permanent() || attempts >= job.MaxRetries {
		q.fail(ctx, job, attempts, err)
		return
	}

	delay := backoff(q.cfg.BaseDelay, q.cfg.MaxDelay, attempts)
	if ra := se.RetryAfter(); ra > delay {
		delay = ra
	}
	nextRun := q.now().UTC().Add(delay)
	if err := q.jobs.Reschedule(ctx, job.ID, attempts, se.Error(), nextRun); err != nil {
		q.logger.Error("failed to reschedule job", "job_id", job.ID, "error", err)
		return
	}
	metrics.JobsProcessed.WithLabelValues("rescheduled").Inc()
	q.logger.Warn("job rescheduled",
		"job_id", job.ID,
		"attempts", attempts,
		"next_run", nextRun,
		"error", se.Error(),
	)
}

// fail moves a job to its terminal failed state, fails the delivery record,
// and emits JobFailed so operators hear about it. Failed jobs stay queryable
// for manual resend.
func (q *Queue) fail(ctx context.Context, job *domain.SendJob, attempts int, cause error) {
	if err := q.jobs.MarkFailed(ctx, job.ID, attempts, cause.Error()); err != nil {
		q.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
	}
	if job.Payload.RecordID != "" {
		if err := q.deliveries.MarkFailed(ctx, job.Payload.RecordID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			q.logger.Error("failed to mark delivery failed", "record_id", job.Payload.RecordID, "error", err)
		}
	}
	metrics.JobsProcessed.WithLabelValues("failed").Inc()
	q.logger.Error("job failed terminally", "job_id", job.ID, "attempts", attempts, "error", cause.Error())

	q.bus.JobFailed(ctx, domain.JobFailed{
		JobID:      job.ID,
		RecordID:   job.Payload.RecordID,
		Recipient:  job.Payload.To,
		Reason:     cause.Error(),
		Attempts:   attempts,
		OccurredAt: q.now().UTC(),
	})
}

// release returns claimed but unprocessed jobs to pending.
func (q *Queue) release(ctx context.Context, jobs []*domain.SendJob) {
	now := q.now().UTC()
	for _, job := range jobs {
		if err := q.jobs.Reschedule(ctx, job.ID, job.Attempts, job.LastError, now); err != nil {
			q.logger.Error("failed to return job to pending", "job_id", job.ID, "error", err)
		}
	}
}

func (q *Queue) updateBacklog(ctx context.Context) {
	count, err := q.jobs.CountPending(ctx)
	if err != nil {
		q.logger.Warn("failed to count backlog", "error", err)
		return
	}
	metrics.QueueBacklog.Set(float64(count))
}

// backoff returns base * 2^attempts capped at max.
func backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
