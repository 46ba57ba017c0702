package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trungdn/courier/internal/core/domain"
	"github.com/trungdn/courier/internal/infra/storage"
)

// MemoryStorage backs the repository interfaces with maps. Used in tests and
// when no database is configured.
type MemoryStorage struct {
	jobs       map[string]*domain.SendJob
	deliveries map[string]*domain.DeliveryRecord
	events     map[string]*domain.WebhookEvent
	mu         sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		jobs:       make(map[string]*domain.SendJob),
		deliveries: make(map[string]*domain.DeliveryRecord),
		events:     make(map[string]*domain.WebhookEvent),
	}
}

// -----------------------------------------------------------------------------
// Job Repository
// -----------------------------------------------------------------------------

type JobRepo struct {
	store *MemoryStorage
}

func NewJobRepo(store *MemoryStorage) *JobRepo { return &JobRepo{store: store} }

func (r *JobRepo) Create(ctx context.Context, job *domain.SendJob) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *job
	r.store.jobs[job.ID] = &cp
	return nil
}

func (r *JobRepo) GetByID(ctx context.Context, id string) (*domain.SendJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	job, ok := r.store.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *JobRepo) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]*domain.SendJob, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var due []*domain.SendJob
	for _, job := range r.store.jobs {
		if job.Status == domain.JobStatusPending && !job.ScheduledAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*domain.SendJob, 0, len(due))
	for _, job := range due {
		job.Status = domain.JobStatusProcessing
		job.UpdatedAt = now
		cp := *job
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (r *JobRepo) MarkCompleted(ctx context.Context, id string) error {
	return r.update(id, func(job *domain.SendJob) {
		job.Status = domain.JobStatusCompleted
	})
}

func (r *JobRepo) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	return r.update(id, func(job *domain.SendJob) {
		job.Status = domain.JobStatusFailed
		job.Attempts = attempts
		job.LastError = lastError
	})
}

func (r *JobRepo) Reschedule(ctx context.Context, id string, attempts int, lastError string, nextRun time.Time) error {
	return r.update(id, func(job *domain.SendJob) {
		job.Status = domain.JobStatusPending
		job.Attempts = attempts
		job.LastError = lastError
		job.ScheduledAt = nextRun
	})
}

func (r *JobRepo) ListFailed(ctx context.Context, limit int) ([]*domain.SendJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var failed []*domain.SendJob
	for _, job := range r.store.jobs {
		if job.Status == domain.JobStatusFailed {
			cp := *job
			failed = append(failed, &cp)
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].UpdatedAt.After(failed[j].UpdatedAt)
	})
	if len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func (r *JobRepo) CountPending(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	count := 0
	for _, job := range r.store.jobs {
		if job.Status == domain.JobStatusPending {
			count++
		}
	}
	return count, nil
}

func (r *JobRepo) update(id string, fn func(*domain.SendJob)) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	job, ok := r.store.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(job)
	job.UpdatedAt = time.Now()
	return nil
}

// -----------------------------------------------------------------------------
// Delivery Repository
// -----------------------------------------------------------------------------

type DeliveryRepo struct {
	store *MemoryStorage
}

func NewDeliveryRepo(store *MemoryStorage) *DeliveryRepo { return &DeliveryRepo{store: store} }

func (r *DeliveryRepo) Create(ctx context.Context, rec *domain.DeliveryRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *rec
	r.store.deliveries[rec.ID] = &cp
	return nil
}

func (r *DeliveryRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	return r.find(func(rec *domain.DeliveryRecord) bool { return rec.ID == id })
}

func (r *DeliveryRepo) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.DeliveryRecord, error) {
	if providerMessageID == "" {
		return nil, storage.ErrNotFound
	}
	return r.find(func(rec *domain.DeliveryRecord) bool {
		return rec.ProviderMessageID == providerMessageID
	})
}

func (r *DeliveryRepo) GetByToken(ctx context.Context, token string) (*domain.DeliveryRecord, error) {
	return r.find(func(rec *domain.DeliveryRecord) bool { return rec.Token == token })
}

func (r *DeliveryRepo) MarkSent(ctx context.Context, id, providerMessageID string, sentAt time.Time) error {
	return r.update(id, func(rec *domain.DeliveryRecord) {
		rec.ProviderMessageID = providerMessageID
		rec.Status = domain.DeliveryStatusSentToAPI
		if rec.SentAt == nil {
			t := sentAt
			rec.SentAt = &t
		}
	})
}

func (r *DeliveryRepo) MarkFailed(ctx context.Context, id string) error {
	return r.update(id, func(rec *domain.DeliveryRecord) {
		rec.Status = domain.DeliveryStatusFailed
	})
}

func (r *DeliveryRepo) Update(ctx context.Context, rec *domain.DeliveryRecord) error {
	return r.update(rec.ID, func(stored *domain.DeliveryRecord) {
		stored.Status = rec.Status
		stored.Classification = rec.Classification
		stored.Category = rec.Category
		stored.Severity = rec.Severity
		stored.Confidence = rec.Confidence
		stored.TrackingLog = append([]domain.TrackingEntry(nil), rec.TrackingLog...)
		if stored.SentAt == nil && rec.SentAt != nil {
			t := *rec.SentAt
			stored.SentAt = &t
		}
		if stored.DeliveredAt == nil && rec.DeliveredAt != nil {
			t := *rec.DeliveredAt
			stored.DeliveredAt = &t
		}
	})
}

func (r *DeliveryRepo) find(match func(*domain.DeliveryRecord) bool) (*domain.DeliveryRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, rec := range r.store.deliveries {
		if match(rec) {
			cp := *rec
			cp.TrackingLog = append([]domain.TrackingEntry(nil), rec.TrackingLog...)
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *DeliveryRepo) update(id string, fn func(*domain.DeliveryRecord)) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	rec, ok := r.store.deliveries[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(rec)
	rec.UpdatedAt = time.Now()
	return nil
}

// -----------------------------------------------------------------------------
// Webhook Event Repository
// -----------------------------------------------------------------------------

type WebhookEventRepo struct {
	store *MemoryStorage
}

func NewWebhookEventRepo(store *MemoryStorage) *WebhookEventRepo {
	return &WebhookEventRepo{store: store}
}

func (r *WebhookEventRepo) Append(ctx context.Context, ev *domain.WebhookEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.events[ev.EventID]; ok {
		return storage.ErrDuplicateEvent
	}
	cp := *ev
	r.store.events[ev.EventID] = &cp
	return nil
}

func (r *WebhookEventRepo) Seen(ctx context.Context, eventID string) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	_, ok := r.store.events[eventID]
	return ok, nil
}
