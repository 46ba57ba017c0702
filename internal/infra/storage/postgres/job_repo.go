package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/trungdn/courier/internal/core/domain"
	"github.com/trungdn/courier/internal/infra/storage"
)

type JobRepo struct {
	db *sql.DB
}

func NewJobRepo(db *DB) *JobRepo { return &JobRepo{db: db.DB} }

func (r *JobRepo) Create(ctx context.Context, job *domain.SendJob) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	query := `
		INSERT INTO send_jobs (id, payload, priority, status, attempts, max_retries, last_error, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`
	_, err = r.db.ExecContext(ctx, query,
		job.ID, payload, job.Priority, job.Status, job.Attempts,
		job.MaxRetries, job.LastError, job.ScheduledAt, job.CreatedAt)
	return err
}

func (r *JobRepo) GetByID(ctx context.Context, id string) (*domain.SendJob, error) {
	query := `
		SELECT id, payload, priority, status, attempts, max_retries, last_error, scheduled_at, created_at, updated_at
		FROM send_jobs WHERE id = $1
	`
	return scanJob(r.db.QueryRowContext(ctx, query, id))
}

// ClaimBatch selects due pending jobs in dispatch order and flips them to
// processing in one statement. FOR UPDATE SKIP LOCKED keeps overlapping
// batch runs from claiming the same rows.
func (r *JobRepo) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]*domain.SendJob, error) {
	query := `
		UPDATE send_jobs SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM send_jobs
			WHERE status = 'pending' AND scheduled_at <= $1
			ORDER BY priority ASC, scheduled_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload, priority, status, attempts, max_retries, last_error, scheduled_at, created_at, updated_at
	`
	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.SendJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order
	sortJobs(jobs)
	return jobs, nil
}

func (r *JobRepo) MarkCompleted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE send_jobs SET status = 'completed', updated_at = NOW() WHERE id = $1", id)
	return err
}

func (r *JobRepo) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE send_jobs SET status = 'failed', attempts = $2, last_error = $3, updated_at = NOW() WHERE id = $1",
		id, attempts, lastError)
	return err
}

func (r *JobRepo) Reschedule(ctx context.Context, id string, attempts int, lastError string, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE send_jobs SET status = 'pending', attempts = $2, last_error = $3, scheduled_at = $4, updated_at = NOW() WHERE id = $1",
		id, attempts, lastError, nextRun)
	return err
}

func (r *JobRepo) ListFailed(ctx context.Context, limit int) ([]*domain.SendJob, error) {
	query := `
		SELECT id, payload, priority, status, attempts, max_retries, last_error, scheduled_at, created_at, updated_at
		FROM send_jobs WHERE status = 'failed'
		ORDER BY updated_at DESC LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.SendJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *JobRepo) CountPending(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT count(*) FROM send_jobs WHERE status = 'pending'").Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.SendJob, error) {
	var job domain.SendJob
	var payload []byte
	err := row.Scan(&job.ID, &payload, &job.Priority, &job.Status, &job.Attempts,
		&job.MaxRetries, &job.LastError, &job.ScheduledAt, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &job, nil
}

func sortJobs(jobs []*domain.SendJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority < jobs[j].Priority
		}
		return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt)
	})
}
