package rowstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"farmtel/internal/models"
)

// ErrDuplicateJob is returned by CreateJob when an equivalent pending/running
// job with the same (type, job_key) already exists; the caller should
// surface the existing job id instead (§8.8 dedupe-by-job_key).
var ErrDuplicateJob = errors.New("rowstore: duplicate job_key")

// CreateJob inserts a new job, or returns ErrDuplicateJob and the existing
// job's id if a pending/running job with the same (job_type, job_key)
// already exists. job_key_hash is a fixed-width index column derived from
// job_key so the uniqueness constraint stays index-friendly for long keys.
func (s *Store) CreateJob(ctx context.Context, j models.Job, jobKeyHash string) (models.Job, error) {
	if j.JobKey != "" {
		var existingID uuid.UUID
		err := s.pool.QueryRow(ctx, `
			SELECT id FROM analysis_jobs
			WHERE job_type = $1 AND job_key_hash = $2 AND status IN ('pending','running')
			ORDER BY created_at LIMIT 1`, j.Type, jobKeyHash).Scan(&existingID)
		if err == nil {
			existing, getErr := s.Job(ctx, existingID)
			if getErr != nil {
				return models.Job{}, getErr
			}
			return existing, ErrDuplicateJob
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("check job_key dedupe: %w", err)
		}
	}

	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_jobs (id, job_type, status, job_key, job_key_hash, params, progress, created_by, created_at, updated_at)
		VALUES ($1,$2,'pending',$3,$4,$5,$6,$7,now(),now())`,
		j.ID, j.Type, j.JobKey, jobKeyHash, j.Params, j.Progress, j.CreatedBy)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return s.Job(ctx, j.ID)
}

// Job fetches a single job row.
func (s *Store) Job(ctx context.Context, id uuid.UUID) (models.Job, error) {
	var j models.Job
	var errPayload *models.JobError
	err := s.pool.QueryRow(ctx, `
		SELECT id, job_type, status, params, progress, error, job_key, created_by, created_at, updated_at, cancel_requested_at
		FROM analysis_jobs WHERE id = $1`, id).
		Scan(&j.ID, &j.Type, &j.Status, &j.Params, &j.Progress, &errPayload, &j.JobKey, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt, &j.CancelRequestedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("query job %s: %w", id, err)
	}
	j.Error = errPayload
	return j, nil
}

// ClaimNextJob uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent runners
// never double-claim a pending job, matching §5's "durable work queue,
// skip-locked claim" contract.
func (s *Store) ClaimNextJob(ctx context.Context, jobTypes []string) (models.Job, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	var j models.Job
	var errPayload *models.JobError
	err = tx.QueryRow(ctx, `
		SELECT id, job_type, status, params, progress, error, job_key, created_by, created_at, updated_at, cancel_requested_at
		FROM analysis_jobs
		WHERE status = 'pending' AND ($1::text[] IS NULL OR job_type = ANY($1))
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED LIMIT 1`, jobTypes).
		Scan(&j.ID, &j.Type, &j.Status, &j.Params, &j.Progress, &errPayload, &j.JobKey, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt, &j.CancelRequestedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, false, nil
		}
		return models.Job{}, false, fmt.Errorf("claim next job: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE analysis_jobs SET status = 'running', updated_at = now() WHERE id = $1`, j.ID); err != nil {
		return models.Job{}, false, fmt.Errorf("mark job %s running: %w", j.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit claim: %w", err)
	}
	j.Status = models.JobRunning
	j.Error = errPayload
	return j, true, nil
}

// UpdateProgress patches a running job's progress and appends a progress
// event, without changing status.
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, p models.JobProgress) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs SET progress = $2, updated_at = now() WHERE id = $1`, id, p)
	if err != nil {
		return fmt.Errorf("update progress %s: %w", id, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO analysis_job_events (job_id, phase, completed, total, message, created_at)
		VALUES ($1,$2,$3,$4,$5,now())`, id, p.Phase, p.Completed, p.Total, p.Message)
	if err != nil {
		return fmt.Errorf("append progress event %s: %w", id, err)
	}
	return nil
}

// CompleteJob marks a job completed and stores its typed result payload.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID, result map[string]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete %s: %w", id, err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `
		UPDATE analysis_jobs SET status = 'completed', updated_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("mark job %s completed: %w", id, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO analysis_job_results (job_id, result) VALUES ($1,$2)
		ON CONFLICT (job_id) DO UPDATE SET result = $2`, id, result); err != nil {
		return fmt.Errorf("store job result %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete %s: %w", id, err)
	}
	return nil
}

// FailJob records a structured failure and appends a "failed" event,
// matching §7's job-failure error kind.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, jobErr models.JobError) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs SET status = 'failed', error = $2, updated_at = now() WHERE id = $1`, id, jobErr)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO analysis_job_events (job_id, phase, completed, total, message, created_at)
		VALUES ($1,'failed',0,NULL,$2,now())`, id, jobErr.Message)
	if err != nil {
		return fmt.Errorf("append failed event %s: %w", id, err)
	}
	return nil
}

// CancelJob distinguishes cancellation from failure (§7): no error code,
// status = canceled.
func (s *Store) CancelJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs SET status = 'canceled', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	return nil
}

// RequestCancellation records a cooperative cancel request the runner polls
// for at phase boundaries.
func (s *Store) RequestCancellation(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs SET cancel_requested_at = now() WHERE id = $1 AND status IN ('pending','running')`, id)
	if err != nil {
		return fmt.Errorf("request cancellation %s: %w", id, err)
	}
	return nil
}

// CancelRequested reports whether a job's cancellation flag is set, for
// cheap polling at phase boundaries without re-reading the full row.
func (s *Store) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested_at FROM analysis_jobs WHERE id = $1`, id).Scan(&t)
	if err != nil {
		return false, fmt.Errorf("check cancel requested %s: %w", id, err)
	}
	return t != nil, nil
}
