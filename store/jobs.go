package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueueBuild records a new documentation build job in state queued.
func (r *Registry) EnqueueBuild(ctx context.Context, pkg, version string) (*BuildJob, error) {
	job := &BuildJob{
		ID:        uuid.New(),
		Package:   pkg,
		Version:   version,
		State:     JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	job.UpdatedAt = job.CreatedAt
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO build_jobs (id, package, version, state, attempts, reason, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', 0, '', ?, ?)`,
		job.ID.String(), job.Package, job.Version, timeStr(job.CreatedAt), timeStr(job.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("enqueue build: %w", err)
	}
	return job, nil
}

// ClaimBuild transitions the oldest queued job to running and returns
// it, incrementing its attempt counter. ErrNotFound means the queue is
// empty. MaxOpenConns(1) makes the read-then-update race free.
func (r *Registry) ClaimBuild(ctx context.Context) (*BuildJob, error) {
	job, err := r.scanJob(r.db.QueryRowContext(ctx, `
		SELECT id, package, version, state, attempts, reason, created_at, updated_at
		FROM build_jobs WHERE state = 'queued' ORDER BY created_at LIMIT 1`))
	if err != nil {
		return nil, err
	}
	job.State = JobRunning
	job.Attempts++
	job.UpdatedAt = time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, `
		UPDATE build_jobs SET state = 'running', attempts = ?, updated_at = ? WHERE id = ?`,
		job.Attempts, timeStr(job.UpdatedAt), job.ID.String()); err != nil {
		return nil, fmt.Errorf("claim build: %w", err)
	}
	return job, nil
}

// FinishBuild records the outcome of a running job. On failure the job
// re-queues until maxAttempts is reached, then lands in state failed
// with the last error as the reason.
func (r *Registry) FinishBuild(ctx context.Context, id uuid.UUID, buildErr error, maxAttempts int) error {
	job, err := r.GetBuild(ctx, id)
	if err != nil {
		return err
	}

	state := JobSucceeded
	reason := ""
	if buildErr != nil {
		reason = buildErr.Error()
		if job.Attempts >= maxAttempts {
			state = JobFailed
		} else {
			state = JobQueued
		}
	}
	if _, err := r.db.ExecContext(ctx, `
		UPDATE build_jobs SET state = ?, reason = ?, updated_at = ? WHERE id = ?`,
		string(state), reason, timeStr(time.Now().UTC()), id.String()); err != nil {
		return fmt.Errorf("finish build: %w", err)
	}
	return nil
}

// RequeueStuckBuilds returns jobs left in state running by a crashed
// process to the queue. Called once at startup, before workers start.
func (r *Registry) RequeueStuckBuilds(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE build_jobs SET state = 'queued', updated_at = ? WHERE state = 'running'`,
		timeStr(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("requeue stuck builds: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetBuild retrieves a build job by ID.
func (r *Registry) GetBuild(ctx context.Context, id uuid.UUID) (*BuildJob, error) {
	return r.scanJob(r.db.QueryRowContext(ctx, `
		SELECT id, package, version, state, attempts, reason, created_at, updated_at
		FROM build_jobs WHERE id = ?`, id.String()))
}

// QueuedBuilds counts jobs waiting for a worker.
func (r *Registry) QueuedBuilds(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM build_jobs WHERE state = 'queued'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued builds: %w", err)
	}
	return n, nil
}

func (r *Registry) scanJob(row *sql.Row) (*BuildJob, error) {
	var (
		job              BuildJob
		id, state        string
		created, updated string
	)
	err := row.Scan(&id, &job.Package, &job.Version, &state, &job.Attempts,
		&job.Reason, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan build job: %w", err)
	}
	if job.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse build job id: %w", err)
	}
	job.State = JobState(state)
	job.CreatedAt = parseTime(created)
	job.UpdatedAt = parseTime(updated)
	return &job, nil
}
