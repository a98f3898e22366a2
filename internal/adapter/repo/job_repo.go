package repo

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediagen/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository on PostgreSQL. Terminal
// transitions are compare-and-set UPDATEs, and every terminal write emits a
// pg_notify on the owner's change-feed channel so listeners learn of
// externally written completions.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

const jobColumns = `id, owner, kind, provider, model, state, payload_json, provider_ref, result_ref, error_message, cost, created_at, updated_at, completed_at`

// Create inserts a new job record in state pending.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	query := `
INSERT INTO jobs (id, owner, kind, provider, model, state, payload_json, cost)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	_, err := r.pool.Exec(ctx, query,
		job.ID,
		job.Owner,
		job.Kind,
		job.Provider,
		job.Model,
		job.State,
		job.Payload,
		job.Cost,
	)
	return err
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, jobID)
	return scanJob(row)
}

// MarkProcessing moves a pending job to processing.
func (r *JobRepositoryPG) MarkProcessing(ctx context.Context, jobID string) error {
	query := `
UPDATE jobs
SET state = 'processing', updated_at = NOW()
WHERE id = $1 AND state = 'pending';
`
	_, err := r.pool.Exec(ctx, query, jobID)
	return err
}

// SetProviderRef records the provider task reference.
func (r *JobRepositoryPG) SetProviderRef(ctx context.Context, jobID, providerRef string) error {
	query := `
UPDATE jobs
SET provider_ref = $2, updated_at = NOW()
WHERE id = $1;
`
	_, err := r.pool.Exec(ctx, query, jobID, providerRef)
	return err
}

// UpdateResultRef replaces the result reference of a completed job.
func (r *JobRepositoryPG) UpdateResultRef(ctx context.Context, jobID, resultRef string) error {
	query := `
UPDATE jobs
SET result_ref = $2, updated_at = NOW()
WHERE id = $1 AND state = 'completed';
`
	_, err := r.pool.Exec(ctx, query, jobID, resultRef)
	return err
}

// Finish writes the terminal state via compare-and-set and announces the
// transition on the owner's change-feed channel. Returns false without
// mutating anything if the row is already terminal.
func (r *JobRepositoryPG) Finish(ctx context.Context, jobID string, state domain.JobState, resultRef, errMsg string) (bool, error) {
	if !state.Terminal() {
		return false, fmt.Errorf("finish with non-terminal state %q", state)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin finish tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
UPDATE jobs
SET state = $2,
    result_ref = NULLIF($3, ''),
    error_message = NULLIF($4, ''),
    updated_at = NOW(),
    completed_at = NOW()
WHERE id = $1 AND state IN ('pending', 'processing')
RETURNING owner;
`
	var owner string
	if err := tx.QueryRow(ctx, query, jobID, state, resultRef, errMsg).Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the job does not exist or another finalizer already won.
			if _, getErr := r.GetByID(ctx, jobID); getErr != nil {
				return false, getErr
			}
			return false, nil
		}
		return false, err
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text);`, ChangeFeedChannel(owner), jobID); err != nil {
		return false, fmt.Errorf("send change-feed notification: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit finish tx: %w", err)
	}
	return true, nil
}

// ListUnfinished returns pending/processing jobs, optionally filtered by
// owner.
func (r *JobRepositoryPG) ListUnfinished(ctx context.Context, owner string) ([]*domain.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE state IN ('pending', 'processing')
  AND ($1 = '' OR owner = $1)
ORDER BY created_at;
`
	rows, err := r.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListStale returns unfinished jobs of a kind created before the cutoff.
func (r *JobRepositoryPG) ListStale(ctx context.Context, kind domain.JobKind, cutoff time.Time, limit int) ([]*domain.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE state IN ('pending', 'processing')
  AND kind = $1
  AND created_at < $2
ORDER BY created_at
LIMIT $3;
`
	rows, err := r.pool.Query(ctx, query, kind, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListByOwner returns the owner's most recent jobs.
func (r *JobRepositoryPG) ListByOwner(ctx context.Context, owner string, limit int) ([]*domain.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE owner = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, query, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// WaitForCompletion blocks on the owner's change-feed channel until a
// terminal transition is announced, returning the finished job's id. The
// LISTEN session runs on a dedicated pooled connection that is released on
// return.
func (r *JobRepositoryPG) WaitForCompletion(ctx context.Context, owner string) (string, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	channel := ChangeFeedChannel(owner)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, err := conn.Exec(ctx, "LISTEN "+quoted); err != nil {
		return "", fmt.Errorf("listen %s: %w", channel, err)
	}
	defer func() {
		// Unlisten on a fresh context so a cancelled wait still cleans up the
		// session before the connection returns to the pool.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(cleanupCtx, "UNLISTEN "+quoted)
	}()

	notification, err := conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return notification.Payload, nil
}

// ChangeFeedChannel returns the pg_notify channel carrying terminal
// transitions for an owner's jobs. Owners are free-form identifiers, so the
// channel name uses a digest to stay within identifier rules.
func ChangeFeedChannel(owner string) string {
	sum := md5.Sum([]byte(owner))
	return "job_events_" + hex.EncodeToString(sum[:])
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var providerRef, resultRef, errMsg *string
	if err := row.Scan(
		&job.ID,
		&job.Owner,
		&job.Kind,
		&job.Provider,
		&job.Model,
		&job.State,
		&job.Payload,
		&providerRef,
		&resultRef,
		&errMsg,
		&job.Cost,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if providerRef != nil {
		job.ProviderRef = *providerRef
	}
	if resultRef != nil {
		job.ResultRef = *resultRef
	}
	if errMsg != nil {
		job.ErrorMessage = *errMsg
	}
	return &job, nil
}

func scanJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
