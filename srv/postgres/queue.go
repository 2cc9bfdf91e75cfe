package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentflow/common"
	"agentflow/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JobQueue is a FlowJobQueue on postgres for deployments where workers on
// several hosts share one queue. Claims use FOR UPDATE SKIP LOCKED so
// concurrent workers never block on or double-claim a row. Session status is
// not visible here; the orchestrator re-checks it after every claim.
type JobQueue struct {
	pool *pgxpool.Pool
}

func NewJobQueue(ctx context.Context, databaseURL string) (*JobQueue, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return NewJobQueueFromPool(pool), nil
}

func NewJobQueueFromPool(pool *pgxpool.Pool) *JobQueue {
	return &JobQueue{pool: pool}
}

func (q *JobQueue) Close() {
	q.pool.Close()
}

func (q *JobQueue) CheckConnection(ctx context.Context) error {
	return q.pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS flow_jobs (
    id TEXT PRIMARY KEY,
    flow_session_id TEXT NOT NULL,
    step_execution_id TEXT NOT NULL,
    step_id TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    status TEXT NOT NULL,
    scheduled_at TIMESTAMPTZ NOT NULL,
    claimed_by TEXT NOT NULL DEFAULT '',
    claimed_at TIMESTAMPTZ,
    claims INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created TIMESTAMPTZ NOT NULL,
    updated TIMESTAMPTZ NOT NULL
);
ALTER TABLE flow_jobs ADD COLUMN IF NOT EXISTS claims INTEGER NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS idx_flow_jobs_status_scheduled ON flow_jobs(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_flow_jobs_session ON flow_jobs(flow_session_id);
CREATE INDEX IF NOT EXISTS idx_flow_jobs_step_execution ON flow_jobs(step_execution_id, status);
`

// Initialize creates the job table if it does not exist.
func (q *JobQueue) Initialize(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize postgres job queue: %w", err)
	}
	return nil
}

const flowJobColumns = `id, flow_session_id, step_execution_id, step_id, attempt, status, scheduled_at,
	claimed_by, claimed_at, claims, last_error, created, updated`

func flowJobArgs(job domain.FlowJob) []any {
	return []any{
		job.Id, job.FlowSessionId, job.StepExecutionId, job.StepId, job.Attempt, job.Status,
		job.ScheduledAt.UTC(), job.ClaimedBy, job.ClaimedAt, job.Claims, job.LastError, job.Created.UTC(), job.Updated.UTC(),
	}
}

func (q *JobQueue) EnqueueFlowJob(ctx context.Context, job domain.FlowJob) error {
	_, err := q.pool.Exec(ctx, `INSERT INTO flow_jobs (`+flowJobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		flowJobArgs(job)...,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue flow job: %w", err)
	}
	return nil
}

func (q *JobQueue) EnsureFlowJob(ctx context.Context, job domain.FlowJob) (bool, error) {
	args := append(flowJobArgs(job), domain.FlowJobStatusQueued, domain.FlowJobStatusClaimed)
	tag, err := q.pool.Exec(ctx, `INSERT INTO flow_jobs (`+flowJobColumns+`)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::int, $6::text, $7::timestamptz, $8::text,
			$9::timestamptz, $10::int, $11::text, $12::timestamptz, $13::timestamptz
		WHERE NOT EXISTS (
			SELECT 1 FROM flow_jobs WHERE step_execution_id = $3 AND status IN ($14, $15)
		)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("failed to ensure flow job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (q *JobQueue) ClaimNextFlowJob(ctx context.Context, workerId string, now time.Time) (domain.FlowJob, error) {
	row := q.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM flow_jobs
			WHERE status = $1 AND scheduled_at <= $2
			ORDER BY scheduled_at, created, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE flow_jobs j SET status = $3, claimed_by = $4, claimed_at = $2, claims = j.claims + 1, updated = $2
		FROM next WHERE j.id = next.id
		RETURNING j.id, j.flow_session_id, j.step_execution_id, j.step_id, j.attempt, j.status, j.scheduled_at,
			j.claimed_by, j.claimed_at, j.claims, j.last_error, j.created, j.updated`,
		domain.FlowJobStatusQueued, now.UTC(), domain.FlowJobStatusClaimed, workerId,
	)
	job, err := scanFlowJob(row)
	if err != nil {
		return domain.FlowJob{}, notFoundOr(err, "failed to claim flow job")
	}
	return job, nil
}

func (q *JobQueue) GetFlowJob(ctx context.Context, jobId string) (domain.FlowJob, error) {
	job, err := scanFlowJob(q.pool.QueryRow(ctx, `SELECT `+flowJobColumns+` FROM flow_jobs WHERE id = $1`, jobId))
	if err != nil {
		return domain.FlowJob{}, notFoundOr(err, "failed to get flow job")
	}
	return job, nil
}

func (q *JobQueue) CompleteFlowJob(ctx context.Context, jobId string) error {
	return q.setStatus(ctx, jobId, domain.FlowJobStatusDone, "")
}

func (q *JobQueue) FailFlowJob(ctx context.Context, jobId string, reason string) error {
	return q.setStatus(ctx, jobId, domain.FlowJobStatusFailed, reason)
}

func (q *JobQueue) CancelFlowJob(ctx context.Context, jobId string, reason string) error {
	return q.setStatus(ctx, jobId, domain.FlowJobStatusCancelled, reason)
}

func (q *JobQueue) setStatus(ctx context.Context, jobId string, status domain.FlowJobStatus, lastError string) error {
	tag, err := q.pool.Exec(ctx, `UPDATE flow_jobs SET status = $1, last_error = $2, updated = $3 WHERE id = $4`,
		status, lastError, time.Now().UTC(), jobId)
	if err != nil {
		return fmt.Errorf("failed to set flow job %s to %s: %w", jobId, status, err)
	}
	return requireAffected(tag)
}

func (q *JobQueue) ReleaseFlowJob(ctx context.Context, jobId string, scheduledAt time.Time) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE flow_jobs SET status = $1, scheduled_at = $2, claimed_by = '', claimed_at = NULL, updated = $3
		WHERE id = $4 AND status = $5`,
		domain.FlowJobStatusQueued, scheduledAt.UTC(), time.Now().UTC(), jobId, domain.FlowJobStatusClaimed,
	)
	if err != nil {
		return fmt.Errorf("failed to release flow job %s: %w", jobId, err)
	}
	return requireAffected(tag)
}

func (q *JobQueue) RenewFlowJobClaim(ctx context.Context, jobId, workerId string, now time.Time) error {
	tag, err := q.pool.Exec(ctx, `UPDATE flow_jobs SET claimed_at = $1, updated = $1 WHERE id = $2 AND status = $3 AND claimed_by = $4`,
		now.UTC(), jobId, domain.FlowJobStatusClaimed, workerId)
	if err != nil {
		return fmt.Errorf("failed to renew claim on flow job %s: %w", jobId, err)
	}
	return requireAffected(tag)
}

func (q *JobQueue) ReclaimStaleFlowJobs(ctx context.Context, claimedBefore time.Time) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE flow_jobs SET status = $1, claimed_by = '', claimed_at = NULL, last_error = 'claim expired', updated = $2
		WHERE status = $3 AND claimed_at <= $4`,
		domain.FlowJobStatusQueued, time.Now().UTC(), domain.FlowJobStatusClaimed, claimedBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale flow jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *JobQueue) CountLiveFlowJobs(ctx context.Context, sessionId string) (int, error) {
	var count int
	err := q.pool.QueryRow(ctx, `SELECT COUNT(*) FROM flow_jobs WHERE flow_session_id = $1 AND status IN ($2, $3)`,
		sessionId, domain.FlowJobStatusQueued, domain.FlowJobStatusClaimed).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count flow jobs for session %s: %w", sessionId, err)
	}
	return count, nil
}

func (q *JobQueue) CancelFlowJobsForSession(ctx context.Context, sessionId string) error {
	_, err := q.pool.Exec(ctx, `UPDATE flow_jobs SET status = $1, updated = $2 WHERE flow_session_id = $3 AND status = $4`,
		domain.FlowJobStatusCancelled, time.Now().UTC(), sessionId, domain.FlowJobStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to cancel flow jobs for session %s: %w", sessionId, err)
	}
	return nil
}

func requireAffected(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return common.ErrNotFound
	}
	return nil
}

func notFoundOr(err error, message string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return common.ErrNotFound
	}
	return fmt.Errorf("%s: %w", message, err)
}

func scanFlowJob(row pgx.Row) (domain.FlowJob, error) {
	var job domain.FlowJob
	err := row.Scan(
		&job.Id, &job.FlowSessionId, &job.StepExecutionId, &job.StepId, &job.Attempt, &job.Status,
		&job.ScheduledAt, &job.ClaimedBy, &job.ClaimedAt, &job.Claims, &job.LastError, &job.Created, &job.Updated,
	)
	if err != nil {
		return domain.FlowJob{}, err
	}
	job.ScheduledAt = job.ScheduledAt.UTC()
	job.Created = job.Created.UTC()
	job.Updated = job.Updated.UTC()
	if job.ClaimedAt != nil {
		claimedAt := job.ClaimedAt.UTC()
		job.ClaimedAt = &claimedAt
	}
	return job, nil
}

var _ domain.FlowJobQueue = (*JobQueue)(nil)
