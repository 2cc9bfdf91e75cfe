package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agentflow/common"
	"agentflow/domain"
)

const flowJobColumns = `id, flow_session_id, step_execution_id, step_id, attempt, status, scheduled_at,
	claimed_by, claimed_at, claims, last_error, created, updated`

func (s *Storage) EnqueueFlowJob(ctx context.Context, job domain.FlowJob) error {
	query := `INSERT INTO flow_jobs (` + flowJobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, flowJobArgs(job)...)
	if err != nil {
		return fmt.Errorf("failed to enqueue flow job: %w", err)
	}
	return nil
}

func (s *Storage) EnsureFlowJob(ctx context.Context, job domain.FlowJob) (bool, error) {
	query := `INSERT INTO flow_jobs (` + flowJobColumns + `)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM flow_jobs WHERE step_execution_id = ? AND status IN (?, ?)
		)`
	args := append(flowJobArgs(job), job.StepExecutionId, domain.FlowJobStatusQueued, domain.FlowJobStatusClaimed)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to ensure flow job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

func flowJobArgs(job domain.FlowJob) []any {
	return []any{
		job.Id, job.FlowSessionId, job.StepExecutionId, job.StepId, job.Attempt, job.Status,
		millis(job.ScheduledAt), job.ClaimedBy, nullMillis(job.ClaimedAt), job.Claims, job.LastError,
		millis(job.Created), millis(job.Updated),
	}
}

// ClaimNextFlowJob claims the oldest due queued job whose session is still
// running or waiting, using one conditional UPDATE so two workers can never
// both win the same row.
func (s *Storage) ClaimNextFlowJob(ctx context.Context, workerId string, now time.Time) (domain.FlowJob, error) {
	query := `
		UPDATE flow_jobs SET status = ?, claimed_by = ?, claimed_at = ?, claims = claims + 1, updated = ?
		WHERE id = (
			SELECT j.id FROM flow_jobs j
			JOIN flow_sessions s ON s.id = j.flow_session_id
			WHERE j.status = ? AND j.scheduled_at <= ? AND s.status IN (?, ?)
			ORDER BY j.scheduled_at, j.created, j.id
			LIMIT 1
		) AND status = ?
		RETURNING ` + flowJobColumns
	nowMs := millis(now)
	job, err := scanFlowJob(s.db.QueryRowContext(ctx, query,
		domain.FlowJobStatusClaimed, workerId, nowMs, nowMs,
		domain.FlowJobStatusQueued, nowMs, domain.FlowSessionStatusRunning, domain.FlowSessionStatusWaitingForInteraction,
		domain.FlowJobStatusQueued,
	))
	if err != nil {
		return domain.FlowJob{}, notFoundOr(err, "failed to claim flow job")
	}
	return job, nil
}

func (s *Storage) GetFlowJob(ctx context.Context, jobId string) (domain.FlowJob, error) {
	query := `SELECT ` + flowJobColumns + ` FROM flow_jobs WHERE id = ?`
	job, err := scanFlowJob(s.db.QueryRowContext(ctx, query, jobId))
	if err != nil {
		return domain.FlowJob{}, notFoundOr(err, "failed to get flow job")
	}
	return job, nil
}

// GetFlowJobsForSession returns a session's jobs in creation order.
func (s *Storage) GetFlowJobsForSession(ctx context.Context, sessionId string) ([]domain.FlowJob, error) {
	query := `SELECT ` + flowJobColumns + ` FROM flow_jobs WHERE flow_session_id = ? ORDER BY created, id`
	rows, err := s.db.QueryContext(ctx, query, sessionId)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow jobs: %w", err)
	}
	defer rows.Close()

	jobs := []domain.FlowJob{}
	for rows.Next() {
		job, err := scanFlowJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over flow job rows: %w", err)
	}
	return jobs, nil
}

func (s *Storage) CompleteFlowJob(ctx context.Context, jobId string) error {
	return s.setFlowJobStatus(ctx, jobId, domain.FlowJobStatusDone, "")
}

func (s *Storage) FailFlowJob(ctx context.Context, jobId string, reason string) error {
	return s.setFlowJobStatus(ctx, jobId, domain.FlowJobStatusFailed, reason)
}

func (s *Storage) CancelFlowJob(ctx context.Context, jobId string, reason string) error {
	return s.setFlowJobStatus(ctx, jobId, domain.FlowJobStatusCancelled, reason)
}

func (s *Storage) setFlowJobStatus(ctx context.Context, jobId string, status domain.FlowJobStatus, lastError string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE flow_jobs SET status = ?, last_error = ?, updated = ? WHERE id = ?`,
		status, lastError, millis(time.Now()), jobId,
	)
	if err != nil {
		return fmt.Errorf("failed to set flow job %s to %s: %w", jobId, status, err)
	}
	return requireAffected(result)
}

// ReleaseFlowJob puts a claimed job back in the queue, due at scheduledAt.
func (s *Storage) ReleaseFlowJob(ctx context.Context, jobId string, scheduledAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE flow_jobs SET status = ?, scheduled_at = ?, claimed_by = '', claimed_at = NULL, updated = ?
		WHERE id = ? AND status = ?`,
		domain.FlowJobStatusQueued, millis(scheduledAt), millis(time.Now()), jobId, domain.FlowJobStatusClaimed,
	)
	if err != nil {
		return fmt.Errorf("failed to release flow job %s: %w", jobId, err)
	}
	return requireAffected(result)
}

func (s *Storage) RenewFlowJobClaim(ctx context.Context, jobId, workerId string, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE flow_jobs SET claimed_at = ?, updated = ? WHERE id = ? AND status = ? AND claimed_by = ?`,
		millis(now), millis(now), jobId, domain.FlowJobStatusClaimed, workerId,
	)
	if err != nil {
		return fmt.Errorf("failed to renew claim on flow job %s: %w", jobId, err)
	}
	return requireAffected(result)
}

// ReclaimStaleFlowJobs requeues claims abandoned by a worker that stopped
// without settling its job. The jobs become due immediately.
func (s *Storage) ReclaimStaleFlowJobs(ctx context.Context, claimedBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE flow_jobs SET status = ?, claimed_by = '', claimed_at = NULL, last_error = ?, updated = ?
		WHERE status = ? AND claimed_at <= ?`,
		domain.FlowJobStatusQueued, "claim expired", millis(time.Now()), domain.FlowJobStatusClaimed, millis(claimedBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale flow jobs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(affected), nil
}

func (s *Storage) CountLiveFlowJobs(ctx context.Context, sessionId string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM flow_jobs WHERE flow_session_id = ? AND status IN (?, ?)`,
		sessionId, domain.FlowJobStatusQueued, domain.FlowJobStatusClaimed,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count flow jobs for session %s: %w", sessionId, err)
	}
	return count, nil
}

// CancelFlowJobsForSession cancels every queued job of the session. Claimed
// jobs are left to their worker, which re-checks the session status.
func (s *Storage) CancelFlowJobsForSession(ctx context.Context, sessionId string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE flow_jobs SET status = ?, updated = ? WHERE flow_session_id = ? AND status = ?`,
		domain.FlowJobStatusCancelled, millis(time.Now()), sessionId, domain.FlowJobStatusQueued,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel flow jobs for session %s: %w", sessionId, err)
	}
	return nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return common.ErrNotFound
	}
	return nil
}

func scanFlowJob(row rowScanner) (domain.FlowJob, error) {
	var job domain.FlowJob
	var scheduledAt, created, updated int64
	var claimedAt sql.NullInt64
	err := row.Scan(
		&job.Id, &job.FlowSessionId, &job.StepExecutionId, &job.StepId, &job.Attempt, &job.Status,
		&scheduledAt, &job.ClaimedBy, &claimedAt, &job.Claims, &job.LastError, &created, &updated,
	)
	if err != nil {
		return domain.FlowJob{}, err
	}
	job.ScheduledAt = fromMillis(scheduledAt)
	job.ClaimedAt = fromNullMillis(claimedAt)
	job.Created = fromMillis(created)
	job.Updated = fromMillis(updated)
	return job, nil
}
