package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agentflow/domain"
)

// AppendFlowMemoryVersion allocates max(version)+1 inside the INSERT itself
// so the read and the write cannot interleave with another append. The
// UNIQUE (session, channel, version) constraint backs this up.
func (s *Storage) AppendFlowMemoryVersion(ctx context.Context, entry domain.FlowMemoryVersion) (domain.FlowMemoryVersion, error) {
	if entry.Id == "" {
		entry.Id = domain.NewFlowMemoryVersionId()
	}
	if entry.Created.IsZero() {
		entry.Created = time.Now()
	}
	query := `
		INSERT INTO flow_memory_versions (
			id, flow_session_id, channel, version, payload, source_type, step_execution_id, created
		)
		SELECT ?, ?, ?, COALESCE(MAX(version), 0) + 1, ?, ?, ?, ?
		FROM flow_memory_versions WHERE flow_session_id = ? AND channel = ?
		RETURNING version
	`
	err := s.db.QueryRowContext(ctx, query,
		entry.Id, entry.FlowSessionId, entry.Channel, entry.Payload, entry.SourceType, entry.StepExecutionId,
		millis(entry.Created), entry.FlowSessionId, entry.Channel,
	).Scan(&entry.Version)
	if err != nil {
		return domain.FlowMemoryVersion{}, fmt.Errorf("failed to append flow memory version: %w", err)
	}
	entry.Created = fromMillis(millis(entry.Created))
	return entry, nil
}

func (s *Storage) GetLatestFlowMemoryVersion(ctx context.Context, sessionId, channel string) (int64, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM flow_memory_versions WHERE flow_session_id = ? AND channel = ?`,
		sessionId, channel,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest flow memory version: %w", err)
	}
	return version.Int64, nil
}

func (s *Storage) GetFlowMemoryVersions(ctx context.Context, sessionId, channel string, afterVersion int64, limit int) ([]domain.FlowMemoryVersion, error) {
	query := `
		SELECT id, flow_session_id, channel, version, payload, source_type, step_execution_id, created
		FROM flow_memory_versions
		WHERE flow_session_id = ? AND channel = ? AND version > ?
		ORDER BY version
	`
	args := []any{sessionId, channel, afterVersion}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow memory versions: %w", err)
	}
	defer rows.Close()

	versions := []domain.FlowMemoryVersion{}
	for rows.Next() {
		var v domain.FlowMemoryVersion
		var created int64
		if err := rows.Scan(&v.Id, &v.FlowSessionId, &v.Channel, &v.Version, &v.Payload, &v.SourceType, &v.StepExecutionId, &created); err != nil {
			return nil, fmt.Errorf("failed to scan flow memory version row: %w", err)
		}
		v.Created = fromMillis(created)
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over flow memory version rows: %w", err)
	}
	return versions, nil
}

func (s *Storage) DeleteFlowMemoryVersionsBelow(ctx context.Context, sessionId, channel string, floor int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM flow_memory_versions WHERE flow_session_id = ? AND channel = ? AND version < ?`,
		sessionId, channel, floor,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete flow memory versions below %d: %w", floor, err)
	}
	return result.RowsAffected()
}

func (s *Storage) DeleteFlowMemoryVersionsBefore(ctx context.Context, sessionId, channel string, cutoff time.Time, protectFrom int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM flow_memory_versions WHERE flow_session_id = ? AND channel = ? AND created < ? AND version < ?`,
		sessionId, channel, millis(cutoff), protectFrom,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete flow memory versions before %s: %w", cutoff, err)
	}
	return result.RowsAffected()
}

func (s *Storage) GetFlowMemorySummary(ctx context.Context, sessionId, channel string) (domain.FlowMemorySummary, error) {
	query := `
		SELECT id, flow_session_id, channel, source_version_start, source_version_end, summary_text,
			token_count, metadata, created, updated
		FROM flow_memory_summaries WHERE flow_session_id = ? AND channel = ?
	`
	var summary domain.FlowMemorySummary
	var created, updated int64
	err := s.db.QueryRowContext(ctx, query, sessionId, channel).Scan(
		&summary.Id, &summary.FlowSessionId, &summary.Channel, &summary.SourceVersionStart, &summary.SourceVersionEnd,
		&summary.SummaryText, &summary.TokenCount, &summary.Metadata, &created, &updated,
	)
	if err != nil {
		return domain.FlowMemorySummary{}, notFoundOr(err, "failed to get flow memory summary")
	}
	summary.Created = fromMillis(created)
	summary.Updated = fromMillis(updated)
	return summary, nil
}

// PersistFlowMemorySummary upserts on (session, channel); the original id and
// created time of an existing summary are kept. An existing summary is only
// replaced by one that reaches a later version.
func (s *Storage) PersistFlowMemorySummary(ctx context.Context, summary domain.FlowMemorySummary) error {
	query := `
		INSERT INTO flow_memory_summaries (
			id, flow_session_id, channel, source_version_start, source_version_end, summary_text,
			token_count, metadata, created, updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (flow_session_id, channel) DO UPDATE SET
			source_version_start = excluded.source_version_start,
			source_version_end = excluded.source_version_end,
			summary_text = excluded.summary_text,
			token_count = excluded.token_count,
			metadata = excluded.metadata,
			updated = excluded.updated
		WHERE excluded.source_version_end > flow_memory_summaries.source_version_end
	`
	_, err := s.db.ExecContext(ctx, query,
		summary.Id, summary.FlowSessionId, summary.Channel, summary.SourceVersionStart, summary.SourceVersionEnd,
		summary.SummaryText, summary.TokenCount, summary.Metadata, millis(summary.Created), millis(summary.Updated),
	)
	if err != nil {
		return fmt.Errorf("failed to persist flow memory summary: %w", err)
	}
	return nil
}

func (s *Storage) DeleteFlowMemorySummary(ctx context.Context, sessionId, channel string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM flow_memory_summaries WHERE flow_session_id = ? AND channel = ?`,
		sessionId, channel,
	)
	if err != nil {
		return fmt.Errorf("failed to delete flow memory summary: %w", err)
	}
	return nil
}
