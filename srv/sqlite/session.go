package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"agentflow/common"
	"agentflow/domain"
)

const flowSessionColumns = `id, definition_id, definition_version, status, current_step_id, state_version,
	memory_version, launch_parameters, launch_overrides, shared_context, created, updated, started_at, completed_at`

func (s *Storage) CreateFlowSession(ctx context.Context, session domain.FlowSession) error {
	overrides, err := marshalNullable(session.LaunchOverrides)
	if err != nil {
		return fmt.Errorf("failed to marshal launch overrides: %w", err)
	}
	query := `INSERT INTO flow_sessions (` + flowSessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		session.Id, session.DefinitionId, session.DefinitionVersion, session.Status, session.CurrentStepId,
		session.StateVersion, session.MemoryVersion, session.LaunchParameters, overrides,
		domain.Document(session.SharedContext), millis(session.Created), millis(session.Updated),
		nullMillis(session.StartedAt), nullMillis(session.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create flow session: %w", err)
	}
	return nil
}

func (s *Storage) GetFlowSession(ctx context.Context, sessionId string) (domain.FlowSession, error) {
	query := `SELECT ` + flowSessionColumns + ` FROM flow_sessions WHERE id = ?`
	session, err := scanFlowSession(s.db.QueryRowContext(ctx, query, sessionId))
	if err != nil {
		return domain.FlowSession{}, notFoundOr(err, "failed to get flow session")
	}
	return session, nil
}

// UpdateFlowSession is a compare-and-set on state_version: the row is only
// written while its stored state version still equals expectedStateVersion.
func (s *Storage) UpdateFlowSession(ctx context.Context, session domain.FlowSession, expectedStateVersion int64) error {
	overrides, err := marshalNullable(session.LaunchOverrides)
	if err != nil {
		return fmt.Errorf("failed to marshal launch overrides: %w", err)
	}
	query := `
		UPDATE flow_sessions SET
			status = ?, current_step_id = ?, state_version = ?, memory_version = ?,
			launch_parameters = ?, launch_overrides = ?, shared_context = ?,
			updated = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND state_version = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		session.Status, session.CurrentStepId, session.StateVersion, session.MemoryVersion,
		session.LaunchParameters, overrides, domain.Document(session.SharedContext),
		millis(session.Updated), nullMillis(session.StartedAt), nullMillis(session.CompletedAt),
		session.Id, expectedStateVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update flow session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetFlowSession(ctx, session.Id); err != nil {
			return err
		}
		return common.ErrStaleState
	}
	return nil
}

func (s *Storage) GetFlowSessionsByStatus(ctx context.Context, statuses []domain.FlowSessionStatus, limit int) ([]domain.FlowSession, error) {
	if len(statuses) == 0 {
		return []domain.FlowSession{}, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, status := range statuses {
		placeholders[i] = "?"
		args = append(args, status)
	}
	query := `SELECT ` + flowSessionColumns + ` FROM flow_sessions WHERE status IN (` + strings.Join(placeholders, ",") + `) ORDER BY created`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow sessions: %w", err)
	}
	defer rows.Close()

	sessions := []domain.FlowSession{}
	for rows.Next() {
		session, err := scanFlowSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over flow session rows: %w", err)
	}
	return sessions, nil
}

func scanFlowSession(row rowScanner) (domain.FlowSession, error) {
	var session domain.FlowSession
	var overrides sql.NullString
	var sharedContext domain.Document
	var created, updated int64
	var startedAt, completedAt sql.NullInt64
	err := row.Scan(
		&session.Id, &session.DefinitionId, &session.DefinitionVersion, &session.Status, &session.CurrentStepId,
		&session.StateVersion, &session.MemoryVersion, &session.LaunchParameters, &overrides, &sharedContext,
		&created, &updated, &startedAt, &completedAt,
	)
	if err != nil {
		return domain.FlowSession{}, err
	}
	session.LaunchOverrides, err = unmarshalNullable[domain.ChatOverrides](overrides)
	if err != nil {
		return domain.FlowSession{}, fmt.Errorf("failed to unmarshal launch overrides: %w", err)
	}
	session.SharedContext = domain.SharedContext(sharedContext)
	session.Created = fromMillis(created)
	session.Updated = fromMillis(updated)
	session.StartedAt = fromNullMillis(startedAt)
	session.CompletedAt = fromNullMillis(completedAt)
	return session, nil
}

// marshalNullable encodes v as JSON, storing NULL for nil pointers.
func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalNullable[T any](raw sql.NullString) (*T, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return nil, err
	}
	return &v, nil
}
