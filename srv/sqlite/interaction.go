package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agentflow/common"
	"agentflow/domain"
)

const flowInteractionRequestColumns = `id, flow_session_id, step_execution_id, step_id, type, title, description,
	payload_schema, suggested_actions, status, due_at, created, updated`

func (s *Storage) CreateFlowInteractionRequest(ctx context.Context, request domain.FlowInteractionRequest) error {
	query := `INSERT INTO flow_interaction_requests (` + flowInteractionRequestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		request.Id, request.FlowSessionId, request.StepExecutionId, request.StepId, request.Type, request.Title,
		request.Description, request.PayloadSchema, request.SuggestedActions, request.Status,
		nullMillis(request.DueAt), millis(request.Created), millis(request.Updated),
	)
	if isUniqueViolation(err) {
		return common.ErrInteractionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create flow interaction request: %w", err)
	}
	return nil
}

func (s *Storage) UpdateFlowInteractionRequest(ctx context.Context, request domain.FlowInteractionRequest) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE flow_interaction_requests SET
			title = ?, description = ?, payload_schema = ?, suggested_actions = ?, status = ?, due_at = ?, updated = ?
		WHERE id = ?`,
		request.Title, request.Description, request.PayloadSchema, request.SuggestedActions, request.Status,
		nullMillis(request.DueAt), millis(request.Updated), request.Id,
	)
	if err != nil {
		return fmt.Errorf("failed to update flow interaction request: %w", err)
	}
	return requireAffected(result)
}

func (s *Storage) GetFlowInteractionRequest(ctx context.Context, requestId string) (domain.FlowInteractionRequest, error) {
	query := `SELECT ` + flowInteractionRequestColumns + ` FROM flow_interaction_requests WHERE id = ?`
	request, err := scanFlowInteractionRequest(s.db.QueryRowContext(ctx, query, requestId))
	if err != nil {
		return domain.FlowInteractionRequest{}, notFoundOr(err, "failed to get flow interaction request")
	}
	return request, nil
}

func (s *Storage) GetFlowInteractionRequestForStep(ctx context.Context, stepExecutionId string) (domain.FlowInteractionRequest, error) {
	query := `SELECT ` + flowInteractionRequestColumns + ` FROM flow_interaction_requests WHERE step_execution_id = ?`
	request, err := scanFlowInteractionRequest(s.db.QueryRowContext(ctx, query, stepExecutionId))
	if err != nil {
		return domain.FlowInteractionRequest{}, notFoundOr(err, "failed to get flow interaction request")
	}
	return request, nil
}

func (s *Storage) GetPendingFlowInteractionRequests(ctx context.Context, sessionId string) ([]domain.FlowInteractionRequest, error) {
	query := `SELECT ` + flowInteractionRequestColumns + ` FROM flow_interaction_requests
		WHERE flow_session_id = ? AND status = ? ORDER BY created, id`
	return s.queryFlowInteractionRequests(ctx, query, sessionId, domain.InteractionStatusPending)
}

// GetDueFlowInteractionRequests returns pending requests whose due date has
// passed, oldest due first.
func (s *Storage) GetDueFlowInteractionRequests(ctx context.Context, now time.Time, limit int) ([]domain.FlowInteractionRequest, error) {
	query := `SELECT ` + flowInteractionRequestColumns + ` FROM flow_interaction_requests
		WHERE status = ? AND due_at IS NOT NULL AND due_at <= ? ORDER BY due_at, id`
	args := []any{domain.InteractionStatusPending, millis(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryFlowInteractionRequests(ctx, query, args...)
}

func (s *Storage) queryFlowInteractionRequests(ctx context.Context, query string, args ...any) ([]domain.FlowInteractionRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow interaction requests: %w", err)
	}
	defer rows.Close()

	requests := []domain.FlowInteractionRequest{}
	for rows.Next() {
		request, err := scanFlowInteractionRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow interaction request row: %w", err)
		}
		requests = append(requests, request)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over flow interaction request rows: %w", err)
	}
	return requests, nil
}

func (s *Storage) CreateFlowInteractionResponse(ctx context.Context, response domain.FlowInteractionResponse) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_interaction_responses (id, request_id, source, responded_by, payload, created)
		VALUES (?, ?, ?, ?, ?, ?)`,
		response.Id, response.RequestId, response.Source, response.RespondedBy, response.Payload, millis(response.Created),
	)
	if isUniqueViolation(err) {
		return common.ErrInteractionResolved
	}
	if err != nil {
		return fmt.Errorf("failed to create flow interaction response: %w", err)
	}
	return nil
}

func (s *Storage) GetFlowInteractionResponse(ctx context.Context, requestId string) (domain.FlowInteractionResponse, error) {
	var response domain.FlowInteractionResponse
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, source, responded_by, payload, created
		FROM flow_interaction_responses WHERE request_id = ?`, requestId,
	).Scan(&response.Id, &response.RequestId, &response.Source, &response.RespondedBy, &response.Payload, &created)
	if err != nil {
		return domain.FlowInteractionResponse{}, notFoundOr(err, "failed to get flow interaction response")
	}
	response.Created = fromMillis(created)
	return response, nil
}

func scanFlowInteractionRequest(row rowScanner) (domain.FlowInteractionRequest, error) {
	var r domain.FlowInteractionRequest
	var dueAt sql.NullInt64
	var created, updated int64
	err := row.Scan(
		&r.Id, &r.FlowSessionId, &r.StepExecutionId, &r.StepId, &r.Type, &r.Title, &r.Description,
		&r.PayloadSchema, &r.SuggestedActions, &r.Status, &dueAt, &created, &updated,
	)
	if err != nil {
		return domain.FlowInteractionRequest{}, err
	}
	r.DueAt = fromNullMillis(dueAt)
	r.Created = fromMillis(created)
	r.Updated = fromMillis(updated)
	return r, nil
}
