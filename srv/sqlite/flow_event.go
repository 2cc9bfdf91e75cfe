package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"agentflow/domain"
)

const flowEventColumns = `id, flow_session_id, step_execution_id, event_type, status, trace_id, span_id,
	prompt_tokens, completion_tokens, total_tokens, cost, payload, created`

// AppendFlowEvent inserts the event and returns it with the store-assigned,
// strictly increasing id.
func (s *Storage) AppendFlowEvent(ctx context.Context, event domain.FlowEvent) (domain.FlowEvent, error) {
	query := `
		INSERT INTO flow_events (
			flow_session_id, step_execution_id, event_type, status, trace_id, span_id,
			prompt_tokens, completion_tokens, total_tokens, cost, payload, created
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		event.FlowSessionId, event.StepExecutionId, string(event.EventType), event.Status, event.TraceId, event.SpanId,
		event.PromptTokens, event.CompletionTokens, event.TotalTokens, event.Cost, event.Payload, millis(event.Created),
	).Scan(&event.Id)
	if err != nil {
		return domain.FlowEvent{}, fmt.Errorf("failed to append flow event: %w", err)
	}
	event.Created = fromMillis(millis(event.Created))
	return event, nil
}

// GetFlowEvents returns events with id > afterId in id order. A limit <= 0
// means no limit.
func (s *Storage) GetFlowEvents(ctx context.Context, sessionId string, afterId int64, limit int) ([]domain.FlowEvent, error) {
	query := `SELECT ` + flowEventColumns + ` FROM flow_events WHERE flow_session_id = ? AND id > ? ORDER BY id`
	args := []any{sessionId, afterId}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow events: %w", err)
	}
	defer rows.Close()

	events := []domain.FlowEvent{}
	for rows.Next() {
		var e domain.FlowEvent
		var eventType string
		var created int64
		err := rows.Scan(
			&e.Id, &e.FlowSessionId, &e.StepExecutionId, &eventType, &e.Status, &e.TraceId, &e.SpanId,
			&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.Cost, &e.Payload, &created,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow event row: %w", err)
		}
		e.EventType = domain.FlowEventType(eventType)
		e.Created = fromMillis(created)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over flow event rows: %w", err)
	}
	return events, nil
}

func (s *Storage) GetLatestFlowEventId(ctx context.Context, sessionId string) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM flow_events WHERE flow_session_id = ?`, sessionId).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest flow event id: %w", err)
	}
	return id.Int64, nil
}
