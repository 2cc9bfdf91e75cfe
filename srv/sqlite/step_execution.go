package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"agentflow/domain"
)

const flowStepExecutionColumns = `id, flow_session_id, step_id, step_name, attempt, previous_execution_id, status, agent,
	prompt, input, output, usage, cost, error_code, error_message, retryable, created, updated, started_at, completed_at`

func (s *Storage) PersistFlowStepExecution(ctx context.Context, execution domain.FlowStepExecution) error {
	agent, err := json.Marshal(execution.Agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	usage, err := marshalNullable(execution.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}
	cost, err := marshalNullable(execution.Cost)
	if err != nil {
		return fmt.Errorf("failed to marshal cost: %w", err)
	}

	query := `INSERT OR REPLACE INTO flow_step_executions (` + flowStepExecutionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		execution.Id, execution.FlowSessionId, execution.StepId, execution.StepName, execution.Attempt,
		execution.PreviousExecutionId, execution.Status, string(agent), execution.Prompt, execution.Input, execution.Output,
		usage, cost, execution.ErrorCode, execution.ErrorMessage, execution.Retryable,
		millis(execution.Created), millis(execution.Updated),
		nullMillis(execution.StartedAt), nullMillis(execution.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to persist flow step execution: %w", err)
	}
	return nil
}

func (s *Storage) GetFlowStepExecution(ctx context.Context, executionId string) (domain.FlowStepExecution, error) {
	query := `SELECT ` + flowStepExecutionColumns + ` FROM flow_step_executions WHERE id = ?`
	execution, err := scanFlowStepExecution(s.db.QueryRowContext(ctx, query, executionId))
	if err != nil {
		return domain.FlowStepExecution{}, notFoundOr(err, "failed to get flow step execution")
	}
	return execution, nil
}

func (s *Storage) GetFlowStepExecutions(ctx context.Context, sessionId string) ([]domain.FlowStepExecution, error) {
	query := `SELECT ` + flowStepExecutionColumns + ` FROM flow_step_executions
		WHERE flow_session_id = ? ORDER BY created, attempt, id`
	rows, err := s.db.QueryContext(ctx, query, sessionId)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow step executions: %w", err)
	}
	defer rows.Close()

	executions := []domain.FlowStepExecution{}
	for rows.Next() {
		execution, err := scanFlowStepExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow step execution row: %w", err)
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over flow step execution rows: %w", err)
	}
	return executions, nil
}

func scanFlowStepExecution(row rowScanner) (domain.FlowStepExecution, error) {
	var e domain.FlowStepExecution
	var agent, usage, cost sql.NullString
	var created, updated int64
	var startedAt, completedAt sql.NullInt64
	err := row.Scan(
		&e.Id, &e.FlowSessionId, &e.StepId, &e.StepName, &e.Attempt, &e.PreviousExecutionId, &e.Status, &agent,
		&e.Prompt, &e.Input, &e.Output, &usage, &cost, &e.ErrorCode, &e.ErrorMessage, &e.Retryable,
		&created, &updated, &startedAt, &completedAt,
	)
	if err != nil {
		return domain.FlowStepExecution{}, err
	}
	if agent.Valid && agent.String != "" {
		if err := json.Unmarshal([]byte(agent.String), &e.Agent); err != nil {
			return domain.FlowStepExecution{}, fmt.Errorf("failed to unmarshal agent: %w", err)
		}
	}
	if e.Usage, err = unmarshalNullable[domain.Usage](usage); err != nil {
		return domain.FlowStepExecution{}, fmt.Errorf("failed to unmarshal usage: %w", err)
	}
	if e.Cost, err = unmarshalNullable[domain.Cost](cost); err != nil {
		return domain.FlowStepExecution{}, fmt.Errorf("failed to unmarshal cost: %w", err)
	}
	e.Created = fromMillis(created)
	e.Updated = fromMillis(updated)
	e.StartedAt = fromNullMillis(startedAt)
	e.CompletedAt = fromNullMillis(completedAt)
	return e, nil
}
