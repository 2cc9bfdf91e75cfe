package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentflow/blueprint"
	"agentflow/common"
	"agentflow/domain"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// RetryDelay is how long to wait before the attempt after the given failed
// attempt (1-based): the policy's initial delay grown by its multiplier per
// attempt and capped at its max delay.
func RetryDelay(policy *domain.RetryPolicy, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(policy.InitialDelay(), policy.MaxDelay())
	b.Multiplier = policy.Factor()
	b.MaxInterval = policy.MaxDelay()
	b.RandomizationFactor = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// handleFailure marks the execution failed, then retries it, follows the
// step's failure transition or fails the session, in that order of
// preference.
func (o *Orchestrator) handleFailure(ctx context.Context, compiled *blueprint.Compiled, step domain.FlowStep, execution domain.FlowStepExecution, cause error) (JobDisposition, error) {
	execution, err := o.markFailed(ctx, step, execution, cause)
	if err != nil {
		return JobDisposition{}, err
	}
	return o.followFailure(ctx, compiled, step, execution, cause)
}

// markFailed persists the failure along with whether its cause may be
// retried, so the decision survives a crash before the failure is followed.
func (o *Orchestrator) markFailed(ctx context.Context, step domain.FlowStep, execution domain.FlowStepExecution, cause error) (domain.FlowStepExecution, error) {
	var retryCodes []string
	if step.Retry != nil {
		retryCodes = step.Retry.RetryableCodes
	}
	now := o.now()
	execution.Status = domain.FlowStepStatusFailed
	execution.ErrorCode = common.ErrorCode(cause)
	execution.ErrorMessage = cause.Error()
	execution.Retryable = common.IsRetryable(cause, retryCodes)
	execution.Updated = now
	execution.CompletedAt = &now
	if err := o.storage.PersistFlowStepExecution(ctx, execution); err != nil {
		return domain.FlowStepExecution{}, fmt.Errorf("failed to mark step execution failed: %w", err)
	}
	o.emit(ctx, execution.FlowSessionId, &execution, domain.StepFailedEventType, domain.FlowStepStatusFailed, errorPayload(execution, cause))
	if execution.StartedAt != nil {
		o.metrics.RecordDuration(ctx, "flow.step.duration", now.Sub(*execution.StartedAt), map[string]string{"step": step.Id, "result": "failure"})
	}
	log.Warn().Err(cause).
		Str("sessionId", execution.FlowSessionId).
		Str("stepId", step.Id).
		Int("attempt", execution.Attempt).
		Str("errorCode", execution.ErrorCode).
		Msg("Step execution failed")
	return execution, nil
}

// storedCause rebuilds the error of a failed execution from what was
// persisted about it.
func storedCause(execution domain.FlowStepExecution) error {
	return &common.ProviderError{Code: execution.ErrorCode, Retryable: execution.Retryable, Err: errors.New(execution.ErrorMessage)}
}

// followFailure schedules the next attempt, follows onFailure.next or fails
// the session for an execution already marked failed.
func (o *Orchestrator) followFailure(ctx context.Context, compiled *blueprint.Compiled, step domain.FlowStep, execution domain.FlowStepExecution, cause error) (JobDisposition, error) {
	now := o.now()
	if execution.Attempt < step.MaxAttempts && execution.Retryable {
		delay := RetryDelay(step.Retry, execution.Attempt)
		scheduledAt := now.Add(delay)
		retry, err := o.scheduleStep(ctx, execution.FlowSessionId, step, execution.Attempt+1, execution.Id, execution.Input, scheduledAt)
		if err != nil {
			return JobDisposition{}, err
		}
		o.metrics.IncrementCounter(ctx, "flow.step.retry", map[string]string{"step": step.Id})
		o.emit(ctx, execution.FlowSessionId, &retry, domain.StepRetryScheduledEventType, domain.FlowStepStatusPending, domain.Document{
			"stepId":      step.Id,
			"attempt":     retry.Attempt,
			"delayMs":     delay.Milliseconds(),
			"scheduledAt": scheduledAt.Format(time.RFC3339Nano),
		})
		return JobDisposition{Action: JobActionComplete}, nil
	}

	transition := step.Transitions.OnFailure
	if transition.Next != "" && !transition.Fail {
		if next, ok := compiled.Step(transition.Next); ok {
			if _, err := o.scheduleStep(ctx, execution.FlowSessionId, next, 1, execution.Id, nil, now); err != nil {
				return JobDisposition{}, err
			}
			return JobDisposition{Action: JobActionComplete}, nil
		}
	}

	o.emit(ctx, execution.FlowSessionId, &execution, domain.FlowFailedEventType, domain.FlowSessionStatusFailed, errorPayload(execution, cause))
	if _, err := o.finishSession(ctx, execution.FlowSessionId, domain.FlowSessionStatusFailed); err != nil {
		return JobDisposition{}, err
	}
	log.Error().Err(cause).Str("sessionId", execution.FlowSessionId).Str("stepId", step.Id).Msg("Flow session failed")
	return JobDisposition{Action: JobActionFail, Reason: cause.Error()}, nil
}
