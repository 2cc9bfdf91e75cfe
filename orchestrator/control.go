package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"agentflow/common"
	"agentflow/domain"

	"github.com/rs/zerolog/log"
)

var ErrInvalidTransition = errors.New("operation not allowed in current session state")

func (o *Orchestrator) withSessionLock(ctx context.Context, sessionId string, fn func() error) error {
	unlock, err := o.locker.LockSession(ctx, sessionId)
	if err != nil {
		return fmt.Errorf("failed to lock session %s: %w", sessionId, err)
	}
	defer unlock()
	return fn()
}

func requireStatus(session domain.FlowSession, allowed ...domain.FlowSessionStatus) error {
	if slices.Contains(allowed, session.Status) {
		return nil
	}
	return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, session.Id, session.Status)
}

// Pause stops a running or waiting session from dispatching further steps.
// Queued jobs stay queued until Resume.
func (o *Orchestrator) Pause(ctx context.Context, sessionId string) (domain.FlowSession, error) {
	var paused domain.FlowSession
	err := o.withSessionLock(ctx, sessionId, func() error {
		var err error
		paused, err = domain.MutateFlowSession(ctx, o.storage, sessionId, func(s *domain.FlowSession) error {
			if err := requireStatus(*s, domain.FlowSessionStatusRunning, domain.FlowSessionStatusWaitingForInteraction); err != nil {
				return err
			}
			s.Status = domain.FlowSessionStatusPaused
			return nil
		})
		if err != nil {
			return err
		}
		o.emit(ctx, sessionId, nil, domain.FlowPausedEventType, domain.FlowSessionStatusPaused, nil)
		return nil
	})
	return paused, err
}

// Resume continues a paused session. It goes back to waiting when an
// interaction request is still open.
func (o *Orchestrator) Resume(ctx context.Context, sessionId string) (domain.FlowSession, error) {
	var resumed domain.FlowSession
	err := o.withSessionLock(ctx, sessionId, func() error {
		pending, err := o.storage.GetPendingFlowInteractionRequests(ctx, sessionId)
		if err != nil {
			return err
		}
		resumed, err = domain.MutateFlowSession(ctx, o.storage, sessionId, func(s *domain.FlowSession) error {
			if err := requireStatus(*s, domain.FlowSessionStatusPaused); err != nil {
				return err
			}
			s.Status = domain.FlowSessionStatusRunning
			if len(pending) > 0 {
				s.Status = domain.FlowSessionStatusWaitingForInteraction
			}
			return nil
		})
		if err != nil {
			return err
		}
		o.emit(ctx, sessionId, nil, domain.FlowResumedEventType, resumed.Status, nil)
		return nil
	})
	return resumed, err
}

// Cancel ends a session: pending interactions are auto-resolved, queued jobs
// cancelled and unfinished step executions cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, sessionId, reason string) (domain.FlowSession, error) {
	var cancelled domain.FlowSession
	err := o.withSessionLock(ctx, sessionId, func() error {
		session, err := o.storage.GetFlowSession(ctx, sessionId)
		if err != nil {
			return err
		}
		if domain.IsTerminalSessionStatus(session.Status) {
			return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, sessionId, session.Status)
		}

		if o.gate != nil {
			if _, err := o.gate.AutoResolvePending(ctx, sessionId); err != nil {
				return fmt.Errorf("failed to resolve pending interactions: %w", err)
			}
		}
		if err := o.storage.CancelFlowJobsForSession(ctx, sessionId); err != nil {
			return err
		}
		executions, err := o.storage.GetFlowStepExecutions(ctx, sessionId)
		if err != nil {
			return err
		}
		for _, execution := range executions {
			if err := o.cancelExecution(ctx, execution, "session cancelled"); err != nil {
				return err
			}
		}

		o.emit(ctx, sessionId, nil, domain.FlowCancelledEventType, domain.FlowSessionStatusCancelled, domain.Document{"reason": reason})
		cancelled, err = o.finishSession(ctx, sessionId, domain.FlowSessionStatusCancelled)
		if err != nil {
			return err
		}
		log.Info().Str("sessionId", sessionId).Str("reason", reason).Msg("Flow session cancelled")
		return nil
	})
	return cancelled, err
}

// RetryStep schedules a new attempt of a failed step execution. A failed
// session is reopened.
func (o *Orchestrator) RetryStep(ctx context.Context, stepExecutionId string) (domain.FlowStepExecution, error) {
	failed, err := o.storage.GetFlowStepExecution(ctx, stepExecutionId)
	if err != nil {
		return domain.FlowStepExecution{}, err
	}

	var retry domain.FlowStepExecution
	err = o.withSessionLock(ctx, failed.FlowSessionId, func() error {
		failed, err = o.storage.GetFlowStepExecution(ctx, stepExecutionId)
		if err != nil {
			return err
		}
		if failed.Status != domain.FlowStepStatusFailed {
			return fmt.Errorf("%w: step execution %s is %s", ErrInvalidTransition, failed.Id, failed.Status)
		}
		session, err := o.storage.GetFlowSession(ctx, failed.FlowSessionId)
		if err != nil {
			return err
		}
		if err := requireStatus(session, domain.FlowSessionStatusRunning, domain.FlowSessionStatusFailed, domain.FlowSessionStatusPaused); err != nil {
			return err
		}
		executions, err := o.storage.GetFlowStepExecutions(ctx, session.Id)
		if err != nil {
			return err
		}
		if latest, ok := latestAttempt(executions, session.CurrentStepId); !ok || latest.Id != failed.Id {
			return fmt.Errorf("%w: step execution %s is not the latest attempt of current step %s", ErrInvalidTransition, failed.Id, session.CurrentStepId)
		}
		compiled, err := o.compiler.Load(ctx, o.storage, session.DefinitionId)
		if err != nil {
			return err
		}
		step, ok := compiled.Step(failed.StepId)
		if !ok {
			return common.NewConfigurationError("step %q is not in definition %s", failed.StepId, session.DefinitionId)
		}

		if session.Status == domain.FlowSessionStatusFailed {
			_, err := domain.MutateFlowSession(ctx, o.storage, session.Id, func(s *domain.FlowSession) error {
				s.Status = domain.FlowSessionStatusRunning
				s.CompletedAt = nil
				return nil
			})
			if err != nil {
				return err
			}
		}
		retry, err = o.scheduleStep(ctx, session.Id, step, failed.Attempt+1, failed.Id, failed.Input, o.now())
		if err != nil {
			return err
		}
		o.emit(ctx, session.Id, &retry, domain.StepRetryScheduledEventType, domain.FlowStepStatusPending, domain.Document{
			"stepId":  step.Id,
			"attempt": retry.Attempt,
			"manual":  true,
		})
		return nil
	})
	return retry, err
}

// SkipStep settles an unfinished or failed step execution as skipped and
// advances the session as if the step succeeded with an empty output.
func (o *Orchestrator) SkipStep(ctx context.Context, stepExecutionId string) (domain.FlowSession, error) {
	execution, err := o.storage.GetFlowStepExecution(ctx, stepExecutionId)
	if err != nil {
		return domain.FlowSession{}, err
	}

	var advanced domain.FlowSession
	err = o.withSessionLock(ctx, execution.FlowSessionId, func() error {
		execution, err = o.storage.GetFlowStepExecution(ctx, stepExecutionId)
		if err != nil {
			return err
		}
		if execution.Status != domain.FlowStepStatusFailed && domain.IsTerminalStepStatus(execution.Status) {
			return fmt.Errorf("%w: step execution %s is %s", ErrInvalidTransition, execution.Id, execution.Status)
		}
		session, err := o.storage.GetFlowSession(ctx, execution.FlowSessionId)
		if err != nil {
			return err
		}
		if err := requireStatus(session, domain.FlowSessionStatusRunning, domain.FlowSessionStatusWaitingForInteraction, domain.FlowSessionStatusFailed); err != nil {
			return err
		}
		compiled, err := o.compiler.Load(ctx, o.storage, session.DefinitionId)
		if err != nil {
			return err
		}
		step, ok := compiled.Step(execution.StepId)
		if !ok {
			return common.NewConfigurationError("step %q is not in definition %s", execution.StepId, session.DefinitionId)
		}

		if execution.Status == domain.FlowStepStatusWaitingForInteraction && o.gate != nil {
			if _, err := o.gate.AutoResolvePending(ctx, session.Id); err != nil {
				return err
			}
		}
		now := o.now()
		execution.Status = domain.FlowStepStatusSkipped
		execution.Output = domain.Document{}
		execution.Updated = now
		execution.CompletedAt = &now
		if err := o.storage.PersistFlowStepExecution(ctx, execution); err != nil {
			return err
		}

		_, err = domain.MutateFlowSession(ctx, o.storage, session.Id, func(s *domain.FlowSession) error {
			s.Status = domain.FlowSessionStatusRunning
			s.CompletedAt = nil
			s.SharedContext = s.SharedContext.WithStepOutput(step.Id, domain.Document{})
			return nil
		})
		if err != nil {
			return err
		}
		o.emit(ctx, session.Id, &execution, domain.StepSkippedEventType, domain.FlowStepStatusSkipped, domain.Document{
			"stepId": step.Id,
			"reason": "skipped by operator",
		})
		if _, err := o.advance(ctx, compiled, step, session.Id, execution); err != nil {
			return err
		}
		advanced, err = o.storage.GetFlowSession(ctx, session.Id)
		return err
	})
	return advanced, err
}

// HandleExpiredInteraction fails the step execution that was waiting on an
// expired request. The gate calls it with the session lock held.
func (o *Orchestrator) HandleExpiredInteraction(ctx context.Context, request domain.FlowInteractionRequest) error {
	execution, err := o.storage.GetFlowStepExecution(ctx, request.StepExecutionId)
	if err != nil {
		return err
	}
	if execution.Status != domain.FlowStepStatusWaitingForInteraction {
		return nil
	}
	session, err := o.storage.GetFlowSession(ctx, request.FlowSessionId)
	if err != nil {
		return err
	}
	if session.Status != domain.FlowSessionStatusWaitingForInteraction {
		return nil
	}
	compiled, err := o.compiler.Load(ctx, o.storage, session.DefinitionId)
	if err != nil {
		return err
	}
	step, ok := compiled.Step(execution.StepId)
	if !ok {
		return common.NewConfigurationError("step %q is not in definition %s", execution.StepId, session.DefinitionId)
	}

	_, err = domain.MutateFlowSession(ctx, o.storage, session.Id, func(s *domain.FlowSession) error {
		s.Status = domain.FlowSessionStatusRunning
		return nil
	})
	if err != nil {
		return err
	}
	cause := &common.ProviderError{Code: common.ErrorCodeExpired, Message: "interaction request " + request.Id + " expired"}
	_, err = o.handleFailure(ctx, compiled, step, execution, cause)
	return err
}
