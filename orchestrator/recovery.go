package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentflow/common"
	"agentflow/domain"

	"github.com/rs/zerolog/log"
)

// redrive handles a job whose execution already settled. Processing that
// stopped between settling the execution and queueing what follows it is
// finished here; otherwise the job is simply completed.
func (o *Orchestrator) redrive(ctx context.Context, session domain.FlowSession, execution domain.FlowStepExecution) (JobDisposition, error) {
	executions, err := o.storage.GetFlowStepExecutions(ctx, session.Id)
	if err != nil {
		return JobDisposition{}, err
	}
	if followUp, ok := followUpOf(executions, execution.Id); ok {
		return JobDisposition{Action: JobActionComplete}, o.ensureQueued(ctx, session, followUp)
	}

	switch execution.Status {
	case domain.FlowStepStatusSucceeded, domain.FlowStepStatusSkipped, domain.FlowStepStatusFailed:
	default:
		return JobDisposition{Action: JobActionComplete}, nil
	}

	compiled, err := o.compiler.Load(ctx, o.storage, session.DefinitionId)
	if err != nil {
		return JobDisposition{}, err
	}
	step, ok := compiled.Step(execution.StepId)
	if !ok {
		return JobDisposition{}, common.NewConfigurationError("step %q is not in definition %s", execution.StepId, session.DefinitionId)
	}

	log.Warn().
		Str("sessionId", session.Id).
		Str("stepExecutionId", execution.Id).
		Str("status", execution.Status).
		Msg("Re-driving settled step execution with nothing scheduled after it")
	if execution.Status == domain.FlowStepStatusFailed {
		return o.followFailure(ctx, compiled, step, execution, storedCause(execution))
	}
	return o.settleSuccess(ctx, compiled, step, execution, true)
}

func followUpOf(executions []domain.FlowStepExecution, executionId string) (domain.FlowStepExecution, bool) {
	for _, candidate := range executions {
		if candidate.PreviousExecutionId == executionId {
			return candidate, true
		}
	}
	return domain.FlowStepExecution{}, false
}

// ensureQueued makes sure an unsettled execution has a live job and is the
// session's current step.
func (o *Orchestrator) ensureQueued(ctx context.Context, session domain.FlowSession, execution domain.FlowStepExecution) error {
	if domain.IsTerminalStepStatus(execution.Status) || execution.Status == domain.FlowStepStatusWaitingForInteraction {
		return nil
	}
	if session.CurrentStepId != execution.StepId {
		_, err := domain.MutateFlowSession(ctx, o.storage, session.Id, func(s *domain.FlowSession) error {
			s.CurrentStepId = execution.StepId
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to update current step: %w", err)
		}
	}
	created, err := o.storage.EnsureFlowJob(ctx, domain.NewFlowJob(execution, o.now()))
	if err != nil {
		return fmt.Errorf("failed to enqueue step %s: %w", execution.StepId, err)
	}
	if created {
		log.Info().Str("sessionId", session.Id).Str("stepExecutionId", execution.Id).Msg("Queued missing job for step execution")
	}
	return nil
}

// RecoverStalledSessions queues a job for running sessions that have been
// idle since before idleSince and have no queued or claimed job. The job
// targets the session's latest execution, which is re-driven if it already
// settled. At most limit sessions are recovered per call.
func (o *Orchestrator) RecoverStalledSessions(ctx context.Context, idleSince time.Time, limit int) (int, error) {
	sessions, err := o.storage.GetFlowSessionsByStatus(ctx, []domain.FlowSessionStatus{domain.FlowSessionStatusRunning}, 0)
	if err != nil {
		return 0, err
	}
	recovered := 0
	var errs []error
	for _, session := range sessions {
		if limit > 0 && recovered >= limit {
			break
		}
		if session.Updated.After(idleSince) {
			continue
		}
		live, err := o.storage.CountLiveFlowJobs(ctx, session.Id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if live > 0 {
			continue
		}
		ok, err := o.recoverSession(ctx, session.Id)
		if errors.Is(err, common.ErrSessionLocked) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to recover session %s: %w", session.Id, err))
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, errors.Join(errs...)
}

func (o *Orchestrator) recoverSession(ctx context.Context, sessionId string) (bool, error) {
	recovered := false
	err := o.withSessionLock(ctx, sessionId, func() error {
		session, err := o.storage.GetFlowSession(ctx, sessionId)
		if err != nil {
			return err
		}
		if session.Status != domain.FlowSessionStatusRunning {
			return nil
		}
		live, err := o.storage.CountLiveFlowJobs(ctx, sessionId)
		if err != nil || live > 0 {
			return err
		}
		executions, err := o.storage.GetFlowStepExecutions(ctx, sessionId)
		if err != nil {
			return err
		}

		if len(executions) == 0 {
			compiled, err := o.compiler.Load(ctx, o.storage, session.DefinitionId)
			if err != nil {
				return err
			}
			if _, err := o.scheduleStep(ctx, sessionId, compiled.StartStep(), 1, "", nil, o.now()); err != nil {
				return err
			}
			recovered = true
			return nil
		}

		latest := executions[len(executions)-1]
		if latest.Status == domain.FlowStepStatusWaitingForInteraction {
			return nil
		}
		created, err := o.storage.EnsureFlowJob(ctx, domain.NewFlowJob(latest, o.now()))
		if err != nil {
			return err
		}
		recovered = created
		if created {
			log.Warn().Str("sessionId", sessionId).Str("stepExecutionId", latest.Id).Msg("Queued job for stalled flow session")
		}
		return nil
	})
	return recovered, err
}

// latestAttempt returns the most recent execution of stepId.
func latestAttempt(executions []domain.FlowStepExecution, stepId string) (domain.FlowStepExecution, bool) {
	for i := len(executions) - 1; i >= 0; i-- {
		if executions[i].StepId == stepId {
			return executions[i], true
		}
	}
	return domain.FlowStepExecution{}, false
}
