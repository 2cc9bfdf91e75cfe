package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"agentflow/common"
	"agentflow/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingEnqueueStorage fails the next failures calls to EnqueueFlowJob.
type failingEnqueueStorage struct {
	Storage
	failures atomic.Int32
}

func (s *failingEnqueueStorage) EnqueueFlowJob(ctx context.Context, job domain.FlowJob) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("queue unavailable")
	}
	return s.Storage.EnqueueFlowJob(ctx, job)
}

// claimFirstJob claims the only due job of the fixture's queue.
func (f *fixture) claimFirstJob() domain.FlowJob {
	f.t.Helper()
	job, err := f.service.ClaimNextFlowJob(f.ctx, "test-worker", time.Now().Add(time.Hour))
	require.NoError(f.t, err)
	return job
}

func TestProcessJob_RedrivesAfterEnqueueFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("pair", twoStepBlueprint)
	session := f.start("pair", nil, nil)

	storage := &failingEnqueueStorage{Storage: f.service}
	storage.failures.Store(1)
	f.withStorage(storage)

	job := f.claimFirstJob()
	_, err := f.orch.ProcessJob(f.ctx, job)
	require.Error(t, err)
	require.NoError(t, f.service.ReleaseFlowJob(f.ctx, job.Id, time.Now()))

	executions := f.executions(session.Id)
	require.Len(t, executions, 2)
	assert.Equal(t, domain.FlowStepStatusSucceeded, executions[0].Status)
	assert.Equal(t, domain.FlowStepStatusPending, executions[1].Status)
	assert.Equal(t, executions[0].Id, executions[1].PreviousExecutionId)

	dispositions := f.drain()
	require.Len(t, dispositions, 2)
	assert.Equal(t, domain.FlowSessionStatusCompleted, f.session(session.Id).Status)
	assert.Len(t, f.invoker.callsFor("first"), 1)
	assert.Len(t, f.invoker.callsFor("second"), 1)
	assert.Equal(t, 2, countEvents(f.eventTypes(session.Id), domain.StepCompletedEventType))
}

func TestProcessJob_RedriveAdvancesSettledStep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("pair", twoStepBlueprint)
	session := f.start("pair", nil, nil)

	// the step finished but the worker stopped before anything followed it
	job := f.claimFirstJob()
	execution := f.executions(session.Id)[0]
	now := time.Now().UTC()
	execution.Status = domain.FlowStepStatusSucceeded
	execution.Output = domain.Document{"content": "done before the crash"}
	execution.CompletedAt = &now
	require.NoError(t, f.service.PersistFlowStepExecution(f.ctx, execution))

	disposition, err := f.orch.ProcessJob(f.ctx, job)
	require.NoError(t, err)
	assert.Equal(t, JobActionComplete, disposition.Action)
	f.settle(job, disposition)

	executions := f.executions(session.Id)
	require.Len(t, executions, 2)
	assert.Equal(t, "second", executions[1].StepId)
	assert.Equal(t, execution.Id, executions[1].PreviousExecutionId)

	f.drain()
	finished := f.session(session.Id)
	assert.Equal(t, domain.FlowSessionStatusCompleted, finished.Status)
	assert.Equal(t, "done before the crash", finished.SharedContext.StepOutput("first").GetString("content"))
	assert.Empty(t, f.invoker.callsFor("first"))
	assert.Len(t, f.invoker.callsFor("second"), 1)

	// a second delivery of the same job changes nothing
	disposition, err = f.orch.ProcessJob(f.ctx, job)
	require.NoError(t, err)
	assert.Equal(t, JobActionCancel, disposition.Action)
	assert.Len(t, f.executions(session.Id), 2)
}

func TestProcessJob_RedriveRetriesFailedStep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("retry", retryBlueprint)
	session := f.start("retry", nil, nil)

	job := f.claimFirstJob()
	execution := f.executions(session.Id)[0]
	now := time.Now().UTC()
	execution.Status = domain.FlowStepStatusFailed
	execution.ErrorCode = common.ErrorCodeRateLimited
	execution.ErrorMessage = "slow down"
	execution.Retryable = true
	execution.CompletedAt = &now
	require.NoError(t, f.service.PersistFlowStepExecution(f.ctx, execution))

	disposition, err := f.orch.ProcessJob(f.ctx, job)
	require.NoError(t, err)
	assert.Equal(t, JobActionComplete, disposition.Action)
	f.settle(job, disposition)

	f.drain()
	executions := f.executions(session.Id)
	require.Len(t, executions, 2)
	assert.Equal(t, 2, executions[1].Attempt)
	assert.Equal(t, execution.Id, executions[1].PreviousExecutionId)
	assert.Equal(t, domain.FlowSessionStatusCompleted, f.session(session.Id).Status)
}

func TestProcessJob_RunningExecutionDoesNotRepeatPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("retry", retryBlueprint)
	session := f.start("retry", nil, nil)

	// a claim lost while the agent was being called
	job := f.claimFirstJob()
	execution := f.executions(session.Id)[0]
	execution.Status = domain.FlowStepStatusRunning
	require.NoError(t, f.service.PersistFlowStepExecution(f.ctx, execution))

	disposition, err := f.orch.ProcessJob(f.ctx, job)
	require.NoError(t, err)
	assert.Equal(t, JobActionComplete, disposition.Action)
	assert.Len(t, f.invoker.callsFor("call"), 1)

	conversation, err := f.memory.History(f.ctx, session.Id, domain.ConversationChannel, 0)
	require.NoError(t, err)
	require.Len(t, conversation, 1)
	assert.Equal(t, domain.MemorySourceAgentOutput, conversation[0].SourceType)
}

func TestRecoverStalledSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("pair", twoStepBlueprint)
	session := f.start("pair", nil, nil)

	storage := &failingEnqueueStorage{Storage: f.service}
	storage.failures.Store(1)
	f.withStorage(storage)

	// the worker gives up on the job after the next step was persisted but
	// never queued
	job := f.claimFirstJob()
	_, err := f.orch.ProcessJob(f.ctx, job)
	require.Error(t, err)
	require.NoError(t, f.service.FailFlowJob(f.ctx, job.Id, "gave up"))
	live, err := f.service.CountLiveFlowJobs(f.ctx, session.Id)
	require.NoError(t, err)
	require.Zero(t, live)

	recovered, err := f.orch.RecoverStalledSessions(f.ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, recovered, "recently updated sessions are left alone")

	recovered, err = f.orch.RecoverStalledSessions(f.ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	recovered, err = f.orch.RecoverStalledSessions(f.ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, recovered, "a queued job is enough")

	f.drain()
	assert.Equal(t, domain.FlowSessionStatusCompleted, f.session(session.Id).Status)
	assert.Len(t, f.invoker.callsFor("second"), 1)
}
