package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentflow/blueprint"
	"agentflow/common"
	"agentflow/domain"
	"agentflow/interaction"
	"agentflow/memory"
	"agentflow/srv"
	"agentflow/srv/sqlite"
	"agentflow/telemetry"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedReply struct {
	result domain.AgentInvocationResult
	err    error
}

type invocation struct {
	stepId  string
	request domain.AgentInvocationRequest
}

// scriptedInvoker answers each step from a per-step queue of replies and
// falls back to a plain "ok" once the queue is empty.
type scriptedInvoker struct {
	storage *sqlite.Storage
	mu      sync.Mutex
	script  map[string][]scriptedReply
	calls   []invocation
}

func (i *scriptedInvoker) reply(stepId string, replies ...scriptedReply) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.script[stepId] = append(i.script[stepId], replies...)
}

func (i *scriptedInvoker) Invoke(ctx context.Context, request domain.AgentInvocationRequest) (domain.AgentInvocationResult, error) {
	execution, err := i.storage.GetFlowStepExecution(ctx, request.StepExecutionId)
	if err != nil {
		return domain.AgentInvocationResult{}, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls = append(i.calls, invocation{stepId: execution.StepId, request: request})
	queue := i.script[execution.StepId]
	if len(queue) == 0 {
		return domain.AgentInvocationResult{Content: "ok"}, nil
	}
	i.script[execution.StepId] = queue[1:]
	return queue[0].result, queue[0].err
}

func (i *scriptedInvoker) callsFor(stepId string) []domain.AgentInvocationRequest {
	i.mu.Lock()
	defer i.mu.Unlock()
	var requests []domain.AgentInvocationRequest
	for _, call := range i.calls {
		if call.stepId == stepId {
			requests = append(requests, call.request)
		}
	}
	return requests
}

type fixture struct {
	t           *testing.T
	ctx         context.Context
	storage     *sqlite.Storage
	service     *srv.Delegator
	definitions *blueprint.DefinitionService
	memory      *memory.Service
	gate        *interaction.Gate
	metrics     *telemetry.RecordingMetricsSink
	invoker     *scriptedInvoker
	deps        Dependencies
	orch        *Orchestrator
}

func newFixture(t *testing.T, interactionConfig common.InteractionConfig) *fixture {
	t.Helper()
	storage := sqlite.NewTestSqliteStorage(t, "orchestrator_"+ksuid.New().String())
	service := srv.NewDelegator(storage, srv.NewMemoryStreamer())
	locker := srv.NewLocalSessionLocker()
	compiler := blueprint.NewCompiler(16)
	definitions := blueprint.NewDefinitionService(service, compiler)
	memoryService := memory.NewService(service, common.MemoryConfig{RetentionVersions: 50, RetentionDays: 30})
	gate := interaction.NewGate(service, locker, interactionConfig)
	metrics := telemetry.NewRecordingMetricsSink()
	invoker := &scriptedInvoker{storage: storage, script: map[string][]scriptedReply{}}

	deps := Dependencies{
		Storage:     service,
		Locker:      locker,
		Compiler:    compiler,
		Definitions: definitions,
		Memory:      memoryService,
		Gate:        gate,
		Invoker:     invoker,
		Metrics:     metrics,
		Worker: common.WorkerConfig{
			PollInterval:  10 * time.Millisecond,
			ReleaseDelay:  time.Second,
			InvokeTimeout: 5 * time.Second,
		},
		LLM: common.LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
	}

	return &fixture{
		t:           t,
		ctx:         context.Background(),
		storage:     storage,
		service:     service,
		definitions: definitions,
		memory:      memoryService,
		gate:        gate,
		metrics:     metrics,
		invoker:     invoker,
		deps:        deps,
		orch:        New(deps),
	}
}

// withStorage rebuilds the orchestrator on top of storage.
func (f *fixture) withStorage(storage Storage) {
	deps := f.deps
	deps.Storage = storage
	f.orch = New(deps)
}

func (f *fixture) publish(name, document string) domain.FlowDefinition {
	f.t.Helper()
	draft, err := f.definitions.CreateDraft(f.ctx, blueprint.DraftRequest{Name: name, Blueprint: []byte(document)})
	require.NoError(f.t, err)
	published, err := f.definitions.Publish(f.ctx, draft.Id, "initial", "tests")
	require.NoError(f.t, err)
	return published
}

func (f *fixture) start(name string, input, params domain.Document) domain.FlowSession {
	f.t.Helper()
	session, err := f.orch.Start(f.ctx, StartRequest{DefinitionName: name, Input: input, LaunchParameters: params})
	require.NoError(f.t, err)
	return session
}

// drain claims and settles due jobs the way a worker does until none are
// left. Retries scheduled in the near future are treated as due.
func (f *fixture) drain() []JobDisposition {
	f.t.Helper()
	var dispositions []JobDisposition
	for range 50 {
		job, err := f.service.ClaimNextFlowJob(f.ctx, "test-worker", time.Now().Add(time.Hour))
		if errors.Is(err, common.ErrNotFound) {
			return dispositions
		}
		require.NoError(f.t, err)

		disposition, err := f.orch.ProcessJob(f.ctx, job)
		require.NoError(f.t, err)
		f.settle(job, disposition)
		dispositions = append(dispositions, disposition)
	}
	f.t.Fatal("job queue did not drain")
	return nil
}

func (f *fixture) settle(job domain.FlowJob, disposition JobDisposition) {
	f.t.Helper()
	switch disposition.Action {
	case JobActionComplete:
		require.NoError(f.t, f.service.CompleteFlowJob(f.ctx, job.Id))
	case JobActionRelease:
		require.NoError(f.t, f.service.ReleaseFlowJob(f.ctx, job.Id, disposition.ReleaseAt))
	case JobActionCancel:
		require.NoError(f.t, f.service.CancelFlowJob(f.ctx, job.Id, disposition.Reason))
	case JobActionFail:
		require.NoError(f.t, f.service.FailFlowJob(f.ctx, job.Id, disposition.Reason))
	}
}

func (f *fixture) session(id string) domain.FlowSession {
	f.t.Helper()
	session, err := f.service.GetFlowSession(f.ctx, id)
	require.NoError(f.t, err)
	return session
}

func (f *fixture) executions(sessionId string) []domain.FlowStepExecution {
	f.t.Helper()
	executions, err := f.service.GetFlowStepExecutions(f.ctx, sessionId)
	require.NoError(f.t, err)
	return executions
}

func (f *fixture) eventTypes(sessionId string) []domain.FlowEventType {
	f.t.Helper()
	events, err := f.service.GetFlowEvents(f.ctx, sessionId, 0, 0)
	require.NoError(f.t, err)
	types := make([]domain.FlowEventType, len(events))
	for i, event := range events {
		types[i] = event.EventType
	}
	return types
}

func (f *fixture) pendingRequest(sessionId string) domain.FlowInteractionRequest {
	f.t.Helper()
	pending, err := f.service.GetPendingFlowInteractionRequests(f.ctx, sessionId)
	require.NoError(f.t, err)
	require.Len(f.t, pending, 1)
	return pending[0]
}

func countEvents(types []domain.FlowEventType, eventType domain.FlowEventType) int {
	count := 0
	for _, t := range types {
		if t == eventType {
			count++
		}
	}
	return count
}

const articleBlueprint = `
schemaVersion: 1
launchParameters:
  - name: topic
    type: string
    required: true
  - name: tone
    type: string
    default: friendly
steps:
  - id: outline
    prompt: "Outline {{launchParameters.topic}} for {{context.initial.audience}} in a {{launchParameters.tone}} tone"
    memoryWrites:
      - channel: Shared
        path: title
  - id: write
    prompt: "Write {{context.current.title}}"
    memoryReads:
      - channel: shared
    transitions:
      onSuccess:
        complete: true
  - id: unreachable
`

func TestStart_ValidatesLaunchParameters(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("article", articleBlueprint)

	_, err := f.orch.Start(f.ctx, StartRequest{DefinitionName: "article"})
	assert.ErrorIs(t, err, ErrInvalidLaunchParameters)

	_, err = f.orch.Start(f.ctx, StartRequest{DefinitionName: "article", LaunchParameters: domain.Document{"topic": 3}})
	assert.ErrorIs(t, err, ErrInvalidLaunchParameters)

	_, err = f.orch.Start(f.ctx, StartRequest{DefinitionName: "missing", LaunchParameters: domain.Document{"topic": "go"}})
	assert.Error(t, err)

	session := f.start("article", nil, domain.Document{"topic": "go"})
	assert.Equal(t, domain.FlowSessionStatusRunning, session.Status)
	assert.Equal(t, "outline", session.CurrentStepId)
	assert.Equal(t, "friendly", session.LaunchParameters.GetString("tone"))

	executions := f.executions(session.Id)
	require.Len(t, executions, 1)
	assert.Equal(t, domain.FlowStepStatusPending, executions[0].Status)
	assert.Equal(t, 1, executions[0].Attempt)
	assert.Equal(t, 1, f.metrics.Counter("flow.session.started", map[string]string{"definition": "article"}))
}

func TestStart_RequiresPublishedDefinitionById(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	draft, err := f.definitions.CreateDraft(f.ctx, blueprint.DraftRequest{Name: "article", Blueprint: []byte(articleBlueprint)})
	require.NoError(t, err)

	_, err = f.orch.Start(f.ctx, StartRequest{DefinitionId: draft.Id, LaunchParameters: domain.Document{"topic": "go"}})
	assert.True(t, common.IsConfigurationError(err))

	_, err = f.orch.Start(f.ctx, StartRequest{})
	assert.True(t, common.IsConfigurationError(err))
}

func TestProcessJob_RunsLinearFlowToCompletion(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("article", articleBlueprint)
	f.invoker.reply("outline", scriptedReply{result: domain.AgentInvocationResult{
		Content:    "an outline",
		Structured: domain.Document{"title": "Go in practice"},
		Usage:      domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}})
	f.invoker.reply("write", scriptedReply{result: domain.AgentInvocationResult{Content: "final article"}})

	session := f.start("article", domain.Document{"audience": "developers"}, domain.Document{"topic": "go"})
	dispositions := f.drain()
	require.Len(t, dispositions, 2)
	for _, disposition := range dispositions {
		assert.Equal(t, JobActionComplete, disposition.Action)
	}

	finished := f.session(session.Id)
	assert.Equal(t, domain.FlowSessionStatusCompleted, finished.Status)
	assert.NotNil(t, finished.CompletedAt)
	assert.Equal(t, "final article", finished.SharedContext.StepOutput("write").GetString("content"))
	assert.Equal(t, "Go in practice", finished.SharedContext.StepOutput("outline").GetString("title"))
	assert.Equal(t, "write", finished.SharedContext.LastStepId())

	outlineCalls := f.invoker.callsFor("outline")
	require.Len(t, outlineCalls, 1)
	assert.Equal(t, "Outline go for developers in a friendly tone", outlineCalls[0].Prompt)
	assert.Equal(t, "gpt-4o-mini", outlineCalls[0].Agent.ModelId)

	writeCalls := f.invoker.callsFor("write")
	require.Len(t, writeCalls, 1)
	assert.Equal(t, "Write Go in practice", writeCalls[0].Prompt)
	require.Len(t, writeCalls[0].History, 1)
	assert.Equal(t, "Go in practice", writeCalls[0].History[0].Payload.GetString("value"))
	assert.Empty(t, f.invoker.callsFor("unreachable"))

	conversation, err := f.memory.History(f.ctx, session.Id, domain.ConversationChannel, 0)
	require.NoError(t, err)
	require.Len(t, conversation, 4)
	assert.Equal(t, domain.MemorySourceUserInput, conversation[0].SourceType)
	assert.Equal(t, "Outline go for developers in a friendly tone", conversation[0].Payload.GetString("prompt"))
	assert.Equal(t, domain.MemorySourceAgentOutput, conversation[3].SourceType)
	assert.Equal(t, "final article", conversation[3].Payload.GetString("content"))

	executions := f.executions(session.Id)
	require.Len(t, executions, 2)
	for _, execution := range executions {
		assert.Equal(t, domain.FlowStepStatusSucceeded, execution.Status)
	}
	require.NotNil(t, executions[0].Usage)
	assert.Equal(t, 15, executions[0].Usage.TotalTokens)

	types := f.eventTypes(session.Id)
	require.NotEmpty(t, types)
	assert.Equal(t, domain.FlowStartedEventType, types[0])
	assert.Equal(t, domain.FlowCompletedEventType, types[len(types)-1])
	assert.Equal(t, 2, countEvents(types, domain.StepStartedEventType))
	assert.Equal(t, 2, countEvents(types, domain.StepCompletedEventType))
	assert.Equal(t, 1, f.metrics.Counter("flow.session.finished", map[string]string{"status": domain.FlowSessionStatusCompleted}))
}

const retryBlueprint = `
steps:
  - id: call
    prompt: "call the api"
    maxAttempts: 3
    retry:
      initialDelayMs: 10
      multiplier: 2
      maxDelayMs: 100
`

func TestProcessJob_RetriesThenFailsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("retry", retryBlueprint)
	rateLimited := &common.ProviderError{Code: common.ErrorCodeRateLimited, Retryable: true}
	f.invoker.reply("call", scriptedReply{err: rateLimited}, scriptedReply{err: rateLimited}, scriptedReply{err: rateLimited})

	session := f.start("retry", nil, nil)
	dispositions := f.drain()
	require.Len(t, dispositions, 3)
	assert.Equal(t, JobActionComplete, dispositions[0].Action)
	assert.Equal(t, JobActionComplete, dispositions[1].Action)
	assert.Equal(t, JobActionFail, dispositions[2].Action)

	assert.Equal(t, domain.FlowSessionStatusFailed, f.session(session.Id).Status)
	executions := f.executions(session.Id)
	require.Len(t, executions, 3)
	for i, execution := range executions {
		assert.Equal(t, i+1, execution.Attempt)
		assert.Equal(t, domain.FlowStepStatusFailed, execution.Status)
		assert.Equal(t, common.ErrorCodeRateLimited, execution.ErrorCode)
	}

	types := f.eventTypes(session.Id)
	assert.Equal(t, 2, countEvents(types, domain.StepRetryScheduledEventType))
	assert.Equal(t, 3, countEvents(types, domain.StepFailedEventType))
	assert.Equal(t, domain.FlowFailedEventType, types[len(types)-1])
	assert.Equal(t, 2, f.metrics.Counter("flow.step.retry", map[string]string{"step": "call"}))
}

func TestProcessJob_RetryRecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("retry", retryBlueprint)
	f.invoker.reply("call", scriptedReply{err: errors.New("connection reset")})

	session := f.start("retry", nil, nil)
	f.drain()

	assert.Equal(t, domain.FlowSessionStatusCompleted, f.session(session.Id).Status)
	executions := f.executions(session.Id)
	require.Len(t, executions, 2)
	assert.Equal(t, common.ErrorCodeInternal, executions[0].ErrorCode)
	assert.Equal(t, domain.FlowStepStatusSucceeded, executions[1].Status)
	assert.Equal(t, 2, executions[1].Attempt)
}

const fallbackBlueprint = `
steps:
  - id: call
    prompt: "call the api"
    maxAttempts: 3
    transitions:
      onFailure:
        next: fallback
  - id: fallback
    prompt: "apologize"
`

func TestProcessJob_NonRetryableFailureFollowsOnFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("fallback", fallbackBlueprint)
	f.invoker.reply("call", scriptedReply{err: &common.ProviderError{Code: "invalid_request", Retryable: false}})

	session := f.start("fallback", nil, nil)
	f.drain()

	assert.Equal(t, domain.FlowSessionStatusCompleted, f.session(session.Id).Status)
	executions := f.executions(session.Id)
	require.Len(t, executions, 2)
	assert.Equal(t, "call", executions[0].StepId)
	assert.Equal(t, domain.FlowStepStatusFailed, executions[0].Status)
	assert.Equal(t, "invalid_request", executions[0].ErrorCode)
	assert.Equal(t, "fallback", executions[1].StepId)
	assert.Equal(t, domain.FlowStepStatusSucceeded, executions[1].Status)
}

func TestProcessJob_OnFailureFailWins(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("strict", `
steps:
  - id: call
    transitions:
      onFailure:
        next: fallback
        fail: true
  - id: fallback
`)
	f.invoker.reply("call", scriptedReply{err: &common.ProviderError{Code: "invalid_request"}})

	session := f.start("strict", nil, nil)
	f.drain()

	assert.Equal(t, domain.FlowSessionStatusFailed, f.session(session.Id).Status)
	assert.Empty(t, f.invoker.callsFor("fallback"))
}

func TestProcessJob_BadPromptTemplateFailsStep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("broken", `
steps:
  - id: call
    maxAttempts: 3
    prompt: "Hello {{#unterminated}}"
`)

	session := f.start("broken", nil, nil)
	f.drain()

	assert.Equal(t, domain.FlowSessionStatusFailed, f.session(session.Id).Status)
	executions := f.executions(session.Id)
	require.Len(t, executions, 1)
	assert.Equal(t, common.ErrorCodeConfig, executions[0].ErrorCode)
	assert.Empty(t, f.invoker.callsFor("call"))
}

func TestProcessJob_MemoryWritesAndOverrides(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("notes", `
defaults:
  agent:
    providerId: anthropic
    modelId: claude
  overrides:
    temperature: 0.2
    maxTokens: 200
steps:
  - id: note
    prompt: "take notes"
    overrides:
      maxTokens: 50
    memoryWrites:
      - channel: conversation
      - channel: notes
        mode: static
        payload:
          kind: marker
`)
	f.invoker.reply("note", scriptedReply{result: domain.AgentInvocationResult{
		Content:       "noted",
		MemoryUpdates: []domain.MemoryWrite{{Channel: "scratch", Payload: domain.Document{"tmp": true}}},
	}})

	topP := 0.9
	session, err := f.orch.Start(f.ctx, StartRequest{
		DefinitionName: "notes",
		Overrides:      &domain.ChatOverrides{TopP: &topP},
	})
	require.NoError(t, err)
	f.drain()

	calls := f.invoker.callsFor("note")
	require.Len(t, calls, 1)
	assert.Equal(t, "anthropic", calls[0].Agent.ProviderId)
	require.NotNil(t, calls[0].Options.Temperature)
	assert.InDelta(t, 0.2, *calls[0].Options.Temperature, 1e-9)
	require.NotNil(t, calls[0].Options.TopP)
	assert.InDelta(t, 0.9, *calls[0].Options.TopP, 1e-9)
	require.NotNil(t, calls[0].Options.MaxTokens)
	assert.Equal(t, 50, *calls[0].Options.MaxTokens)

	conversation, err := f.memory.History(f.ctx, session.Id, domain.ConversationChannel, 0)
	require.NoError(t, err)
	// prompt plus the declared write; no duplicate implicit write
	require.Len(t, conversation, 2)
	assert.Equal(t, "noted", conversation[1].Payload.GetString("content"))

	notes, err := f.memory.Latest(f.ctx, session.Id, "notes")
	require.NoError(t, err)
	assert.Equal(t, "marker", notes.Payload.GetString("kind"))
	assert.Equal(t, domain.MemorySourceSystem, notes.SourceType)

	scratch, err := f.memory.Latest(f.ctx, session.Id, "scratch")
	require.NoError(t, err)
	assert.Equal(t, true, scratch.Payload["tmp"])

	finished := f.session(session.Id)
	assert.Equal(t, domain.FlowSessionStatusCompleted, finished.Status)
	assert.Positive(t, finished.MemoryVersion)
}

const reviewBlueprint = `
steps:
  - id: review
    name: Review draft
    prompt: "Decision was {{interaction.decision}}"
    interaction:
      title: Approve the draft
      dueInMinutes: 5
      suggestedActions: [approve]
      payloadSchema:
        type: object
        required: [decision]
        properties:
          decision:
            type: string
            enum: [approve, reject]
  - id: publish
    prompt: "publish it"
`

func TestProcessJob_InteractionGateWaitsForResponse(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("review", reviewBlueprint)

	session := f.start("review", nil, nil)
	dispositions := f.drain()
	require.Len(t, dispositions, 1)
	assert.Equal(t, JobActionComplete, dispositions[0].Action)
	assert.Empty(t, f.invoker.callsFor("review"))

	waiting := f.session(session.Id)
	assert.Equal(t, domain.FlowSessionStatusWaitingForInteraction, waiting.Status)
	request := f.pendingRequest(session.Id)
	assert.Equal(t, "Approve the draft", request.Title)
	assert.Equal(t, "input_form", request.Type)
	require.NotNil(t, request.DueAt)

	_, err := f.gate.Respond(f.ctx, interaction.RespondRequest{RequestId: request.Id, Payload: domain.Document{"decision": "maybe"}})
	assert.ErrorIs(t, err, interaction.ErrInvalidPayload)

	_, err = f.gate.Respond(f.ctx, interaction.RespondRequest{RequestId: request.Id, RespondedBy: "reviewer", Payload: domain.Document{"decision": "approve"}})
	require.NoError(t, err)
	assert.Equal(t, domain.FlowSessionStatusRunning, f.session(session.Id).Status)

	f.drain()
	calls := f.invoker.callsFor("review")
	require.Len(t, calls, 1)
	assert.Equal(t, "Decision was approve", calls[0].Prompt)
	assert.Len(t, f.invoker.callsFor("publish"), 1)
	assert.Equal(t, domain.FlowSessionStatusCompleted, f.session(session.Id).Status)

	types := f.eventTypes(session.Id)
	assert.Equal(t, 1, countEvents(types, domain.HumanInteractionRequiredEventType))
	assert.Equal(t, 1, countEvents(types, domain.HumanInteractionRespondedEventType))
}

func TestProcessJob_RetriedGatedStepKeepsResponse(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("review", `
steps:
  - id: review
    prompt: "Decision was {{interaction.decision}}"
    maxAttempts: 2
    retry:
      initialDelayMs: 1
    interaction:
      title: Approve
`)
	f.invoker.reply("review", scriptedReply{err: &common.ProviderError{Code: common.ErrorCodeUnavailable, Retryable: true}})

	session := f.start("review", nil, nil)
	f.drain()
	request := f.pendingRequest(session.Id)
	_, err := f.gate.Respond(f.ctx, interaction.RespondRequest{RequestId: request.Id, Payload: domain.Document{"decision": "approve"}})
	require.NoError(t, err)
	f.drain()

	calls := f.invoker.callsFor("review")
	require.Len(t, calls, 2)
	assert.Equal(t, "Decision was approve", calls[1].Prompt)
	assert.Equal(t, domain.FlowSessionStatusCompleted, f.session(session.Id).Status)
	assert.Equal(t, 1, countEvents(f.eventTypes(session.Id), domain.HumanInteractionRequiredEventType))
}

func TestProcessJob_DeferredGateOpensOnAgentRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("clarify", `
steps:
  - id: draft
    prompt: "draft it"
    interaction:
      deferred: true
      title: Clarify
`)
	f.invoker.reply("draft", scriptedReply{result: domain.AgentInvocationResult{
		Structured: domain.Document{"requiresUserInput": true, "question": "Which audience?"},
	}})

	session := f.start("clarify", nil, nil)
	f.drain()
	require.Len(t, f.invoker.callsFor("draft"), 1)
	assert.Equal(t, domain.FlowSessionStatusWaitingForInteraction, f.session(session.Id).Status)
	executions := f.executions(session.Id)
	require.Len(t, executions, 1)
	assert.Equal(t, domain.FlowStepStatusWaitingForInteraction, executions[0].Status)

	request := f.pendingRequest(session.Id)
	_, err := f.gate.Respond(f.ctx, interaction.RespondRequest{RequestId: request.Id, Payload: domain.Document{"audience": "students"}})
	require.NoError(t, err)
	f.drain()

	calls := f.invoker.callsFor("draft")
	require.Len(t, calls, 2)
	assert.Equal(t, "students", calls[1].Input.Get("interaction.audience").String())
	assert.Equal(t, domain.FlowSessionStatusCompleted, f.session(session.Id).Status)
}

func TestProcessJob_DeferredGateStaysClosed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("clarify", `
steps:
  - id: draft
    interaction:
      deferred: true
      requiredPath: needsHuman
`)
	f.invoker.reply("draft", scriptedReply{result: domain.AgentInvocationResult{
		Structured: domain.Document{"requiresUserInput": true, "needsHuman": false},
	}})

	session := f.start("clarify", nil, nil)
	f.drain()
	assert.Equal(t, domain.FlowSessionStatusCompleted, f.session(session.Id).Status)
}

func TestProcessJob_ReleasesJobOfPausedSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("retry", retryBlueprint)
	session := f.start("retry", nil, nil)

	_, err := f.orch.Pause(f.ctx, session.Id)
	require.NoError(t, err)
	_, err = f.service.ClaimNextFlowJob(f.ctx, "test-worker", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, common.ErrNotFound)

	jobs, err := f.storage.GetFlowJobsForSession(f.ctx, session.Id)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	before := time.Now()
	disposition, err := f.orch.ProcessJob(f.ctx, jobs[0])
	require.NoError(t, err)
	assert.Equal(t, JobActionRelease, disposition.Action)
	assert.True(t, disposition.ReleaseAt.After(before))
	assert.Empty(t, f.invoker.callsFor("call"))
}

func TestProcessJob_CancelsJobOfFinishedSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("retry", retryBlueprint)
	session := f.start("retry", nil, nil)
	jobs, err := f.storage.GetFlowJobsForSession(f.ctx, session.Id)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	_, err = domain.MutateFlowSession(f.ctx, f.service, session.Id, func(s *domain.FlowSession) error {
		s.Status = domain.FlowSessionStatusFailed
		return nil
	})
	require.NoError(t, err)

	disposition, err := f.orch.ProcessJob(f.ctx, jobs[0])
	require.NoError(t, err)
	assert.Equal(t, JobActionCancel, disposition.Action)

	executions := f.executions(session.Id)
	require.Len(t, executions, 1)
	assert.Equal(t, domain.FlowStepStatusCancelled, executions[0].Status)
	assert.Contains(t, f.eventTypes(session.Id), domain.StepSkippedEventType)
}

func TestProcessJob_DropsJobOfSettledExecution(t *testing.T) {
	t.Parallel()
	f := newFixture(t, common.InteractionConfig{})
	f.publish("retry", retryBlueprint)
	session := f.start("retry", nil, nil)
	f.drain()
	require.Equal(t, domain.FlowSessionStatusCompleted, f.session(session.Id).Status)

	jobs, err := f.storage.GetFlowJobsForSession(f.ctx, session.Id)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	disposition, err := f.orch.ProcessJob(f.ctx, jobs[0])
	require.NoError(t, err)
	assert.Equal(t, JobActionCancel, disposition.Action)
	assert.Len(t, f.invoker.callsFor("call"), 1)
}
