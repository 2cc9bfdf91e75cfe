package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentflow/blueprint"
	"agentflow/common"
	"agentflow/domain"
	"agentflow/interaction"
	"agentflow/memory"
	"agentflow/telemetry"

	"github.com/rs/zerolog/log"
)

// Storage is everything the orchestrator persists to. srv.Service satisfies
// it.
type Storage interface {
	domain.FlowDefinitionStorage
	domain.FlowSessionStorage
	domain.FlowStepExecutionStorage
	domain.FlowJobQueue
	domain.FlowEventStorage
	domain.FlowMemoryStorage
	domain.FlowInteractionStorage
	domain.AgentCatalogStorage
}

type streamEnder interface {
	EndFlowEventStream(ctx context.Context, sessionId string) error
}

type Dependencies struct {
	Storage     Storage
	Locker      domain.SessionLocker
	Compiler    *blueprint.Compiler
	Definitions *blueprint.DefinitionService
	// Catalog defaults to a catalog over Storage.
	Catalog *blueprint.AgentCatalog
	Memory  *memory.Service
	// Summarizer is optional.
	Summarizer *memory.Summarizer
	Gate       *interaction.Gate
	// Policy defaults to interaction.DefaultPolicy.
	Policy  interaction.Policy
	Invoker domain.AgentInvoker
	// Tools is optional; steps with tool bindings run without tools when nil.
	Tools   domain.ToolResolver
	Metrics telemetry.MetricsSink
	Worker  common.WorkerConfig
	LLM     common.LLMConfig
}

// Orchestrator drives flow sessions through their steps. Every mutation of a
// session happens while holding that session's lock.
type Orchestrator struct {
	storage     Storage
	locker      domain.SessionLocker
	compiler    *blueprint.Compiler
	definitions *blueprint.DefinitionService
	catalog     *blueprint.AgentCatalog
	memory      *memory.Service
	summarizer  *memory.Summarizer
	gate        *interaction.Gate
	policy      interaction.Policy
	invoker     domain.AgentInvoker
	tools       domain.ToolResolver
	metrics     telemetry.MetricsSink
	worker      common.WorkerConfig
	llm         common.LLMConfig
	now         func() time.Time
}

func New(deps Dependencies) *Orchestrator {
	o := &Orchestrator{
		storage:     deps.Storage,
		locker:      deps.Locker,
		compiler:    deps.Compiler,
		definitions: deps.Definitions,
		catalog:     deps.Catalog,
		memory:      deps.Memory,
		summarizer:  deps.Summarizer,
		gate:        deps.Gate,
		policy:      deps.Policy,
		invoker:     deps.Invoker,
		tools:       deps.Tools,
		metrics:     deps.Metrics,
		worker:      deps.Worker,
		llm:         deps.LLM,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if o.compiler == nil {
		o.compiler = blueprint.NewCompiler(blueprint.DefaultMaxCacheEntries)
	}
	if o.definitions == nil {
		o.definitions = blueprint.NewDefinitionService(o.storage, o.compiler)
	}
	if o.catalog == nil {
		o.catalog = blueprint.NewAgentCatalog(o.storage, o.llm)
	}
	if o.policy == nil {
		o.policy = interaction.DefaultPolicy{}
	}
	if o.metrics == nil {
		o.metrics = telemetry.NoopMetricsSink{}
	}
	if o.gate != nil {
		o.gate.SetExpiryHandler(o)
	}
	return o
}

var ErrInvalidLaunchParameters = errors.New("invalid launch parameters")

type StartRequest struct {
	// DefinitionName selects the active version of a definition. Ignored
	// when DefinitionId is set.
	DefinitionName   string
	DefinitionId     string
	Input            domain.Document
	LaunchParameters domain.Document
	Overrides        *domain.ChatOverrides
}

// Start creates a running session for a published definition and queues its
// start step.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (domain.FlowSession, error) {
	compiled, err := o.startDefinition(ctx, req)
	if err != nil {
		return domain.FlowSession{}, err
	}
	params, err := resolveLaunchParameters(compiled.Blueprint.LaunchParameters, req.LaunchParameters)
	if err != nil {
		return domain.FlowSession{}, err
	}

	now := o.now()
	start := compiled.StartStep()
	session := domain.FlowSession{
		Id:                domain.NewFlowSessionId(),
		DefinitionId:      compiled.Definition.Id,
		DefinitionVersion: compiled.Definition.Version,
		Status:            domain.FlowSessionStatusRunning,
		CurrentStepId:     start.Id,
		LaunchParameters:  params,
		LaunchOverrides:   req.Overrides,
		SharedContext:     domain.NewSharedContext(req.Input),
		Created:           now,
		Updated:           now,
		StartedAt:         &now,
	}
	if err := o.storage.CreateFlowSession(ctx, session); err != nil {
		return domain.FlowSession{}, fmt.Errorf("failed to create flow session: %w", err)
	}
	o.metrics.IncrementCounter(ctx, "flow.session.started", map[string]string{"definition": compiled.Definition.Name})
	o.emit(ctx, session.Id, nil, domain.FlowStartedEventType, domain.FlowSessionStatusRunning, domain.Document{
		"definitionId":      compiled.Definition.Id,
		"definitionVersion": compiled.Definition.Version,
		"startStepId":       start.Id,
	})

	if _, err := o.scheduleStep(ctx, session.Id, start, 1, "", nil, now); err != nil {
		return domain.FlowSession{}, err
	}
	log.Info().Str("sessionId", session.Id).Str("definitionId", session.DefinitionId).Msg("Started flow session")
	return session, nil
}

func (o *Orchestrator) startDefinition(ctx context.Context, req StartRequest) (*blueprint.Compiled, error) {
	if req.DefinitionId == "" {
		if req.DefinitionName == "" {
			return nil, common.NewConfigurationError("a definition id or name is required")
		}
		_, compiled, err := o.definitions.GetActive(ctx, req.DefinitionName)
		return compiled, err
	}
	compiled, err := o.compiler.Load(ctx, o.storage, req.DefinitionId)
	if err != nil {
		return nil, err
	}
	if compiled.Definition.Status != domain.FlowDefinitionStatusPublished {
		return nil, common.NewConfigurationError("flow definition %s is %s, not published", req.DefinitionId, compiled.Definition.Status)
	}
	return compiled, nil
}

// resolveLaunchParameters fills declared defaults and checks that required
// parameters are present and match their declared type.
func resolveLaunchParameters(declared []domain.LaunchParameter, given domain.Document) (domain.Document, error) {
	params := given.Clone()
	if params == nil {
		params = domain.Document{}
	}
	for _, param := range declared {
		value, ok := params[param.Name]
		if !ok || value == nil {
			if param.Default != nil {
				params[param.Name] = param.Default
				continue
			}
			if param.Required {
				return nil, fmt.Errorf("%w: %q is required", ErrInvalidLaunchParameters, param.Name)
			}
			continue
		}
		if !matchesType(param.Type, value) {
			return nil, fmt.Errorf("%w: %q must be a %s", ErrInvalidLaunchParameters, param.Name, param.Type)
		}
	}
	return params.Clone(), nil
}

func matchesType(paramType string, value any) bool {
	switch paramType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number", "integer":
		_, ok := value.(float64)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	}
	return true
}

type JobAction string

const (
	JobActionComplete JobAction = "complete"
	JobActionRelease  JobAction = "release"
	JobActionCancel   JobAction = "cancel"
	JobActionFail     JobAction = "fail"
)

// JobDisposition tells the worker what to do with the job it claimed.
type JobDisposition struct {
	Action JobAction
	// ReleaseAt is when a released job becomes due again.
	ReleaseAt time.Time
	Reason    string
}

// ProcessJob runs the step execution behind job under the session lock. The
// returned disposition says how the job should be settled; an error means the
// job could not be processed at all. A job whose execution already settled
// finishes whatever the earlier processing of that execution left undone.
func (o *Orchestrator) ProcessJob(ctx context.Context, job domain.FlowJob) (JobDisposition, error) {
	unlock, err := o.locker.LockSession(ctx, job.FlowSessionId)
	if err != nil {
		return JobDisposition{}, fmt.Errorf("failed to lock session %s: %w", job.FlowSessionId, err)
	}
	defer unlock()

	session, err := o.storage.GetFlowSession(ctx, job.FlowSessionId)
	if err != nil {
		return JobDisposition{}, err
	}
	execution, err := o.storage.GetFlowStepExecution(ctx, job.StepExecutionId)
	if err != nil {
		return JobDisposition{}, err
	}

	switch session.Status {
	case domain.FlowSessionStatusRunning:
	case domain.FlowSessionStatusPaused, domain.FlowSessionStatusCreated:
		return JobDisposition{Action: JobActionRelease, ReleaseAt: o.now().Add(o.worker.ReleaseDelay)}, nil
	case domain.FlowSessionStatusWaitingForInteraction:
		return JobDisposition{Action: JobActionComplete}, nil
	default:
		if err := o.cancelExecution(ctx, execution, "session "+session.Status); err != nil {
			return JobDisposition{}, err
		}
		return JobDisposition{Action: JobActionCancel, Reason: "session " + session.Status}, nil
	}

	if domain.IsTerminalStepStatus(execution.Status) {
		return o.redrive(ctx, session, execution)
	}

	compiled, err := o.compiler.Load(ctx, o.storage, session.DefinitionId)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) || common.IsConfigurationError(err) {
			return o.failSession(ctx, session.Id, execution, err)
		}
		return JobDisposition{}, err
	}
	step, ok := compiled.Step(execution.StepId)
	if !ok {
		return o.failSession(ctx, session.Id, execution, common.NewConfigurationError("step %q is not in definition %s", execution.StepId, session.DefinitionId))
	}

	if step.Interaction != nil && !o.policy.Deferred(step) && o.gate != nil && !answered(execution) {
		request, _, err := o.gate.EnsureRequest(ctx, session, execution, *step.Interaction)
		if err != nil {
			if common.IsConfigurationError(err) {
				return o.handleFailure(ctx, compiled, step, execution, err)
			}
			return JobDisposition{}, err
		}
		if request.Status != domain.InteractionStatusResolved {
			return JobDisposition{Action: JobActionComplete}, nil
		}
	}

	return o.dispatch(ctx, session, compiled, step, execution)
}

// answered reports whether an interaction response was already handed to
// the execution, directly or carried over from an earlier attempt.
func answered(execution domain.FlowStepExecution) bool {
	_, ok := execution.Input["interaction"]
	return ok
}

// cancelExecution settles a step execution whose session already ended.
func (o *Orchestrator) cancelExecution(ctx context.Context, execution domain.FlowStepExecution, reason string) error {
	if domain.IsTerminalStepStatus(execution.Status) {
		return nil
	}
	now := o.now()
	execution.Status = domain.FlowStepStatusCancelled
	execution.Updated = now
	execution.CompletedAt = &now
	if err := o.storage.PersistFlowStepExecution(ctx, execution); err != nil {
		return fmt.Errorf("failed to cancel step execution: %w", err)
	}
	o.emit(ctx, execution.FlowSessionId, &execution, domain.StepSkippedEventType, domain.FlowStepStatusCancelled, domain.Document{
		"stepId": execution.StepId,
		"reason": reason,
	})
	return nil
}

// scheduleStep creates attempt of step and queues it at scheduledAt. The
// session's current step follows it. previousId links the new execution to
// the one whose outcome scheduled it, so a job re-driven after a partial
// failure can find the work that already followed.
func (o *Orchestrator) scheduleStep(ctx context.Context, sessionId string, step domain.FlowStep, attempt int, previousId string, input domain.Document, scheduledAt time.Time) (domain.FlowStepExecution, error) {
	now := o.now()
	execution := domain.FlowStepExecution{
		Id:                  domain.NewFlowStepExecutionId(),
		FlowSessionId:       sessionId,
		StepId:              step.Id,
		StepName:            step.Name,
		Attempt:             attempt,
		PreviousExecutionId: previousId,
		Status:              domain.FlowStepStatusPending,
		Input:               input.Clone(),
		Created:             now,
		Updated:             now,
	}
	if err := o.storage.PersistFlowStepExecution(ctx, execution); err != nil {
		return domain.FlowStepExecution{}, fmt.Errorf("failed to persist step execution: %w", err)
	}
	_, err := domain.MutateFlowSession(ctx, o.storage, sessionId, func(s *domain.FlowSession) error {
		s.CurrentStepId = step.Id
		return nil
	})
	if err != nil {
		return domain.FlowStepExecution{}, fmt.Errorf("failed to update current step: %w", err)
	}
	if err := o.storage.EnqueueFlowJob(ctx, domain.NewFlowJob(execution, scheduledAt)); err != nil {
		return domain.FlowStepExecution{}, fmt.Errorf("failed to enqueue step %s: %w", step.Id, err)
	}
	return execution, nil
}

// finishSession moves a session into a terminal status and closes its live
// event stream.
func (o *Orchestrator) finishSession(ctx context.Context, sessionId string, status domain.FlowSessionStatus) (domain.FlowSession, error) {
	session, err := domain.MutateFlowSession(ctx, o.storage, sessionId, func(s *domain.FlowSession) error {
		now := o.now()
		s.Status = status
		s.CompletedAt = &now
		return nil
	})
	if err != nil {
		return domain.FlowSession{}, fmt.Errorf("failed to finish session: %w", err)
	}
	tags := map[string]string{"status": status}
	o.metrics.IncrementCounter(ctx, "flow.session.finished", tags)
	if session.StartedAt != nil {
		o.metrics.RecordDuration(ctx, "flow.session.duration", o.now().Sub(*session.StartedAt), tags)
	}
	if ender, ok := o.storage.(streamEnder); ok {
		if err := ender.EndFlowEventStream(ctx, sessionId); err != nil {
			log.Warn().Err(err).Str("sessionId", sessionId).Msg("Failed to end flow event stream")
		}
	}
	return session, nil
}

// failSession fails the session outright, bypassing retries and failure
// transitions.
func (o *Orchestrator) failSession(ctx context.Context, sessionId string, execution domain.FlowStepExecution, cause error) (JobDisposition, error) {
	now := o.now()
	execution.Status = domain.FlowStepStatusFailed
	execution.ErrorCode = common.ErrorCode(cause)
	execution.ErrorMessage = cause.Error()
	execution.Updated = now
	execution.CompletedAt = &now
	if err := o.storage.PersistFlowStepExecution(ctx, execution); err != nil {
		return JobDisposition{}, err
	}
	o.emit(ctx, sessionId, &execution, domain.FlowFailedEventType, domain.FlowSessionStatusFailed, errorPayload(execution, cause))
	if _, err := o.finishSession(ctx, sessionId, domain.FlowSessionStatusFailed); err != nil {
		return JobDisposition{}, err
	}
	log.Error().Err(cause).Str("sessionId", sessionId).Str("stepId", execution.StepId).Msg("Flow session failed")
	return JobDisposition{Action: JobActionFail, Reason: cause.Error()}, nil
}

func errorPayload(execution domain.FlowStepExecution, cause error) domain.Document {
	return domain.Document{
		"stepId":    execution.StepId,
		"attempt":   execution.Attempt,
		"errorCode": common.ErrorCode(cause),
		"message":   cause.Error(),
	}
}

func (o *Orchestrator) emit(ctx context.Context, sessionId string, execution *domain.FlowStepExecution, eventType domain.FlowEventType, status string, payload domain.Document) {
	event := domain.FlowEvent{
		FlowSessionId: sessionId,
		EventType:     eventType,
		Status:        status,
		Payload:       payload,
		Created:       o.now(),
	}
	event.TraceId, event.SpanId = telemetry.SpanIds(ctx)
	if execution != nil {
		event.StepExecutionId = execution.Id
		if execution.Usage != nil && eventType == domain.StepCompletedEventType {
			event.PromptTokens = execution.Usage.PromptTokens
			event.CompletionTokens = execution.Usage.CompletionTokens
			event.TotalTokens = execution.Usage.TotalTokens
		}
		if execution.Cost != nil && eventType == domain.StepCompletedEventType {
			event.Cost = execution.Cost.Total
		}
	}
	if event.TraceId == "" {
		event.TraceId = sessionId
		event.SpanId = event.StepExecutionId
	}
	if _, err := o.storage.AppendFlowEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionId).Str("eventType", string(eventType)).Msg("Failed to record flow event")
	}
}
