package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentflow/blueprint"
	"agentflow/common"
	"agentflow/domain"
	"agentflow/memory"

	"github.com/rs/zerolog/log"
)

// resolveAgent picks the step's agent, else the blueprint default, else the
// configured provider and model, and completes it from the agent catalog.
// The catalogued version's default options come back with it.
func (o *Orchestrator) resolveAgent(ctx context.Context, compiled *blueprint.Compiled, step domain.FlowStep) (domain.AgentRef, *domain.ChatOverrides, error) {
	ref := domain.AgentRef{ProviderId: o.llm.Provider, ModelId: o.llm.Model}
	switch {
	case !step.Agent.IsZero():
		ref = *step.Agent
	case !compiled.Blueprint.Defaults.Agent.IsZero():
		ref = *compiled.Blueprint.Defaults.Agent
	}
	return o.catalog.Resolve(ctx, ref)
}

// effectiveOverrides layers configured defaults, the agent's default options,
// blueprint defaults, session launch overrides and step overrides; the most
// specific set field wins.
func (o *Orchestrator) effectiveOverrides(compiled *blueprint.Compiled, session domain.FlowSession, step domain.FlowStep, agentDefaults *domain.ChatOverrides) domain.ChatOverrides {
	options := domain.ChatOverrides{
		Temperature: o.llm.Temperature,
		TopP:        o.llm.TopP,
		MaxTokens:   o.llm.MaxTokens,
	}
	options = agentDefaults.ApplyTo(options)
	options = compiled.Blueprint.Defaults.Overrides.ApplyTo(options)
	options = session.LaunchOverrides.ApplyTo(options)
	return step.Overrides.ApplyTo(options)
}

// buildInput assembles the document the prompt is rendered against and the
// agent receives: the shared context, launch parameters, any interaction
// response and the step's memory reads.
func (o *Orchestrator) buildInput(ctx context.Context, session domain.FlowSession, step domain.FlowStep, execution domain.FlowStepExecution) (domain.Document, []domain.HistoryEntry, error) {
	input := domain.Document{
		"context":          map[string]any(session.SharedContext.Document().Clone()),
		"launchParameters": map[string]any(session.LaunchParameters.Clone()),
	}
	if response, ok := execution.Input["interaction"]; ok {
		input["interaction"] = response
	}

	var history []domain.HistoryEntry
	if len(step.MemoryReads) > 0 {
		reads := map[string]any{}
		for _, read := range step.MemoryReads {
			entries, err := o.memory.History(ctx, session.Id, read.Channel, read.Limit)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read memory channel %s: %w", read.Channel, err)
			}
			reads[read.Channel] = entries
			history = append(history, entries...)
		}
		input["memory"] = reads
	}
	return input.Clone(), history, nil
}

// dispatch invokes the step's agent and settles the outcome.
func (o *Orchestrator) dispatch(ctx context.Context, session domain.FlowSession, compiled *blueprint.Compiled, step domain.FlowStep, execution domain.FlowStepExecution) (JobDisposition, error) {
	agent, agentDefaults, err := o.resolveAgent(ctx, compiled, step)
	if err != nil {
		if common.IsConfigurationError(err) {
			return o.handleFailure(ctx, compiled, step, execution, err)
		}
		return JobDisposition{}, err
	}
	options := o.effectiveOverrides(compiled, session, step, agentDefaults)

	input, history, err := o.buildInput(ctx, session, step, execution)
	if err != nil {
		return JobDisposition{}, err
	}
	prompt, err := RenderPrompt(step.Prompt, input)
	if err != nil {
		return o.handleFailure(ctx, compiled, step, execution, err)
	}

	// a running execution lost its claim mid-call; its prompt is already in
	// memory
	resumed := execution.Status == domain.FlowStepStatusRunning
	now := o.now()
	execution.Status = domain.FlowStepStatusRunning
	execution.Agent = agent
	execution.Prompt = prompt
	execution.Input = input
	execution.StartedAt = &now
	execution.Updated = now
	if err := o.storage.PersistFlowStepExecution(ctx, execution); err != nil {
		return JobDisposition{}, fmt.Errorf("failed to mark step execution running: %w", err)
	}
	o.emit(ctx, session.Id, &execution, domain.StepStartedEventType, domain.FlowStepStatusRunning, domain.Document{
		"stepId":     step.Id,
		"attempt":    execution.Attempt,
		"providerId":     agent.ProviderId,
		"modelId":        agent.ModelId,
		"agentVersionId": agent.AgentVersionId,
		"overrides":      map[string]any(domain.ToDocument(options)),
	})

	if prompt != "" && !resumed {
		_, err := o.memory.Append(ctx, memory.AppendRequest{
			SessionId:       session.Id,
			Channel:         domain.ConversationChannel,
			Payload:         domain.Document{"prompt": prompt},
			SourceType:      domain.MemorySourceUserInput,
			StepExecutionId: execution.Id,
			Retention:       channelRetention(compiled, domain.ConversationChannel),
		})
		if err != nil {
			return JobDisposition{}, fmt.Errorf("failed to record prompt: %w", err)
		}
		o.preflightSummary(ctx, session.Id, agent)
	}

	var tools []domain.ToolCallback
	if o.tools != nil && len(step.ToolBindings) > 0 {
		tools, err = o.tools.ResolveTools(ctx, step.ToolBindings, prompt)
		if err != nil {
			log.Warn().Err(err).Str("sessionId", session.Id).Str("stepId", step.Id).Msg("Failed to resolve tools, continuing without them")
			tools = nil
		}
	}

	callCtx := ctx
	if o.worker.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.worker.InvokeTimeout)
		defer cancel()
	}
	started := time.Now()
	result, err := o.invoker.Invoke(callCtx, domain.AgentInvocationRequest{
		SessionId:        session.Id,
		StepExecutionId:  execution.Id,
		Agent:            agent,
		Prompt:           prompt,
		Input:            input,
		LaunchParameters: session.LaunchParameters,
		Options:          options,
		Tools:            tools,
		History:          history,
	})
	tags := map[string]string{"step": step.Id, "result": "success"}
	if err != nil {
		tags["result"] = "failure"
	}
	o.metrics.RecordDuration(ctx, "flow.step.invoke.duration", time.Since(started), tags)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = &common.ProviderError{Code: common.ErrorCodeTimeout, Message: "agent invocation timed out", Retryable: true, Err: err}
		}
		return o.handleFailure(ctx, compiled, step, execution, err)
	}
	return o.succeed(ctx, compiled, step, execution, result)
}

func (o *Orchestrator) preflightSummary(ctx context.Context, sessionId string, agent domain.AgentRef) {
	if o.summarizer == nil {
		return
	}
	plan, err := o.summarizer.Preflight(ctx, sessionId, domain.ConversationChannel, "", agent)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionId).Msg("Memory summary preflight failed")
		return
	}
	if plan != nil && !o.summarizer.Submit(ctx, *plan) {
		log.Warn().Str("sessionId", sessionId).Msg("Memory summary queue is full, skipping")
	}
}

func channelRetention(compiled *blueprint.Compiled, channel string) *domain.MemoryChannelConfig {
	config, ok := compiled.ChannelConfig(channel)
	if !ok {
		return nil
	}
	return &config
}

// stepOutput is the structured output of the agent, or its content wrapped
// under "content" when there is none.
func stepOutput(result domain.AgentInvocationResult) domain.Document {
	output := result.Structured.Clone()
	if output == nil {
		output = domain.Document{}
	}
	if _, ok := output["content"]; !ok && result.Content != "" {
		output["content"] = result.Content
	}
	return output
}

// stepCost is the cost the invoker reported, else the usage priced at the
// agent's rate. Nil when neither is known.
func stepCost(agent domain.AgentRef, result domain.AgentInvocationResult) *domain.Cost {
	cost := result.Cost
	if cost == (domain.Cost{}) {
		if agent.Pricing == nil {
			return nil
		}
		cost = agent.Pricing.Cost(result.Usage)
	}
	return &cost
}

// succeed applies a successful agent result and follows the step's success
// transition. Memory writes happen once the result is persisted, so a crash
// in between loses them rather than repeating the agent call.
func (o *Orchestrator) succeed(ctx context.Context, compiled *blueprint.Compiled, step domain.FlowStep, execution domain.FlowStepExecution, result domain.AgentInvocationResult) (JobDisposition, error) {
	output := stepOutput(result)
	now := o.now()
	execution.Status = domain.FlowStepStatusSucceeded
	execution.Output = output
	execution.Usage = &result.Usage
	execution.Cost = stepCost(execution.Agent, result)
	execution.ErrorCode = ""
	execution.ErrorMessage = ""
	execution.Retryable = false
	execution.Updated = now
	execution.CompletedAt = &now
	if err := o.storage.PersistFlowStepExecution(ctx, execution); err != nil {
		return JobDisposition{}, fmt.Errorf("failed to persist step result: %w", err)
	}

	if err := o.applyMemoryWrites(ctx, compiled, step, execution, output, result.MemoryUpdates); err != nil {
		return JobDisposition{}, err
	}
	return o.settleSuccess(ctx, compiled, step, execution, false)
}

// settleSuccess records a succeeded or skipped execution's output in the
// shared context, opens a deferred interaction when the output asks for one
// and follows the success transition. On replay the context is only written
// when it does not already end with this step, and the completion event and
// metrics are not repeated.
func (o *Orchestrator) settleSuccess(ctx context.Context, compiled *blueprint.Compiled, step domain.FlowStep, execution domain.FlowStepExecution, replay bool) (JobDisposition, error) {
	output := execution.Output
	session, err := o.storage.GetFlowSession(ctx, execution.FlowSessionId)
	if err != nil {
		return JobDisposition{}, err
	}
	if !replay || session.SharedContext.LastStepId() != step.Id {
		session, err = domain.MutateFlowSession(ctx, o.storage, execution.FlowSessionId, func(s *domain.FlowSession) error {
			s.SharedContext = s.SharedContext.WithStepOutput(step.Id, output)
			return nil
		})
		if err != nil {
			return JobDisposition{}, fmt.Errorf("failed to update shared context: %w", err)
		}
	}

	succeeded := execution.Status == domain.FlowStepStatusSucceeded
	if succeeded && o.gate != nil && o.policy.Deferred(step) && !answered(execution) && o.policy.Required(step, output) {
		if _, _, err := o.gate.EnsureRequest(ctx, session, execution, *step.Interaction); err != nil {
			if common.IsConfigurationError(err) {
				return o.handleFailure(ctx, compiled, step, execution, err)
			}
			return JobDisposition{}, err
		}
		return JobDisposition{Action: JobActionComplete}, nil
	}

	if succeeded && !replay {
		if execution.StartedAt != nil && execution.CompletedAt != nil {
			o.metrics.RecordDuration(ctx, "flow.step.duration", execution.CompletedAt.Sub(*execution.StartedAt), map[string]string{"step": step.Id, "result": "success"})
		}
		o.emit(ctx, session.Id, &execution, domain.StepCompletedEventType, domain.FlowStepStatusSucceeded, domain.Document{
			"stepId":  step.Id,
			"attempt": execution.Attempt,
			"output":  map[string]any(output),
		})
	}
	return o.advance(ctx, compiled, step, session.Id, execution)
}

// advance follows the success transition of step: explicit completion, an
// explicit next step, or the next step in declaration order.
func (o *Orchestrator) advance(ctx context.Context, compiled *blueprint.Compiled, step domain.FlowStep, sessionId string, execution domain.FlowStepExecution) (JobDisposition, error) {
	var next domain.FlowStep
	hasNext := false
	switch {
	case step.Transitions.OnSuccess.Complete:
	case step.Transitions.OnSuccess.Next != "":
		next, hasNext = compiled.Step(step.Transitions.OnSuccess.Next)
	default:
		next, hasNext = compiled.NextInOrder(step.Id)
	}

	if !hasNext {
		o.emit(ctx, sessionId, &execution, domain.FlowCompletedEventType, domain.FlowSessionStatusCompleted, domain.Document{"lastStepId": step.Id})
		if _, err := o.finishSession(ctx, sessionId, domain.FlowSessionStatusCompleted); err != nil {
			return JobDisposition{}, err
		}
		log.Info().Str("sessionId", sessionId).Msg("Flow session completed")
		return JobDisposition{Action: JobActionComplete}, nil
	}

	if _, err := o.scheduleStep(ctx, sessionId, next, 1, execution.Id, nil, o.now()); err != nil {
		return JobDisposition{}, err
	}
	return JobDisposition{Action: JobActionComplete}, nil
}

// applyMemoryWrites records the step's declared memory writes and any writes
// the agent requested. The agent output always lands on the conversation
// channel unless a declared write already put it there.
func (o *Orchestrator) applyMemoryWrites(ctx context.Context, compiled *blueprint.Compiled, step domain.FlowStep, execution domain.FlowStepExecution, output domain.Document, requested []domain.MemoryWrite) error {
	conversationWritten := false
	appendTo := func(channel string, payload domain.Document, sourceType domain.MemorySourceType) error {
		_, err := o.memory.Append(ctx, memory.AppendRequest{
			SessionId:       execution.FlowSessionId,
			Channel:         channel,
			Payload:         payload,
			SourceType:      sourceType,
			StepExecutionId: execution.Id,
			Retention:       channelRetention(compiled, channel),
		})
		if err != nil {
			return fmt.Errorf("failed to write memory channel %s: %w", channel, err)
		}
		return nil
	}

	for _, write := range step.MemoryWrites {
		channel := blueprint.NormalizeChannel(write.Channel)
		switch write.Mode {
		case domain.MemoryWriteModeAgentOutput, "":
			payload := output
			if write.Path != "" {
				selected := output.Get(write.Path)
				if !selected.Exists() {
					log.Debug().Str("stepId", step.Id).Str("path", write.Path).Msg("Memory write path not found in output, skipping")
					continue
				}
				payload = domain.ToDocument(selected.Value())
			}
			if err := appendTo(channel, payload, domain.MemorySourceAgentOutput); err != nil {
				return err
			}
			if channel == domain.ConversationChannel {
				conversationWritten = true
			}
		case domain.MemoryWriteModeUserInput:
			if write.Payload == nil {
				continue
			}
			if err := appendTo(channel, write.Payload, domain.MemorySourceUserInput); err != nil {
				return err
			}
		case domain.MemoryWriteModeStatic:
			if write.Payload == nil {
				continue
			}
			if err := appendTo(channel, write.Payload, domain.MemorySourceSystem); err != nil {
				return err
			}
		}
	}

	for _, write := range requested {
		if write.Channel == "" || write.Payload == nil {
			continue
		}
		if err := appendTo(write.Channel, write.Payload, domain.MemorySourceAgentOutput); err != nil {
			return err
		}
	}

	if !conversationWritten {
		return appendTo(domain.ConversationChannel, output, domain.MemorySourceAgentOutput)
	}
	return nil
}
