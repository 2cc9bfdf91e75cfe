package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"agentflow/common"
	"agentflow/domain"
	"agentflow/memory"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const OpenaiDefaultModel = "gpt-4o-mini"
const OpenaiApiKeyEnv = "OPENAI_API_KEY"

// maxToolRounds bounds how many tool-call round trips one invocation may make.
const maxToolRounds = 8

// NewOpenaiClient builds a go-openai client for the configured endpoint. Any
// OpenAI-compatible endpoint works through BaseURL.
func NewOpenaiClient(config common.LLMConfig) *openai.Client {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return openai.NewClientWithConfig(clientConfig)
}

// AgentInvoker runs flow steps against an OpenAI-compatible chat completion
// endpoint, executing tool calls until the model answers.
type AgentInvoker struct {
	client       *openai.Client
	defaultModel string
	config       common.LLMConfig
}

func NewAgentInvoker(client *openai.Client, config common.LLMConfig) *AgentInvoker {
	model := config.Model
	if model == "" {
		model = OpenaiDefaultModel
	}
	return &AgentInvoker{client: client, defaultModel: model, config: config}
}

// pricing is the agent's own price, else the configured price of model.
func (i *AgentInvoker) pricing(agent domain.AgentRef, model string) (domain.Pricing, bool) {
	if agent.Pricing != nil {
		return *agent.Pricing, true
	}
	configured, ok := i.config.PricingFor(model)
	if !ok {
		return domain.Pricing{}, false
	}
	return domain.Pricing{
		InputPer1K:  configured.InputPer1K,
		OutputPer1K: configured.OutputPer1K,
		Currency:    configured.Currency,
	}, true
}

// implements domain.AgentInvoker
func (i *AgentInvoker) Invoke(ctx context.Context, request domain.AgentInvocationRequest) (domain.AgentInvocationResult, error) {
	model := request.Agent.ModelId
	if model == "" {
		model = i.defaultModel
	}
	messages := openaiMessages(request)
	tools, callbacks := openaiTools(request.Tools)

	var usage domain.Usage
	for round := 0; ; round++ {
		chatRequest := openai.ChatCompletionRequest{
			Model:    model,
			Messages: messages,
			Tools:    tools,
		}
		applyOptions(&chatRequest, request.Options)

		response, err := i.client.CreateChatCompletion(ctx, chatRequest)
		if err != nil {
			return domain.AgentInvocationResult{}, classifyError(err)
		}
		usage.PromptTokens += response.Usage.PromptTokens
		usage.CompletionTokens += response.Usage.CompletionTokens
		usage.TotalTokens += response.Usage.TotalTokens

		if len(response.Choices) == 0 {
			return domain.AgentInvocationResult{}, &common.ProviderError{Code: common.ErrorCodeProvider, Message: "response has no choices", Retryable: true}
		}
		message := response.Choices[0].Message
		if len(message.ToolCalls) == 0 || len(callbacks) == 0 {
			structured, updates := extractMemoryUpdates(ParseStructured(message.Content))
			result := domain.AgentInvocationResult{
				Content:       message.Content,
				Structured:    structured,
				Usage:         usage,
				MemoryUpdates: updates,
			}
			if pricing, ok := i.pricing(request.Agent, model); ok {
				result.Cost = pricing.Cost(usage)
			}
			return result, nil
		}
		if round >= maxToolRounds {
			return domain.AgentInvocationResult{}, &common.ProviderError{
				Code:    common.ErrorCodeProvider,
				Message: fmt.Sprintf("model kept calling tools after %d rounds", maxToolRounds),
			}
		}

		messages = append(messages, message)
		for _, call := range message.ToolCalls {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    runTool(ctx, callbacks, call),
				ToolCallID: call.ID,
				Name:       call.Function.Name,
			})
		}
	}
}

func openaiMessages(request domain.AgentInvocationRequest) []openai.ChatCompletionMessage {
	var messages []openai.ChatCompletionMessage
	if request.Agent.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: request.Agent.SystemPrompt})
	}
	for _, entry := range request.History {
		if entry.Type == domain.HistoryEntryTypeSummary {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf("Summary of earlier %s messages:\n%s", entry.Channel, entry.Content),
			})
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    historyRole(entry.SourceType),
			Content: memory.FormatPayload(entry.Payload),
		})
	}
	if request.Prompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: request.Prompt})
	}
	return messages
}

func historyRole(sourceType domain.MemorySourceType) string {
	switch sourceType {
	case domain.MemorySourceUserInput:
		return openai.ChatMessageRoleUser
	case domain.MemorySourceAgentOutput:
		return openai.ChatMessageRoleAssistant
	}
	return openai.ChatMessageRoleSystem
}

// applyOptions copies set overrides onto the request. Unset fields stay zero
// so go-openai omits them and the model default applies.
func applyOptions(request *openai.ChatCompletionRequest, options domain.ChatOverrides) {
	if options.Temperature != nil {
		request.Temperature = float32(*options.Temperature)
	}
	if options.TopP != nil {
		request.TopP = float32(*options.TopP)
	}
	if options.MaxTokens != nil {
		request.MaxTokens = *options.MaxTokens
	}
}

func openaiTools(callbacks []domain.ToolCallback) ([]openai.Tool, map[string]domain.ToolCallback) {
	if len(callbacks) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(callbacks))
	byName := make(map[string]domain.ToolCallback, len(callbacks))
	for _, callback := range callbacks {
		parameters := callback.Parameters
		if parameters == nil {
			parameters = domain.Document{"type": "object"}
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        callback.Name,
				Description: callback.Description,
				Parameters:  map[string]any(parameters),
			},
		})
		byName[callback.Name] = callback
	}
	return tools, byName
}

// runTool executes one tool call and renders its result, or its failure, as
// the JSON content of the tool message.
func runTool(ctx context.Context, callbacks map[string]domain.ToolCallback, call openai.ToolCall) string {
	// cleanup rarely-occurring bad syntax from openai
	name := strings.TrimPrefix(strings.TrimPrefix(call.Function.Name, "functions."), "tools.")
	callback, ok := callbacks[name]
	if !ok {
		return toolError(fmt.Errorf("unknown tool %q", name))
	}

	arguments := domain.Document{}
	if strings.TrimSpace(call.Function.Arguments) != "" {
		parsed := ParseStructured(call.Function.Arguments)
		if parsed == nil {
			return toolError(errors.New("tool arguments are not a JSON object"))
		}
		arguments = parsed
	}

	result, err := callback.Call(ctx, arguments)
	if err != nil {
		log.Warn().Err(err).Str("tool", name).Msg("Tool call failed")
		return toolError(err)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return toolError(err)
	}
	return string(data)
}

func toolError(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}

// classifyError maps go-openai failures onto provider error codes so the
// orchestrator can tell transient failures from fatal ones.
func classifyError(err error) error {
	var apiErr *openai.APIError
	var requestErr *openai.RequestError
	status := 0
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &common.ProviderError{Code: common.ErrorCodeTimeout, Retryable: true, Err: err}
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &requestErr):
		status = requestErr.HTTPStatusCode
	default:
		return &common.ProviderError{Code: common.ErrorCodeUnavailable, Retryable: true, Err: err}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &common.ProviderError{Code: common.ErrorCodeRateLimited, Retryable: true, Err: err}
	case status == http.StatusRequestTimeout:
		return &common.ProviderError{Code: common.ErrorCodeTimeout, Retryable: true, Err: err}
	case status >= 500:
		return &common.ProviderError{Code: common.ErrorCodeUnavailable, Retryable: true, Err: err}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &common.ProviderError{Code: "unauthorized", Err: err}
	}
	return &common.ProviderError{Code: common.ErrorCodeProvider, Err: err}
}

// SummaryModel condenses memory transcripts with a chat completion.
type SummaryModel struct {
	client *openai.Client
	model  string
}

// NewSummaryModel uses the configured summary model, falling back to the
// default chat model.
func NewSummaryModel(client *openai.Client, config common.LLMConfig) *SummaryModel {
	model := config.SummaryModel
	if model == "" {
		model = config.Model
	}
	if model == "" {
		model = OpenaiDefaultModel
	}
	return &SummaryModel{client: client, model: model}
}

const summarySystemPrompt = `You condense the transcript of an AI agent's %s channel.
Keep decisions, facts, open questions and user preferences. Drop pleasantries and repetition.
Answer with the summary text only.`

// implements domain.SummaryModel
func (s *SummaryModel) Summarize(ctx context.Context, transcript, channel string) (string, error) {
	response, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(summarySystemPrompt, channel)},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
	})
	if err != nil {
		return "", classifyError(err)
	}
	if len(response.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}

var (
	_ domain.AgentInvoker = (*AgentInvoker)(nil)
	_ domain.SummaryModel = (*SummaryModel)(nil)
)
