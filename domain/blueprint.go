package domain

import "time"

// FlowBlueprint is the document stored inside a FlowDefinition describing a
// flow's steps and transitions.
type FlowBlueprint struct {
	SchemaVersion    int               `json:"schemaVersion"`
	Metadata         BlueprintMetadata `json:"metadata"`
	StartStepId      string            `json:"startStepId,omitempty"`
	LaunchParameters []LaunchParameter `json:"launchParameters,omitempty"`
	Memory           BlueprintMemory   `json:"memory"`
	Defaults         BlueprintDefaults `json:"defaults"`
	Steps            []FlowStep        `json:"steps"`
}

type BlueprintMetadata struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type LaunchParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
}

type BlueprintMemory struct {
	SharedChannels []MemoryChannelConfig `json:"sharedChannels,omitempty"`
}

// MemoryChannelConfig overrides retention for one memory channel. Zero values
// fall back to configured defaults.
type MemoryChannelConfig struct {
	Id                string `json:"id"`
	RetentionVersions int    `json:"retentionVersions,omitempty"`
	RetentionDays     int    `json:"retentionDays,omitempty"`
}

type BlueprintDefaults struct {
	Agent     *AgentRef      `json:"agent,omitempty"`
	Overrides *ChatOverrides `json:"overrides,omitempty"`
}

// AgentRef names the provider and model a step is dispatched to.
type AgentRef struct {
	ProviderId   string `json:"providerId,omitempty"`
	ModelId      string `json:"modelId,omitempty"`
	Tokenizer    string `json:"tokenizer,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`

	// AgentId selects the latest published version of a catalogued agent;
	// AgentVersionId pins one version. Fields set here win over the catalog.
	AgentId        string `json:"agentId,omitempty"`
	AgentVersionId string `json:"agentVersionId,omitempty"`

	// Pricing overrides the catalog and configured price of the model.
	Pricing *Pricing `json:"pricing,omitempty"`
}

func (a *AgentRef) IsZero() bool {
	return a == nil || (a.ProviderId == "" && a.ModelId == "" && !a.IsCatalogued())
}

// IsCatalogued reports whether the reference points into the agent catalog.
func (a *AgentRef) IsCatalogued() bool {
	return a != nil && (a.AgentId != "" || a.AgentVersionId != "")
}

// ChatOverrides are per-field option overrides. Nil fields are unset.
type ChatOverrides struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
}

// ApplyTo sets every non-nil override onto base and returns the result.
func (o *ChatOverrides) ApplyTo(base ChatOverrides) ChatOverrides {
	if o == nil {
		return base
	}
	if o.Temperature != nil {
		base.Temperature = o.Temperature
	}
	if o.TopP != nil {
		base.TopP = o.TopP
	}
	if o.MaxTokens != nil {
		base.MaxTokens = o.MaxTokens
	}
	return base
}

type FlowStep struct {
	Id           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Agent        *AgentRef         `json:"agent,omitempty"`
	Prompt       string            `json:"prompt,omitempty"`
	Overrides    *ChatOverrides    `json:"overrides,omitempty"`
	Interaction  *InteractionDraft `json:"interaction,omitempty"`
	MemoryReads  []MemoryRead      `json:"memoryReads,omitempty"`
	MemoryWrites []MemoryWrite     `json:"memoryWrites,omitempty"`
	Transitions  StepTransitions   `json:"transitions"`
	MaxAttempts  int               `json:"maxAttempts,omitempty"`
	Retry        *RetryPolicy      `json:"retry,omitempty"`
	ToolBindings []ToolBinding     `json:"toolBindings,omitempty"`
}

type StepTransitions struct {
	OnSuccess SuccessTransition `json:"onSuccess"`
	OnFailure FailureTransition `json:"onFailure"`
}

type SuccessTransition struct {
	Next     string `json:"next,omitempty"`
	Complete bool   `json:"complete,omitempty"`
}

type FailureTransition struct {
	Next string `json:"next,omitempty"`
	Fail bool   `json:"fail,omitempty"`
}

// InteractionDraft declares a human-interaction gate on a step.
type InteractionDraft struct {
	Type             string   `json:"type,omitempty"`
	Title            string   `json:"title,omitempty"`
	Description      string   `json:"description,omitempty"`
	PayloadSchema    Document `json:"payloadSchema,omitempty"`
	SuggestedActions any      `json:"suggestedActions,omitempty"`
	DueInMinutes     int      `json:"dueInMinutes,omitempty"`
	// Deferred gates are only materialized after the agent's structured output
	// has been inspected.
	Deferred     bool   `json:"deferred,omitempty"`
	RequiredPath string `json:"requiredPath,omitempty"`
}

type MemoryRead struct {
	Channel string `json:"channel"`
	Limit   int    `json:"limit,omitempty"`
}

type MemoryWriteMode = string

const (
	MemoryWriteModeAgentOutput MemoryWriteMode = "agent_output"
	MemoryWriteModeUserInput   MemoryWriteMode = "user_input"
	MemoryWriteModeStatic      MemoryWriteMode = "static"
)

type MemoryWrite struct {
	Channel string          `json:"channel"`
	Mode    MemoryWriteMode `json:"mode,omitempty"`
	// Path selects part of the structured output for agent_output writes.
	Path    string   `json:"path,omitempty"`
	Payload Document `json:"payload,omitempty"`
}

type ToolBinding struct {
	ToolCode         string   `json:"toolCode"`
	SchemaVersion    int      `json:"schemaVersion,omitempty"`
	RequestOverrides Document `json:"requestOverrides,omitempty"`
}

// RetryPolicy controls step retry timing and which failure codes are retried.
type RetryPolicy struct {
	InitialDelayMs int      `json:"initialDelayMs,omitempty"`
	Multiplier     float64  `json:"multiplier,omitempty"`
	MaxDelayMs     int      `json:"maxDelayMs,omitempty"`
	RetryableCodes []string `json:"retryableCodes,omitempty"`
}

func (p *RetryPolicy) InitialDelay() time.Duration {
	if p == nil || p.InitialDelayMs <= 0 {
		return time.Second
	}
	return time.Duration(p.InitialDelayMs) * time.Millisecond
}

func (p *RetryPolicy) MaxDelay() time.Duration {
	if p == nil || p.MaxDelayMs <= 0 {
		return time.Minute
	}
	return time.Duration(p.MaxDelayMs) * time.Millisecond
}

func (p *RetryPolicy) Factor() float64 {
	if p == nil || p.Multiplier < 1 {
		return 2
	}
	return p.Multiplier
}
