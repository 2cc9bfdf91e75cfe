package domain

import "context"

// AgentInvocationRequest is everything a provider adapter needs to run one
// step.
type AgentInvocationRequest struct {
	SessionId        string
	StepExecutionId  string
	Agent            AgentRef
	Prompt           string
	Input            Document
	LaunchParameters Document
	Options          ChatOverrides
	Tools            []ToolCallback
	History          []HistoryEntry
}

// AgentInvocationResult carries the generated content plus optional
// structured output and memory side effects.
type AgentInvocationResult struct {
	Content       string
	Structured    Document
	Usage         Usage
	Cost          Cost
	MemoryUpdates []MemoryWrite
}

// AgentInvoker calls an external chat provider. Errors should be (or wrap) a
// *common.ProviderError so they can be classified as retryable or fatal.
type AgentInvoker interface {
	Invoke(ctx context.Context, request AgentInvocationRequest) (AgentInvocationResult, error)
}

// ToolCallback is a callable action resolved from a declared tool binding.
type ToolCallback struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the arguments object.
	Parameters Document
	Call       func(ctx context.Context, arguments Document) (Document, error)
}

// ToolResolver turns declared tool bindings into callable actions. Missing or
// misconfigured bindings are skipped rather than failing the step.
type ToolResolver interface {
	ResolveTools(ctx context.Context, bindings []ToolBinding, query string) ([]ToolCallback, error)
}

// SummaryModel produces a summary for a transcript. An empty string means no
// summary was produced.
type SummaryModel interface {
	Summarize(ctx context.Context, transcript, channel string) (string, error)
}

// HistoryEntry is one element of a materialized channel history: either a
// verbatim memory version or the synthetic summary node.
type HistoryEntry struct {
	Type               string           `json:"type"`
	Channel            string           `json:"channel"`
	Version            int64            `json:"version,omitempty"`
	SourceType         MemorySourceType `json:"sourceType,omitempty"`
	Payload            Document         `json:"payload,omitempty"`
	Content            string           `json:"content,omitempty"`
	SourceVersionStart int64            `json:"sourceVersionStart,omitempty"`
	SourceVersionEnd   int64            `json:"sourceVersionEnd,omitempty"`
	TokenCount         int              `json:"tokenCount,omitempty"`
	Metadata           Document         `json:"metadata,omitempty"`
}

const (
	HistoryEntryTypeSummary = "summary"
	HistoryEntryTypeMemory  = "memory"
)
