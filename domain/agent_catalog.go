package domain

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/segmentio/ksuid"
)

const DefaultCurrency = "USD"

// Pricing is what a model charges per thousand tokens.
type Pricing struct {
	InputPer1K  float64 `json:"inputPer1KTokens"`
	OutputPer1K float64 `json:"outputPer1KTokens"`
	Currency    string  `json:"currency,omitempty"`
}

// Cost prices usage. The currency defaults to USD.
func (p Pricing) Cost(usage Usage) Cost {
	return p.Estimate(usage.PromptTokens, usage.CompletionTokens)
}

func (p Pricing) Estimate(promptTokens, completionTokens int) Cost {
	currency := p.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	input := roundCost(p.InputPer1K * float64(promptTokens) / 1000)
	output := roundCost(p.OutputPer1K * float64(completionTokens) / 1000)
	return Cost{
		Input:    input,
		Output:   output,
		Total:    roundCost(input + output),
		Currency: currency,
	}
}

// roundCost keeps costs to a millionth of the currency unit.
func roundCost(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

type AgentVersionStatus = string

const (
	AgentVersionStatusDraft     AgentVersionStatus = "draft"
	AgentVersionStatusPublished AgentVersionStatus = "published"
)

// AgentVersion is one version of a catalogued agent: the provider and model
// steps are dispatched to, with its system prompt, default options and
// price. Steps reference it by AgentId (latest published version) or by
// AgentVersionId.
type AgentVersion struct {
	Id             string             `json:"id"`
	AgentId        string             `json:"agentId"`
	Version        int                `json:"version"`
	Status         AgentVersionStatus `json:"status"`
	DisplayName    string             `json:"displayName,omitempty"`
	Description    string             `json:"description,omitempty"`
	ProviderId     string             `json:"providerId"`
	ModelId        string             `json:"modelId"`
	Tokenizer      string             `json:"tokenizer,omitempty"`
	SystemPrompt   string             `json:"systemPrompt,omitempty"`
	DefaultOptions *ChatOverrides     `json:"defaultOptions,omitempty"`
	Pricing        *Pricing           `json:"pricing,omitempty"`
	Created        time.Time          `json:"created"`
	Updated        time.Time          `json:"updated"`
	PublishedAt    *time.Time         `json:"publishedAt,omitempty"`
}

func (v AgentVersion) MarshalJSON() ([]byte, error) {
	type Alias AgentVersion
	return json.Marshal(&struct {
		Alias
		Created     time.Time  `json:"created"`
		Updated     time.Time  `json:"updated"`
		PublishedAt *time.Time `json:"publishedAt,omitempty"`
	}{
		Alias:       Alias(v),
		Created:     UTCTime(v.Created),
		Updated:     UTCTime(v.Updated),
		PublishedAt: UTCTimePtr(v.PublishedAt),
	})
}

// Ref is the agent reference steps dispatched to this version carry.
func (v AgentVersion) Ref() AgentRef {
	return AgentRef{
		ProviderId:     v.ProviderId,
		ModelId:        v.ModelId,
		Tokenizer:      v.Tokenizer,
		SystemPrompt:   v.SystemPrompt,
		AgentId:        v.AgentId,
		AgentVersionId: v.Id,
		Pricing:        v.Pricing,
	}
}

func NewAgentVersionId() string {
	return "av_" + ksuid.New().String()
}

type AgentCatalogStorage interface {
	PersistAgentVersion(ctx context.Context, version AgentVersion) error
	GetAgentVersion(ctx context.Context, versionId string) (AgentVersion, error)
	// GetAgentVersions returns every version of agentId, newest first.
	GetAgentVersions(ctx context.Context, agentId string) ([]AgentVersion, error)
	// GetLatestAgentVersion returns the highest published version of agentId.
	GetLatestAgentVersion(ctx context.Context, agentId string) (AgentVersion, error)
	// GetAgentIds lists every catalogued agent id.
	GetAgentIds(ctx context.Context) ([]string, error)
}
