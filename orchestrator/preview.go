package orchestrator

import (
	"context"
	"math"
	"unicode/utf8"

	"agentflow/domain"
)

const (
	previewMinPromptTokens         = 32
	previewEmptyPromptTokens       = 64
	previewDefaultCompletionTokens = 512
)

// StepPreview is the agent a step would be dispatched to with the options it
// would run with, and a rough cost estimate for one attempt.
type StepPreview struct {
	StepId           string               `json:"stepId"`
	StepName         string               `json:"stepName,omitempty"`
	Agent            domain.AgentRef      `json:"agent"`
	Options          domain.ChatOverrides `json:"options"`
	PromptTokens     int                  `json:"promptTokens"`
	CompletionTokens int                  `json:"completionTokens"`
	Cost             *domain.Cost         `json:"cost,omitempty"`
}

// LaunchPreview describes what launching a definition would run. Totals has
// one entry per currency the priced steps use.
type LaunchPreview struct {
	DefinitionId     string        `json:"definitionId"`
	Name             string        `json:"name"`
	Version          int           `json:"version"`
	Description      string        `json:"description,omitempty"`
	StartStepId      string        `json:"startStepId"`
	Steps            []StepPreview `json:"steps"`
	PromptTokens     int           `json:"promptTokens"`
	CompletionTokens int           `json:"completionTokens"`
	Totals           []domain.Cost `json:"totals"`
}

// Preview resolves the agent of every step of a definition and estimates
// what one pass through all steps would cost, without starting a session.
// Steps referencing an unpublished agent fail the preview.
func (o *Orchestrator) Preview(ctx context.Context, definitionId string) (LaunchPreview, error) {
	compiled, err := o.compiler.Load(ctx, o.storage, definitionId)
	if err != nil {
		return LaunchPreview{}, err
	}

	preview := LaunchPreview{
		DefinitionId: compiled.Definition.Id,
		Name:         compiled.Definition.Name,
		Version:      compiled.Definition.Version,
		Description:  compiled.Definition.Description,
		StartStepId:  compiled.StartStep().Id,
		Steps:        []StepPreview{},
		Totals:       []domain.Cost{},
	}
	for _, stepId := range compiled.StepIds() {
		step, _ := compiled.Step(stepId)
		agent, agentDefaults, err := o.resolveAgent(ctx, compiled, step)
		if err != nil {
			return LaunchPreview{}, err
		}
		options := o.effectiveOverrides(compiled, domain.FlowSession{}, step, agentDefaults)

		stepPreview := StepPreview{
			StepId:           step.Id,
			StepName:         step.Name,
			Agent:            agent,
			Options:          options,
			PromptTokens:     estimatePromptTokens(step.Prompt),
			CompletionTokens: previewDefaultCompletionTokens,
		}
		if options.MaxTokens != nil {
			stepPreview.CompletionTokens = *options.MaxTokens
		}
		if agent.Pricing != nil {
			cost := agent.Pricing.Estimate(stepPreview.PromptTokens, stepPreview.CompletionTokens)
			stepPreview.Cost = &cost
			preview.Totals = addCost(preview.Totals, cost)
		}
		preview.PromptTokens += stepPreview.PromptTokens
		preview.CompletionTokens += stepPreview.CompletionTokens
		preview.Steps = append(preview.Steps, stepPreview)
	}
	return preview, nil
}

// estimatePromptTokens assumes four characters per token of the unrendered
// prompt template.
func estimatePromptTokens(prompt string) int {
	if prompt == "" {
		return previewEmptyPromptTokens
	}
	tokens := int(math.Round(float64(utf8.RuneCountInString(prompt)) / 4))
	return max(tokens, previewMinPromptTokens)
}

func addCost(totals []domain.Cost, cost domain.Cost) []domain.Cost {
	for i, total := range totals {
		if total.Currency == cost.Currency {
			totals[i] = domain.Cost{
				Input:    total.Input + cost.Input,
				Output:   total.Output + cost.Output,
				Total:    total.Total + cost.Total,
				Currency: cost.Currency,
			}
			return totals
		}
	}
	return append(totals, cost)
}
