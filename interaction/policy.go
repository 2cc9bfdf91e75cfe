package interaction

import "agentflow/domain"

const DefaultRequiredPath = "requiresUserInput"

// Policy decides when a step's interaction gate applies.
type Policy interface {
	// Deferred reports whether the gate is evaluated after the agent runs
	// rather than before.
	Deferred(step domain.FlowStep) bool
	// Required reports whether a deferred gate must open for the given
	// structured agent output.
	Required(step domain.FlowStep, output domain.Document) bool
}

type DefaultPolicy struct{}

func (DefaultPolicy) Deferred(step domain.FlowStep) bool {
	return step.Interaction != nil && step.Interaction.Deferred
}

func (DefaultPolicy) Required(step domain.FlowStep, output domain.Document) bool {
	if step.Interaction == nil || output == nil {
		return false
	}
	path := step.Interaction.RequiredPath
	if path == "" {
		path = DefaultRequiredPath
	}
	return output.Get(path).Bool()
}
