package blueprint

import (
	"agentflow/common"
	"agentflow/domain"
)

var validWriteModes = map[domain.MemoryWriteMode]bool{
	domain.MemoryWriteModeAgentOutput: true,
	domain.MemoryWriteModeUserInput:   true,
	domain.MemoryWriteModeStatic:      true,
}

// Validate checks the structural invariants of an upgraded blueprint. Every
// failure is a *common.ConfigurationError.
func Validate(bp domain.FlowBlueprint) error {
	if len(bp.Steps) == 0 {
		return common.NewConfigurationError("blueprint has no steps")
	}

	ids := make(map[string]bool, len(bp.Steps))
	for _, step := range bp.Steps {
		if step.Id == "" {
			return common.NewConfigurationError("step id must not be blank")
		}
		if ids[step.Id] {
			return common.NewConfigurationError("duplicate step id %q", step.Id)
		}
		ids[step.Id] = true
	}

	if !ids[bp.StartStepId] {
		return common.NewConfigurationError("start step %q does not exist", bp.StartStepId)
	}

	for _, step := range bp.Steps {
		if next := step.Transitions.OnSuccess.Next; next != "" && !ids[next] {
			return common.NewConfigurationError("step %q references unknown onSuccess step %q", step.Id, next)
		}
		if next := step.Transitions.OnFailure.Next; next != "" && !ids[next] {
			return common.NewConfigurationError("step %q references unknown onFailure step %q", step.Id, next)
		}
		if step.Transitions.OnSuccess.Complete && step.Transitions.OnSuccess.Next != "" {
			return common.NewConfigurationError("step %q sets both onSuccess.complete and onSuccess.next", step.Id)
		}
		if step.Retry != nil && (step.Retry.InitialDelayMs < 0 || step.Retry.MaxDelayMs < 0 || step.Retry.Multiplier < 0) {
			return common.NewConfigurationError("step %q has a negative retry setting", step.Id)
		}
		if step.Interaction != nil && step.Interaction.DueInMinutes < 0 {
			return common.NewConfigurationError("step %q has a negative interaction dueInMinutes", step.Id)
		}
		for _, read := range step.MemoryReads {
			if read.Channel == "" {
				return common.NewConfigurationError("step %q has a memory read without a channel", step.Id)
			}
		}
		for _, write := range step.MemoryWrites {
			if write.Channel == "" {
				return common.NewConfigurationError("step %q has a memory write without a channel", step.Id)
			}
			if !validWriteModes[write.Mode] {
				return common.NewConfigurationError("step %q has unknown memory write mode %q", step.Id, write.Mode)
			}
		}
	}

	params := make(map[string]bool, len(bp.LaunchParameters))
	for _, param := range bp.LaunchParameters {
		if param.Name == "" {
			return common.NewConfigurationError("launch parameter name must not be blank")
		}
		if params[param.Name] {
			return common.NewConfigurationError("duplicate launch parameter %q", param.Name)
		}
		params[param.Name] = true
	}
	return nil
}
