package domain

// SharedContext is the session-wide document threading outputs between steps.
// Known keys: initial, current, steps, lastOutput, lastStepId, version.
type SharedContext Document

func NewSharedContext(input Document) SharedContext {
	initial := input.Clone()
	if initial == nil {
		initial = Document{}
	}
	return SharedContext{
		"initial": map[string]any(initial),
		"current": map[string]any(initial.Clone()),
		"steps":   map[string]any{},
		"version": 0,
	}
}

func (c SharedContext) Document() Document {
	return Document(c)
}

func (c SharedContext) Version() int {
	return Document(c).GetInt("version")
}

func (c SharedContext) LastStepId() string {
	return Document(c).GetString("lastStepId")
}

func (c SharedContext) Current() Document {
	return Document(c).GetObject("current")
}

func (c SharedContext) StepOutput(stepId string) Document {
	steps := Document(c).GetObject("steps")
	if steps == nil {
		return nil
	}
	return steps.GetObject(stepId)
}

// WithStepOutput returns a copy of the context with output recorded for
// stepId, current/lastOutput/lastStepId pointed at it and version bumped.
func (c SharedContext) WithStepOutput(stepId string, output Document) SharedContext {
	next := Document(c).Clone()
	if next == nil {
		next = Document{}
	}
	steps := next.GetObject("steps")
	if steps == nil {
		steps = Document{}
	}
	out := output.Clone()
	if out == nil {
		out = Document{}
	}
	steps[stepId] = map[string]any(out)
	next["steps"] = map[string]any(steps)
	next["lastStepId"] = stepId
	next["lastOutput"] = map[string]any(out.Clone())
	next["current"] = map[string]any(out.Clone())
	next["version"] = c.Version() + 1
	return SharedContext(next)
}
