package orchestrator

import (
	"strings"

	"agentflow/common"
	"agentflow/domain"

	"github.com/cbroglie/mustache"
)

// RenderPrompt renders a mustache step prompt against the step input. Values
// are substituted verbatim, without HTML escaping; missing variables render
// empty.
func RenderPrompt(template string, input domain.Document) (string, error) {
	if strings.TrimSpace(template) == "" {
		return "", nil
	}
	parsed, err := mustache.ParseStringRaw(template, true)
	if err != nil {
		return "", &common.ConfigurationError{Reason: "invalid prompt template", Err: err}
	}
	rendered, err := parsed.Render(map[string]any(input))
	if err != nil {
		return "", &common.ConfigurationError{Reason: "failed to render prompt", Err: err}
	}
	return strings.TrimSpace(rendered), nil
}
