package orchestrator

import (
	"testing"
	"time"

	"agentflow/common"
	"agentflow/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPrompt(t *testing.T) {
	t.Parallel()
	input := domain.Document{
		"context":          map[string]any{"current": map[string]any{"title": "Tips & tricks"}},
		"launchParameters": map[string]any{"topic": "go"},
		"items":            []any{"a", "b"},
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{name: "blank", template: "  ", want: ""},
		{name: "dotted", template: "Write about {{launchParameters.topic}}", want: "Write about go"},
		{name: "no escaping", template: "{{context.current.title}}", want: "Tips & tricks"},
		{name: "missing renders empty", template: "Hi {{nobody}}!", want: "Hi !"},
		{name: "section", template: "{{#items}}[{{.}}]{{/items}}", want: "[a][b]"},
		{name: "trimmed", template: "\n  hello  \n", want: "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderPrompt(tt.template, input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := RenderPrompt("{{#open}}never closed", input)
	assert.True(t, common.IsConfigurationError(err))
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Second, RetryDelay(nil, 1))
	assert.Equal(t, 2*time.Second, RetryDelay(nil, 2))
	assert.Equal(t, 4*time.Second, RetryDelay(nil, 3))

	policy := &domain.RetryPolicy{InitialDelayMs: 100, Multiplier: 3, MaxDelayMs: 500}
	assert.Equal(t, 100*time.Millisecond, RetryDelay(policy, 1))
	assert.Equal(t, 300*time.Millisecond, RetryDelay(policy, 2))
	assert.Equal(t, 500*time.Millisecond, RetryDelay(policy, 3))
	assert.Equal(t, 500*time.Millisecond, RetryDelay(policy, 8))

	capped := &domain.RetryPolicy{InitialDelayMs: 5000, MaxDelayMs: 1000}
	assert.Equal(t, time.Second, RetryDelay(capped, 1))
}

func TestResolveLaunchParameters(t *testing.T) {
	t.Parallel()
	declared := []domain.LaunchParameter{
		{Name: "topic", Type: "string", Required: true},
		{Name: "limit", Type: "integer", Default: float64(3)},
		{Name: "flags", Type: "array"},
	}

	params, err := resolveLaunchParameters(declared, domain.Document{"topic": "go", "extra": true})
	require.NoError(t, err)
	assert.Equal(t, "go", params["topic"])
	assert.Equal(t, float64(3), params["limit"])
	assert.Equal(t, true, params["extra"])

	_, err = resolveLaunchParameters(declared, domain.Document{"limit": 1})
	assert.ErrorIs(t, err, ErrInvalidLaunchParameters)

	_, err = resolveLaunchParameters(declared, domain.Document{"topic": "go", "flags": "x"})
	assert.ErrorIs(t, err, ErrInvalidLaunchParameters)
}
