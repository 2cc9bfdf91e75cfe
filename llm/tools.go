package llm

import (
	"context"
	"sync"

	"agentflow/domain"

	"github.com/rs/zerolog/log"
)

// ToolRegistry resolves tool bindings against tools registered in-process by
// tool code.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]domain.ToolCallback
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: map[string]domain.ToolCallback{}}
}

// Register adds or replaces the tool for code. The callback's Name is what
// the model sees; it defaults to code.
func (r *ToolRegistry) Register(code string, tool domain.ToolCallback) {
	if tool.Name == "" {
		tool.Name = code
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[code] = tool
}

// implements domain.ToolResolver
func (r *ToolRegistry) ResolveTools(ctx context.Context, bindings []domain.ToolBinding, query string) ([]domain.ToolCallback, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var resolved []domain.ToolCallback
	for _, binding := range bindings {
		tool, ok := r.tools[binding.ToolCode]
		if !ok {
			log.Warn().Str("toolCode", binding.ToolCode).Msg("Tool binding has no registered tool, skipping")
			continue
		}
		if len(binding.RequestOverrides) > 0 {
			tool = withRequestOverrides(tool, binding.RequestOverrides)
		}
		resolved = append(resolved, tool)
	}
	return resolved, nil
}

// withRequestOverrides pins argument values from the binding over whatever
// the model passes.
func withRequestOverrides(tool domain.ToolCallback, overrides domain.Document) domain.ToolCallback {
	call := tool.Call
	tool.Call = func(ctx context.Context, arguments domain.Document) (domain.Document, error) {
		return call(ctx, arguments.Merge(overrides))
	}
	return tool
}

var _ domain.ToolResolver = (*ToolRegistry)(nil)
