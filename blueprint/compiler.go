package blueprint

import (
	"context"
	"fmt"
	"sync"

	"agentflow/domain"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const DefaultMaxCacheEntries = 256

// Compiled is a validated blueprint with its steps indexed in declaration
// order. It is shared between callers and must be treated as read-only.
type Compiled struct {
	Definition domain.FlowDefinition
	Blueprint  domain.FlowBlueprint
	steps      *orderedmap.OrderedMap[string, domain.FlowStep]
}

func (c *Compiled) Step(stepId string) (domain.FlowStep, bool) {
	return c.steps.Get(stepId)
}

func (c *Compiled) StartStep() domain.FlowStep {
	step, _ := c.steps.Get(c.Blueprint.StartStepId)
	return step
}

// NextInOrder returns the step declared right after stepId, if any.
func (c *Compiled) NextInOrder(stepId string) (domain.FlowStep, bool) {
	pair := c.steps.GetPair(stepId)
	if pair == nil || pair.Next() == nil {
		return domain.FlowStep{}, false
	}
	return pair.Next().Value, true
}

func (c *Compiled) StepIds() []string {
	ids := make([]string, 0, c.steps.Len())
	for pair := c.steps.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

// ChannelConfig returns the blueprint's retention override for channel.
func (c *Compiled) ChannelConfig(channel string) (domain.MemoryChannelConfig, bool) {
	channel = NormalizeChannel(channel)
	for _, cfg := range c.Blueprint.Memory.SharedChannels {
		if cfg.Id == channel {
			return cfg, true
		}
	}
	return domain.MemoryChannelConfig{}, false
}

// Compile parses, upgrades, validates and indexes the blueprint of def
// without caching.
func Compile(def domain.FlowDefinition) (*Compiled, error) {
	bp, err := ParseBlueprint(def.Blueprint)
	if err != nil {
		return nil, fmt.Errorf("failed to compile definition %s: %w", def.Id, err)
	}
	if err := Validate(bp); err != nil {
		return nil, fmt.Errorf("failed to compile definition %s: %w", def.Id, err)
	}

	steps := orderedmap.New[string, domain.FlowStep](len(bp.Steps))
	for _, step := range bp.Steps {
		steps.Set(step.Id, step)
	}
	return &Compiled{Definition: def, Blueprint: bp, steps: steps}, nil
}

type cacheKey struct {
	definitionId  string
	version       int
	updatedMillis int64
	schemaVersion int
}

// Compiler memoizes Compile. Entries for superseded keys of the same
// definition are dropped on every compile, and the oldest entry is dropped
// once maxEntries is exceeded.
type Compiler struct {
	mu         sync.Mutex
	entries    *orderedmap.OrderedMap[cacheKey, *Compiled]
	maxEntries int
}

func NewCompiler(maxEntries int) *Compiler {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxCacheEntries
	}
	return &Compiler{
		entries:    orderedmap.New[cacheKey, *Compiled](),
		maxEntries: maxEntries,
	}
}

func keyFor(def domain.FlowDefinition) cacheKey {
	return cacheKey{
		definitionId:  def.Id,
		version:       def.Version,
		updatedMillis: def.Updated.UnixMilli(),
		schemaVersion: int(gjson.GetBytes(def.Blueprint, "schemaVersion").Int()),
	}
}

func (c *Compiler) Compile(def domain.FlowDefinition) (*Compiled, error) {
	key := keyFor(def)

	c.mu.Lock()
	c.evictSuperseded(key)
	if compiled, ok := c.entries.Get(key); ok {
		c.mu.Unlock()
		return compiled, nil
	}
	c.mu.Unlock()

	compiled, err := Compile(def)
	if err != nil {
		// configuration errors are never cached so a fixed definition recompiles
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictSuperseded(key)
	c.entries.Set(key, compiled)
	for c.entries.Len() > c.maxEntries {
		oldest := c.entries.Oldest()
		c.entries.Delete(oldest.Key)
	}
	return compiled, nil
}

// Load fetches a definition by id and compiles it through the cache.
func (c *Compiler) Load(ctx context.Context, storage domain.FlowDefinitionStorage, definitionId string) (*Compiled, error) {
	def, err := storage.GetFlowDefinition(ctx, definitionId)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow definition %s: %w", definitionId, err)
	}
	return c.Compile(def)
}

func (c *Compiler) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// must hold c.mu
func (c *Compiler) evictSuperseded(current cacheKey) {
	var stale []cacheKey
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key.definitionId == current.definitionId && pair.Key != current {
			stale = append(stale, pair.Key)
		}
	}
	for _, key := range stale {
		c.entries.Delete(key)
		log.Debug().Str("definitionId", key.definitionId).Int("version", key.version).Msg("Evicted superseded compiled blueprint")
	}
}
