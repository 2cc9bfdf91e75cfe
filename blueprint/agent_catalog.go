package blueprint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentflow/common"
	"agentflow/domain"

	"github.com/rs/zerolog/log"
)

// AgentCatalog manages versioned agents and resolves the agent references of
// steps against them.
type AgentCatalog struct {
	storage domain.AgentCatalogStorage
	llm     common.LLMConfig
}

func NewAgentCatalog(storage domain.AgentCatalogStorage, llm common.LLMConfig) *AgentCatalog {
	return &AgentCatalog{storage: storage, llm: llm}
}

type AgentVersionRequest struct {
	AgentId        string
	DisplayName    string
	Description    string
	ProviderId     string
	ModelId        string
	Tokenizer      string
	SystemPrompt   string
	DefaultOptions *domain.ChatOverrides
	Pricing        *domain.Pricing
}

// CreateVersion stores a draft version of an agent, numbered one above its
// highest existing version. The provider defaults to the configured one.
func (c *AgentCatalog) CreateVersion(ctx context.Context, req AgentVersionRequest) (domain.AgentVersion, error) {
	if req.AgentId == "" {
		return domain.AgentVersion{}, common.NewConfigurationError("agent id must not be blank")
	}
	if req.ModelId == "" {
		return domain.AgentVersion{}, common.NewConfigurationError("agent %s needs a model", req.AgentId)
	}
	if req.Pricing != nil && (req.Pricing.InputPer1K < 0 || req.Pricing.OutputPer1K < 0) {
		return domain.AgentVersion{}, common.NewConfigurationError("pricing of agent %s must not be negative", req.AgentId)
	}
	provider := req.ProviderId
	if provider == "" {
		provider = c.llm.Provider
	}

	versions, err := c.storage.GetAgentVersions(ctx, req.AgentId)
	if err != nil {
		return domain.AgentVersion{}, fmt.Errorf("failed to get versions of agent %s: %w", req.AgentId, err)
	}
	number := 1
	for _, existing := range versions {
		if existing.Version >= number {
			number = existing.Version + 1
		}
	}

	now := time.Now().UTC()
	version := domain.AgentVersion{
		Id:             domain.NewAgentVersionId(),
		AgentId:        req.AgentId,
		Version:        number,
		Status:         domain.AgentVersionStatusDraft,
		DisplayName:    req.DisplayName,
		Description:    req.Description,
		ProviderId:     provider,
		ModelId:        req.ModelId,
		Tokenizer:      req.Tokenizer,
		SystemPrompt:   req.SystemPrompt,
		DefaultOptions: req.DefaultOptions,
		Pricing:        req.Pricing,
		Created:        now,
		Updated:        now,
	}
	if err := c.storage.PersistAgentVersion(ctx, version); err != nil {
		return domain.AgentVersion{}, fmt.Errorf("failed to persist agent version: %w", err)
	}
	return version, nil
}

// Publish makes a version resolvable. The highest published version of an
// agent is the one steps naming only the agent id get.
func (c *AgentCatalog) Publish(ctx context.Context, versionId string) (domain.AgentVersion, error) {
	version, err := c.storage.GetAgentVersion(ctx, versionId)
	if err != nil {
		return domain.AgentVersion{}, fmt.Errorf("failed to get agent version %s: %w", versionId, err)
	}
	if version.Status == domain.AgentVersionStatusPublished {
		return version, nil
	}
	now := time.Now().UTC()
	version.Status = domain.AgentVersionStatusPublished
	version.Updated = now
	version.PublishedAt = &now
	if err := c.storage.PersistAgentVersion(ctx, version); err != nil {
		return domain.AgentVersion{}, fmt.Errorf("failed to persist agent version: %w", err)
	}
	log.Info().Str("agentId", version.AgentId).Int("version", version.Version).Msg("Published agent version")
	return version, nil
}

func (c *AgentCatalog) Get(ctx context.Context, versionId string) (domain.AgentVersion, error) {
	return c.storage.GetAgentVersion(ctx, versionId)
}

// Versions lists every version of agentId, newest first.
func (c *AgentCatalog) Versions(ctx context.Context, agentId string) ([]domain.AgentVersion, error) {
	return c.storage.GetAgentVersions(ctx, agentId)
}

// Agents returns the newest version of every catalogued agent.
func (c *AgentCatalog) Agents(ctx context.Context) ([]domain.AgentVersion, error) {
	ids, err := c.storage.GetAgentIds(ctx)
	if err != nil {
		return nil, err
	}
	agents := make([]domain.AgentVersion, 0, len(ids))
	for _, id := range ids {
		versions, err := c.storage.GetAgentVersions(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(versions) > 0 {
			agents = append(agents, versions[0])
		}
	}
	return agents, nil
}

// Resolve completes ref from the catalog and prices it. Fields set on ref
// win over the catalogued version. The version's default options are
// returned separately; they are nil for uncatalogued references. A
// reference to an unknown or unpublished version is a configuration error.
func (c *AgentCatalog) Resolve(ctx context.Context, ref domain.AgentRef) (domain.AgentRef, *domain.ChatOverrides, error) {
	resolved := ref
	var defaults *domain.ChatOverrides
	if ref.IsCatalogued() {
		version, err := c.lookup(ctx, ref)
		if err != nil {
			return domain.AgentRef{}, nil, err
		}
		resolved = version.Ref()
		overlay(&resolved, ref)
		defaults = version.DefaultOptions
	}
	if resolved.Pricing == nil {
		resolved.Pricing = c.configuredPricing(resolved.ModelId)
	}
	return resolved, defaults, nil
}

func (c *AgentCatalog) lookup(ctx context.Context, ref domain.AgentRef) (domain.AgentVersion, error) {
	var version domain.AgentVersion
	var err error
	if ref.AgentVersionId != "" {
		version, err = c.storage.GetAgentVersion(ctx, ref.AgentVersionId)
	} else {
		version, err = c.storage.GetLatestAgentVersion(ctx, ref.AgentId)
	}
	switch {
	case errors.Is(err, common.ErrNotFound) && ref.AgentVersionId != "":
		return domain.AgentVersion{}, common.NewConfigurationError("agent version %s does not exist", ref.AgentVersionId)
	case errors.Is(err, common.ErrNotFound):
		return domain.AgentVersion{}, &common.ConfigurationError{Reason: "agent " + ref.AgentId + " has no published version", Err: common.ErrAgentNotPublished}
	case err != nil:
		return domain.AgentVersion{}, fmt.Errorf("failed to resolve agent: %w", err)
	}
	if ref.AgentId != "" && version.AgentId != ref.AgentId {
		return domain.AgentVersion{}, common.NewConfigurationError("agent version %s belongs to %s, not %s", version.Id, version.AgentId, ref.AgentId)
	}
	if version.Status != domain.AgentVersionStatusPublished {
		return domain.AgentVersion{}, &common.ConfigurationError{
			Reason: fmt.Sprintf("agent %s version %d is %s", version.AgentId, version.Version, version.Status),
			Err:    common.ErrAgentNotPublished,
		}
	}
	return version, nil
}

// overlay copies the set fields of ref onto resolved.
func overlay(resolved *domain.AgentRef, ref domain.AgentRef) {
	if ref.ProviderId != "" {
		resolved.ProviderId = ref.ProviderId
	}
	if ref.ModelId != "" {
		resolved.ModelId = ref.ModelId
	}
	if ref.Tokenizer != "" {
		resolved.Tokenizer = ref.Tokenizer
	}
	if ref.SystemPrompt != "" {
		resolved.SystemPrompt = ref.SystemPrompt
	}
	if ref.Pricing != nil {
		resolved.Pricing = ref.Pricing
	}
}

func (c *AgentCatalog) configuredPricing(model string) *domain.Pricing {
	configured, ok := c.llm.PricingFor(model)
	if !ok {
		return nil
	}
	return &domain.Pricing{
		InputPer1K:  configured.InputPer1K,
		OutputPer1K: configured.OutputPer1K,
		Currency:    configured.Currency,
	}
}
