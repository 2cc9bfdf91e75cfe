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

// DefinitionService manages the draft -> published -> archived lifecycle of
// flow definitions. Publishing makes a version the single active one for its
// name.
type DefinitionService struct {
	storage  domain.FlowDefinitionStorage
	compiler *Compiler
}

func NewDefinitionService(storage domain.FlowDefinitionStorage, compiler *Compiler) *DefinitionService {
	return &DefinitionService{storage: storage, compiler: compiler}
}

type DraftRequest struct {
	Name        string
	Description string
	Blueprint   []byte
}

// CreateDraft stores a new draft version of name, numbered one above the
// highest existing version.
func (s *DefinitionService) CreateDraft(ctx context.Context, req DraftRequest) (domain.FlowDefinition, error) {
	if req.Name == "" {
		return domain.FlowDefinition{}, common.NewConfigurationError("definition name must not be blank")
	}
	blueprint, err := normalizeBlueprint(req.Blueprint)
	if err != nil {
		return domain.FlowDefinition{}, err
	}

	versions, err := s.storage.GetFlowDefinitionVersions(ctx, req.Name)
	if err != nil {
		return domain.FlowDefinition{}, fmt.Errorf("failed to get versions of %s: %w", req.Name, err)
	}
	version := 1
	for _, existing := range versions {
		if existing.Version >= version {
			version = existing.Version + 1
		}
	}

	now := time.Now().UTC()
	def := domain.FlowDefinition{
		Id:          domain.NewFlowDefinitionId(),
		Name:        req.Name,
		Version:     version,
		Status:      domain.FlowDefinitionStatusDraft,
		Description: req.Description,
		Blueprint:   blueprint,
		Created:     now,
		Updated:     now,
	}
	if err := s.storage.PersistFlowDefinition(ctx, def); err != nil {
		return domain.FlowDefinition{}, fmt.Errorf("failed to persist flow definition: %w", err)
	}
	return def, nil
}

// UpdateDraft replaces the blueprint of a draft definition.
func (s *DefinitionService) UpdateDraft(ctx context.Context, definitionId string, req DraftRequest) (domain.FlowDefinition, error) {
	def, err := s.storage.GetFlowDefinition(ctx, definitionId)
	if err != nil {
		return domain.FlowDefinition{}, fmt.Errorf("failed to get flow definition %s: %w", definitionId, err)
	}
	if def.Status != domain.FlowDefinitionStatusDraft {
		return domain.FlowDefinition{}, common.NewConfigurationError("definition %s is %s, only drafts can be updated", definitionId, def.Status)
	}
	blueprint, err := normalizeBlueprint(req.Blueprint)
	if err != nil {
		return domain.FlowDefinition{}, err
	}

	def.Blueprint = blueprint
	if req.Description != "" {
		def.Description = req.Description
	}
	def.Updated = time.Now().UTC()
	if err := s.storage.PersistFlowDefinition(ctx, def); err != nil {
		return domain.FlowDefinition{}, fmt.Errorf("failed to persist flow definition: %w", err)
	}
	return def, nil
}

// Publish validates the definition, marks it published and active,
// deactivates every other version of the same name and records history.
func (s *DefinitionService) Publish(ctx context.Context, definitionId, changeNotes, publishedBy string) (domain.FlowDefinition, error) {
	def, err := s.storage.GetFlowDefinition(ctx, definitionId)
	if err != nil {
		return domain.FlowDefinition{}, fmt.Errorf("failed to get flow definition %s: %w", definitionId, err)
	}
	if def.Status == domain.FlowDefinitionStatusArchived {
		return domain.FlowDefinition{}, common.NewConfigurationError("definition %s is archived", definitionId)
	}

	now := time.Now().UTC()
	def.Status = domain.FlowDefinitionStatusPublished
	def.Active = true
	def.Updated = now
	def.PublishedAt = &now

	if _, err := s.compiler.Compile(def); err != nil {
		return domain.FlowDefinition{}, err
	}

	if err := s.storage.PersistFlowDefinition(ctx, def); err != nil {
		return domain.FlowDefinition{}, fmt.Errorf("failed to persist flow definition: %w", err)
	}
	if err := s.storage.DeactivateOtherFlowDefinitions(ctx, def.Name, def.Id); err != nil {
		return domain.FlowDefinition{}, fmt.Errorf("failed to deactivate other versions of %s: %w", def.Name, err)
	}

	history := domain.FlowDefinitionHistory{
		Id:           domain.NewFlowDefinitionHistoryId(),
		DefinitionId: def.Id,
		Name:         def.Name,
		Version:      def.Version,
		Status:       def.Status,
		Blueprint:    def.Blueprint,
		ChangeNotes:  changeNotes,
		CreatedBy:    publishedBy,
		Created:      now,
	}
	if err := s.storage.PersistFlowDefinitionHistory(ctx, history); err != nil {
		return domain.FlowDefinition{}, fmt.Errorf("failed to persist flow definition history: %w", err)
	}

	log.Info().Str("definitionId", def.Id).Str("name", def.Name).Int("version", def.Version).Msg("Published flow definition")
	return def, nil
}

// Archive retires a definition. An archived definition is never active.
func (s *DefinitionService) Archive(ctx context.Context, definitionId string) (domain.FlowDefinition, error) {
	def, err := s.storage.GetFlowDefinition(ctx, definitionId)
	if err != nil {
		return domain.FlowDefinition{}, fmt.Errorf("failed to get flow definition %s: %w", definitionId, err)
	}
	def.Status = domain.FlowDefinitionStatusArchived
	def.Active = false
	def.Updated = time.Now().UTC()
	if err := s.storage.PersistFlowDefinition(ctx, def); err != nil {
		return domain.FlowDefinition{}, fmt.Errorf("failed to persist flow definition: %w", err)
	}
	return def, nil
}

func (s *DefinitionService) Get(ctx context.Context, definitionId string) (domain.FlowDefinition, error) {
	return s.storage.GetFlowDefinition(ctx, definitionId)
}

// Versions lists every version of name, newest first.
func (s *DefinitionService) Versions(ctx context.Context, name string) ([]domain.FlowDefinition, error) {
	return s.storage.GetFlowDefinitionVersions(ctx, name)
}

// GetActive returns the active definition for name together with its
// compiled blueprint.
func (s *DefinitionService) GetActive(ctx context.Context, name string) (domain.FlowDefinition, *Compiled, error) {
	def, err := s.storage.GetActiveFlowDefinition(ctx, name)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return domain.FlowDefinition{}, nil, fmt.Errorf("no active flow definition named %q: %w", name, err)
		}
		return domain.FlowDefinition{}, nil, fmt.Errorf("failed to get active flow definition %s: %w", name, err)
	}
	compiled, err := s.compiler.Compile(def)
	if err != nil {
		return domain.FlowDefinition{}, nil, err
	}
	return def, compiled, nil
}

// normalizeBlueprint converts YAML to JSON and checks that the document at
// least parses. Full validation happens on publish.
func normalizeBlueprint(data []byte) ([]byte, error) {
	jsonData, err := ToJSON(data)
	if err != nil {
		return nil, err
	}
	if _, err := ParseBlueprint(jsonData); err != nil {
		return nil, err
	}
	return jsonData, nil
}
