package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
)

type FlowDefinitionStatus = string

const (
	FlowDefinitionStatusDraft     FlowDefinitionStatus = "draft"
	FlowDefinitionStatusPublished FlowDefinitionStatus = "published"
	FlowDefinitionStatusArchived  FlowDefinitionStatus = "archived"
)

// FlowDefinition is a versioned blueprint record. Only one version of a given
// name may be active at a time.
type FlowDefinition struct {
	Id          string               `json:"id"`
	Name        string               `json:"name"`
	Version     int                  `json:"version"`
	Status      FlowDefinitionStatus `json:"status"`
	Active      bool                 `json:"active"`
	Description string               `json:"description,omitempty"`
	Blueprint   json.RawMessage      `json:"blueprint"`
	Created     time.Time            `json:"created"`
	Updated     time.Time            `json:"updated"`
	PublishedAt *time.Time           `json:"publishedAt,omitempty"`
}

func (d FlowDefinition) MarshalJSON() ([]byte, error) {
	type Alias FlowDefinition
	return json.Marshal(&struct {
		Alias
		Created     time.Time  `json:"created"`
		Updated     time.Time  `json:"updated"`
		PublishedAt *time.Time `json:"publishedAt,omitempty"`
	}{
		Alias:       Alias(d),
		Created:     UTCTime(d.Created),
		Updated:     UTCTime(d.Updated),
		PublishedAt: UTCTimePtr(d.PublishedAt),
	})
}

// FlowDefinitionHistory records each publication of a definition version.
type FlowDefinitionHistory struct {
	Id           string               `json:"id"`
	DefinitionId string               `json:"definitionId"`
	Name         string               `json:"name"`
	Version      int                  `json:"version"`
	Status       FlowDefinitionStatus `json:"status"`
	Blueprint    json.RawMessage      `json:"blueprint"`
	ChangeNotes  string               `json:"changeNotes,omitempty"`
	CreatedBy    string               `json:"createdBy,omitempty"`
	Created      time.Time            `json:"created"`
}

func NewFlowDefinitionId() string {
	return "fd_" + ksuid.New().String()
}

func NewFlowDefinitionHistoryId() string {
	return "fdh_" + ksuid.New().String()
}

// FlowDefinitionStorage defines the interface for definition-related database operations
type FlowDefinitionStorage interface {
	PersistFlowDefinition(ctx context.Context, definition FlowDefinition) error
	GetFlowDefinition(ctx context.Context, definitionId string) (FlowDefinition, error)
	GetActiveFlowDefinition(ctx context.Context, name string) (FlowDefinition, error)
	GetFlowDefinitionVersions(ctx context.Context, name string) ([]FlowDefinition, error)
	// DeactivateOtherFlowDefinitions clears the active flag on every version of
	// name except keepId.
	DeactivateOtherFlowDefinitions(ctx context.Context, name, keepId string) error
	PersistFlowDefinitionHistory(ctx context.Context, history FlowDefinitionHistory) error
	GetFlowDefinitionHistory(ctx context.Context, definitionId string) ([]FlowDefinitionHistory, error)
}
