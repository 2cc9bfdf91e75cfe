package srv

import (
	"context"

	"agentflow/common"
	"agentflow/domain"
)

type Service interface {
	Storage
	Streamer
}

type Storage interface {
	domain.FlowDefinitionStorage
	domain.FlowSessionStorage
	domain.FlowStepExecutionStorage
	domain.FlowJobQueue
	domain.FlowEventStorage
	domain.FlowMemoryStorage
	domain.FlowInteractionStorage
	domain.AgentCatalogStorage
	common.KeyValueStorage

	CheckConnection(ctx context.Context) error
}

type Streamer interface {
	domain.FlowEventStreamer
}
