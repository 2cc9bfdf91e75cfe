package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
)

type InteractionStatus = string

const (
	InteractionStatusPending  InteractionStatus = "pending"
	InteractionStatusResolved InteractionStatus = "resolved"
	InteractionStatusExpired  InteractionStatus = "expired"
)

type InteractionSource = string

const (
	InteractionSourceHuman  InteractionSource = "human"
	InteractionSourceSystem InteractionSource = "system"
	InteractionSourceAuto   InteractionSource = "auto"
)

// FlowInteractionRequest gates a single step execution on an external
// response. At most one request exists per step execution.
type FlowInteractionRequest struct {
	Id               string            `json:"id"`
	FlowSessionId    string            `json:"flowSessionId"`
	StepExecutionId  string            `json:"stepExecutionId"`
	StepId           string            `json:"stepId"`
	Type             string            `json:"type,omitempty"`
	Title            string            `json:"title,omitempty"`
	Description      string            `json:"description,omitempty"`
	PayloadSchema    Document          `json:"payloadSchema,omitempty"`
	SuggestedActions Document          `json:"suggestedActions,omitempty"`
	Status           InteractionStatus `json:"status"`
	DueAt            *time.Time        `json:"dueAt,omitempty"`
	Created          time.Time         `json:"created"`
	Updated          time.Time         `json:"updated"`
}

func (r FlowInteractionRequest) MarshalJSON() ([]byte, error) {
	type Alias FlowInteractionRequest
	return json.Marshal(&struct {
		Alias
		DueAt   *time.Time `json:"dueAt,omitempty"`
		Created time.Time  `json:"created"`
		Updated time.Time  `json:"updated"`
	}{
		Alias:   Alias(r),
		DueAt:   UTCTimePtr(r.DueAt),
		Created: UTCTime(r.Created),
		Updated: UTCTime(r.Updated),
	})
}

// FlowInteractionResponse resolves a request exactly once.
type FlowInteractionResponse struct {
	Id          string            `json:"id"`
	RequestId   string            `json:"requestId"`
	Source      InteractionSource `json:"source"`
	RespondedBy string            `json:"respondedBy,omitempty"`
	Payload     Document          `json:"payload,omitempty"`
	Created     time.Time         `json:"created"`
}

func (r FlowInteractionResponse) MarshalJSON() ([]byte, error) {
	type Alias FlowInteractionResponse
	return json.Marshal(&struct {
		Alias
		Created time.Time `json:"created"`
	}{
		Alias:   Alias(r),
		Created: UTCTime(r.Created),
	})
}

func NewFlowInteractionRequestId() string {
	return "ir_" + ksuid.New().String()
}

func NewFlowInteractionResponseId() string {
	return "iresp_" + ksuid.New().String()
}

// FlowInteractionStorage defines the interface for interaction database operations
type FlowInteractionStorage interface {
	// CreateFlowInteractionRequest fails with common.ErrInteractionConflict when
	// a request already exists for the step execution.
	CreateFlowInteractionRequest(ctx context.Context, request FlowInteractionRequest) error
	UpdateFlowInteractionRequest(ctx context.Context, request FlowInteractionRequest) error
	GetFlowInteractionRequest(ctx context.Context, requestId string) (FlowInteractionRequest, error)
	GetFlowInteractionRequestForStep(ctx context.Context, stepExecutionId string) (FlowInteractionRequest, error)
	GetPendingFlowInteractionRequests(ctx context.Context, sessionId string) ([]FlowInteractionRequest, error)
	GetDueFlowInteractionRequests(ctx context.Context, now time.Time, limit int) ([]FlowInteractionRequest, error)
	// CreateFlowInteractionResponse fails with common.ErrInteractionResolved
	// when the request already has a response.
	CreateFlowInteractionResponse(ctx context.Context, response FlowInteractionResponse) error
	GetFlowInteractionResponse(ctx context.Context, requestId string) (FlowInteractionResponse, error)
}
