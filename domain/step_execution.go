package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
)

type FlowStepStatus = string

const (
	FlowStepStatusPending               FlowStepStatus = "pending"
	FlowStepStatusRunning               FlowStepStatus = "running"
	FlowStepStatusWaitingForInteraction FlowStepStatus = "waiting_for_interaction"
	FlowStepStatusSucceeded             FlowStepStatus = "succeeded"
	FlowStepStatusFailed                FlowStepStatus = "failed"
	FlowStepStatusCancelled             FlowStepStatus = "cancelled"
	FlowStepStatusSkipped               FlowStepStatus = "skipped"
)

func IsTerminalStepStatus(status FlowStepStatus) bool {
	switch status {
	case FlowStepStatusSucceeded, FlowStepStatusFailed, FlowStepStatusCancelled, FlowStepStatusSkipped:
		return true
	}
	return false
}

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

type Cost struct {
	Input    float64 `json:"input"`
	Output   float64 `json:"output"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency,omitempty"`
}

// FlowStepExecution is one attempt of one step within a session. The latest
// attempt for a step id is authoritative.
type FlowStepExecution struct {
	Id            string         `json:"id"`
	FlowSessionId string         `json:"flowSessionId"`
	StepId        string         `json:"stepId"`
	StepName      string         `json:"stepName,omitempty"`
	Attempt       int            `json:"attempt"`
	Status        FlowStepStatus `json:"status"`
	Agent         AgentRef       `json:"agent"`
	Prompt        string         `json:"prompt,omitempty"`
	Input         Document       `json:"input,omitempty"`
	Output        Document       `json:"output,omitempty"`
	Usage         *Usage         `json:"usage,omitempty"`
	Cost          *Cost          `json:"cost,omitempty"`
	ErrorCode     string         `json:"errorCode,omitempty"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	Created       time.Time      `json:"created"`
	Updated       time.Time      `json:"updated"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`

	// PreviousExecutionId is the execution whose outcome scheduled this one.
	PreviousExecutionId string `json:"previousExecutionId,omitempty"`

	// Retryable records whether a failed attempt may be attempted again.
	Retryable bool `json:"retryable,omitempty"`
}

func (e FlowStepExecution) MarshalJSON() ([]byte, error) {
	type Alias FlowStepExecution
	return json.Marshal(&struct {
		Alias
		Created     time.Time  `json:"created"`
		Updated     time.Time  `json:"updated"`
		StartedAt   *time.Time `json:"startedAt,omitempty"`
		CompletedAt *time.Time `json:"completedAt,omitempty"`
	}{
		Alias:       Alias(e),
		Created:     UTCTime(e.Created),
		Updated:     UTCTime(e.Updated),
		StartedAt:   UTCTimePtr(e.StartedAt),
		CompletedAt: UTCTimePtr(e.CompletedAt),
	})
}

func NewFlowStepExecutionId() string {
	return "se_" + ksuid.New().String()
}

// FlowStepExecutionStorage defines the interface for step-execution database operations
type FlowStepExecutionStorage interface {
	PersistFlowStepExecution(ctx context.Context, execution FlowStepExecution) error
	GetFlowStepExecution(ctx context.Context, executionId string) (FlowStepExecution, error)
	// GetFlowStepExecutions returns a session's executions ordered by creation.
	GetFlowStepExecutions(ctx context.Context, sessionId string) ([]FlowStepExecution, error)
}
