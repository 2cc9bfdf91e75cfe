package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// FlowEventType represents the different types of flow events.
type FlowEventType string

const (
	FlowStartedEventType               FlowEventType = "flow_started"
	FlowCompletedEventType             FlowEventType = "flow_completed"
	FlowFailedEventType                FlowEventType = "flow_failed"
	FlowPausedEventType                FlowEventType = "flow_paused"
	FlowResumedEventType               FlowEventType = "flow_resumed"
	FlowCancelledEventType             FlowEventType = "flow_cancelled"
	StepStartedEventType               FlowEventType = "step_started"
	StepCompletedEventType             FlowEventType = "step_completed"
	StepFailedEventType                FlowEventType = "step_failed"
	StepRetryScheduledEventType        FlowEventType = "step_retry_scheduled"
	StepSkippedEventType               FlowEventType = "step_skipped"
	HumanInteractionRequiredEventType  FlowEventType = "human_interaction_required"
	HumanInteractionRespondedEventType FlowEventType = "human_interaction_responded"
	HumanInteractionExpiredEventType   FlowEventType = "human_interaction_expired"
	MemorySummaryUpdatedEventType      FlowEventType = "memory_summary_updated"
	EndStreamEventType                 FlowEventType = "end_stream"
)

var knownFlowEventTypes = map[FlowEventType]bool{
	FlowStartedEventType:               true,
	FlowCompletedEventType:             true,
	FlowFailedEventType:                true,
	FlowPausedEventType:                true,
	FlowResumedEventType:               true,
	FlowCancelledEventType:             true,
	StepStartedEventType:               true,
	StepCompletedEventType:             true,
	StepFailedEventType:                true,
	StepRetryScheduledEventType:        true,
	StepSkippedEventType:               true,
	HumanInteractionRequiredEventType:  true,
	HumanInteractionRespondedEventType: true,
	HumanInteractionExpiredEventType:   true,
	MemorySummaryUpdatedEventType:      true,
	EndStreamEventType:                 true,
}

// FlowEvent is an append-only audit record. Ids are assigned by the store and
// strictly increase within a session.
type FlowEvent struct {
	Id               int64         `json:"id"`
	FlowSessionId    string        `json:"flowSessionId"`
	StepExecutionId  string        `json:"stepExecutionId,omitempty"`
	EventType        FlowEventType `json:"eventType"`
	Status           string        `json:"status,omitempty"`
	TraceId          string        `json:"traceId,omitempty"`
	SpanId           string        `json:"spanId,omitempty"`
	PromptTokens     int           `json:"promptTokens,omitempty"`
	CompletionTokens int           `json:"completionTokens,omitempty"`
	TotalTokens      int           `json:"totalTokens,omitempty"`
	Cost             float64       `json:"cost,omitempty"`
	Payload          Document      `json:"payload,omitempty"`
	Created          time.Time     `json:"created"`
}

func (e FlowEvent) MarshalJSON() ([]byte, error) {
	type Alias FlowEvent
	return json.Marshal(&struct {
		Alias
		Created time.Time `json:"created"`
	}{
		Alias:   Alias(e),
		Created: UTCTime(e.Created),
	})
}

// UnmarshalFlowEvent unmarshals a JSON byte slice into a FlowEvent, rejecting
// unknown event types.
func UnmarshalFlowEvent(data []byte) (FlowEvent, error) {
	var event FlowEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return FlowEvent{}, err
	}
	if !knownFlowEventTypes[event.EventType] {
		return FlowEvent{}, fmt.Errorf("unknown flow eventType: %s", event.EventType)
	}
	return event, nil
}

// FlowEventStorage defines the interface for persisted flow events
type FlowEventStorage interface {
	// AppendFlowEvent stores the event and returns it with its assigned id.
	AppendFlowEvent(ctx context.Context, event FlowEvent) (FlowEvent, error)
	GetFlowEvents(ctx context.Context, sessionId string, afterId int64, limit int) ([]FlowEvent, error)
	GetLatestFlowEventId(ctx context.Context, sessionId string) (int64, error)
}

// FlowEventStreamer fans persisted events out to live subscribers.
type FlowEventStreamer interface {
	AddFlowEvent(ctx context.Context, flowEvent FlowEvent) error
	EndFlowEventStream(ctx context.Context, sessionId string) error
	StreamFlowEvents(ctx context.Context, sessionId, streamMessageStartId string) (<-chan FlowEvent, <-chan error)
}
