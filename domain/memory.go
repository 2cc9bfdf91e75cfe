package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
)

type MemorySourceType = string

const (
	MemorySourceUserInput   MemorySourceType = "user_input"
	MemorySourceAgentOutput MemorySourceType = "agent_output"
	MemorySourceSystem      MemorySourceType = "system"
)

const (
	ConversationChannel = "conversation"
	SharedChannel       = "shared"
)

// FlowMemoryVersion is one entry of a per-(session, channel) append-only log.
// Versions start at 1 and are never reused.
type FlowMemoryVersion struct {
	Id              string           `json:"id"`
	FlowSessionId   string           `json:"flowSessionId"`
	Channel         string           `json:"channel"`
	Version         int64            `json:"version"`
	Payload         Document         `json:"payload"`
	SourceType      MemorySourceType `json:"sourceType"`
	StepExecutionId string           `json:"stepExecutionId,omitempty"`
	Created         time.Time        `json:"created"`
}

func (v FlowMemoryVersion) MarshalJSON() ([]byte, error) {
	type Alias FlowMemoryVersion
	return json.Marshal(&struct {
		Alias
		Created time.Time `json:"created"`
	}{
		Alias:   Alias(v),
		Created: UTCTime(v.Created),
	})
}

// FlowMemorySummary replaces the contiguous version range
// [SourceVersionStart, SourceVersionEnd] of one channel.
type FlowMemorySummary struct {
	Id                 string    `json:"id"`
	FlowSessionId      string    `json:"flowSessionId"`
	Channel            string    `json:"channel"`
	SourceVersionStart int64     `json:"sourceVersionStart"`
	SourceVersionEnd   int64     `json:"sourceVersionEnd"`
	SummaryText        string    `json:"summaryText"`
	TokenCount         int       `json:"tokenCount"`
	Metadata           Document  `json:"metadata,omitempty"`
	Created            time.Time `json:"created"`
	Updated            time.Time `json:"updated"`
}

func (s FlowMemorySummary) MarshalJSON() ([]byte, error) {
	type Alias FlowMemorySummary
	return json.Marshal(&struct {
		Alias
		Created time.Time `json:"created"`
		Updated time.Time `json:"updated"`
	}{
		Alias:   Alias(s),
		Created: UTCTime(s.Created),
		Updated: UTCTime(s.Updated),
	})
}

func NewFlowMemoryVersionId() string {
	return "mv_" + ksuid.New().String()
}

func NewFlowMemorySummaryId() string {
	return "ms_" + ksuid.New().String()
}

// FlowMemoryStorage defines the interface for memory log database operations
type FlowMemoryStorage interface {
	// AppendFlowMemoryVersion assigns version = max(version)+1 for the
	// (session, channel) pair atomically and returns the stored entry.
	AppendFlowMemoryVersion(ctx context.Context, entry FlowMemoryVersion) (FlowMemoryVersion, error)
	GetLatestFlowMemoryVersion(ctx context.Context, sessionId, channel string) (int64, error)
	// GetFlowMemoryVersions returns entries with version > afterVersion in
	// ascending order. A limit <= 0 means no limit.
	GetFlowMemoryVersions(ctx context.Context, sessionId, channel string, afterVersion int64, limit int) ([]FlowMemoryVersion, error)
	DeleteFlowMemoryVersionsBelow(ctx context.Context, sessionId, channel string, floor int64) (int64, error)
	// DeleteFlowMemoryVersionsBefore deletes entries created before cutoff whose
	// version is below protectFrom.
	DeleteFlowMemoryVersionsBefore(ctx context.Context, sessionId, channel string, cutoff time.Time, protectFrom int64) (int64, error)

	GetFlowMemorySummary(ctx context.Context, sessionId, channel string) (FlowMemorySummary, error)
	// PersistFlowMemorySummary inserts or replaces the single summary for the
	// summary's (session, channel). A summary ending at or before the stored
	// one's end version is ignored.
	PersistFlowMemorySummary(ctx context.Context, summary FlowMemorySummary) error
	DeleteFlowMemorySummary(ctx context.Context, sessionId, channel string) error
}
