package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
)

type FlowSessionStatus = string

const (
	FlowSessionStatusCreated               FlowSessionStatus = "created"
	FlowSessionStatusRunning               FlowSessionStatus = "running"
	FlowSessionStatusPaused                FlowSessionStatus = "paused"
	FlowSessionStatusWaitingForInteraction FlowSessionStatus = "waiting_for_interaction"
	FlowSessionStatusCompleted             FlowSessionStatus = "completed" // terminal
	FlowSessionStatusFailed                FlowSessionStatus = "failed"    // terminal
	FlowSessionStatusCancelled             FlowSessionStatus = "cancelled" // terminal
)

func IsTerminalSessionStatus(status FlowSessionStatus) bool {
	switch status {
	case FlowSessionStatusCompleted, FlowSessionStatusFailed, FlowSessionStatusCancelled:
		return true
	}
	return false
}

// FlowSession is one running (or finished) instance of a flow definition.
type FlowSession struct {
	Id                string            `json:"id"`
	DefinitionId      string            `json:"definitionId"`
	DefinitionVersion int               `json:"definitionVersion"`
	Status            FlowSessionStatus `json:"status"`
	CurrentStepId     string            `json:"currentStepId,omitempty"`
	// StateVersion is incremented on every successful mutation and guards
	// against stale concurrent writers.
	StateVersion     int64          `json:"stateVersion"`
	MemoryVersion    int64          `json:"memoryVersion"`
	LaunchParameters Document       `json:"launchParameters,omitempty"`
	LaunchOverrides  *ChatOverrides `json:"launchOverrides,omitempty"`
	SharedContext    SharedContext  `json:"sharedContext"`
	Created          time.Time      `json:"created"`
	Updated          time.Time      `json:"updated"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
}

func (s FlowSession) MarshalJSON() ([]byte, error) {
	type Alias FlowSession
	return json.Marshal(&struct {
		Alias
		Created     time.Time  `json:"created"`
		Updated     time.Time  `json:"updated"`
		StartedAt   *time.Time `json:"startedAt,omitempty"`
		CompletedAt *time.Time `json:"completedAt,omitempty"`
	}{
		Alias:       Alias(s),
		Created:     UTCTime(s.Created),
		Updated:     UTCTime(s.Updated),
		StartedAt:   UTCTimePtr(s.StartedAt),
		CompletedAt: UTCTimePtr(s.CompletedAt),
	})
}

func NewFlowSessionId() string {
	return "fs_" + ksuid.New().String()
}

// FlowSessionStorage defines the interface for session-related database operations
type FlowSessionStorage interface {
	CreateFlowSession(ctx context.Context, session FlowSession) error
	GetFlowSession(ctx context.Context, sessionId string) (FlowSession, error)
	// UpdateFlowSession persists session only if the stored state version still
	// equals expectedStateVersion, returning common.ErrStaleState otherwise.
	UpdateFlowSession(ctx context.Context, session FlowSession, expectedStateVersion int64) error
	GetFlowSessionsByStatus(ctx context.Context, statuses []FlowSessionStatus, limit int) ([]FlowSession, error)
}

// SessionLocker hands out an exclusive per-session mutual-exclusion token for
// the duration of one orchestrator step.
type SessionLocker interface {
	LockSession(ctx context.Context, sessionId string) (unlock func(), err error)
}

// MutateFlowSession re-reads the session, applies mutate to it, bumps the
// state version and writes it back with a compare-and-set against the version
// that was read. A concurrent writer surfaces as common.ErrStaleState from the
// storage. When mutate returns an error nothing is written.
func MutateFlowSession(ctx context.Context, storage FlowSessionStorage, sessionId string, mutate func(session *FlowSession) error) (FlowSession, error) {
	session, err := storage.GetFlowSession(ctx, sessionId)
	if err != nil {
		return FlowSession{}, err
	}
	expected := session.StateVersion
	if err := mutate(&session); err != nil {
		return FlowSession{}, err
	}
	session.StateVersion = expected + 1
	session.Updated = time.Now().UTC()
	if err := storage.UpdateFlowSession(ctx, session, expected); err != nil {
		return FlowSession{}, err
	}
	return session, nil
}
