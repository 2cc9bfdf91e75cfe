package orchestrator

import (
	"context"
	"time"

	"agentflow/domain"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	maxPollEvents       = 500
)

// SessionSnapshot is the observable state of a session at one point.
type SessionSnapshot struct {
	Session             domain.FlowSession              `json:"session"`
	Steps               []domain.FlowStepExecution      `json:"steps"`
	PendingInteractions []domain.FlowInteractionRequest `json:"pendingInteractions"`
	LatestEventId       int64                           `json:"latestEventId"`
}

func (o *Orchestrator) Snapshot(ctx context.Context, sessionId string) (SessionSnapshot, error) {
	session, err := o.storage.GetFlowSession(ctx, sessionId)
	if err != nil {
		return SessionSnapshot{}, err
	}
	steps, err := o.storage.GetFlowStepExecutions(ctx, sessionId)
	if err != nil {
		return SessionSnapshot{}, err
	}
	pending, err := o.storage.GetPendingFlowInteractionRequests(ctx, sessionId)
	if err != nil {
		return SessionSnapshot{}, err
	}
	latest, err := o.storage.GetLatestFlowEventId(ctx, sessionId)
	if err != nil {
		return SessionSnapshot{}, err
	}
	return SessionSnapshot{
		Session:             session,
		Steps:               steps,
		PendingInteractions: pending,
		LatestEventId:       latest,
	}, nil
}

type PollResult struct {
	SessionSnapshot
	// Events are the events after the requested event id, oldest first.
	Events []domain.FlowEvent `json:"events"`
	// Changed is false when the poll timed out without news.
	Changed bool `json:"changed"`
}

// PollSession waits up to timeout for the session to move past what the
// caller has seen: events newer than sinceEventId, a state version other than
// stateVersion, or a terminal status. It returns the latest snapshot either
// way.
func (o *Orchestrator) PollSession(ctx context.Context, sessionId string, sinceEventId, stateVersion int64, timeout time.Duration) (PollResult, error) {
	interval := o.worker.PollInterval
	if interval <= 0 || interval > defaultPollInterval {
		interval = defaultPollInterval
	}
	deadline := time.Now().Add(timeout)

	for {
		snapshot, err := o.Snapshot(ctx, sessionId)
		if err != nil {
			return PollResult{}, err
		}
		changed := snapshot.LatestEventId > sinceEventId ||
			snapshot.Session.StateVersion != stateVersion ||
			domain.IsTerminalSessionStatus(snapshot.Session.Status)
		if changed || !time.Now().Before(deadline) {
			result := PollResult{SessionSnapshot: snapshot, Changed: changed}
			if snapshot.LatestEventId > sinceEventId {
				result.Events, err = o.storage.GetFlowEvents(ctx, sessionId, sinceEventId, maxPollEvents)
				if err != nil {
					return PollResult{}, err
				}
			}
			return result, nil
		}

		timer := time.NewTimer(min(interval, time.Until(deadline)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return PollResult{}, ctx.Err()
		case <-timer.C:
		}
	}
}
