package interaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentflow/common"
	"agentflow/domain"
	"agentflow/telemetry"

	"github.com/rs/zerolog/log"
)

// Storage is the persistence the gate needs. srv.Service satisfies it.
type Storage interface {
	domain.FlowSessionStorage
	domain.FlowStepExecutionStorage
	domain.FlowInteractionStorage
	domain.FlowJobQueue
	AppendFlowEvent(ctx context.Context, event domain.FlowEvent) (domain.FlowEvent, error)
}

// ExpiryHandler is told about requests that expired while their session was
// locked, so the waiting step can be failed.
type ExpiryHandler interface {
	HandleExpiredInteraction(ctx context.Context, request domain.FlowInteractionRequest) error
}

// Gate opens, resolves and expires human interaction requests. Methods that
// take a session by value expect the caller to hold the session lock; the
// others take it themselves.
type Gate struct {
	storage Storage
	locker  domain.SessionLocker
	config  common.InteractionConfig
	expiry  ExpiryHandler
	now     func() time.Time
}

func NewGate(storage Storage, locker domain.SessionLocker, config common.InteractionConfig) *Gate {
	return &Gate{
		storage: storage,
		locker:  locker,
		config:  config,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetExpiryHandler registers the handler used when FailOnExpiry is set.
func (g *Gate) SetExpiryHandler(handler ExpiryHandler) {
	g.expiry = handler
}

// EnsureRequest returns the request for the step execution, opening one from
// draft when none exists yet. Opening a request moves the step execution and
// the session to waiting_for_interaction. The boolean reports whether a new
// request was created.
func (g *Gate) EnsureRequest(ctx context.Context, session domain.FlowSession, execution domain.FlowStepExecution, draft domain.InteractionDraft) (domain.FlowInteractionRequest, bool, error) {
	existing, err := g.storage.GetFlowInteractionRequestForStep(ctx, execution.Id)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return domain.FlowInteractionRequest{}, false, err
	}

	request, err := g.CreateRequest(ctx, session, execution, draft)
	if err != nil {
		return domain.FlowInteractionRequest{}, false, err
	}

	now := g.now()
	execution.Status = domain.FlowStepStatusWaitingForInteraction
	execution.Updated = now
	if err := g.storage.PersistFlowStepExecution(ctx, execution); err != nil {
		return domain.FlowInteractionRequest{}, false, fmt.Errorf("failed to mark step execution waiting: %w", err)
	}
	_, err = domain.MutateFlowSession(ctx, g.storage, session.Id, func(s *domain.FlowSession) error {
		s.Status = domain.FlowSessionStatusWaitingForInteraction
		s.CurrentStepId = execution.StepId
		return nil
	})
	if err != nil {
		return domain.FlowInteractionRequest{}, false, fmt.Errorf("failed to mark session waiting: %w", err)
	}

	payload := domain.Document{
		"requestId": request.Id,
		"stepId":    request.StepId,
		"type":      request.Type,
		"title":     request.Title,
	}
	if request.DueAt != nil {
		payload["dueAt"] = request.DueAt.Format(time.RFC3339)
	}
	if request.PayloadSchema != nil {
		payload["payloadSchema"] = map[string]any(request.PayloadSchema)
	}
	if request.SuggestedActions != nil {
		payload["suggestedActions"] = map[string]any(request.SuggestedActions)
	}
	g.emit(ctx, session.Id, execution.Id, domain.HumanInteractionRequiredEventType, domain.InteractionStatusPending, payload)
	return request, true, nil
}

// CreateRequest stores a pending request for the step execution. It fails
// with common.ErrInteractionConflict when one already exists and with a
// configuration error when the draft's payload schema is unusable.
func (g *Gate) CreateRequest(ctx context.Context, session domain.FlowSession, execution domain.FlowStepExecution, draft domain.InteractionDraft) (domain.FlowInteractionRequest, error) {
	if _, err := ParseSchema(draft.PayloadSchema); err != nil {
		return domain.FlowInteractionRequest{}, err
	}

	now := g.now()
	request := domain.FlowInteractionRequest{
		Id:               domain.NewFlowInteractionRequestId(),
		FlowSessionId:    session.Id,
		StepExecutionId:  execution.Id,
		StepId:           execution.StepId,
		Type:             draft.Type,
		Title:            draft.Title,
		Description:      draft.Description,
		PayloadSchema:    draft.PayloadSchema.Clone(),
		SuggestedActions: SanitizeSuggestedActions(draft.SuggestedActions),
		Status:           domain.InteractionStatusPending,
		Created:          now,
		Updated:          now,
	}
	if request.Type == "" {
		request.Type = "input_form"
	}
	if request.Title == "" {
		request.Title = execution.StepName
	}
	if draft.DueInMinutes > 0 {
		dueAt := now.Add(time.Duration(draft.DueInMinutes) * time.Minute)
		request.DueAt = &dueAt
	}

	if err := g.storage.CreateFlowInteractionRequest(ctx, request); err != nil {
		return domain.FlowInteractionRequest{}, err
	}
	log.Info().
		Str("sessionId", session.Id).
		Str("stepExecutionId", execution.Id).
		Str("requestId", request.Id).
		Msg("Opened interaction request")
	return request, nil
}

type RespondRequest struct {
	RequestId   string
	Source      domain.InteractionSource
	RespondedBy string
	Payload     domain.Document
}

// Respond resolves a pending request, hands the payload to the waiting step
// execution under input.interaction and queues it to resume.
func (g *Gate) Respond(ctx context.Context, respond RespondRequest) (domain.FlowInteractionResponse, error) {
	request, err := g.storage.GetFlowInteractionRequest(ctx, respond.RequestId)
	if err != nil {
		return domain.FlowInteractionResponse{}, err
	}

	unlock, err := g.locker.LockSession(ctx, request.FlowSessionId)
	if err != nil {
		return domain.FlowInteractionResponse{}, fmt.Errorf("failed to lock session %s: %w", request.FlowSessionId, err)
	}
	defer unlock()

	// re-read under the lock
	request, err = g.storage.GetFlowInteractionRequest(ctx, respond.RequestId)
	if err != nil {
		return domain.FlowInteractionResponse{}, err
	}
	if request.Status != domain.InteractionStatusPending {
		return domain.FlowInteractionResponse{}, fmt.Errorf("%w: request %s is %s", common.ErrInteractionResolved, request.Id, request.Status)
	}

	schema, err := ParseSchema(request.PayloadSchema)
	if err != nil {
		return domain.FlowInteractionResponse{}, err
	}
	if err := ValidatePayload(schema, respond.Payload); err != nil {
		return domain.FlowInteractionResponse{}, err
	}

	source := respond.Source
	if source == "" {
		source = domain.InteractionSourceHuman
	}
	response, err := g.resolve(ctx, request, source, respond.RespondedBy, respond.Payload)
	if err != nil {
		return domain.FlowInteractionResponse{}, err
	}

	execution, err := g.storage.GetFlowStepExecution(ctx, request.StepExecutionId)
	if err != nil {
		return domain.FlowInteractionResponse{}, err
	}
	now := g.now()
	execution.Status = domain.FlowStepStatusPending
	execution.Input = execution.Input.Merge(domain.Document{"interaction": map[string]any(respond.Payload.Clone())})
	execution.Updated = now
	if err := g.storage.PersistFlowStepExecution(ctx, execution); err != nil {
		return domain.FlowInteractionResponse{}, fmt.Errorf("failed to resume step execution: %w", err)
	}

	_, err = domain.MutateFlowSession(ctx, g.storage, request.FlowSessionId, func(s *domain.FlowSession) error {
		if s.Status == domain.FlowSessionStatusWaitingForInteraction {
			s.Status = domain.FlowSessionStatusRunning
		}
		return nil
	})
	if err != nil {
		return domain.FlowInteractionResponse{}, fmt.Errorf("failed to resume session: %w", err)
	}

	g.emit(ctx, request.FlowSessionId, execution.Id, domain.HumanInteractionRespondedEventType, domain.InteractionStatusResolved, domain.Document{
		"requestId":   request.Id,
		"stepId":      request.StepId,
		"source":      source,
		"respondedBy": respond.RespondedBy,
	})

	// jobs of a paused session are held back until it resumes
	if err := g.storage.EnqueueFlowJob(ctx, domain.NewFlowJob(execution, now)); err != nil {
		return domain.FlowInteractionResponse{}, fmt.Errorf("failed to enqueue resumed step: %w", err)
	}
	return response, nil
}

func (g *Gate) resolve(ctx context.Context, request domain.FlowInteractionRequest, source domain.InteractionSource, respondedBy string, payload domain.Document) (domain.FlowInteractionResponse, error) {
	now := g.now()
	response := domain.FlowInteractionResponse{
		Id:          domain.NewFlowInteractionResponseId(),
		RequestId:   request.Id,
		Source:      source,
		RespondedBy: respondedBy,
		Payload:     payload.Clone(),
		Created:     now,
	}
	if err := g.storage.CreateFlowInteractionResponse(ctx, response); err != nil {
		return domain.FlowInteractionResponse{}, err
	}
	request.Status = domain.InteractionStatusResolved
	request.Updated = now
	if err := g.storage.UpdateFlowInteractionRequest(ctx, request); err != nil {
		return domain.FlowInteractionResponse{}, fmt.Errorf("failed to resolve interaction request: %w", err)
	}
	return response, nil
}

// AutoResolvePending resolves every pending request of a session with an
// automatic response and cancels the waiting step executions. Used when a
// session is cancelled; the caller holds the session lock.
func (g *Gate) AutoResolvePending(ctx context.Context, sessionId string) (int, error) {
	pending, err := g.storage.GetPendingFlowInteractionRequests(ctx, sessionId)
	if err != nil {
		return 0, err
	}
	for _, request := range pending {
		if _, err := g.resolve(ctx, request, domain.InteractionSourceAuto, "", nil); err != nil {
			return 0, err
		}
		execution, err := g.storage.GetFlowStepExecution(ctx, request.StepExecutionId)
		if err != nil {
			return 0, err
		}
		if !domain.IsTerminalStepStatus(execution.Status) {
			now := g.now()
			execution.Status = domain.FlowStepStatusCancelled
			execution.Updated = now
			execution.CompletedAt = &now
			if err := g.storage.PersistFlowStepExecution(ctx, execution); err != nil {
				return 0, err
			}
		}
		g.emit(ctx, sessionId, execution.Id, domain.HumanInteractionRespondedEventType, domain.InteractionStatusResolved, domain.Document{
			"requestId": request.Id,
			"stepId":    request.StepId,
			"source":    domain.InteractionSourceAuto,
		})
	}
	return len(pending), nil
}

// ExpireDue expires pending requests whose due date is at or before now, up
// to limit of them. With FailOnExpiry set the registered ExpiryHandler fails
// the waiting step. It returns how many requests were expired.
func (g *Gate) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := g.storage.GetDueFlowInteractionRequests(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, candidate := range due {
		ok, err := g.expire(ctx, candidate.Id, now)
		if err != nil {
			log.Error().Err(err).Str("requestId", candidate.Id).Msg("Failed to expire interaction request")
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (g *Gate) expire(ctx context.Context, requestId string, now time.Time) (bool, error) {
	request, err := g.storage.GetFlowInteractionRequest(ctx, requestId)
	if err != nil {
		return false, err
	}
	unlock, err := g.locker.LockSession(ctx, request.FlowSessionId)
	if err != nil {
		return false, err
	}
	defer unlock()

	request, err = g.storage.GetFlowInteractionRequest(ctx, requestId)
	if err != nil {
		return false, err
	}
	if request.Status != domain.InteractionStatusPending {
		return false, nil
	}
	request.Status = domain.InteractionStatusExpired
	request.Updated = now.UTC()
	if err := g.storage.UpdateFlowInteractionRequest(ctx, request); err != nil {
		return false, err
	}
	g.emit(ctx, request.FlowSessionId, request.StepExecutionId, domain.HumanInteractionExpiredEventType, domain.InteractionStatusExpired, domain.Document{
		"requestId": request.Id,
		"stepId":    request.StepId,
	})
	log.Info().Str("sessionId", request.FlowSessionId).Str("requestId", request.Id).Msg("Interaction request expired")

	if g.config.FailOnExpiry && g.expiry != nil {
		if err := g.expiry.HandleExpiredInteraction(ctx, request); err != nil {
			return true, fmt.Errorf("failed to handle expired interaction: %w", err)
		}
	}
	return true, nil
}

func (g *Gate) emit(ctx context.Context, sessionId, executionId string, eventType domain.FlowEventType, status string, payload domain.Document) {
	traceId, spanId := telemetry.SpanIds(ctx)
	if traceId == "" {
		traceId, spanId = sessionId, executionId
	}
	_, err := g.storage.AppendFlowEvent(ctx, domain.FlowEvent{
		FlowSessionId:   sessionId,
		StepExecutionId: executionId,
		EventType:       eventType,
		Status:          status,
		TraceId:         traceId,
		SpanId:          spanId,
		Payload:         payload,
		Created:         g.now(),
	})
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionId).Str("eventType", string(eventType)).Msg("Failed to record interaction event")
	}
}
