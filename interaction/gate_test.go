package interaction

import (
	"context"
	"testing"
	"time"

	"agentflow/common"
	"agentflow/domain"
	"agentflow/srv"
	"agentflow/srv/sqlite"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateFixture struct {
	storage   *sqlite.Storage
	gate      *Gate
	session   domain.FlowSession
	execution domain.FlowStepExecution
}

func newGateFixture(t *testing.T, config common.InteractionConfig) gateFixture {
	t.Helper()
	ctx := context.Background()
	storage := sqlite.NewTestSqliteStorage(t, "interaction_"+ksuid.New().String())
	now := time.Now().UTC()

	session := domain.FlowSession{
		Id:            domain.NewFlowSessionId(),
		DefinitionId:  "fd_test",
		Status:        domain.FlowSessionStatusRunning,
		CurrentStepId: "review",
		SharedContext: domain.NewSharedContext(nil),
		Created:       now,
		Updated:       now,
	}
	require.NoError(t, storage.CreateFlowSession(ctx, session))

	execution := domain.FlowStepExecution{
		Id:            domain.NewFlowStepExecutionId(),
		FlowSessionId: session.Id,
		StepId:        "review",
		StepName:      "Review draft",
		Attempt:       1,
		Status:        domain.FlowStepStatusRunning,
		Input:         domain.Document{"draft": "hello"},
		Created:       now,
		Updated:       now,
	}
	require.NoError(t, storage.PersistFlowStepExecution(ctx, execution))

	return gateFixture{
		storage:   storage,
		gate:      NewGate(storage, srv.NewLocalSessionLocker(), config),
		session:   session,
		execution: execution,
	}
}

func reviewDraft() domain.InteractionDraft {
	return domain.InteractionDraft{
		Title:            "Approve the draft",
		PayloadSchema:    approvalSchema(),
		SuggestedActions: []any{"approve"},
		DueInMinutes:     30,
	}
}

func eventTypes(t *testing.T, storage *sqlite.Storage, sessionId string) []domain.FlowEventType {
	t.Helper()
	events, err := storage.GetFlowEvents(context.Background(), sessionId, 0, 0)
	require.NoError(t, err)
	types := make([]domain.FlowEventType, len(events))
	for i, event := range events {
		types[i] = event.EventType
	}
	return types
}

func TestGate_EnsureRequestOpensOnce(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, common.InteractionConfig{})
	ctx := context.Background()

	request, created, err := f.gate.EnsureRequest(ctx, f.session, f.execution, reviewDraft())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.InteractionStatusPending, request.Status)
	assert.Equal(t, "Approve the draft", request.Title)
	assert.Equal(t, "input_form", request.Type)
	require.NotNil(t, request.DueAt)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), *request.DueAt, time.Minute)
	assert.Equal(t, []any{"approve"}, request.SuggestedActions["allow"])

	execution, err := f.storage.GetFlowStepExecution(ctx, f.execution.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.FlowStepStatusWaitingForInteraction, execution.Status)

	session, err := f.storage.GetFlowSession(ctx, f.session.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.FlowSessionStatusWaitingForInteraction, session.Status)
	assert.Equal(t, f.session.StateVersion+1, session.StateVersion)

	again, created, err := f.gate.EnsureRequest(ctx, f.session, f.execution, reviewDraft())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, request.Id, again.Id)

	_, err = f.gate.CreateRequest(ctx, f.session, f.execution, reviewDraft())
	assert.ErrorIs(t, err, common.ErrInteractionConflict)

	assert.Equal(t, []domain.FlowEventType{domain.HumanInteractionRequiredEventType}, eventTypes(t, f.storage, f.session.Id))
}

func TestGate_EnsureRequestRejectsBadSchema(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, common.InteractionConfig{})

	draft := reviewDraft()
	draft.PayloadSchema = domain.Document{"type": "object", "properties": map[string]any{"x": map[string]any{"type": "string", "format": "ipv4"}}}
	_, _, err := f.gate.EnsureRequest(context.Background(), f.session, f.execution, draft)
	require.Error(t, err)
	assert.True(t, common.IsConfigurationError(err))

	_, err = f.storage.GetFlowInteractionRequestForStep(context.Background(), f.execution.Id)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestGate_RespondResumesStep(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, common.InteractionConfig{})
	ctx := context.Background()

	request, _, err := f.gate.EnsureRequest(ctx, f.session, f.execution, reviewDraft())
	require.NoError(t, err)

	_, err = f.gate.Respond(ctx, RespondRequest{RequestId: request.Id, Payload: domain.Document{"decision": "maybe"}})
	require.ErrorIs(t, err, ErrInvalidPayload)

	response, err := f.gate.Respond(ctx, RespondRequest{
		RequestId:   request.Id,
		RespondedBy: "reviewer@example.com",
		Payload:     domain.Document{"decision": "approve", "comment": "lgtm"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InteractionSourceHuman, response.Source)

	stored, err := f.storage.GetFlowInteractionRequest(ctx, request.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.InteractionStatusResolved, stored.Status)

	execution, err := f.storage.GetFlowStepExecution(ctx, f.execution.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.FlowStepStatusPending, execution.Status)
	assert.Equal(t, "approve", execution.Input.Get("interaction.decision").String())
	assert.Equal(t, "hello", execution.Input.GetString("draft"))

	session, err := f.storage.GetFlowSession(ctx, f.session.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.FlowSessionStatusRunning, session.Status)

	jobs, err := f.storage.GetFlowJobsForSession(ctx, f.session.Id)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, f.execution.Id, jobs[0].StepExecutionId)
	assert.Equal(t, domain.FlowJobStatusQueued, jobs[0].Status)

	_, err = f.gate.Respond(ctx, RespondRequest{RequestId: request.Id, Payload: domain.Document{"decision": "reject"}})
	assert.ErrorIs(t, err, common.ErrInteractionResolved)

	assert.Equal(t, []domain.FlowEventType{
		domain.HumanInteractionRequiredEventType,
		domain.HumanInteractionRespondedEventType,
	}, eventTypes(t, f.storage, f.session.Id))
}

func TestGate_RespondWhilePausedKeepsSessionPaused(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, common.InteractionConfig{})
	ctx := context.Background()

	request, _, err := f.gate.EnsureRequest(ctx, f.session, f.execution, reviewDraft())
	require.NoError(t, err)
	_, err = domain.MutateFlowSession(ctx, f.storage, f.session.Id, func(s *domain.FlowSession) error {
		s.Status = domain.FlowSessionStatusPaused
		return nil
	})
	require.NoError(t, err)

	_, err = f.gate.Respond(ctx, RespondRequest{RequestId: request.Id, Payload: domain.Document{"decision": "approve"}})
	require.NoError(t, err)

	session, err := f.storage.GetFlowSession(ctx, f.session.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.FlowSessionStatusPaused, session.Status)

	jobs, err := f.storage.GetFlowJobsForSession(ctx, f.session.Id)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	_, err = f.storage.ClaimNextFlowJob(ctx, "worker-1", time.Now().UTC())
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestGate_AutoResolvePending(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, common.InteractionConfig{})
	ctx := context.Background()

	request, _, err := f.gate.EnsureRequest(ctx, f.session, f.execution, reviewDraft())
	require.NoError(t, err)

	count, err := f.gate.AutoResolvePending(ctx, f.session.Id)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	response, err := f.storage.GetFlowInteractionResponse(ctx, request.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.InteractionSourceAuto, response.Source)

	execution, err := f.storage.GetFlowStepExecution(ctx, f.execution.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.FlowStepStatusCancelled, execution.Status)

	jobs, err := f.storage.GetFlowJobsForSession(ctx, f.session.Id)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

type recordingExpiryHandler struct {
	requests []domain.FlowInteractionRequest
}

func (h *recordingExpiryHandler) HandleExpiredInteraction(_ context.Context, request domain.FlowInteractionRequest) error {
	h.requests = append(h.requests, request)
	return nil
}

func TestGate_ExpireDue(t *testing.T) {
	t.Parallel()

	t.Run("keeps waiting without fail on expiry", func(t *testing.T) {
		t.Parallel()
		f := newGateFixture(t, common.InteractionConfig{})
		handler := &recordingExpiryHandler{}
		f.gate.SetExpiryHandler(handler)
		ctx := context.Background()

		request, _, err := f.gate.EnsureRequest(ctx, f.session, f.execution, reviewDraft())
		require.NoError(t, err)

		expired, err := f.gate.ExpireDue(ctx, time.Now().UTC(), 10)
		require.NoError(t, err)
		assert.Equal(t, 0, expired)

		expired, err = f.gate.ExpireDue(ctx, time.Now().UTC().Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Equal(t, 1, expired)
		assert.Empty(t, handler.requests)

		stored, err := f.storage.GetFlowInteractionRequest(ctx, request.Id)
		require.NoError(t, err)
		assert.Equal(t, domain.InteractionStatusExpired, stored.Status)

		_, err = f.gate.Respond(ctx, RespondRequest{RequestId: request.Id, Payload: domain.Document{"decision": "approve"}})
		assert.ErrorIs(t, err, common.ErrInteractionResolved)
		assert.Contains(t, eventTypes(t, f.storage, f.session.Id), domain.HumanInteractionExpiredEventType)
	})

	t.Run("hands off with fail on expiry", func(t *testing.T) {
		t.Parallel()
		f := newGateFixture(t, common.InteractionConfig{FailOnExpiry: true})
		handler := &recordingExpiryHandler{}
		f.gate.SetExpiryHandler(handler)
		ctx := context.Background()

		request, _, err := f.gate.EnsureRequest(ctx, f.session, f.execution, reviewDraft())
		require.NoError(t, err)

		expired, err := f.gate.ExpireDue(ctx, time.Now().UTC().Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Equal(t, 1, expired)
		require.Len(t, handler.requests, 1)
		assert.Equal(t, request.Id, handler.requests[0].Id)
	})
}

func TestDefaultPolicy(t *testing.T) {
	t.Parallel()
	policy := DefaultPolicy{}

	plain := domain.FlowStep{Id: "a"}
	assert.False(t, policy.Deferred(plain))
	assert.False(t, policy.Required(plain, domain.Document{"requiresUserInput": true}))

	deferred := domain.FlowStep{Id: "b", Interaction: &domain.InteractionDraft{Deferred: true}}
	assert.True(t, policy.Deferred(deferred))
	assert.True(t, policy.Required(deferred, domain.Document{"requiresUserInput": true}))
	assert.False(t, policy.Required(deferred, domain.Document{"requiresUserInput": false}))
	assert.False(t, policy.Required(deferred, nil))

	custom := domain.FlowStep{Id: "c", Interaction: &domain.InteractionDraft{Deferred: true, RequiredPath: "review.needed"}}
	assert.True(t, policy.Required(custom, domain.Document{"review": map[string]any{"needed": true}}))
}
