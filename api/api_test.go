package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agentflow/blueprint"
	"agentflow/common"
	"agentflow/domain"
	"agentflow/interaction"
	"agentflow/memory"
	"agentflow/orchestrator"
	"agentflow/srv"
	"agentflow/srv/sqlite"
	"agentflow/worker"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoInvoker struct{}

func (echoInvoker) Invoke(_ context.Context, request domain.AgentInvocationRequest) (domain.AgentInvocationResult, error) {
	return domain.AgentInvocationResult{Content: "echo: " + request.Prompt}, nil
}

type fixedSummaryModel struct{}

func (fixedSummaryModel) Summarize(context.Context, string, string) (string, error) {
	return "They exchanged greetings.", nil
}

type testApi struct {
	t       *testing.T
	service *srv.Delegator
	router  *gin.Engine
	worker  *worker.Worker
}

const greetingBlueprint = `
steps:
  - id: greet
    prompt: "Say hello to {{input.name}}"
`

const approvalBlueprint = `
steps:
  - id: review
    prompt: "Decision was {{interaction.decision}}"
    interaction:
      title: Approve the greeting
      payloadSchema:
        type: object
        required: [decision]
        properties:
          decision:
            type: string
            enum: [approve, reject]
`

func newTestApi(t *testing.T) *testApi {
	t.Helper()
	gin.SetMode(gin.TestMode)

	storage := sqlite.NewTestSqliteStorage(t, "api_"+ksuid.New().String())
	service := srv.NewDelegator(storage, srv.NewMemoryStreamer())
	locker := srv.NewLocalSessionLocker()
	compiler := blueprint.NewCompiler(16)
	definitions := blueprint.NewDefinitionService(service, compiler)
	memoryService := memory.NewService(service, common.MemoryConfig{RetentionVersions: 50, RetentionDays: 30})
	summarizer := memory.NewSummarizer(service, memory.NewTokenEstimator(service, memory.TokenizerChars), fixedSummaryModel{}, service, nil, common.SummarizerConfig{
		Enabled:           true,
		Channels:          []string{domain.ConversationChannel},
		TriggerTokenLimit: 100000,
		TailWindow:        1,
		Tokenizer:         memory.TokenizerChars,
	})
	gate := interaction.NewGate(service, locker, common.InteractionConfig{})
	workerConfig := common.WorkerConfig{
		PollInterval:   10 * time.Millisecond,
		ReleaseDelay:   time.Second,
		InvokeTimeout:  5 * time.Second,
		LockRetryDelay: 10 * time.Millisecond,
	}
	llmConfig := common.LLMConfig{
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Pricing:  []common.ModelPricing{{Model: "gpt-4o-mini", InputPer1K: 0.15, OutputPer1K: 0.6}},
	}
	catalog := blueprint.NewAgentCatalog(service, llmConfig)
	orch := orchestrator.New(orchestrator.Dependencies{
		Storage:     service,
		Locker:      locker,
		Compiler:    compiler,
		Definitions: definitions,
		Catalog:     catalog,
		Memory:      memoryService,
		Summarizer:  summarizer,
		Gate:        gate,
		Invoker:     echoInvoker{},
		Worker:      workerConfig,
		LLM:         llmConfig,
	})

	ctrl := NewController(Dependencies{
		Service:      service,
		Definitions:  definitions,
		Catalog:      catalog,
		Orchestrator: orch,
		Gate:         gate,
		Memory:       memoryService,
		Summarizer:   summarizer,
	})
	allowedOrigins, err := newAllowedOrigins([]string{"http://localhost:8855"})
	require.NoError(t, err)

	a := &testApi{
		t:       t,
		service: service,
		router:  DefineRoutes(ctrl, allowedOrigins),
		worker:  worker.New("api-test", service, orch, gate, nil, workerConfig),
	}
	a.publish("greeting", greetingBlueprint)
	a.publish("approval", approvalBlueprint)
	return a
}

func (a *testApi) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp := httptest.NewRecorder()
	a.router.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out), resp.Body.String())
	return out
}

func (a *testApi) publish(name, document string) domain.FlowDefinition {
	a.t.Helper()
	resp := a.do(http.MethodPost, "/api/v1/definitions", DefinitionRequest{Name: name, Blueprint: document})
	require.Equal(a.t, http.StatusCreated, resp.Code, resp.Body.String())
	draft := decode[struct{ Definition domain.FlowDefinition }](a.t, resp).Definition

	resp = a.do(http.MethodPost, "/api/v1/definitions/"+draft.Id+"/publish", PublishRequest{ChangeNotes: "initial"})
	require.Equal(a.t, http.StatusOK, resp.Code, resp.Body.String())
	return decode[struct{ Definition domain.FlowDefinition }](a.t, resp).Definition
}

func (a *testApi) startSession(name string, input domain.Document) domain.FlowSession {
	a.t.Helper()
	resp := a.do(http.MethodPost, "/api/v1/sessions", StartSessionRequest{DefinitionName: name, Input: input})
	require.Equal(a.t, http.StatusCreated, resp.Code, resp.Body.String())
	return decode[struct{ Session domain.FlowSession }](a.t, resp).Session
}

// drain processes queued jobs until the queue is empty.
func (a *testApi) drain() {
	a.t.Helper()
	for range 20 {
		if a.worker.PollOnce(context.Background()) == worker.PollEmpty {
			return
		}
	}
	a.t.Fatal("queue did not drain")
}

func (a *testApi) snapshot(sessionId string) orchestrator.SessionSnapshot {
	a.t.Helper()
	resp := a.do(http.MethodGet, "/api/v1/sessions/"+sessionId, nil)
	require.Equal(a.t, http.StatusOK, resp.Code, resp.Body.String())
	return decode[orchestrator.SessionSnapshot](a.t, resp)
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()
	a := newTestApi(t)
	resp := a.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status": "ok"}`, resp.Body.String())
}

func TestDefinitionLifecycle(t *testing.T) {
	t.Parallel()
	a := newTestApi(t)

	resp := a.do(http.MethodPost, "/api/v1/definitions", DefinitionRequest{Name: "greeting", Blueprint: greetingBlueprint})
	require.Equal(t, http.StatusCreated, resp.Code)
	draft := decode[struct{ Definition domain.FlowDefinition }](t, resp).Definition
	assert.Equal(t, 2, draft.Version)
	assert.Equal(t, domain.FlowDefinitionStatusDraft, draft.Status)

	resp = a.do(http.MethodGet, "/api/v1/definitions/"+draft.Id, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, draft.Id, decode[struct{ Definition domain.FlowDefinition }](t, resp).Definition.Id)

	resp = a.do(http.MethodPost, "/api/v1/definitions/"+draft.Id+"/publish", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	published := decode[struct{ Definition domain.FlowDefinition }](t, resp).Definition
	assert.True(t, published.Active)

	resp = a.do(http.MethodGet, "/api/v1/definition_versions/greeting", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	versions := decode[struct{ Definitions []domain.FlowDefinition }](t, resp).Definitions
	require.Len(t, versions, 2)
	for _, version := range versions {
		assert.Equal(t, version.Id == published.Id, version.Active, "only the newest version is active")
	}

	resp = a.do(http.MethodPost, "/api/v1/definitions/"+draft.Id+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, domain.FlowDefinitionStatusArchived, decode[struct{ Definition domain.FlowDefinition }](t, resp).Definition.Status)

	resp = a.do(http.MethodPost, "/api/v1/definitions/"+draft.Id+"/publish", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestDefinitionErrors(t *testing.T) {
	t.Parallel()
	a := newTestApi(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{name: "missing blueprint", method: http.MethodPost, path: "/api/v1/definitions", body: map[string]string{"name": "x"}, status: http.StatusBadRequest},
		{name: "unparseable blueprint", method: http.MethodPost, path: "/api/v1/definitions", body: DefinitionRequest{Name: "x", Blueprint: "steps: [unclosed"}, status: http.StatusBadRequest},
		{name: "blank name", method: http.MethodPost, path: "/api/v1/definitions", body: DefinitionRequest{Blueprint: greetingBlueprint}, status: http.StatusBadRequest},
		{name: "unknown definition", method: http.MethodGet, path: "/api/v1/definitions/fd_missing", status: http.StatusNotFound},
		{name: "publish unknown definition", method: http.MethodPost, path: "/api/v1/definitions/fd_missing/publish", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := a.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.Code, resp.Body.String())
			assert.Contains(t, resp.Body.String(), `"error"`)
		})
	}
}

func TestSessionRunsToCompletion(t *testing.T) {
	t.Parallel()
	a := newTestApi(t)

	session := a.startSession("greeting", domain.Document{"name": "Ada"})
	assert.Equal(t, domain.FlowSessionStatusRunning, session.Status)

	a.drain()

	snapshot := a.snapshot(session.Id)
	assert.Equal(t, domain.FlowSessionStatusCompleted, snapshot.Session.Status)
	require.Len(t, snapshot.Steps, 1)
	assert.Equal(t, "echo: Say hello to Ada", snapshot.Steps[0].Output.GetString("content"))
	assert.Positive(t, snapshot.LatestEventId)

	resp := a.do(http.MethodGet, "/api/v1/sessions/"+session.Id+"/events?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	events := decode[struct{ Events []domain.FlowEvent }](t, resp).Events
	require.Len(t, events, 1)
	assert.Equal(t, domain.FlowStartedEventType, events[0].EventType)

	// terminal sessions answer a poll right away
	started := time.Now()
	resp = a.do(http.MethodGet, "/api/v1/sessions/"+session.Id+"/poll?timeoutMs=5000&sinceEventId=0", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Less(t, time.Since(started), 4*time.Second)
	poll := decode[orchestrator.PollResult](t, resp)
	assert.True(t, poll.Changed)
	assert.NotEmpty(t, poll.Events)
}

func TestStartSessionErrors(t *testing.T) {
	t.Parallel()
	a := newTestApi(t)

	resp := a.do(http.MethodPost, "/api/v1/sessions", StartSessionRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = a.do(http.MethodPost, "/api/v1/sessions", StartSessionRequest{DefinitionName: "missing"})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = a.do(http.MethodGet, "/api/v1/sessions/fs_missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = a.do(http.MethodGet, "/api/v1/sessions/fs_missing/poll?sinceEventId=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSessionControl(t *testing.T) {
	t.Parallel()
	a := newTestApi(t)
	session := a.startSession("greeting", domain.Document{"name": "Ada"})

	resp := a.do(http.MethodPost, "/api/v1/sessions/"+session.Id+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, domain.FlowSessionStatusPaused, decode[struct{ Session domain.FlowSession }](t, resp).Session.Status)

	resp = a.do(http.MethodPost, "/api/v1/sessions/"+session.Id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = a.do(http.MethodPost, "/api/v1/sessions/"+session.Id+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, domain.FlowSessionStatusRunning, decode[struct{ Session domain.FlowSession }](t, resp).Session.Status)

	resp = a.do(http.MethodPost, "/api/v1/sessions/"+session.Id+"/cancel", CancelSessionRequest{Reason: "changed my mind"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, domain.FlowSessionStatusCancelled, decode[struct{ Session domain.FlowSession }](t, resp).Session.Status)

	resp = a.do(http.MethodPost, "/api/v1/sessions/"+session.Id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)

	steps := a.snapshot(session.Id).Steps
	require.NotEmpty(t, steps)
	resp = a.do(http.MethodPost, "/api/v1/steps/"+steps[0].Id+"/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = a.do(http.MethodPost, "/api/v1/steps/fse_missing/skip", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRespondInteraction(t *testing.T) {
	t.Parallel()
	a := newTestApi(t)
	session := a.startSession("approval", nil)
	a.drain()

	snapshot := a.snapshot(session.Id)
	assert.Equal(t, domain.FlowSessionStatusWaitingForInteraction, snapshot.Session.Status)
	require.Len(t, snapshot.PendingInteractions, 1)
	requestId := snapshot.PendingInteractions[0].Id

	resp := a.do(http.MethodPost, "/api/v1/interactions/"+requestId+"/respond", RespondRequest{Payload: domain.Document{"decision": "maybe"}})
	assert.Equal(t, http.StatusBadRequest, resp.Code, resp.Body.String())

	resp = a.do(http.MethodPost, "/api/v1/interactions/"+requestId+"/respond", RespondRequest{RespondedBy: "reviewer", Payload: domain.Document{"decision": "approve"}})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	response := decode[struct{ Response domain.FlowInteractionResponse }](t, resp).Response
	assert.Equal(t, domain.InteractionSourceHuman, response.Source)
	assert.Equal(t, "reviewer", response.RespondedBy)

	resp = a.do(http.MethodPost, "/api/v1/interactions/"+requestId+"/respond", RespondRequest{Payload: domain.Document{"decision": "reject"}})
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = a.do(http.MethodPost, "/api/v1/interactions/fir_missing/respond", RespondRequest{Payload: domain.Document{"decision": "reject"}})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	a.drain()
	snapshot = a.snapshot(session.Id)
	assert.Equal(t, domain.FlowSessionStatusCompleted, snapshot.Session.Status)
	assert.Equal(t, "echo: Decision was approve", snapshot.Steps[len(snapshot.Steps)-1].Output.GetString("content"))
}

func TestMemoryHistoryAndSummarize(t *testing.T) {
	t.Parallel()
	a := newTestApi(t)
	session := a.startSession("greeting", domain.Document{"name": "Ada"})
	a.drain()

	resp := a.do(http.MethodGet, "/api/v1/sessions/"+session.Id+"/memory/conversation", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	history := decode[struct{ History []domain.HistoryEntry }](t, resp).History
	require.Len(t, history, 2)
	assert.Equal(t, domain.HistoryEntryTypeMemory, history[0].Type)

	resp = a.do(http.MethodGet, "/api/v1/sessions/"+session.Id+"/memory/conversation?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = a.do(http.MethodPost, "/api/v1/sessions/"+session.Id+"/memory/conversation/summarize", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	history = decode[struct{ History []domain.HistoryEntry }](t, resp).History
	require.NotEmpty(t, history)
	assert.Equal(t, domain.HistoryEntryTypeSummary, history[0].Type)
	assert.Equal(t, "They exchanged greetings.", history[0].Content)

	resp = a.do(http.MethodGet, "/api/v1/sessions/fs_missing/memory/conversation", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestSessionEventsWebsocket(t *testing.T) {
	t.Parallel()
	a := newTestApi(t)
	session := a.startSession("greeting", domain.Document{"name": "Ada"})
	a.drain()

	s := httptest.NewServer(a.router)
	defer s.Close()

	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/v1/sessions/" + session.Id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var types []domain.FlowEventType
	for {
		var event domain.FlowEvent
		if err := conn.ReadJSON(&event); err != nil {
			break
		}
		types = append(types, event.EventType)
		if event.EventType == domain.EndStreamEventType {
			break
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, domain.FlowStartedEventType, types[0])
	assert.Contains(t, types, domain.FlowCompletedEventType)
	assert.Equal(t, domain.EndStreamEventType, types[len(types)-1])

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/ws/v1/sessions/fs_missing/events", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
