package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"agentflow/common"
	"agentflow/domain"
	"agentflow/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSummaryModel struct {
	mu          sync.Mutex
	transcripts []string
	summary     string
	err         error
}

func (m *fakeSummaryModel) Summarize(_ context.Context, transcript, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts = append(m.transcripts, transcript)
	return m.summary, m.err
}

type recordedEvents struct {
	mu     sync.Mutex
	events []domain.FlowEvent
}

func (r *recordedEvents) AppendFlowEvent(_ context.Context, event domain.FlowEvent) (domain.FlowEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return event, nil
}

func testSummarizerConfig() common.SummarizerConfig {
	return common.SummarizerConfig{
		Enabled:           true,
		Channels:          []string{"conversation"},
		TriggerTokenLimit: 10,
		TailWindow:        2,
		MaxConcurrent:     1,
		QueueSize:         1,
		Tokenizer:         TokenizerWords,
		FailureAlertAfter: 3,
	}
}

type summarizerFixture struct {
	service    *Service
	summarizer *Summarizer
	model      *fakeSummaryModel
	events     *recordedEvents
	metrics    *telemetry.RecordingMetricsSink
	session    domain.FlowSession
}

func newSummarizerFixture(t *testing.T, config common.SummarizerConfig) summarizerFixture {
	t.Helper()
	storage := newTestStorage(t)
	model := &fakeSummaryModel{summary: "condensed"}
	events := &recordedEvents{}
	metrics := telemetry.NewRecordingMetricsSink()
	return summarizerFixture{
		service:    NewService(storage, testMemoryConfig(100)),
		summarizer: NewSummarizer(storage, NewTokenEstimator(storage, config.Tokenizer), model, events, metrics, config),
		model:      model,
		events:     events,
		metrics:    metrics,
		session:    createTestSession(t, storage),
	}
}

func (f summarizerFixture) appendTurns(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		source := domain.MemorySourceUserInput
		if i%2 == 1 {
			source = domain.MemorySourceAgentOutput
		}
		_, err := f.service.Append(context.Background(), AppendRequest{
			SessionId:  f.session.Id,
			Channel:    "conversation",
			Payload:    domain.Document{"content": fmt.Sprintf("turn %d has four words", i)},
			SourceType: source,
		})
		require.NoError(t, err)
	}
}

func TestSummarizer_PreflightBelowTrigger(t *testing.T) {
	t.Parallel()
	f := newSummarizerFixture(t, testSummarizerConfig())
	f.appendTurns(t, 1)

	plan, err := f.summarizer.Preflight(context.Background(), f.session.Id, "conversation", "", domain.AgentRef{})
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestSummarizer_PreflightSkipsUnsupportedChannel(t *testing.T) {
	t.Parallel()
	f := newSummarizerFixture(t, testSummarizerConfig())
	f.appendTurns(t, 6)

	plan, err := f.summarizer.Preflight(context.Background(), f.session.Id, "shared", "", domain.AgentRef{})
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestSummarizer_PreflightPlansOutsideTail(t *testing.T) {
	t.Parallel()
	f := newSummarizerFixture(t, testSummarizerConfig())
	f.appendTurns(t, 6)

	plan, err := f.summarizer.Preflight(context.Background(), f.session.Id, "Conversation", "one more question", domain.AgentRef{})
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, int64(1), plan.StartVersion)
	assert.Equal(t, int64(4), plan.EndVersion)
	assert.Len(t, plan.Entries, 4)
	assert.Greater(t, plan.EstimatedTokens, 10)

	_, err = f.summarizer.Preflight(context.Background(), f.session.Id, "conversation", "", domain.AgentRef{Tokenizer: "bogus"})
	assert.ErrorIs(t, err, common.ErrUnknownTokenizer)
}

func TestSummarizer_ProcessPersistsAndExtendsSummary(t *testing.T) {
	t.Parallel()
	f := newSummarizerFixture(t, testSummarizerConfig())
	ctx := context.Background()
	f.appendTurns(t, 6)

	plan, err := f.summarizer.Preflight(ctx, f.session.Id, "conversation", "", domain.AgentRef{})
	require.NoError(t, err)
	require.NotNil(t, plan)
	require.NoError(t, f.summarizer.Process(ctx, *plan))

	history, err := f.service.History(ctx, f.session.Id, "conversation", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "condensed", history[0].Content)
	assert.Equal(t, int64(1), history[0].SourceVersionStart)
	assert.Equal(t, int64(4), history[0].SourceVersionEnd)
	assert.Equal(t, true, history[0].Metadata["summary"])
	assert.EqualValues(t, 4, history[0].Metadata["entriesSummarized"])

	require.Len(t, f.model.transcripts, 1)
	assert.True(t, strings.HasPrefix(f.model.transcripts[0], "user: turn 0"))
	assert.Contains(t, f.model.transcripts[0], "assistant: turn 1")

	require.Len(t, f.events.events, 1)
	assert.Equal(t, domain.MemorySummaryUpdatedEventType, f.events.events[0].EventType)

	// a second round keeps the original start and feeds the prior summary
	f.appendTurns(t, 4)
	f.model.summary = "condensed again"
	plan, err = f.summarizer.Preflight(ctx, f.session.Id, "conversation", "", domain.AgentRef{})
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, int64(5), plan.StartVersion)
	assert.Equal(t, int64(8), plan.EndVersion)
	require.NoError(t, f.summarizer.Process(ctx, *plan))

	history, err = f.service.History(ctx, f.session.Id, "conversation", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), history[0].SourceVersionStart)
	assert.Equal(t, int64(8), history[0].SourceVersionEnd)
	assert.True(t, strings.HasPrefix(f.model.transcripts[1], "system: previous summary: condensed"))
	assert.Equal(t, 2, f.metrics.Counter(metricSummaryCount, map[string]string{"result": "success", "channel": "conversation"}))
}

func TestSummarizer_ProcessSkipsPlanCoveredByStoredSummary(t *testing.T) {
	t.Parallel()
	f := newSummarizerFixture(t, testSummarizerConfig())
	ctx := context.Background()

	f.appendTurns(t, 6)
	first, err := f.summarizer.Preflight(ctx, f.session.Id, "conversation", "", domain.AgentRef{})
	require.NoError(t, err)
	require.NotNil(t, first)
	f.appendTurns(t, 2)
	second, err := f.summarizer.Preflight(ctx, f.session.Id, "conversation", "", domain.AgentRef{})
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, int64(4), first.EndVersion)
	require.Equal(t, int64(6), second.EndVersion)

	// the wider plan finishes first
	require.NoError(t, f.summarizer.Process(ctx, *second))
	require.NoError(t, f.summarizer.Process(ctx, *first))

	history, err := f.service.History(ctx, f.session.Id, "conversation", 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, int64(1), history[0].SourceVersionStart)
	assert.Equal(t, int64(6), history[0].SourceVersionEnd)
	assert.Len(t, f.model.transcripts, 1)
	assert.Equal(t, 1, f.metrics.Counter(metricSummarySkipped, map[string]string{"channel": "conversation"}))
}

func TestSummarizer_ProcessNarrowsPlanToUncoveredVersions(t *testing.T) {
	t.Parallel()
	f := newSummarizerFixture(t, testSummarizerConfig())
	ctx := context.Background()

	f.appendTurns(t, 6)
	first, err := f.summarizer.Preflight(ctx, f.session.Id, "conversation", "", domain.AgentRef{})
	require.NoError(t, err)
	require.NotNil(t, first)
	f.appendTurns(t, 4)
	second, err := f.summarizer.Preflight(ctx, f.session.Id, "conversation", "", domain.AgentRef{})
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, int64(1), second.StartVersion)
	require.Equal(t, int64(8), second.EndVersion)

	require.NoError(t, f.summarizer.Process(ctx, *first))
	f.model.summary = "condensed again"
	require.NoError(t, f.summarizer.Process(ctx, *second))

	history, err := f.service.History(ctx, f.session.Id, "conversation", 0)
	require.NoError(t, err)
	assert.Equal(t, "condensed again", history[0].Content)
	assert.Equal(t, int64(1), history[0].SourceVersionStart)
	assert.Equal(t, int64(8), history[0].SourceVersionEnd)

	require.Len(t, f.model.transcripts, 2)
	assert.True(t, strings.HasPrefix(f.model.transcripts[1], "system: previous summary: condensed\nuser: turn 4"))
	assert.NotContains(t, f.model.transcripts[1], "turn 3 has")
	assert.EqualValues(t, 4, history[0].Metadata["entriesSummarized"])
}

func TestSummarizer_ConcurrentPlansNeverShrinkSummary(t *testing.T) {
	t.Parallel()
	config := testSummarizerConfig()
	config.MaxConcurrent = 4
	f := newSummarizerFixture(t, config)
	ctx := context.Background()

	var plans []Plan
	for range 4 {
		f.appendTurns(t, 2)
		plan, err := f.summarizer.Preflight(ctx, f.session.Id, "conversation", "", domain.AgentRef{})
		require.NoError(t, err)
		if plan != nil {
			plans = append(plans, *plan)
		}
	}
	require.NotEmpty(t, plans)
	widest := plans[len(plans)-1].EndVersion

	var wg sync.WaitGroup
	for i := len(plans) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(plan Plan) {
			defer wg.Done()
			assert.NoError(t, f.summarizer.Process(ctx, plan))
		}(plans[i])
	}
	wg.Wait()

	history, err := f.service.History(ctx, f.session.Id, "conversation", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), history[0].SourceVersionStart)
	assert.Equal(t, widest, history[0].SourceVersionEnd)
}

func TestSummarizer_FailuresAreCountedAndReset(t *testing.T) {
	t.Parallel()
	f := newSummarizerFixture(t, testSummarizerConfig())
	ctx := context.Background()
	f.appendTurns(t, 6)

	plan, err := f.summarizer.Preflight(ctx, f.session.Id, "conversation", "", domain.AgentRef{})
	require.NoError(t, err)
	require.NotNil(t, plan)

	f.model.summary = "   "
	for i := 1; i <= 3; i++ {
		assert.Error(t, f.summarizer.Process(ctx, *plan))
		assert.Equal(t, i, f.summarizer.ConsecutiveFailures(f.session.Id))
	}
	assert.Equal(t, 1, f.metrics.Counter(metricSummaryAlert, map[string]string{"channel": "conversation"}))

	f.model.summary = ""
	f.model.err = errors.New("provider down")
	assert.Error(t, f.summarizer.Process(ctx, *plan))
	assert.Equal(t, 2, f.metrics.Counter(metricSummaryAlert, map[string]string{"channel": "conversation"}))

	f.model.err = nil
	f.model.summary = "ok"
	require.NoError(t, f.summarizer.Process(ctx, *plan))
	assert.Equal(t, 0, f.summarizer.ConsecutiveFailures(f.session.Id))
}

func TestSummarizer_SubmitRejectsWhenQueueFull(t *testing.T) {
	t.Parallel()
	f := newSummarizerFixture(t, testSummarizerConfig())
	plan := Plan{SessionId: f.session.Id, Channel: "conversation"}

	assert.True(t, f.summarizer.Submit(context.Background(), plan))
	assert.False(t, f.summarizer.Submit(context.Background(), plan))
	assert.Equal(t, 1, f.metrics.Counter(metricSummaryRejected, map[string]string{"channel": "conversation"}))
}

func TestSummarizer_RunProcessesSubmittedPlans(t *testing.T) {
	t.Parallel()
	f := newSummarizerFixture(t, testSummarizerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.appendTurns(t, 6)

	plan, err := f.summarizer.Preflight(ctx, f.session.Id, "conversation", "", domain.AgentRef{})
	require.NoError(t, err)
	require.NotNil(t, plan)

	done := make(chan error, 1)
	go func() { done <- f.summarizer.Run(ctx) }()
	require.True(t, f.summarizer.Submit(ctx, *plan))

	assert.Eventually(t, func() bool {
		history, err := f.service.History(context.Background(), f.session.Id, "conversation", 0)
		return err == nil && len(history) > 0 && history[0].Type == domain.HistoryEntryTypeSummary
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("summarizer did not stop")
	}
}

func TestSummarizer_ForceSummarizeIgnoresTrigger(t *testing.T) {
	t.Parallel()
	config := testSummarizerConfig()
	config.TriggerTokenLimit = 1_000_000
	f := newSummarizerFixture(t, config)
	ctx := context.Background()
	f.appendTurns(t, 4)

	plan, err := f.summarizer.Preflight(ctx, f.session.Id, "conversation", "", domain.AgentRef{})
	require.NoError(t, err)
	assert.Nil(t, plan)

	require.NoError(t, f.summarizer.ForceSummarize(ctx, f.session.Id, "", domain.AgentRef{}))
	history, err := f.service.History(ctx, f.session.Id, "conversation", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, int64(2), history[0].SourceVersionEnd)
}
