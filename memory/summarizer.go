package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"agentflow/blueprint"
	"agentflow/common"
	"agentflow/domain"
	"agentflow/telemetry"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const summaryMetadataSchemaVersion = 1

const (
	metricSummaryCount    = "flow.memory.summary.count"
	metricSummaryDuration = "flow.memory.summary.duration"
	metricSummaryRejected = "flow.memory.summary.rejected"
	metricSummarySkipped  = "flow.memory.summary.skipped"
	metricSummaryAlert    = "flow.memory.summary.failure_alert"
)

// EventAppender persists (and streams) flow events.
type EventAppender interface {
	AppendFlowEvent(ctx context.Context, event domain.FlowEvent) (domain.FlowEvent, error)
}

// Plan is a pending summarization of the contiguous version range
// [StartVersion, EndVersion] of one channel.
type Plan struct {
	SessionId       string
	Channel         string
	Tokenizer       string
	StartVersion    int64
	EndVersion      int64
	EstimatedTokens int
	// PriorStart, PriorEnd and PriorSummary describe the summary being
	// extended, if any.
	PriorStart   int64
	PriorEnd     int64
	PriorSummary string
	Entries      []domain.FlowMemoryVersion
}

// Summarizer folds old memory versions into a single rolling summary per
// channel once the unsummarized history exceeds the token trigger.
type Summarizer struct {
	storage   domain.FlowMemoryStorage
	estimator *TokenEstimator
	model     domain.SummaryModel
	events    EventAppender
	metrics   telemetry.MetricsSink
	config    common.SummarizerConfig

	slots *semaphore.Weighted
	queue chan Plan

	mu       sync.Mutex
	failures map[string]int
	// channels serializes plans for the same session channel.
	channels map[string]*channelLock
}

type channelLock struct {
	mu   sync.Mutex
	refs int
}

func NewSummarizer(storage domain.FlowMemoryStorage, estimator *TokenEstimator, model domain.SummaryModel, events EventAppender, metrics telemetry.MetricsSink, config common.SummarizerConfig) *Summarizer {
	if metrics == nil {
		metrics = telemetry.NoopMetricsSink{}
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = 1
	}
	if config.FailureAlertAfter < 1 {
		config.FailureAlertAfter = 3
	}
	return &Summarizer{
		storage:   storage,
		estimator: estimator,
		model:     model,
		events:    events,
		metrics:   metrics,
		config:    config,
		slots:     semaphore.NewWeighted(int64(config.MaxConcurrent)),
		queue:     make(chan Plan, config.QueueSize),
		failures:  make(map[string]int),
		channels:  make(map[string]*channelLock),
	}
}

func (s *Summarizer) SupportsChannel(channel string) bool {
	channel = blueprint.NormalizeChannel(channel)
	if channel == "" {
		return false
	}
	for _, supported := range s.config.Channels {
		if blueprint.NormalizeChannel(supported) == channel {
			return true
		}
	}
	return false
}

// Preflight decides whether the channel needs summarizing before candidate is
// added to it. It returns nil when summarization is disabled, the channel is
// not supported, the estimate is within the trigger or nothing falls outside
// the tail window.
func (s *Summarizer) Preflight(ctx context.Context, sessionId, channel, candidate string, agent domain.AgentRef) (*Plan, error) {
	if !s.config.Enabled || s.model == nil || !s.SupportsChannel(channel) {
		return nil, nil
	}
	return s.plan(ctx, sessionId, blueprint.NormalizeChannel(channel), candidate, agent.Tokenizer, false)
}

func (s *Summarizer) plan(ctx context.Context, sessionId, channel, candidate, tokenizer string, force bool) (*Plan, error) {
	prior, err := s.storage.GetFlowMemorySummary(ctx, sessionId, channel)
	hasPrior := err == nil
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, fmt.Errorf("failed to get memory summary: %w", err)
	}

	var after int64
	if hasPrior {
		after = prior.SourceVersionEnd
	}
	versions, err := s.storage.GetFlowMemoryVersions(ctx, sessionId, channel, after, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, nil
	}

	lines := transcriptLines(versions)
	if candidate = strings.TrimSpace(candidate); candidate != "" {
		lines = append(lines, "user: "+candidate)
	}
	estimate, err := s.estimator.Estimate(ctx, tokenizer, strings.Join(lines, "\n"))
	if err != nil {
		return nil, err
	}
	if !force && estimate <= s.config.TriggerTokenLimit {
		return nil, nil
	}

	end := versions[len(versions)-1].Version - int64(s.config.TailWindow)
	cut := 0
	for cut < len(versions) && versions[cut].Version <= end {
		cut++
	}
	if cut == 0 {
		return nil, nil
	}

	plan := &Plan{
		SessionId:       sessionId,
		Channel:         channel,
		Tokenizer:       tokenizer,
		StartVersion:    versions[0].Version,
		EndVersion:      versions[cut-1].Version,
		EstimatedTokens: estimate,
		Entries:         slices.Clone(versions[:cut]),
	}
	if hasPrior {
		plan.PriorStart = prior.SourceVersionStart
		plan.PriorEnd = prior.SourceVersionEnd
		plan.PriorSummary = prior.SummaryText
	}
	return plan, nil
}

// Process summarizes plan synchronously. At most MaxConcurrent calls run at
// once across Process, ForceSummarize and the Run loop, and plans for the same
// channel run one after another. A plan the stored summary already covers is
// skipped; one planned against an older summary is narrowed to the versions
// the stored summary does not cover yet.
func (s *Summarizer) Process(ctx context.Context, plan Plan) error {
	if len(plan.Entries) == 0 {
		return nil
	}
	unlock := s.lockChannel(plan.SessionId, plan.Channel)
	defer unlock()

	plan, needed, err := s.rebase(ctx, plan)
	if err != nil {
		return err
	}
	if !needed {
		s.metrics.IncrementCounter(ctx, metricSummarySkipped, map[string]string{"channel": plan.Channel})
		log.Debug().Str("sessionId", plan.SessionId).Str("channel", plan.Channel).Int64("endVersion", plan.EndVersion).Msg("Memory summary already covers plan, skipping")
		return nil
	}

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.slots.Release(1)

	start := time.Now()
	err = s.summarize(ctx, plan)
	result := "success"
	if err != nil {
		result = "failure"
		s.recordFailure(ctx, plan, err)
	} else {
		s.resetFailures(plan.SessionId)
	}
	tags := map[string]string{"result": result, "channel": plan.Channel}
	s.metrics.IncrementCounter(ctx, metricSummaryCount, tags)
	s.metrics.RecordDuration(ctx, metricSummaryDuration, time.Since(start), tags)
	return err
}

func (s *Summarizer) lockChannel(sessionId, channel string) func() {
	key := sessionId + "/" + channel
	s.mu.Lock()
	l, ok := s.channels[key]
	if !ok {
		l = &channelLock{}
		s.channels[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(s.channels, key)
		}
	}
}

// rebase fits plan to the summary stored now. It reports false when that
// summary already reaches the plan's end version.
func (s *Summarizer) rebase(ctx context.Context, plan Plan) (Plan, bool, error) {
	stored, err := s.storage.GetFlowMemorySummary(ctx, plan.SessionId, plan.Channel)
	if errors.Is(err, common.ErrNotFound) {
		return plan, true, nil
	}
	if err != nil {
		return plan, false, fmt.Errorf("failed to get memory summary: %w", err)
	}
	if stored.SourceVersionEnd >= plan.EndVersion {
		return plan, false, nil
	}
	if stored.SourceVersionEnd <= plan.PriorEnd {
		return plan, true, nil
	}

	var entries []domain.FlowMemoryVersion
	for _, entry := range plan.Entries {
		if entry.Version > stored.SourceVersionEnd {
			entries = append(entries, entry)
		}
	}
	plan.Entries = entries
	plan.StartVersion = entries[0].Version
	plan.PriorStart = stored.SourceVersionStart
	plan.PriorEnd = stored.SourceVersionEnd
	plan.PriorSummary = stored.SummaryText
	return plan, true, nil
}

func (s *Summarizer) summarize(ctx context.Context, plan Plan) error {
	lines := transcriptLines(plan.Entries)
	if plan.PriorSummary != "" {
		lines = append([]string{"system: previous summary: " + plan.PriorSummary}, lines...)
	}
	text, err := s.model.Summarize(ctx, strings.Join(lines, "\n"), plan.Channel)
	if err != nil {
		return fmt.Errorf("failed to summarize %s: %w", plan.Channel, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("summary model returned no summary for %s", plan.Channel)
	}

	tokens, err := s.estimator.Estimate(ctx, plan.Tokenizer, text)
	if err != nil {
		return err
	}
	startVersion := plan.StartVersion
	if plan.PriorStart > 0 {
		startVersion = plan.PriorStart
	}
	now := time.Now().UTC()
	summary := domain.FlowMemorySummary{
		Id:                 domain.NewFlowMemorySummaryId(),
		FlowSessionId:      plan.SessionId,
		Channel:            plan.Channel,
		SourceVersionStart: startVersion,
		SourceVersionEnd:   plan.EndVersion,
		SummaryText:        text,
		TokenCount:         tokens,
		Metadata: domain.Document{
			"schemaVersion":     summaryMetadataSchemaVersion,
			"summary":           true,
			"entriesSummarized": len(plan.Entries),
			"generatedAt":       now.Format(time.RFC3339Nano),
		},
		Created: now,
		Updated: now,
	}
	if err := s.storage.PersistFlowMemorySummary(ctx, summary); err != nil {
		return fmt.Errorf("failed to persist memory summary: %w", err)
	}
	log.Info().Str("sessionId", plan.SessionId).Str("channel", plan.Channel).
		Int64("sourceVersionStart", startVersion).Int64("sourceVersionEnd", plan.EndVersion).
		Msg("Summarized flow memory")

	if s.events != nil {
		_, err := s.events.AppendFlowEvent(ctx, domain.FlowEvent{
			FlowSessionId: plan.SessionId,
			EventType:     domain.MemorySummaryUpdatedEventType,
			Payload: domain.Document{
				"channel":            plan.Channel,
				"sourceVersionStart": startVersion,
				"sourceVersionEnd":   plan.EndVersion,
				"tokenCount":         tokens,
			},
			Created: now,
		})
		if err != nil {
			log.Warn().Err(err).Str("sessionId", plan.SessionId).Msg("Failed to record memory summary event")
		}
	}
	return nil
}

// Submit queues plan for Run without blocking. A full queue drops the plan
// and counts the rejection.
func (s *Summarizer) Submit(ctx context.Context, plan Plan) bool {
	select {
	case s.queue <- plan:
		return true
	default:
		s.metrics.IncrementCounter(ctx, metricSummaryRejected, map[string]string{"channel": plan.Channel})
		log.Warn().Str("sessionId", plan.SessionId).Str("channel", plan.Channel).Msg("Summarization queue is full, skipping")
		return false
	}
}

// Run processes submitted plans until ctx is done.
func (s *Summarizer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.MaxConcurrent; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case plan := <-s.queue:
					// failures are counted and logged in Process
					_ = s.Process(ctx, plan)
				}
			}
		})
	}
	return g.Wait()
}

// ForceSummarize drops the channel's summary and rebuilds it from the current
// versions regardless of the token trigger.
func (s *Summarizer) ForceSummarize(ctx context.Context, sessionId, channel string, agent domain.AgentRef) error {
	if s.model == nil {
		return common.NewConfigurationError("no summary model configured")
	}
	channel = blueprint.NormalizeChannel(channel)
	if channel == "" {
		channel = domain.ConversationChannel
	}
	if !s.config.Enabled {
		log.Warn().Str("sessionId", sessionId).Msg("Summarizer is disabled but a rebuild was requested")
	}
	if err := s.storage.DeleteFlowMemorySummary(ctx, sessionId, channel); err != nil && !errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("failed to delete memory summary: %w", err)
	}
	plan, err := s.plan(ctx, sessionId, channel, "", agent.Tokenizer, true)
	if err != nil || plan == nil {
		return err
	}
	return s.Process(ctx, *plan)
}

func (s *Summarizer) ConsecutiveFailures(sessionId string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[sessionId]
}

func (s *Summarizer) recordFailure(ctx context.Context, plan Plan, err error) {
	s.mu.Lock()
	s.failures[plan.SessionId]++
	count := s.failures[plan.SessionId]
	s.mu.Unlock()

	if count >= s.config.FailureAlertAfter {
		s.metrics.IncrementCounter(ctx, metricSummaryAlert, map[string]string{"channel": plan.Channel})
		log.Error().Err(err).Str("sessionId", plan.SessionId).Int("consecutiveFailures", count).Msg("Flow memory summarization keeps failing")
		return
	}
	log.Warn().Err(err).Str("sessionId", plan.SessionId).Int("consecutiveFailures", count).Msg("Flow memory summarization failed")
}

func (s *Summarizer) resetFailures(sessionId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, sessionId)
}

func transcriptLines(versions []domain.FlowMemoryVersion) []string {
	lines := make([]string, 0, len(versions))
	for _, version := range versions {
		lines = append(lines, role(version.SourceType)+": "+FormatPayload(version.Payload))
	}
	return lines
}

func role(sourceType domain.MemorySourceType) string {
	switch sourceType {
	case domain.MemorySourceUserInput:
		return "user"
	case domain.MemorySourceAgentOutput:
		return "assistant"
	}
	return "system"
}

// FormatPayload renders a memory payload as transcript text: the "content"
// or "prompt" field when present, otherwise the JSON document.
func FormatPayload(payload domain.Document) string {
	if len(payload) == 0 {
		return "(empty)"
	}
	for _, key := range []string{"content", "prompt", "text"} {
		if text := payload.GetString(key); text != "" {
			return text
		}
	}
	data, err := payload.Value()
	if err != nil || data == nil {
		return "(empty)"
	}
	return data.(string)
}
