package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentflow/blueprint"
	"agentflow/common"
	"agentflow/domain"

	"github.com/rs/zerolog/log"
)

// Storage is what the memory log needs from the persistence layer.
type Storage interface {
	domain.FlowMemoryStorage
	domain.FlowSessionStorage
}

const watermarkAttempts = 3

// Service is the per-session, per-channel append-only memory log.
type Service struct {
	storage Storage
	config  common.MemoryConfig
	now     func() time.Time
}

func NewService(storage Storage, config common.MemoryConfig) *Service {
	return &Service{storage: storage, config: config, now: time.Now}
}

type AppendRequest struct {
	SessionId       string
	Channel         string
	Payload         domain.Document
	SourceType      domain.MemorySourceType
	StepExecutionId string
	// Retention overrides the configured retention for the channel, usually
	// taken from the blueprint's shared channel config.
	Retention *domain.MemoryChannelConfig
}

// Append stores a new version on the channel, raises the session's memory
// watermark and applies retention.
func (s *Service) Append(ctx context.Context, req AppendRequest) (domain.FlowMemoryVersion, error) {
	channel := blueprint.NormalizeChannel(req.Channel)
	if channel == "" {
		return domain.FlowMemoryVersion{}, fmt.Errorf("memory channel must not be blank")
	}
	sourceType := req.SourceType
	if sourceType == "" {
		sourceType = domain.MemorySourceSystem
	}
	payload := req.Payload
	if payload == nil {
		payload = domain.Document{}
	}

	stored, err := s.storage.AppendFlowMemoryVersion(ctx, domain.FlowMemoryVersion{
		Id:              domain.NewFlowMemoryVersionId(),
		FlowSessionId:   req.SessionId,
		Channel:         channel,
		Payload:         payload,
		SourceType:      sourceType,
		StepExecutionId: req.StepExecutionId,
		Created:         s.now().UTC(),
	})
	if err != nil {
		return domain.FlowMemoryVersion{}, err
	}

	if err := s.raiseWatermark(ctx, req.SessionId, stored.Version); err != nil {
		return domain.FlowMemoryVersion{}, err
	}
	if err := s.applyRetention(ctx, req.SessionId, channel, stored.Version, req.Retention); err != nil {
		return domain.FlowMemoryVersion{}, err
	}
	return stored, nil
}

var errWatermarkCurrent = errors.New("memory watermark already current")

func (s *Service) raiseWatermark(ctx context.Context, sessionId string, version int64) error {
	var err error
	for attempt := 0; attempt < watermarkAttempts; attempt++ {
		_, err = domain.MutateFlowSession(ctx, s.storage, sessionId, func(session *domain.FlowSession) error {
			if session.MemoryVersion >= version {
				return errWatermarkCurrent
			}
			session.MemoryVersion = version
			return nil
		})
		if err == nil || errors.Is(err, errWatermarkCurrent) {
			return nil
		}
		if !errors.Is(err, common.ErrStaleState) {
			return fmt.Errorf("failed to raise memory watermark: %w", err)
		}
	}
	return fmt.Errorf("failed to raise memory watermark: %w", err)
}

type retention struct {
	versions int
	age      time.Duration
}

func (s *Service) retentionFor(override *domain.MemoryChannelConfig) retention {
	r := retention{
		versions: s.config.RetentionVersions,
		age:      time.Duration(s.config.RetentionDays) * 24 * time.Hour,
	}
	if r.versions <= 0 {
		r.versions = 10
	}
	if r.age <= 0 {
		r.age = 30 * 24 * time.Hour
	}
	if override != nil {
		if override.RetentionVersions > 0 {
			r.versions = override.RetentionVersions
		}
		if override.RetentionDays > 0 {
			r.age = time.Duration(override.RetentionDays) * 24 * time.Hour
		}
	}
	return r
}

// applyRetention keeps the newest r.versions entries and drops anything older
// than r.age, except entries at or above the protected floor.
func (s *Service) applyRetention(ctx context.Context, sessionId, channel string, latest int64, override *domain.MemoryChannelConfig) error {
	r := s.retentionFor(override)
	floor := latest - int64(r.versions) + 1
	if floor < 1 {
		floor = 1
	}

	byCount, err := s.storage.DeleteFlowMemoryVersionsBelow(ctx, sessionId, channel, floor)
	if err != nil {
		return fmt.Errorf("failed to apply version retention: %w", err)
	}
	byAge, err := s.storage.DeleteFlowMemoryVersionsBefore(ctx, sessionId, channel, s.now().Add(-r.age), floor)
	if err != nil {
		return fmt.Errorf("failed to apply age retention: %w", err)
	}
	if byCount+byAge > 0 {
		log.Debug().Str("sessionId", sessionId).Str("channel", channel).Int64("byCount", byCount).Int64("byAge", byAge).Msg("Pruned memory versions")
	}
	return nil
}

// History materializes the channel as the summary node (if any) followed by
// the versions the summary does not cover. limit keeps only the most recent
// versions; the summary always stays first.
func (s *Service) History(ctx context.Context, sessionId, channel string, limit int) ([]domain.HistoryEntry, error) {
	channel = blueprint.NormalizeChannel(channel)
	summary, hasSummary, err := s.summary(ctx, sessionId, channel)
	if err != nil {
		return nil, err
	}

	var after int64
	if hasSummary {
		after = summary.SourceVersionEnd
	}
	versions, err := s.storage.GetFlowMemoryVersions(ctx, sessionId, channel, after, 0)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(versions) > limit {
		versions = versions[len(versions)-limit:]
	}

	entries := make([]domain.HistoryEntry, 0, len(versions)+1)
	if hasSummary {
		entries = append(entries, SummaryEntry(summary))
	}
	for _, version := range versions {
		entries = append(entries, VersionEntry(version))
	}
	return entries, nil
}

// Latest returns the newest version of the channel or common.ErrNotFound.
func (s *Service) Latest(ctx context.Context, sessionId, channel string) (domain.FlowMemoryVersion, error) {
	channel = blueprint.NormalizeChannel(channel)
	latest, err := s.storage.GetLatestFlowMemoryVersion(ctx, sessionId, channel)
	if err != nil {
		return domain.FlowMemoryVersion{}, err
	}
	if latest == 0 {
		return domain.FlowMemoryVersion{}, common.ErrNotFound
	}
	versions, err := s.storage.GetFlowMemoryVersions(ctx, sessionId, channel, latest-1, 1)
	if err != nil {
		return domain.FlowMemoryVersion{}, err
	}
	if len(versions) == 0 {
		return domain.FlowMemoryVersion{}, common.ErrNotFound
	}
	return versions[0], nil
}

func (s *Service) Versions(ctx context.Context, sessionId, channel string, afterVersion int64, limit int) ([]domain.FlowMemoryVersion, error) {
	return s.storage.GetFlowMemoryVersions(ctx, sessionId, blueprint.NormalizeChannel(channel), afterVersion, limit)
}

func (s *Service) summary(ctx context.Context, sessionId, channel string) (domain.FlowMemorySummary, bool, error) {
	summary, err := s.storage.GetFlowMemorySummary(ctx, sessionId, channel)
	if errors.Is(err, common.ErrNotFound) {
		return domain.FlowMemorySummary{}, false, nil
	}
	if err != nil {
		return domain.FlowMemorySummary{}, false, err
	}
	return summary, true, nil
}

func SummaryEntry(summary domain.FlowMemorySummary) domain.HistoryEntry {
	return domain.HistoryEntry{
		Type:               domain.HistoryEntryTypeSummary,
		Channel:            summary.Channel,
		Content:            summary.SummaryText,
		SourceVersionStart: summary.SourceVersionStart,
		SourceVersionEnd:   summary.SourceVersionEnd,
		TokenCount:         summary.TokenCount,
		Metadata:           summary.Metadata,
	}
}

func VersionEntry(version domain.FlowMemoryVersion) domain.HistoryEntry {
	return domain.HistoryEntry{
		Type:       domain.HistoryEntryTypeMemory,
		Channel:    version.Channel,
		Version:    version.Version,
		SourceType: version.SourceType,
		Payload:    version.Payload,
	}
}
