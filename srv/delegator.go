package srv

import (
	"context"
	"time"

	"agentflow/domain"

	"github.com/rs/zerolog/log"
)

/* Delegates calls, but also decorates storage with streaming for flow events.
 * The job queue defaults to the storage but may live elsewhere (postgres). */
type Delegator struct {
	storage  Storage
	streamer Streamer
	queue    domain.FlowJobQueue
}

func NewDelegator(storage Storage, streamer Streamer) *Delegator {
	return &Delegator{
		storage:  storage,
		streamer: streamer,
		queue:    storage,
	}
}

// NewDelegatorWithQueue is NewDelegator with jobs claimed from queue instead
// of storage.
func NewDelegatorWithQueue(storage Storage, streamer Streamer, queue domain.FlowJobQueue) *Delegator {
	d := NewDelegator(storage, streamer)
	d.queue = queue
	return d
}

/* implements Storage interface */
func (d Delegator) CheckConnection(ctx context.Context) error {
	return d.storage.CheckConnection(ctx)
}

/* implements KeyValueStorage interface */
func (d Delegator) MGet(ctx context.Context, namespace string, keys []string) ([][]byte, error) {
	return d.storage.MGet(ctx, namespace, keys)
}

/* implements KeyValueStorage interface */
func (d Delegator) MSet(ctx context.Context, namespace string, values map[string]interface{}) error {
	return d.storage.MSet(ctx, namespace, values)
}

/* implements AgentCatalogStorage interface */
func (d Delegator) PersistAgentVersion(ctx context.Context, version domain.AgentVersion) error {
	return d.storage.PersistAgentVersion(ctx, version)
}

/* implements AgentCatalogStorage interface */
func (d Delegator) GetAgentVersion(ctx context.Context, versionId string) (domain.AgentVersion, error) {
	return d.storage.GetAgentVersion(ctx, versionId)
}

/* implements AgentCatalogStorage interface */
func (d Delegator) GetAgentVersions(ctx context.Context, agentId string) ([]domain.AgentVersion, error) {
	return d.storage.GetAgentVersions(ctx, agentId)
}

/* implements AgentCatalogStorage interface */
func (d Delegator) GetLatestAgentVersion(ctx context.Context, agentId string) (domain.AgentVersion, error) {
	return d.storage.GetLatestAgentVersion(ctx, agentId)
}

/* implements AgentCatalogStorage interface */
func (d Delegator) GetAgentIds(ctx context.Context) ([]string, error) {
	return d.storage.GetAgentIds(ctx)
}

/* implements FlowDefinitionStorage interface */
func (d Delegator) PersistFlowDefinition(ctx context.Context, definition domain.FlowDefinition) error {
	return d.storage.PersistFlowDefinition(ctx, definition)
}

/* implements FlowDefinitionStorage interface */
func (d Delegator) GetFlowDefinition(ctx context.Context, definitionId string) (domain.FlowDefinition, error) {
	return d.storage.GetFlowDefinition(ctx, definitionId)
}

/* implements FlowDefinitionStorage interface */
func (d Delegator) GetActiveFlowDefinition(ctx context.Context, name string) (domain.FlowDefinition, error) {
	return d.storage.GetActiveFlowDefinition(ctx, name)
}

/* implements FlowDefinitionStorage interface */
func (d Delegator) GetFlowDefinitionVersions(ctx context.Context, name string) ([]domain.FlowDefinition, error) {
	return d.storage.GetFlowDefinitionVersions(ctx, name)
}

/* implements FlowDefinitionStorage interface */
func (d Delegator) DeactivateOtherFlowDefinitions(ctx context.Context, name, keepId string) error {
	return d.storage.DeactivateOtherFlowDefinitions(ctx, name, keepId)
}

/* implements FlowDefinitionStorage interface */
func (d Delegator) PersistFlowDefinitionHistory(ctx context.Context, history domain.FlowDefinitionHistory) error {
	return d.storage.PersistFlowDefinitionHistory(ctx, history)
}

/* implements FlowDefinitionStorage interface */
func (d Delegator) GetFlowDefinitionHistory(ctx context.Context, definitionId string) ([]domain.FlowDefinitionHistory, error) {
	return d.storage.GetFlowDefinitionHistory(ctx, definitionId)
}

/* implements FlowSessionStorage interface */
func (d Delegator) CreateFlowSession(ctx context.Context, session domain.FlowSession) error {
	return d.storage.CreateFlowSession(ctx, session)
}

/* implements FlowSessionStorage interface */
func (d Delegator) GetFlowSession(ctx context.Context, sessionId string) (domain.FlowSession, error) {
	return d.storage.GetFlowSession(ctx, sessionId)
}

/* implements FlowSessionStorage interface */
func (d Delegator) UpdateFlowSession(ctx context.Context, session domain.FlowSession, expectedStateVersion int64) error {
	return d.storage.UpdateFlowSession(ctx, session, expectedStateVersion)
}

/* implements FlowSessionStorage interface */
func (d Delegator) GetFlowSessionsByStatus(ctx context.Context, statuses []domain.FlowSessionStatus, limit int) ([]domain.FlowSession, error) {
	return d.storage.GetFlowSessionsByStatus(ctx, statuses, limit)
}

/* implements FlowStepExecutionStorage interface */
func (d Delegator) PersistFlowStepExecution(ctx context.Context, execution domain.FlowStepExecution) error {
	return d.storage.PersistFlowStepExecution(ctx, execution)
}

/* implements FlowStepExecutionStorage interface */
func (d Delegator) GetFlowStepExecution(ctx context.Context, executionId string) (domain.FlowStepExecution, error) {
	return d.storage.GetFlowStepExecution(ctx, executionId)
}

/* implements FlowStepExecutionStorage interface */
func (d Delegator) GetFlowStepExecutions(ctx context.Context, sessionId string) ([]domain.FlowStepExecution, error) {
	return d.storage.GetFlowStepExecutions(ctx, sessionId)
}

/* implements FlowJobQueue interface */
func (d Delegator) EnqueueFlowJob(ctx context.Context, job domain.FlowJob) error {
	return d.queue.EnqueueFlowJob(ctx, job)
}

/* implements FlowJobQueue interface */
func (d Delegator) ClaimNextFlowJob(ctx context.Context, workerId string, now time.Time) (domain.FlowJob, error) {
	return d.queue.ClaimNextFlowJob(ctx, workerId, now)
}

/* implements FlowJobQueue interface */
func (d Delegator) GetFlowJob(ctx context.Context, jobId string) (domain.FlowJob, error) {
	return d.queue.GetFlowJob(ctx, jobId)
}

/* implements FlowJobQueue interface */
func (d Delegator) CompleteFlowJob(ctx context.Context, jobId string) error {
	return d.queue.CompleteFlowJob(ctx, jobId)
}

/* implements FlowJobQueue interface */
func (d Delegator) FailFlowJob(ctx context.Context, jobId string, reason string) error {
	return d.queue.FailFlowJob(ctx, jobId, reason)
}

/* implements FlowJobQueue interface */
func (d Delegator) CancelFlowJob(ctx context.Context, jobId string, reason string) error {
	return d.queue.CancelFlowJob(ctx, jobId, reason)
}

/* implements FlowJobQueue interface */
func (d Delegator) ReleaseFlowJob(ctx context.Context, jobId string, scheduledAt time.Time) error {
	return d.queue.ReleaseFlowJob(ctx, jobId, scheduledAt)
}

/* implements FlowJobQueue interface */
func (d Delegator) CancelFlowJobsForSession(ctx context.Context, sessionId string) error {
	return d.queue.CancelFlowJobsForSession(ctx, sessionId)
}

/* implements FlowJobQueue interface */
func (d Delegator) EnsureFlowJob(ctx context.Context, job domain.FlowJob) (bool, error) {
	return d.queue.EnsureFlowJob(ctx, job)
}

/* implements FlowJobQueue interface */
func (d Delegator) RenewFlowJobClaim(ctx context.Context, jobId, workerId string, now time.Time) error {
	return d.queue.RenewFlowJobClaim(ctx, jobId, workerId, now)
}

/* implements FlowJobQueue interface */
func (d Delegator) ReclaimStaleFlowJobs(ctx context.Context, claimedBefore time.Time) (int, error) {
	return d.queue.ReclaimStaleFlowJobs(ctx, claimedBefore)
}

/* implements FlowJobQueue interface */
func (d Delegator) CountLiveFlowJobs(ctx context.Context, sessionId string) (int, error) {
	return d.queue.CountLiveFlowJobs(ctx, sessionId)
}

/* implements FlowEventStorage interface. The persisted event is then
 * streamed; a streaming failure is logged since the event is already durable
 * and pollers read it from storage. */
func (d Delegator) AppendFlowEvent(ctx context.Context, event domain.FlowEvent) (domain.FlowEvent, error) {
	persisted, err := d.storage.AppendFlowEvent(ctx, event)
	if err != nil {
		return domain.FlowEvent{}, err
	}
	if err := d.streamer.AddFlowEvent(ctx, persisted); err != nil {
		log.Warn().Err(err).Str("sessionId", persisted.FlowSessionId).Int64("eventId", persisted.Id).Msg("failed to stream flow event")
	}
	return persisted, nil
}

/* implements FlowEventStorage interface */
func (d Delegator) GetFlowEvents(ctx context.Context, sessionId string, afterId int64, limit int) ([]domain.FlowEvent, error) {
	return d.storage.GetFlowEvents(ctx, sessionId, afterId, limit)
}

/* implements FlowEventStorage interface */
func (d Delegator) GetLatestFlowEventId(ctx context.Context, sessionId string) (int64, error) {
	return d.storage.GetLatestFlowEventId(ctx, sessionId)
}

/* implements FlowEventStreamer interface */
func (d Delegator) AddFlowEvent(ctx context.Context, flowEvent domain.FlowEvent) error {
	return d.streamer.AddFlowEvent(ctx, flowEvent)
}

/* implements FlowEventStreamer interface */
func (d Delegator) EndFlowEventStream(ctx context.Context, sessionId string) error {
	return d.streamer.EndFlowEventStream(ctx, sessionId)
}

/* implements FlowEventStreamer interface */
func (d Delegator) StreamFlowEvents(ctx context.Context, sessionId, streamMessageStartId string) (<-chan domain.FlowEvent, <-chan error) {
	return d.streamer.StreamFlowEvents(ctx, sessionId, streamMessageStartId)
}

/* implements FlowMemoryStorage interface */
func (d Delegator) AppendFlowMemoryVersion(ctx context.Context, entry domain.FlowMemoryVersion) (domain.FlowMemoryVersion, error) {
	return d.storage.AppendFlowMemoryVersion(ctx, entry)
}

/* implements FlowMemoryStorage interface */
func (d Delegator) GetLatestFlowMemoryVersion(ctx context.Context, sessionId, channel string) (int64, error) {
	return d.storage.GetLatestFlowMemoryVersion(ctx, sessionId, channel)
}

/* implements FlowMemoryStorage interface */
func (d Delegator) GetFlowMemoryVersions(ctx context.Context, sessionId, channel string, afterVersion int64, limit int) ([]domain.FlowMemoryVersion, error) {
	return d.storage.GetFlowMemoryVersions(ctx, sessionId, channel, afterVersion, limit)
}

/* implements FlowMemoryStorage interface */
func (d Delegator) DeleteFlowMemoryVersionsBelow(ctx context.Context, sessionId, channel string, floor int64) (int64, error) {
	return d.storage.DeleteFlowMemoryVersionsBelow(ctx, sessionId, channel, floor)
}

/* implements FlowMemoryStorage interface */
func (d Delegator) DeleteFlowMemoryVersionsBefore(ctx context.Context, sessionId, channel string, cutoff time.Time, protectFrom int64) (int64, error) {
	return d.storage.DeleteFlowMemoryVersionsBefore(ctx, sessionId, channel, cutoff, protectFrom)
}

/* implements FlowMemoryStorage interface */
func (d Delegator) GetFlowMemorySummary(ctx context.Context, sessionId, channel string) (domain.FlowMemorySummary, error) {
	return d.storage.GetFlowMemorySummary(ctx, sessionId, channel)
}

/* implements FlowMemoryStorage interface */
func (d Delegator) PersistFlowMemorySummary(ctx context.Context, summary domain.FlowMemorySummary) error {
	return d.storage.PersistFlowMemorySummary(ctx, summary)
}

/* implements FlowMemoryStorage interface */
func (d Delegator) DeleteFlowMemorySummary(ctx context.Context, sessionId, channel string) error {
	return d.storage.DeleteFlowMemorySummary(ctx, sessionId, channel)
}

/* implements FlowInteractionStorage interface */
func (d Delegator) CreateFlowInteractionRequest(ctx context.Context, request domain.FlowInteractionRequest) error {
	return d.storage.CreateFlowInteractionRequest(ctx, request)
}

/* implements FlowInteractionStorage interface */
func (d Delegator) UpdateFlowInteractionRequest(ctx context.Context, request domain.FlowInteractionRequest) error {
	return d.storage.UpdateFlowInteractionRequest(ctx, request)
}

/* implements FlowInteractionStorage interface */
func (d Delegator) GetFlowInteractionRequest(ctx context.Context, requestId string) (domain.FlowInteractionRequest, error) {
	return d.storage.GetFlowInteractionRequest(ctx, requestId)
}

/* implements FlowInteractionStorage interface */
func (d Delegator) GetFlowInteractionRequestForStep(ctx context.Context, stepExecutionId string) (domain.FlowInteractionRequest, error) {
	return d.storage.GetFlowInteractionRequestForStep(ctx, stepExecutionId)
}

/* implements FlowInteractionStorage interface */
func (d Delegator) GetPendingFlowInteractionRequests(ctx context.Context, sessionId string) ([]domain.FlowInteractionRequest, error) {
	return d.storage.GetPendingFlowInteractionRequests(ctx, sessionId)
}

/* implements FlowInteractionStorage interface */
func (d Delegator) GetDueFlowInteractionRequests(ctx context.Context, now time.Time, limit int) ([]domain.FlowInteractionRequest, error) {
	return d.storage.GetDueFlowInteractionRequests(ctx, now, limit)
}

/* implements FlowInteractionStorage interface */
func (d Delegator) CreateFlowInteractionResponse(ctx context.Context, response domain.FlowInteractionResponse) error {
	return d.storage.CreateFlowInteractionResponse(ctx, response)
}

/* implements FlowInteractionStorage interface */
func (d Delegator) GetFlowInteractionResponse(ctx context.Context, requestId string) (domain.FlowInteractionResponse, error) {
	return d.storage.GetFlowInteractionResponse(ctx, requestId)
}

var _ Service = (*Delegator)(nil)
