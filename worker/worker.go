package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"agentflow/common"
	"agentflow/domain"
	"agentflow/orchestrator"
	"agentflow/telemetry"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// Processor runs the step execution behind a claimed job.
// *orchestrator.Orchestrator satisfies it.
type Processor interface {
	ProcessJob(ctx context.Context, job domain.FlowJob) (orchestrator.JobDisposition, error)
}

// Expirer expires overdue interaction requests. *interaction.Gate satisfies
// it.
type Expirer interface {
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// Recoverer queues work for running sessions that have none left, such as
// after a crash between finishing a step and enqueueing the next one.
// *orchestrator.Orchestrator satisfies it.
type Recoverer interface {
	RecoverStalledSessions(ctx context.Context, idleSince time.Time, limit int) (int, error)
}

type PollOutcome string

const (
	PollProcessed PollOutcome = "processed"
	PollEmpty     PollOutcome = "empty"
	PollError     PollOutcome = "error"
)

// Worker claims jobs from the shared queue one at a time and settles each
// according to the orchestrator's disposition.
type Worker struct {
	id        string
	queue     domain.FlowJobQueue
	processor Processor
	expirer   Expirer
	metrics   telemetry.MetricsSink
	config    common.WorkerConfig
	now       func() time.Time

	// maintenance enables reclaiming stale claims and recovering stalled
	// sessions from this worker.
	maintenance    bool
	lastMaintained time.Time
}

// New creates a worker. expirer and metrics may be nil. When processor also
// implements Recoverer, the worker recovers stalled sessions during
// maintenance.
func New(id string, queue domain.FlowJobQueue, processor Processor, expirer Expirer, metrics telemetry.MetricsSink, config common.WorkerConfig) *Worker {
	if metrics == nil {
		metrics = telemetry.NoopMetricsSink{}
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.ExpiryBatch <= 0 {
		config.ExpiryBatch = 50
	}
	if config.ClaimTimeout <= 0 {
		config.ClaimTimeout = 5 * time.Minute
	}
	if config.MaxJobClaims <= 0 {
		config.MaxJobClaims = 10
	}
	if config.StallTimeout <= 0 {
		config.StallTimeout = time.Minute
	}
	return &Worker{
		id:          id,
		queue:       queue,
		processor:   processor,
		expirer:     expirer,
		metrics:     metrics,
		config:      config,
		now:         func() time.Time { return time.Now().UTC() },
		maintenance: true,
	}
}

func (w *Worker) Id() string {
	return w.id
}

// DefaultWorkerId names the index-th worker of this process after the host.
func DefaultWorkerId(index int) string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, index)
}

// PollOnce claims at most one due job and processes it.
func (w *Worker) PollOnce(ctx context.Context) PollOutcome {
	started := time.Now()
	outcome := w.poll(ctx)
	tags := map[string]string{"result": string(outcome)}
	w.metrics.IncrementCounter(ctx, "flow.job.poll.count", tags)
	w.metrics.RecordDuration(ctx, "flow.job.poll.duration", time.Since(started), tags)
	return outcome
}

func (w *Worker) poll(ctx context.Context) PollOutcome {
	job, err := w.queue.ClaimNextFlowJob(ctx, w.id, w.now())
	if errors.Is(err, common.ErrNotFound) {
		return PollEmpty
	}
	if err != nil {
		log.Error().Err(err).Str("workerId", w.id).Msg("Failed to claim flow job")
		return PollError
	}

	ctx, span := telemetry.StartSpan(ctx, "flow.job", job.FlowSessionId,
		attribute.String("flow.job_id", job.Id),
		attribute.String("flow.step_id", job.StepId),
		attribute.Int("flow.attempt", job.Attempt),
		attribute.String("flow.worker_id", w.id),
	)
	defer span.End()

	disposition, err := w.process(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.settleError(ctx, job, err)
		return PollError
	}
	span.SetAttributes(attribute.String("flow.job_action", string(disposition.Action)))
	if err := w.settle(ctx, job, disposition); err != nil {
		log.Error().Err(err).Str("jobId", job.Id).Str("action", string(disposition.Action)).Msg("Failed to settle flow job")
		return PollError
	}
	return PollProcessed
}

func (w *Worker) process(ctx context.Context, job domain.FlowJob) (disposition orchestrator.JobDisposition, err error) {
	stop := w.heartbeat(ctx, job)
	defer stop()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("jobId", job.Id).
				Str("sessionId", job.FlowSessionId).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Panic while processing flow job")
			err = fmt.Errorf("panic while processing job %s: %v", job.Id, r)
		}
	}()
	return w.processor.ProcessJob(ctx, job)
}

// heartbeat renews the claim on job until the returned func is called, so
// long model calls are not mistaken for a crashed worker.
func (w *Worker) heartbeat(ctx context.Context, job domain.FlowJob) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.config.ClaimTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.queue.RenewFlowJobClaim(ctx, job.Id, w.id, w.now())
				if errors.Is(err, common.ErrNotFound) {
					log.Warn().Str("jobId", job.Id).Str("workerId", w.id).Msg("Flow job claim lost while processing")
					return
				}
				if err != nil && ctx.Err() == nil {
					log.Error().Err(err).Str("jobId", job.Id).Msg("Failed to renew flow job claim")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) settle(ctx context.Context, job domain.FlowJob, disposition orchestrator.JobDisposition) error {
	switch disposition.Action {
	case orchestrator.JobActionRelease:
		releaseAt := disposition.ReleaseAt
		if releaseAt.IsZero() {
			releaseAt = w.now().Add(w.config.ReleaseDelay)
		}
		return w.queue.ReleaseFlowJob(ctx, job.Id, releaseAt)
	case orchestrator.JobActionCancel:
		return w.queue.CancelFlowJob(ctx, job.Id, disposition.Reason)
	case orchestrator.JobActionFail:
		return w.queue.FailFlowJob(ctx, job.Id, disposition.Reason)
	default:
		return w.queue.CompleteFlowJob(ctx, job.Id)
	}
}

// settleError releases jobs that lost a race for the session so they are
// retried shortly. Other processing errors are retried with a growing delay
// until the job has been claimed MaxJobClaims times, then the job fails.
func (w *Worker) settleError(ctx context.Context, job domain.FlowJob, cause error) {
	settleCtx := context.WithoutCancel(ctx)
	if errors.Is(cause, common.ErrStaleState) || errors.Is(cause, common.ErrSessionLocked) {
		log.Debug().Err(cause).Str("jobId", job.Id).Msg("Flow job contended, releasing")
		if err := w.queue.ReleaseFlowJob(settleCtx, job.Id, w.now().Add(w.config.LockRetryDelay)); err != nil {
			log.Error().Err(err).Str("jobId", job.Id).Msg("Failed to release flow job")
		}
		return
	}
	if errors.Is(cause, context.Canceled) && ctx.Err() != nil {
		// shutting down: leave the job for another worker
		if err := w.queue.ReleaseFlowJob(settleCtx, job.Id, w.now()); err != nil {
			log.Error().Err(err).Str("jobId", job.Id).Msg("Failed to release flow job")
		}
		return
	}
	if job.Claims < w.config.MaxJobClaims {
		delay := w.config.ReleaseDelay * time.Duration(max(job.Claims, 1))
		log.Warn().Err(cause).Str("jobId", job.Id).Int("claims", job.Claims).Dur("delay", delay).Msg("Failed to process flow job, releasing")
		if err := w.queue.ReleaseFlowJob(settleCtx, job.Id, w.now().Add(delay)); err != nil {
			log.Error().Err(err).Str("jobId", job.Id).Msg("Failed to release flow job")
		}
		return
	}
	log.Error().Err(cause).Str("jobId", job.Id).Str("sessionId", job.FlowSessionId).Int("claims", job.Claims).Msg("Failed to process flow job")
	if err := w.queue.FailFlowJob(settleCtx, job.Id, cause.Error()); err != nil {
		log.Error().Err(err).Str("jobId", job.Id).Msg("Failed to mark flow job failed")
	}
}

// SweepExpired expires overdue interaction requests when the sweep is
// enabled.
func (w *Worker) SweepExpired(ctx context.Context) {
	if w.expirer == nil || !w.config.ExpirySweep {
		return
	}
	expired, err := w.expirer.ExpireDue(ctx, w.now(), w.config.ExpiryBatch)
	if err != nil {
		log.Error().Err(err).Str("workerId", w.id).Msg("Failed to expire interaction requests")
		return
	}
	if expired > 0 {
		log.Info().Int("expired", expired).Msg("Expired interaction requests")
	}
}

// Maintain hands stale claims back to the queue and, when the processor can,
// queues jobs for running sessions that have none. It runs at most once per
// half of the shorter of ClaimTimeout and StallTimeout.
func (w *Worker) Maintain(ctx context.Context) {
	if !w.maintenance {
		return
	}
	now := w.now()
	if now.Sub(w.lastMaintained) < min(w.config.ClaimTimeout, w.config.StallTimeout)/2 {
		return
	}
	w.lastMaintained = now

	reclaimed, err := w.queue.ReclaimStaleFlowJobs(ctx, now.Add(-w.config.ClaimTimeout))
	if err != nil {
		log.Error().Err(err).Str("workerId", w.id).Msg("Failed to reclaim stale flow jobs")
	} else if reclaimed > 0 {
		log.Warn().Int("reclaimed", reclaimed).Msg("Reclaimed stale flow job claims")
		w.metrics.IncrementCounter(ctx, "flow.job.reclaimed.count", nil)
	}

	recoverer, ok := w.processor.(Recoverer)
	if !ok {
		return
	}
	recovered, err := recoverer.RecoverStalledSessions(ctx, now.Add(-w.config.StallTimeout), w.config.ExpiryBatch)
	if err != nil {
		log.Error().Err(err).Str("workerId", w.id).Msg("Failed to recover stalled flow sessions")
		return
	}
	if recovered > 0 {
		log.Warn().Int("recovered", recovered).Msg("Recovered stalled flow sessions")
	}
}

// Run polls until ctx is done. Jobs are drained back to back; the worker
// only sleeps for the poll interval once the queue is empty or erroring.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().Str("workerId", w.id).Dur("pollInterval", w.config.PollInterval).Msg("Starting flow worker")
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			if w.PollOnce(ctx) != PollProcessed {
				break
			}
		}
		w.SweepExpired(ctx)
		w.Maintain(ctx)

		select {
		case <-ctx.Done():
			log.Info().Str("workerId", w.id).Msg("Stopping flow worker")
			return nil
		case <-ticker.C:
		}
	}
}

// Pool runs several workers against the same queue.
type Pool struct {
	workers []*Worker
}

// NewPool creates count workers named with DefaultWorkerId. Only the first
// one sweeps expired interactions and runs maintenance.
func NewPool(count int, queue domain.FlowJobQueue, processor Processor, expirer Expirer, metrics telemetry.MetricsSink, config common.WorkerConfig) *Pool {
	if count < 1 {
		count = 1
	}
	pool := &Pool{}
	for i := range count {
		var sweeper Expirer
		if i == 0 {
			sweeper = expirer
		}
		w := New(DefaultWorkerId(i), queue, processor, sweeper, metrics, config)
		w.maintenance = i == 0
		pool.workers = append(pool.workers, w)
	}
	return pool
}

func (p *Pool) Workers() []*Worker {
	return p.workers
}

// Run runs every worker until ctx is done or one of them fails.
func (p *Pool) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		group.Go(func() error {
			return w.Run(groupCtx)
		})
	}
	return group.Wait()
}
