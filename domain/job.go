package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
)

type FlowJobStatus = string

const (
	FlowJobStatusQueued    FlowJobStatus = "queued"
	FlowJobStatusClaimed   FlowJobStatus = "claimed"
	FlowJobStatusDone      FlowJobStatus = "done"
	FlowJobStatusFailed    FlowJobStatus = "failed"
	FlowJobStatusCancelled FlowJobStatus = "cancelled"
)

// FlowJob is one schedulable dispatch of a step execution. At most one worker
// holds a given job at a time.
type FlowJob struct {
	Id              string        `json:"id"`
	FlowSessionId   string        `json:"flowSessionId"`
	StepExecutionId string        `json:"stepExecutionId"`
	StepId          string        `json:"stepId"`
	Attempt         int           `json:"attempt"`
	Status          FlowJobStatus `json:"status"`
	ScheduledAt     time.Time     `json:"scheduledAt"`
	ClaimedBy       string        `json:"claimedBy,omitempty"`
	ClaimedAt       *time.Time    `json:"claimedAt,omitempty"`
	LastError       string        `json:"lastError,omitempty"`
	Created         time.Time     `json:"created"`
	Updated         time.Time     `json:"updated"`

	// Claims counts how often the job was claimed, including reclaims after
	// a lost or released claim.
	Claims int `json:"claims"`
}

func (j FlowJob) MarshalJSON() ([]byte, error) {
	type Alias FlowJob
	return json.Marshal(&struct {
		Alias
		ScheduledAt time.Time  `json:"scheduledAt"`
		ClaimedAt   *time.Time `json:"claimedAt,omitempty"`
		Created     time.Time  `json:"created"`
		Updated     time.Time  `json:"updated"`
	}{
		Alias:       Alias(j),
		ScheduledAt: UTCTime(j.ScheduledAt),
		ClaimedAt:   UTCTimePtr(j.ClaimedAt),
		Created:     UTCTime(j.Created),
		Updated:     UTCTime(j.Updated),
	})
}

func NewFlowJobId() string {
	return "fj_" + ksuid.New().String()
}

// NewFlowJob builds a queued job for the given step execution.
func NewFlowJob(execution FlowStepExecution, scheduledAt time.Time) FlowJob {
	now := time.Now().UTC()
	return FlowJob{
		Id:              NewFlowJobId(),
		FlowSessionId:   execution.FlowSessionId,
		StepExecutionId: execution.Id,
		StepId:          execution.StepId,
		Attempt:         execution.Attempt,
		Status:          FlowJobStatusQueued,
		ScheduledAt:     scheduledAt.UTC(),
		Created:         now,
		Updated:         now,
	}
}

// FlowJobQueue is the durable job table shared by all workers.
type FlowJobQueue interface {
	EnqueueFlowJob(ctx context.Context, job FlowJob) error
	// ClaimNextFlowJob atomically claims the oldest due queued job. It returns
	// common.ErrNotFound when no job is ready.
	ClaimNextFlowJob(ctx context.Context, workerId string, now time.Time) (FlowJob, error)
	GetFlowJob(ctx context.Context, jobId string) (FlowJob, error)
	CompleteFlowJob(ctx context.Context, jobId string) error
	FailFlowJob(ctx context.Context, jobId string, reason string) error
	CancelFlowJob(ctx context.Context, jobId string, reason string) error
	// ReleaseFlowJob returns a claimed job to the queue, due at scheduledAt.
	ReleaseFlowJob(ctx context.Context, jobId string, scheduledAt time.Time) error
	CancelFlowJobsForSession(ctx context.Context, sessionId string) error
	// EnsureFlowJob enqueues job unless its step execution already has a
	// queued or claimed job. It reports whether job was enqueued.
	EnsureFlowJob(ctx context.Context, job FlowJob) (bool, error)
	// RenewFlowJobClaim moves the claim time of a job still claimed by
	// workerId to now.
	RenewFlowJobClaim(ctx context.Context, jobId, workerId string, now time.Time) error
	// ReclaimStaleFlowJobs puts claimed jobs whose claim is older than
	// claimedBefore back in the queue.
	ReclaimStaleFlowJobs(ctx context.Context, claimedBefore time.Time) (int, error)
	// CountLiveFlowJobs counts the queued and claimed jobs of a session.
	CountLiveFlowJobs(ctx context.Context, sessionId string) (int, error)
}
