// Package async provides the durable job engine: job records, the queue,
// error classification and the worker pool that executes processing jobs.
package async

import (
	"time"

	"github.com/teranos/fhirlake/errors"
)

// JobStatus represents the current state of a job record
type JobStatus string

const (
	JobStatusCreated   JobStatus = "created"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusCreated, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ErrInvalidTransition is returned when a status change would move a job backwards
var ErrInvalidTransition = errors.New("invalid job status transition")

// JobRecord is the durable unit of schedulable work.
// The queue only points at records; all execution state lives here.
type JobRecord struct {
	ID                  int64      `json:"id"`
	GroupID             string     `json:"group_id"`
	QueueType           string     `json:"queue_type"`
	Status              JobStatus  `json:"status"`
	Definition          Definition `json:"definition"`
	DefinitionHash      string     `json:"definition_hash"`
	Result              JobResult  `json:"result"`
	CancelRequested     bool       `json:"cancel_requested"`
	Version             int64      `json:"version"`
	Priority            int        `json:"priority"`
	Owner               string     `json:"owner,omitempty"` // run id of the worker executing the record
	CreateDate          time.Time  `json:"create_date"`
	StartDate           *time.Time `json:"start_date,omitempty"`
	EndDate             *time.Time `json:"end_date,omitempty"`
	HeartbeatDateTime   *time.Time `json:"heartbeat_at,omitempty"`
	HeartbeatTimeoutSec int        `json:"heartbeat_timeout_sec"`
	EnqueueCount        int        `json:"enqueue_count"`
	LastEnqueueDate     *time.Time `json:"last_enqueue_at,omitempty"`
}

// Kind returns the definition's tag
func (j *JobRecord) Kind() Kind {
	return j.Definition.Kind
}

// Start moves a Created job to Running, or re-enters a Running job on redelivery.
// A Running job never returns to Created.
func (j *JobRecord) Start(owner string, now time.Time) error {
	switch j.Status {
	case JobStatusCreated:
		j.Status = JobStatusRunning
		j.StartDate = &now
	case JobStatusRunning:
		// redelivery keeps the original start date
	default:
		return errors.Wrapf(ErrInvalidTransition, "job %d: %s -> %s", j.ID, j.Status, JobStatusRunning)
	}
	j.Owner = owner
	j.HeartbeatDateTime = &now
	return nil
}

// Complete marks a Running job as completed
func (j *JobRecord) Complete(now time.Time) error {
	if j.Status != JobStatusRunning {
		return errors.Wrapf(ErrInvalidTransition, "job %d: %s -> %s", j.ID, j.Status, JobStatusCompleted)
	}
	j.finish(JobStatusCompleted, now)
	return nil
}

// Fail marks the job as failed with a classified reason
func (j *JobRecord) Fail(kind ErrorKind, reason string, now time.Time) error {
	if j.Status.IsTerminal() {
		return errors.Wrapf(ErrInvalidTransition, "job %d: %s -> %s", j.ID, j.Status, JobStatusFailed)
	}
	j.Result.ErrorKind = kind
	j.Result.Reason = reason
	j.finish(JobStatusFailed, now)
	return nil
}

// Cancel marks the job as cancelled. Allowed from Created and Running.
func (j *JobRecord) Cancel(reason string, now time.Time) error {
	if j.Status.IsTerminal() {
		return errors.Wrapf(ErrInvalidTransition, "job %d: %s -> %s", j.ID, j.Status, JobStatusCancelled)
	}
	j.Result.ErrorKind = ErrorKindCancelled
	j.Result.Reason = reason
	j.finish(JobStatusCancelled, now)
	return nil
}

func (j *JobRecord) finish(status JobStatus, now time.Time) {
	j.Status = status
	j.EndDate = &now
	j.Owner = ""
	j.Result.CommitPending = false
}

// HeartbeatStale reports whether the last heartbeat is older than the record's timeout.
// A Running record with no heartbeat at all is stale.
func (j *JobRecord) HeartbeatStale(now time.Time) bool {
	if j.HeartbeatDateTime == nil {
		return true
	}
	timeout := time.Duration(j.HeartbeatTimeoutSec) * time.Second
	return now.Sub(*j.HeartbeatDateTime) > timeout
}
