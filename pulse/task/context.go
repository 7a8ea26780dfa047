// Package task executes processing jobs: it pages through the source for one
// resource type and window, stages converted parts and checkpoints progress
// so a redelivered job resumes where the last checkpoint left it.
package task

import (
	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/pulse/async"
)

// TaskContext is the in-flight progress of one processing job
type TaskContext struct {
	JobID             int64
	ResourceType      string
	ContinuationToken string
	SearchCount       int64 // total reported by the source, -1 when unknown
	ProcessedCount    int64
	SkippedCount      int64
	PartID            int // next part to stage
	IsCompleted       bool
}

// NewTaskContext restores the context from the record's last checkpoint
func NewTaskContext(job *async.JobRecord) *TaskContext {
	rt := job.Definition.ResourceType
	p := job.Result.Progress(rt)
	return &TaskContext{
		JobID:             job.ID,
		ResourceType:      rt,
		ContinuationToken: p.ContinuationToken,
		SearchCount:       p.TotalCount,
		ProcessedCount:    p.ProcessedCount,
		SkippedCount:      p.SkippedCount,
		PartID:            p.PartID,
		IsCompleted:       p.IsCompleted,
	}
}

// Snapshot is a copy of a TaskContext handed to the ProgressUpdater
type Snapshot struct {
	ResourceType string
	Progress     async.ResourceProgress
}

// Snapshot copies the current progress
func (tc *TaskContext) Snapshot() Snapshot {
	return Snapshot{
		ResourceType: tc.ResourceType,
		Progress: async.ResourceProgress{
			ContinuationToken: tc.ContinuationToken,
			TotalCount:        tc.SearchCount,
			ProcessedCount:    tc.ProcessedCount,
			SkippedCount:      tc.SkippedCount,
			PartID:            tc.PartID,
			IsCompleted:       tc.IsCompleted,
		},
	}
}

// cloneRecord copies a record deep enough that folding progress into the copy
// leaves the original's result maps alone
func cloneRecord(job *async.JobRecord) (*async.JobRecord, error) {
	raw, err := async.MarshalResult(job.Result)
	if err != nil {
		return nil, err
	}
	result, err := async.UnmarshalResult(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to copy result of job %d", job.ID)
	}
	c := *job
	c.Result = result
	return &c, nil
}
