package async

import (
	"encoding/json"

	"github.com/teranos/fhirlake/errors"
)

// JobResult is the serialized summary of a job's progress and outcome.
// Per-resource-type maps are the checkpoint a redelivered task resumes from.
type JobResult struct {
	ContinuationTokens map[string]string `json:"continuation_tokens,omitempty"`
	TotalCounts        map[string]int64  `json:"total_counts,omitempty"`
	ProcessedCounts    map[string]int64  `json:"processed_counts,omitempty"`
	SkippedCounts      map[string]int64  `json:"skipped_counts,omitempty"`
	PartIDs            map[string]int    `json:"part_ids,omitempty"`
	Completed          map[string]bool   `json:"completed,omitempty"`

	// CommitPending is set while staged output waits to be moved to the result prefix
	CommitPending bool   `json:"commit_pending,omitempty"`
	ResultPrefix  string `json:"result_prefix,omitempty"`

	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Reason    string    `json:"reason,omitempty"`

	// ChildJobIDs lists the processing jobs of an orchestrator's group
	ChildJobIDs []int64 `json:"child_job_ids,omitempty"`
}

// ResourceProgress is one resource type's slice of a JobResult
type ResourceProgress struct {
	ContinuationToken string
	TotalCount        int64
	ProcessedCount    int64
	SkippedCount      int64
	PartID            int
	IsCompleted       bool
}

// Progress returns the checkpointed progress for a resource type
func (r *JobResult) Progress(resourceType string) ResourceProgress {
	return ResourceProgress{
		ContinuationToken: r.ContinuationTokens[resourceType],
		TotalCount:        r.TotalCounts[resourceType],
		ProcessedCount:    r.ProcessedCounts[resourceType],
		SkippedCount:      r.SkippedCounts[resourceType],
		PartID:            r.PartIDs[resourceType],
		IsCompleted:       r.Completed[resourceType],
	}
}

// SetProgress folds a resource type's progress into the result maps
func (r *JobResult) SetProgress(resourceType string, p ResourceProgress) {
	if r.ContinuationTokens == nil {
		r.ContinuationTokens = make(map[string]string)
		r.TotalCounts = make(map[string]int64)
		r.ProcessedCounts = make(map[string]int64)
		r.SkippedCounts = make(map[string]int64)
		r.PartIDs = make(map[string]int)
		r.Completed = make(map[string]bool)
	}
	if p.ContinuationToken == "" {
		delete(r.ContinuationTokens, resourceType)
	} else {
		r.ContinuationTokens[resourceType] = p.ContinuationToken
	}
	r.TotalCounts[resourceType] = p.TotalCount
	r.ProcessedCounts[resourceType] = p.ProcessedCount
	r.SkippedCounts[resourceType] = p.SkippedCount
	r.PartIDs[resourceType] = p.PartID
	r.Completed[resourceType] = p.IsCompleted
}

// MarshalResult serializes a result for storage
func MarshalResult(r JobResult) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal job result")
	}
	return string(data), nil
}

// UnmarshalResult parses a stored result. Empty input yields a zero result.
func UnmarshalResult(s string) (JobResult, error) {
	var r JobResult
	if s == "" {
		return r, nil
	}
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return r, errors.Wrap(err, "failed to unmarshal job result")
	}
	return r, nil
}
