package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/fhirlake/errors"
)

func TestJobStateTransitions(t *testing.T) {
	now := testStart
	job := &JobRecord{ID: 1, Status: JobStatusCreated, HeartbeatTimeoutSec: 300}

	require.NoError(t, job.Start("w1", now))
	assert.Equal(t, JobStatusRunning, job.Status)
	require.NotNil(t, job.StartDate)
	assert.Equal(t, "w1", job.Owner)

	later := now.Add(time.Minute)
	require.NoError(t, job.Start("w2", later), "redelivery re-enters Running")
	assert.Equal(t, JobStatusRunning, job.Status)
	assert.True(t, job.StartDate.Equal(now), "start date is kept on re-entry")
	assert.Equal(t, "w2", job.Owner)

	job.Result.CommitPending = true
	require.NoError(t, job.Complete(later))
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Empty(t, job.Owner)
	assert.False(t, job.Result.CommitPending)
	require.NotNil(t, job.EndDate)

	for name, transition := range map[string]func() error{
		"start":    func() error { return job.Start("w3", later) },
		"complete": func() error { return job.Complete(later) },
		"fail":     func() error { return job.Fail(ErrorKindUnknown, "x", later) },
		"cancel":   func() error { return job.Cancel("x", later) },
	} {
		err := transition()
		assert.True(t, errors.Is(err, ErrInvalidTransition), "terminal job must reject %s", name)
	}
	assert.Equal(t, JobStatusCompleted, job.Status)
}

func TestJobCompleteRequiresRunning(t *testing.T) {
	job := &JobRecord{Status: JobStatusCreated}
	assert.True(t, errors.Is(job.Complete(testStart), ErrInvalidTransition))
}

func TestJobCancelBeforeStart(t *testing.T) {
	job := &JobRecord{Status: JobStatusCreated}
	require.NoError(t, job.Cancel("operator request", testStart))
	assert.Equal(t, JobStatusCancelled, job.Status)
	assert.Equal(t, ErrorKindCancelled, job.Result.ErrorKind)
	assert.Equal(t, "operator request", job.Result.Reason)
}

func TestJobFailRecordsKind(t *testing.T) {
	job := &JobRecord{Status: JobStatusRunning}
	require.NoError(t, job.Fail(ErrorKindConversion, "schema Foo not found", testStart))
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, ErrorKindConversion, job.Result.ErrorKind)
	assert.Equal(t, "schema Foo not found", job.Result.Reason)
}

func TestHeartbeatStale(t *testing.T) {
	hb := testStart
	job := &JobRecord{Status: JobStatusRunning, HeartbeatTimeoutSec: 300, HeartbeatDateTime: &hb}

	assert.False(t, job.HeartbeatStale(hb.Add(300*time.Second)))
	assert.True(t, job.HeartbeatStale(hb.Add(301*time.Second)))
	assert.True(t, (&JobRecord{HeartbeatTimeoutSec: 300}).HeartbeatStale(hb), "no heartbeat at all is stale")
}

func TestIsValidStatus(t *testing.T) {
	for _, s := range []string{"created", "running", "completed", "failed", "cancelled"} {
		assert.True(t, IsValidStatus(s), s)
	}
	assert.False(t, IsValidStatus("queued"))
	assert.False(t, IsValidStatus(""))
}

func TestDataPeriod(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	p, err := NewDataPeriod(start, end)
	require.NoError(t, err)
	assert.True(t, p.Contains(start))
	assert.False(t, p.Contains(end), "end is exclusive")
	assert.Equal(t, 24*time.Hour, p.Duration())
	assert.Equal(t, "[2024-01-01T00:00:00Z, 2024-01-02T00:00:00Z)", p.String())

	_, err = NewDataPeriod(end, start)
	assert.True(t, errors.Is(err, ErrEmptyPeriod))
	_, err = NewDataPeriod(start, start)
	assert.True(t, errors.Is(err, ErrEmptyPeriod))
}

func TestDefinitionHashIsStable(t *testing.T) {
	w := testWindow(t)

	a := NewProcessingDefinition("Patient", w, map[string]string{"b": "2", "a": "1"})
	b := NewProcessingDefinition("Patient", w, map[string]string{"a": "1", "b": "2"})
	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "filter order does not change the hash")

	// same instants expressed in another zone hash identically
	zone := time.FixedZone("CET", 3600)
	shifted := NewProcessingDefinition("Patient", DataPeriod{Start: w.Start.In(zone), End: w.End.In(zone)}, map[string]string{"a": "1", "b": "2"})
	hs, err := shifted.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hs)

	other := NewProcessingDefinition("Observation", w, nil)
	ho, err := other.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, ho)

	o1, _ := NewOrchestratorDefinition([]string{"Patient", "Encounter"}, w).Hash()
	o2, _ := NewOrchestratorDefinition([]string{"Encounter", "Patient"}, w).Hash()
	assert.Equal(t, o1, o2, "resource type order does not change the orchestrator hash")
}

func TestDefinitionValidate(t *testing.T) {
	w := testWindow(t)
	assert.NoError(t, NewProcessingDefinition("Patient", w, nil).Validate())
	assert.NoError(t, NewOrchestratorDefinition([]string{"Patient"}, w).Validate())
	assert.Error(t, NewProcessingDefinition("", w, nil).Validate())
	assert.Error(t, NewOrchestratorDefinition(nil, w).Validate())
	assert.Error(t, Definition{Kind: "dag", Window: w}.Validate())
	assert.True(t, errors.Is(NewProcessingDefinition("Patient", DataPeriod{}, nil).Validate(), ErrEmptyPeriod))
}

func TestResultProgressRoundTrip(t *testing.T) {
	var r JobResult
	assert.Equal(t, ResourceProgress{}, r.Progress("Patient"))

	r.SetProgress("Patient", ResourceProgress{ContinuationToken: "tok", TotalCount: 80, ProcessedCount: 50, PartID: 2})
	r.SetProgress("Patient", ResourceProgress{TotalCount: 80, ProcessedCount: 80, PartID: 3, IsCompleted: true})

	data, err := MarshalResult(r)
	require.NoError(t, err)
	back, err := UnmarshalResult(data)
	require.NoError(t, err)

	p := back.Progress("Patient")
	assert.Empty(t, p.ContinuationToken, "an empty token is removed")
	assert.Equal(t, int64(80), p.ProcessedCount)
	assert.Equal(t, 3, p.PartID)
	assert.True(t, p.IsCompleted)

	empty, err := UnmarshalResult("")
	require.NoError(t, err)
	assert.Equal(t, JobResult{}, empty)
}
