package commands

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/fhirlake/am"
	"github.com/teranos/fhirlake/blob"
	"github.com/teranos/fhirlake/pulse/async"
	"github.com/teranos/fhirlake/pulse/async/redisq"
	"github.com/teranos/fhirlake/pulse/lock"
)

// isolatedConfig points the database and blob root at a temp dir
func isolatedConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("FHIRLAKE_DATABASE_PATH", filepath.Join(dir, "jobs.db"))
	t.Setenv("FHIRLAKE_STORAGE_ROOT", filepath.Join(dir, "lake"))
	am.Reset()
	t.Cleanup(am.Reset)
	return dir
}

func TestOpenEngineSQLiteBackend(t *testing.T) {
	isolatedConfig(t)

	e, err := openEngine(t.Context(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer e.Close()

	assert.IsType(t, &async.SQLiteQueue{}, e.queue)
	assert.IsType(t, &lock.SQLiteLock{}, e.lock)
	assert.IsType(t, &blob.FileStore{}, e.blobs)
	assert.Equal(t, blob.Layout{Staging: "staging", Result: "result"}, e.layout)

	_, err = e.handler()
	require.NoError(t, err)
	_, err = e.orchestrator()
	require.NoError(t, err)

	assert.Equal(t, 2, e.poolConfig(0).Workers, "configured default")
	assert.Equal(t, 5, e.poolConfig(5).Workers)
}

func TestOpenEngineRedisBackend(t *testing.T) {
	isolatedConfig(t)
	mr := miniredis.RunT(t)
	t.Setenv("FHIRLAKE_PULSE_BACKEND", am.BackendRedis)
	t.Setenv("FHIRLAKE_REDIS_ADDR", mr.Addr())

	e, err := openEngine(t.Context(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer e.Close()

	assert.IsType(t, &redisq.Queue{}, e.queue)
	assert.IsType(t, &lock.RedisLock{}, e.lock)
}

func TestOpenEngineUnreachableRedis(t *testing.T) {
	isolatedConfig(t)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()
	t.Setenv("FHIRLAKE_PULSE_BACKEND", am.BackendRedis)
	t.Setenv("FHIRLAKE_REDIS_ADDR", addr)

	_, err = openEngine(t.Context(), zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reach redis")
}

func TestJobLabels(t *testing.T) {
	job := &async.JobRecord{
		Status:     async.JobStatusRunning,
		Definition: async.Definition{Kind: async.KindProcessing, ResourceType: "Observation"},
		Result:     async.JobResult{ProcessedCounts: map[string]int64{"Observation": 70}, CommitPending: true},
	}
	assert.Equal(t, "Observation", resourceLabel(job))
	assert.Equal(t, "running (commit pending)", statusLabel(job))
	assert.Equal(t, int64(70), processedTotal(job))

	job.Status = async.JobStatusFailed
	job.Result.ErrorKind = async.ErrorKindReadSource
	assert.Equal(t, "failed (read_source_error)", statusLabel(job))

	orch := &async.JobRecord{
		Status:          async.JobStatusRunning,
		CancelRequested: true,
		Definition:      async.Definition{Kind: async.KindOrchestrator, ResourceTypes: []string{"Patient", "Encounter"}},
	}
	assert.Equal(t, "2 types", resourceLabel(orch))
	assert.Equal(t, "running (cancelling)", statusLabel(orch))
}

func TestParseJobID(t *testing.T) {
	id, err := parseJobID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "0", "-3", "abc"} {
		_, err := parseJobID(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "45s", formatAge(45*time.Second))
	assert.Equal(t, "5m", formatAge(5*time.Minute))
	assert.Equal(t, "3h", formatAge(3*time.Hour+10*time.Minute))
	assert.Equal(t, "2d", formatAge(50*time.Hour))
	assert.Equal(t, "worker-...", truncate("worker-abcdef123", 10))
	assert.Equal(t, "short", truncate("short", 10))
}

func TestCleanupJobsRemovesSettledRecords(t *testing.T) {
	isolatedConfig(t)
	database, err := openDatabase("")
	require.NoError(t, err)
	defer database.Close()

	ctx := t.Context()
	store := async.NewStore(database, "fhir")
	window, err := async.NewDataPeriod(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	done, err := store.CreateJob(ctx, async.NewProcessingDefinition("Patient", window, nil), "group-1", 0)
	require.NoError(t, err)
	_, err = store.UpdateJobWithRetry(ctx, done.ID, func(j *async.JobRecord) error {
		return j.Cancel("operator", time.Now().UTC().Add(-48*time.Hour))
	})
	require.NoError(t, err)
	active, err := store.CreateJob(ctx, async.NewProcessingDefinition("Observation", window, nil), "group-1", 0)
	require.NoError(t, err)

	n, _, err := cleanupJobs(ctx, database, "fhir", 24*time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = store.GetJob(ctx, active.ID)
	assert.NoError(t, err, "non-terminal jobs are kept")

	_, _, err = cleanupJobs(ctx, database, "fhir", 0, time.Now())
	assert.Error(t, err)
}
