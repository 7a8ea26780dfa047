package async

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/fhirlake/errors"
)

// ============================================================================
// Alexandria Record Store Test Universe
// ============================================================================
//
// Characters:
//   - Callimachus: the cataloguer who writes new scrolls (job records) and
//     refuses to catalogue the same work twice
//   - Hypatia: the scholar who borrows scrolls (claims jobs) and marks her place
//   - Cronos: god of time, arrives to expire stale borrowings and clear old shelves
//
// Theme: the library keeps one authoritative catalogue; every edit carries the
// scroll's edition number and an outdated edition is turned away.
// ============================================================================

func TestCallimachusCataloguesScroll(t *testing.T) {
	t.Log("📜 Callimachus catalogues a new scroll (persists a job record)...")

	store, clock := newTestStore(t, WithHeartbeatTimeout(300))
	ctx := t.Context()

	def := NewProcessingDefinition("Patient", testWindow(t), map[string]string{"_security": "R"})
	job, err := store.CreateJob(ctx, def, "group-1", 5)
	require.NoError(t, err)

	assert.NotZero(t, job.ID)
	assert.Equal(t, JobStatusCreated, job.Status)
	assert.Equal(t, int64(1), job.Version)

	loaded, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "group-1", loaded.GroupID)
	assert.Equal(t, testQueueType, loaded.QueueType)
	assert.Equal(t, JobStatusCreated, loaded.Status)
	assert.Equal(t, KindProcessing, loaded.Kind())
	assert.Equal(t, "Patient", loaded.Definition.ResourceType)
	assert.Equal(t, "R", loaded.Definition.Filters["_security"])
	assert.True(t, loaded.Definition.Window.Start.Equal(def.Window.Start))
	assert.Equal(t, 5, loaded.Priority)
	assert.Equal(t, 300, loaded.HeartbeatTimeoutSec)
	assert.WithinDuration(t, clock.Now(), loaded.CreateDate, time.Millisecond)
	assert.Nil(t, loaded.StartDate)
	assert.Nil(t, loaded.HeartbeatDateTime)
	assert.Empty(t, loaded.Owner)

	t.Log("✓ Scroll catalogued and readable from the shelves")
}

func TestCallimachusRefusesDuplicateScroll(t *testing.T) {
	t.Log("📜 Callimachus is handed the same work twice...")

	store, _ := newTestStore(t)
	ctx := t.Context()
	def := NewProcessingDefinition("Observation", testWindow(t), nil)

	first, err := store.CreateJob(ctx, def, "group-1", 0)
	require.NoError(t, err)

	second, err := store.CreateJob(ctx, def, "group-2", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateJob))
	require.NotNil(t, second, "the existing record is returned with the duplicate error")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "group-1", second.GroupID)

	all, err := store.ListJobs(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1, "identical definitions yield exactly one record")

	t.Log("✓ 'This work is already on the shelves' - one record only")
}

func TestCallimachusRecataloguesFinishedWork(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := t.Context()

	job := createProcessingJob(t, store, "Patient", "group-1")
	_, err := store.UpdateJobWithRetry(ctx, job.ID, func(j *JobRecord) error {
		return j.Fail(ErrorKindReadSource, "source unreachable", clock.Now())
	})
	require.NoError(t, err)

	again, err := store.CreateJob(ctx, job.Definition, "group-2", 0)
	require.NoError(t, err, "a terminal record no longer blocks its definition")
	assert.NotEqual(t, job.ID, again.ID)
	assert.Equal(t, "group-2", again.GroupID)

	third, err := store.CreateJob(ctx, job.Definition, "group-3", 0)
	require.True(t, errors.Is(err, ErrDuplicateJob))
	assert.Equal(t, again.ID, third.ID, "the reverse index now points at the new record")
}

func TestHypatiaOutdatedEditionRejected(t *testing.T) {
	t.Log("📖 Two copies of the same scroll are edited at once...")

	store, _ := newTestStore(t)
	ctx := t.Context()
	job := createProcessingJob(t, store, "Patient", "group-1")

	copyA, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	copyB, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)

	copyA.Priority = 9
	require.NoError(t, store.UpdateJob(ctx, copyA))
	assert.Equal(t, int64(2), copyA.Version)

	copyB.Priority = 1
	err = store.UpdateJob(ctx, copyB)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
	assert.Equal(t, int64(1), copyB.Version, "a rejected write leaves the caller's version alone")

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, stored.Priority, "never a blind overwrite")

	t.Log("✓ Outdated edition turned away")
}

func TestUpdateMissingRecordIsNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.UpdateJob(t.Context(), &JobRecord{ID: 404, Version: 1, Status: JobStatusRunning})
	assert.True(t, errors.IsNotFoundError(err))

	_, err = store.GetJob(t.Context(), 404)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestUpdateJobWithRetryReappliesOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := t.Context()
	job := createProcessingJob(t, store, "Patient", "group-1")

	calls := 0
	updated, err := store.UpdateJobWithRetry(ctx, job.ID, func(j *JobRecord) error {
		calls++
		if calls == 1 {
			// a competing writer slips in between our read and write
			rival, err := store.GetJob(ctx, j.ID)
			require.NoError(t, err)
			rival.CancelRequested = true
			require.NoError(t, store.UpdateJob(ctx, rival))
		}
		j.Priority = 7
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 7, updated.Priority)
	assert.True(t, updated.CancelRequested, "the rival's write survives the re-read")
}

func TestUpdateJobWithRetrySecondConflictIsAssertion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := t.Context()
	job := createProcessingJob(t, store, "Patient", "group-1")

	_, err := store.UpdateJobWithRetry(ctx, job.ID, func(j *JobRecord) error {
		rival, err := store.GetJob(ctx, j.ID)
		require.NoError(t, err)
		require.NoError(t, store.UpdateJob(ctx, rival))
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.HasAssertionFailure(err))
	assert.Contains(t, err.Error(), "version conflict")
	assert.Equal(t, ErrorKindConcurrencyConflict, ClassifyError(err))
}

func TestHypatiaClaimsUnderCapacity(t *testing.T) {
	t.Log("📖 Hypatia may only borrow one scroll at a time...")

	store, _ := newTestStore(t)
	ctx := t.Context()
	first := createProcessingJob(t, store, "Patient", "group-1")
	second := createProcessingJob(t, store, "Observation", "group-1")

	claimed, err := store.ClaimJob(ctx, first.ID, "hypatia", 1)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, claimed.Status)
	assert.Equal(t, "hypatia", claimed.Owner)
	require.NotNil(t, claimed.StartDate)

	_, err = store.ClaimJob(ctx, second.ID, "hypatia", 1)
	assert.True(t, errors.Is(err, ErrCapacity))

	stillCreated, err := store.GetJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCreated, stillCreated.Status)

	running, err := store.CountRunning(ctx, KindProcessing)
	require.NoError(t, err)
	assert.Equal(t, 1, running)

	t.Log("✓ The second scroll waits on the shelf")
}

func TestHypatiaCannotTakeFreshlyBorrowedScroll(t *testing.T) {
	store, clock := newTestStore(t, WithHeartbeatTimeout(300))
	ctx := t.Context()
	job := createProcessingJob(t, store, "Patient", "group-1")

	first, err := store.ClaimJob(ctx, job.ID, "theon", 0)
	require.NoError(t, err)
	startDate := *first.StartDate

	_, err = store.ClaimJob(ctx, job.ID, "hypatia", 0)
	assert.True(t, errors.Is(err, ErrJobOwned))

	t.Log("⏳ Cronos lets Theon's borrowing go stale...")
	clock.Advance(301 * time.Second)

	reentered, err := store.ClaimJob(ctx, job.ID, "hypatia", 0)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, reentered.Status)
	assert.Equal(t, "hypatia", reentered.Owner)
	assert.True(t, startDate.Equal(*reentered.StartDate), "re-entry keeps the original start date")
}

func TestClaimTerminalRecordIsInvalidTransition(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := t.Context()
	job := createProcessingJob(t, store, "Patient", "group-1")
	_, err := store.UpdateJobWithRetry(ctx, job.ID, func(j *JobRecord) error {
		return j.Cancel("operator", clock.Now())
	})
	require.NoError(t, err)

	_, err = store.ClaimJob(ctx, job.ID, "hypatia", 0)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestHypatiaMarksHerPlace(t *testing.T) {
	t.Log("📖 Hypatia sends word she is still reading (heartbeat)...")

	store, clock := newTestStore(t)
	ctx := t.Context()
	job := createProcessingJob(t, store, "Patient", "group-1")
	claimed, err := store.ClaimJob(ctx, job.ID, "hypatia", 0)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	cancelRequested, err := store.Heartbeat(ctx, job.ID, "hypatia")
	require.NoError(t, err)
	assert.False(t, cancelRequested)

	after, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, claimed.Version, after.Version, "heartbeats do not bump the version")
	require.NotNil(t, after.HeartbeatDateTime)
	assert.WithinDuration(t, clock.Now(), *after.HeartbeatDateTime, time.Millisecond)

	_, err = store.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	cancelRequested, err = store.Heartbeat(ctx, job.ID, "hypatia")
	require.NoError(t, err)
	assert.True(t, cancelRequested, "the heartbeat carries the cancel request back")

	_, err = store.Heartbeat(ctx, job.ID, "theon")
	assert.True(t, errors.Is(err, ErrLeaseLost))

	t.Log("✓ Place marked; Theon cannot mark it for her")
}

func TestMarkEnqueuedRevokesLease(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := t.Context()
	job := createProcessingJob(t, store, "Patient", "group-1")
	claimed, err := store.ClaimJob(ctx, job.ID, "hypatia", 0)
	require.NoError(t, err)

	require.NoError(t, store.MarkEnqueued(ctx, claimed))
	assert.Equal(t, 1, claimed.EnqueueCount)
	assert.Empty(t, claimed.Owner)

	_, err = store.Heartbeat(ctx, job.ID, "hypatia")
	assert.True(t, errors.Is(err, ErrLeaseLost), "a requeued record is no longer hers")

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, stored.Status)
	assert.Equal(t, claimed.Version, stored.Version)
	require.NotNil(t, stored.LastEnqueueDate)
	assert.WithinDuration(t, clock.Now(), *stored.LastEnqueueDate, time.Millisecond)
}

func TestCronosFindsStaleBorrowings(t *testing.T) {
	t.Log("⏳ Cronos walks the reading room looking for abandoned scrolls...")

	store, clock := newTestStore(t, WithHeartbeatTimeout(300))
	ctx := t.Context()

	abandoned := createProcessingJob(t, store, "Patient", "group-1")
	require.NoError(t, store.MarkEnqueued(ctx, abandoned))
	_, err := store.ClaimJob(ctx, abandoned.ID, "hypatia", 0)
	require.NoError(t, err)

	lostMessage := createProcessingJob(t, store, "Observation", "group-1")
	require.NoError(t, store.MarkEnqueued(ctx, lostMessage))

	clock.Advance(299 * time.Second)
	stale, err := store.ListStaleJobs(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, stale, "nothing is stale inside the timeout")

	clock.Advance(2 * time.Second)
	fresh := createProcessingJob(t, store, "Encounter", "group-1")
	require.NoError(t, store.MarkEnqueued(ctx, fresh))

	stale, err = store.ListStaleJobs(ctx, clock.Now())
	require.NoError(t, err)
	ids := make([]int64, 0, len(stale))
	for _, j := range stale {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []int64{abandoned.ID, lostMessage.ID}, ids)

	t.Log("✓ Two scrolls flagged, the fresh one left alone")
}

func TestListingsByGroup(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := t.Context()

	window := testWindow(t)
	orch, err := store.CreateJob(ctx, NewOrchestratorDefinition([]string{"Patient", "Observation"}, window), "group-1", 0)
	require.NoError(t, err)
	a := createProcessingJob(t, store, "Patient", "group-1")
	b := createProcessingJob(t, store, "Observation", "group-1")
	other := createProcessingJob(t, store, "Encounter", "group-2")

	_, err = store.UpdateJobWithRetry(ctx, a.ID, func(j *JobRecord) error {
		if err := j.Start("hypatia", clock.Now()); err != nil {
			return err
		}
		return j.Complete(clock.Now())
	})
	require.NoError(t, err)

	active, err := store.ListActiveJobs(ctx, "group-1")
	require.NoError(t, err)
	var activeIDs []int64
	for _, j := range active {
		activeIDs = append(activeIDs, j.ID)
	}
	assert.Equal(t, []int64{orch.ID, b.ID}, activeIDs)

	all, err := store.ListJobsByGroup(ctx, "group-1")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	found, err := store.FindActiveOrchestratorJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, orch.ID, found.ID)
	assert.Equal(t, []string{"Observation", "Patient"}, found.Definition.ResourceTypes)

	completed := JobStatusCompleted
	done, err := store.ListJobs(ctx, &completed, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, a.ID, done[0].ID)

	otherGroup, err := store.ListActiveJobs(ctx, "group-2")
	require.NoError(t, err)
	require.Len(t, otherGroup, 1)
	assert.Equal(t, other.ID, otherGroup[0].ID)
}

func TestRequestCancelOnTerminalIsNoop(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := t.Context()
	job := createProcessingJob(t, store, "Patient", "group-1")
	done, err := store.UpdateJobWithRetry(ctx, job.ID, func(j *JobRecord) error {
		return j.Cancel("operator", clock.Now())
	})
	require.NoError(t, err)

	got, err := store.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, done.Version, got.Version)
	assert.False(t, got.CancelRequested)
}

func TestCronosClearsOldShelves(t *testing.T) {
	t.Log("⏳ Cronos clears scrolls finished long ago...")

	store, clock := newTestStore(t)
	ctx := t.Context()

	old := createProcessingJob(t, store, "Patient", "group-1")
	_, err := store.UpdateJobWithRetry(ctx, old.ID, func(j *JobRecord) error {
		return j.Cancel("operator", clock.Now())
	})
	require.NoError(t, err)
	active := createProcessingJob(t, store, "Observation", "group-1")

	clock.Advance(48 * time.Hour)
	n, err := store.CleanupOldJobs(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetJob(ctx, old.ID)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = store.GetJob(ctx, active.ID)
	assert.NoError(t, err)

	recreated, err := store.CreateJob(ctx, old.Definition, "group-3", 0)
	require.NoError(t, err, "the reverse index entry went with the record")
	assert.NotEqual(t, old.ID, recreated.ID)

	t.Log("✓ Old shelves cleared, active scrolls untouched")
}

func TestStoreSurfacesDriverFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, testQueueType)
	ctx := t.Context()

	mock.ExpectBegin().WillReturnError(errors.New("disk I/O error"))
	_, err = store.CreateJob(ctx, NewProcessingDefinition("Patient", testWindow(t), nil), "g", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to begin create transaction")
	assert.Contains(t, err.Error(), "disk I/O error")

	mock.ExpectQuery("FROM jobs WHERE id").WillReturnError(errors.New("database is locked"))
	_, err = store.GetJob(ctx, 1)
	require.Error(t, err)
	assert.False(t, errors.IsNotFoundError(err))
	assert.Contains(t, err.Error(), "failed to get job 1")

	mock.ExpectQuery("RETURNING cancel_requested").WillReturnError(errors.New("database is locked"))
	_, err = store.Heartbeat(ctx, 1, "hypatia")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrLeaseLost), "driver failures are not lease loss")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupSurfacesRowsAffectedFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, testQueueType)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM job_reverse_index").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM jobs WHERE id IN").WillReturnResult(sqlmock.NewErrorResult(errors.New("driver lost the count")))
	mock.ExpectRollback()

	n, err := store.CleanupOldJobs(t.Context(), time.Now())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Contains(t, err.Error(), "driver lost the count")
	assert.NoError(t, mock.ExpectationsWereMet(), "nothing committed")
}
