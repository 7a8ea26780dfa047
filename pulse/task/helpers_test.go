package task

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"

	"github.com/teranos/fhirlake/blob"
	"github.com/teranos/fhirlake/convert"
	"github.com/teranos/fhirlake/errors"
	qtest "github.com/teranos/fhirlake/internal/testing"
	"github.com/teranos/fhirlake/pulse/async"
	"github.com/teranos/fhirlake/pulse/commit"
	"github.com/teranos/fhirlake/source"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	day1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
)

// patients returns n Patient rows updated during day1, ids starting at from
func patients(from, n int) [][]byte {
	rows := make([][]byte, 0, n)
	for i := from; i < from+n; i++ {
		rows = append(rows, []byte(fmt.Sprintf(
			`{"resourceType":"Patient","id":"p%03d","gender":"female","meta":{"lastUpdated":"2024-01-01T%02d:%02d:00Z"}}`,
			i, i%24, i%60)))
	}
	return rows
}

// fakeSource serves a fixed chain of pages keyed by continuation token
type fakeSource struct {
	pages    map[string]*source.Page
	calls    atomic.Int32
	onSearch func(req source.SearchRequest)
	err      error
}

// twoPages is the 50 then 30 rows chain of a one day Patient window
func twoPages() *fakeSource {
	return &fakeSource{pages: map[string]*source.Page{
		"":       {Rows: patients(0, 50), NextToken: "page-2", Total: 80},
		"page-2": {Rows: patients(50, 30), Total: 80},
	}}
}

func (s *fakeSource) Search(ctx context.Context, req source.SearchRequest) (*source.Page, error) {
	s.calls.Add(1)
	if s.onSearch != nil {
		s.onSearch(req)
	}
	if s.err != nil {
		return nil, s.err
	}
	page, ok := s.pages[req.ContinuationToken]
	if !ok {
		return nil, errors.Newf("unknown token %q", req.ContinuationToken)
	}
	return page, nil
}

// flakyBlobs fails Move while failMove is set
type flakyBlobs struct {
	blob.Store
	failMove atomic.Bool
}

func (f *flakyBlobs) Move(ctx context.Context, src, dst string) error {
	if f.failMove.Load() {
		return errors.Mark(errors.New("copy object: service unavailable"), errors.ErrWriteOutput)
	}
	return f.Store.Move(ctx, src, dst)
}

type taskEnv struct {
	clock   *testClock
	store   *async.Store
	queue   *async.SQLiteQueue
	blobs   *flakyBlobs
	layout  blob.Layout
	coord   *commit.Coordinator
	src     *fakeSource
	exec    *Executor
	handler *Handler
}

func newTaskEnv(t *testing.T, src *fakeSource, cfg Config) *taskEnv {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)}
	db := qtest.CreateTestDB(t)
	store := async.NewStore(db, "fhir", async.WithClock(clock.Now))
	queue := async.NewSQLiteQueue(db, "fhir")
	queue.SetClock(clock.Now)

	files, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	blobs := &flakyBlobs{Store: files}
	layout := blob.DefaultLayout()

	coord := newTestCoordinator(store, blobs, layout, clock)
	exec := NewExecutor(store, src, convert.NewParquetConverter(convert.DefaultSchemas()...), blobs, layout, cfg, nil)
	return &taskEnv{
		clock:   clock,
		store:   store,
		queue:   queue,
		blobs:   blobs,
		layout:  layout,
		coord:   coord,
		src:     src,
		exec:    exec,
		handler: NewHandler(exec, coord, nil),
	}
}

func newTestCoordinator(store *async.Store, blobs blob.Store, layout blob.Layout, clock *testClock) *commit.Coordinator {
	c := commit.NewCoordinator(store, blobs, layout, nil)
	c.SetClock(clock.Now)
	return c
}

// createJob creates a processing job for the day1 window
func (e *taskEnv) createJob(t *testing.T, resourceType string) *async.JobRecord {
	t.Helper()
	window, err := async.NewDataPeriod(day1, day2)
	require.NoError(t, err)
	job, err := e.store.CreateJob(t.Context(), async.NewProcessingDefinition(resourceType, window, nil), "group-1", 0)
	require.NoError(t, err)
	return job
}

// claimedJob creates a job and claims it for owner
func (e *taskEnv) claimedJob(t *testing.T, resourceType, owner string) *async.JobRecord {
	t.Helper()
	job := e.createJob(t, resourceType)
	claimed, err := e.store.ClaimJob(t.Context(), job.ID, owner, 0)
	require.NoError(t, err)
	return claimed
}

func (e *taskEnv) reload(t *testing.T, id int64) *async.JobRecord {
	t.Helper()
	job, err := e.store.GetJob(t.Context(), id)
	require.NoError(t, err)
	return job
}

func (e *taskEnv) staged(t *testing.T, id int64) []string {
	t.Helper()
	files, err := e.blobs.List(t.Context(), e.layout.JobStaging(id))
	require.NoError(t, err)
	return files
}

func readParquet(t *testing.T, store blob.Store, p string) []convert.Row {
	t.Helper()
	data, err := store.Read(t.Context(), p)
	require.NoError(t, err)
	rows, err := parquet.Read[convert.Row](bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return rows
}
