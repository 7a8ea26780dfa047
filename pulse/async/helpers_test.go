package async

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	qtest "github.com/teranos/fhirlake/internal/testing"
)

const testQueueType = "fhir"

// fakeClock is a settable time source shared by stores and queues in a test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// testWindow is the one-day window used across tests
func testWindow(t *testing.T) DataPeriod {
	t.Helper()
	w, err := NewDataPeriod(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	return w
}

func newTestStore(t *testing.T, opts ...StoreOption) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock(testStart)
	db := qtest.CreateTestDB(t)
	opts = append([]StoreOption{WithClock(clock.Now)}, opts...)
	return NewStore(db, testQueueType, opts...), clock
}

func createProcessingJob(t *testing.T, store *Store, resourceType, groupID string) *JobRecord {
	t.Helper()
	def := NewProcessingDefinition(resourceType, testWindow(t), nil)
	job, err := store.CreateJob(t.Context(), def, groupID, 0)
	require.NoError(t, err)
	return job
}
