package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/fhirlake/metrics"
)

func TestCollectorTotals(t *testing.T) {
	c := metrics.NewCollector()
	defer c.Shutdown(context.Background())
	sink := metrics.NewOTelSinkWithMeter(c.Meter())
	ctx := context.Background()

	sink.ResourcesProcessed(ctx, "Patient", 50, 2)
	sink.ResourcesProcessed(ctx, "Observation", 30, 0)
	sink.JobFinished(ctx, "processing", "completed", "", time.Second)

	totals, err := c.Totals(ctx)
	require.NoError(t, err)

	byName := make(map[string]int64)
	for _, tot := range totals {
		byName[tot.Name] = tot.Value
	}
	assert.Equal(t, int64(80), byName["fhirlake.resources.processed"])
	assert.Equal(t, int64(2), byName["fhirlake.resources.skipped"])
	assert.Equal(t, int64(1), byName["fhirlake.job.finished"])
	_, hasHistogram := byName["fhirlake.job.duration"]
	assert.False(t, hasHistogram, "histograms are not summed")

	for i := 1; i < len(totals); i++ {
		assert.Less(t, totals[i-1].Name, totals[i].Name)
	}
}
