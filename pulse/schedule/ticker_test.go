package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickerTickNow(t *testing.T) {
	e := newTestEnv(t, defaultConfig())
	ticker := NewTicker(t.Context(), e.orch, e.store, nil, DefaultTickerConfig(), nil)

	res, err := ticker.TickNow(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)

	stats := ticker.GetStats()
	assert.Equal(t, int64(1), stats["ticks_since_start"])
	assert.Equal(t, 10*time.Second, stats["interval"])
}

func TestTickerStartStop(t *testing.T) {
	e := newTestEnv(t, defaultConfig())
	ticker := NewTicker(context.Background(), e.orch, e.store, nil, TickerConfig{Interval: 10 * time.Millisecond}, nil)

	ticker.Start()
	require.Eventually(t, func() bool {
		n, err := e.queue.Len(context.Background())
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)
	ticker.Stop()

	ticks := ticker.GetStats()["ticks_since_start"].(int64)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, ticks, ticker.GetStats()["ticks_since_start"], "no ticks after Stop")
}
