package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/fhirlake/logger"
	"github.com/teranos/fhirlake/pulse/async"
	"github.com/teranos/fhirlake/sym"
)

// Ticker runs orchestrator ticks at a fixed interval
type Ticker struct {
	orchestrator    *Orchestrator
	store           *async.Store
	workerPool      *async.WorkerPool // optional, for system metrics in the tick line
	interval        time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	pulseLog        *zap.SugaredLogger
	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int // logged only when it changes
}

// TickerConfig contains configuration for the Pulse ticker
type TickerConfig struct {
	Interval time.Duration // How often to run a scheduling round (default: 10 seconds)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 10 * time.Second,
	}
}

// NewTicker creates a ticker with a parent context. workerPool may be nil.
func NewTicker(ctx context.Context, orch *Orchestrator, store *async.Store, workerPool *async.WorkerPool, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if log == nil {
		log = logger.Logger
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	tickerCtx, cancel := context.WithCancel(ctx)

	return &Ticker{
		orchestrator:   orch,
		store:          store,
		workerPool:     workerPool,
		interval:       cfg.Interval,
		ctx:            tickerCtx,
		cancel:         cancel,
		pulseLog:       logger.AddPulseSymbol(log.Named("ticker")),
		lastActiveWork: -1,
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started", "interval", t.interval)
}

// Stop cancels the loop and waits for an in-flight tick to return
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

// run is the main ticker loop
func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.TickNow(t.ctx); err != nil && t.ctx.Err() == nil {
				// Don't spam logs - log errors at warn level
				t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", t.ticksSinceStart)
			}
		}
	}
}

// TickNow runs one scheduling round immediately
func (t *Ticker) TickNow(ctx context.Context) (*TickResult, error) {
	t.mu.Lock()
	t.lastTickAt = time.Now()
	t.ticksSinceStart++
	t.mu.Unlock()

	res, err := t.orchestrator.Tick(ctx)
	if err != nil {
		return res, err
	}
	if res.LockContended {
		t.pulseLog.Debugw("Scheduling lock held elsewhere, skipping tick")
		return res, nil
	}
	t.logActivity(ctx, res)
	return res, nil
}

// logActivity logs the group state when the amount of active work changed
func (t *Ticker) logActivity(ctx context.Context, res *TickResult) {
	activeWork := 0
	if res.OrchestratorID != 0 {
		orch, err := t.store.GetJob(ctx, res.OrchestratorID)
		if err != nil {
			t.pulseLog.Warnw("Failed to read orchestrator job", logger.FieldError, err)
			return
		}
		active, err := t.store.ListActiveJobs(ctx, orch.GroupID)
		if err != nil {
			t.pulseLog.Warnw("Failed to list active jobs", logger.FieldError, err)
			return
		}
		for _, j := range active {
			if j.Kind() == async.KindProcessing {
				activeWork++
			}
		}
	}

	t.mu.Lock()
	hasChanged := activeWork != t.lastActiveWork
	t.lastActiveWork = activeWork
	t.mu.Unlock()
	if !hasChanged && res.Swept == 0 {
		return
	}

	// one pulse symbol per 5 active jobs, capped at 60
	pulseIndicator := ""
	if activeWork > 0 {
		numSymbols := min((activeWork/5)+1, 60)
		pulseIndicator = strings.TrimSpace(strings.Repeat(sym.Pulse+" ", numSymbols)) + " "
	}

	var msg string
	if res.Window == nil {
		msg = pulseIndicator + "Pulse - no uncovered window"
	} else {
		msg = fmt.Sprintf("%sPulse - window %s %s, %d jobs active", pulseIndicator, res.Window, res.Outcome, activeWork)
	}
	if res.Swept > 0 {
		msg += fmt.Sprintf(", %d re-enqueued", res.Swept)
	}

	if t.workerPool != nil {
		metrics := t.workerPool.GetSystemMetrics(ctx)
		msg += fmt.Sprintf(" │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			metrics.WorkersActive, metrics.WorkersTotal,
			metrics.MemoryUsedGB, metrics.MemoryTotalGB, metrics.MemoryPercent)
	}

	t.pulseLog.Infow(msg)
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval,
	}
}
