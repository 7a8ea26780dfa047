package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/fhirlake/logger"
	"github.com/teranos/fhirlake/metrics"
	"github.com/teranos/fhirlake/pulse/schedule"
	"github.com/teranos/fhirlake/sym"
)

// PulseCmd represents the pulse command - the job engine daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the job engine (workers + scheduler)",
	Long: sym.Pulse + ` Pulse - the extraction job engine.

The Pulse daemon provides:
- A scheduler that cuts the processing range into windows and fans each
  window out into one processing job per resource type
- A worker pool that pages the FHIR source and stages Parquet parts
- Checkpointed progress so a redelivered job resumes where it stopped
- Graceful shutdown that leaves interrupted jobs Running for redelivery

Example:
  fhirlake pulse start              # Start daemon in foreground
  fhirlake pulse start --workers 3  # Start with 3 concurrent workers
  fhirlake pulse tick               # Run one scheduling tick and exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the Pulse daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	Long: `Start the Pulse daemon in foreground mode.

The daemon will:
- Start the worker pool for processing jobs
- Start the scheduler ticker for window orchestration
- Run until interrupted (Ctrl+C), checkpointing running jobs on the way out`,
	RunE: runPulseStart,
}

// PulseTickCmd runs a single scheduling tick
var PulseTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduling tick and exit",
	Long:  "Sweep stale jobs, open or track the current window, and print what the tick did",
	RunE:  runPulseTick,
}

func init() {
	PulseStartCmd.Flags().Int("workers", 0, "Number of concurrent workers (default from pulse.workers)")
	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(PulseTickCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	workers, _ := cmd.Flags().GetInt("workers")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := logger.Logger
	e, err := openEngine(ctx, log)
	if err != nil {
		return err
	}
	defer e.Close()

	handler, err := e.handler()
	if err != nil {
		return err
	}
	orch, err := e.orchestrator()
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	defer collector.Shutdown(context.Background())

	poolCfg := e.poolConfig(workers)
	pool := e.pool(ctx, handler, poolCfg, metrics.NewOTelSinkWithMeter(collector.Meter()))
	pool.Start()

	tickerCfg := schedule.TickerConfig{Interval: e.cfg.Pulse.TickInterval()}
	ticker := schedule.NewTicker(ctx, orch, e.store, pool, tickerCfg, log)
	ticker.Start()

	fmt.Printf("%s Pulse daemon started\n", sym.Pulse)
	fmt.Printf("  Queue: %s (%s)\n", e.cfg.Pulse.QueueType, backendName(e.cfg.Pulse.Backend))
	fmt.Printf("  Workers: %d\n", poolCfg.Workers)
	fmt.Printf("  Poll interval: %v\n", poolCfg.PollInterval)
	fmt.Printf("  Scheduler interval: %v\n", tickerCfg.Interval)
	fmt.Printf("  Source: %s\n", e.cfg.Source.BaseURL)
	fmt.Printf("  Resource types: %v\n", e.cfg.Processing.ResourceTypes)
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Printf("\n%s Shutting down, running jobs checkpoint and stay Running...\n", sym.PulseClose)

	// reverse order of startup
	ticker.Stop()
	pool.Stop()
	cancel()

	printTotals(collector)
	fmt.Printf("%s Pulse daemon stopped\n", sym.Pulse)
	return nil
}

func runPulseTick(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEngine(ctx, logger.Logger)
	if err != nil {
		return err
	}
	defer e.Close()

	orch, err := e.orchestrator()
	if err != nil {
		return err
	}
	res, err := orch.Tick(ctx)
	if err != nil {
		return err
	}

	if res.LockContended {
		fmt.Printf("%s Another scheduler holds the lease, nothing done\n", sym.Pulse)
		return nil
	}
	fmt.Printf("%s Tick complete\n", sym.Pulse)
	fmt.Printf("  Swept: %d\n", res.Swept)
	if res.OrchestratorID != 0 {
		fmt.Printf("  Orchestrator: #%d (%s)\n", res.OrchestratorID, res.Outcome)
	}
	if res.Window != nil {
		fmt.Printf("  Window: %s\n", res.Window)
	}
	fmt.Printf("  Jobs created: %d\n", res.Created)
	if res.WatermarkAdvanced {
		fmt.Printf("  Watermark advanced\n")
	}
	return nil
}

func backendName(b string) string {
	if b == "" {
		return "sqlite"
	}
	return b
}

func printTotals(c *metrics.Collector) {
	totals, err := c.Totals(context.Background())
	if err != nil || len(totals) == 0 {
		return
	}
	fmt.Printf("%s Run totals\n", sym.Pulse)
	for _, t := range totals {
		fmt.Printf("  %-30s %d\n", t.Name, t.Value)
	}
}
