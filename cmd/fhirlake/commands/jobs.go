package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/logger"
	"github.com/teranos/fhirlake/pulse/async"
	"github.com/teranos/fhirlake/sym"
)

// JobsCmd represents the jobs command
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.IX + " Inspect and cancel extraction jobs",
	Long: sym.IX + ` jobs - inspect and cancel extraction jobs

Orchestrator jobs own one time window; processing jobs extract one resource
type for that window.

Examples:
  fhirlake jobs ls                     # List recent jobs
  fhirlake jobs ls --status running    # Only running jobs
  fhirlake jobs show 42                # Full record as JSON
  fhirlake jobs cancel 42              # Request cancellation`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one job record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Request cancellation of a job",
	Long: `Request cancellation of a job.

A running job notices the request on its next heartbeat, stops after the page
it is on, and discards its staged output. Finished jobs are left as they are.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsCancel,
}

var (
	jobsStatusFlag string
	jobsLimitFlag  int
)

func init() {
	jobsLsCmd.Flags().StringVar(&jobsStatusFlag, "status", "", "Filter by status (created, running, completed, failed, cancelled)")
	jobsLsCmd.Flags().IntVar(&jobsLimitFlag, "limit", 20, "Maximum number of jobs to show")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	var status *async.JobStatus
	if jobsStatusFlag != "" {
		if !async.IsValidStatus(jobsStatusFlag) {
			return errors.Newf("unknown status %q", jobsStatusFlag)
		}
		s := async.JobStatus(jobsStatusFlag)
		status = &s
	}

	e, err := openEngine(cmd.Context(), logger.Logger)
	if err != nil {
		return err
	}
	defer e.Close()

	jobs, err := e.store.ListJobs(cmd.Context(), status, jobsLimitFlag)
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}

	data := pterm.TableData{{"ID", "KIND", "RESOURCE", "WINDOW", "STATUS", "PROCESSED", "OWNER", "AGE"}}
	now := time.Now()
	for _, j := range jobs {
		data = append(data, []string{
			strconv.FormatInt(j.ID, 10),
			string(j.Kind()),
			resourceLabel(j),
			j.Definition.Window.String(),
			statusLabel(j),
			strconv.FormatInt(processedTotal(j), 10),
			truncate(j.Owner, 12),
			formatAge(now.Sub(j.CreateDate)),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}
	e, err := openEngine(cmd.Context(), logger.Logger)
	if err != nil {
		return err
	}
	defer e.Close()

	job, err := e.store.GetJob(cmd.Context(), id)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode job")
	}
	fmt.Println(string(out))
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}
	e, err := openEngine(cmd.Context(), logger.Logger)
	if err != nil {
		return err
	}
	defer e.Close()

	job, err := e.store.RequestCancel(cmd.Context(), id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		pterm.Warning.Printfln("Job %d already %s", id, job.Status)
	} else {
		pterm.Info.Printfln("Cancellation requested for job %d (%s)", id, job.Status)
	}
	return nil
}

func parseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Newf("invalid job id %q", s)
	}
	return id, nil
}

func resourceLabel(j *async.JobRecord) string {
	if j.Kind() == async.KindOrchestrator {
		return fmt.Sprintf("%d types", len(j.Definition.ResourceTypes))
	}
	return j.Definition.ResourceType
}

func statusLabel(j *async.JobRecord) string {
	s := string(j.Status)
	switch {
	case j.Result.ErrorKind != "" && j.Status != async.JobStatusCancelled:
		s += " (" + string(j.Result.ErrorKind) + ")"
	case j.Result.CommitPending:
		s += " (commit pending)"
	case j.CancelRequested && !j.Status.IsTerminal():
		s += " (cancelling)"
	}
	return s
}

func processedTotal(j *async.JobRecord) int64 {
	var n int64
	for _, c := range j.Result.ProcessedCounts {
		n += c
	}
	return n
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
