package commands

import (
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/logger"
	"github.com/teranos/fhirlake/sym"
)

// ResultsCmd represents the results command
var ResultsCmd = &cobra.Command{
	Use:   "results",
	Short: sym.Commit + " List committed output",
	Long: sym.Commit + ` results - committed output

Only jobs that reached Completed have a result prefix. Staged parts of
running, failed, or cancelled jobs are never listed.

Examples:
  fhirlake results ls             # Latest committed prefixes
  fhirlake results ls --files     # Include every Parquet file`,
}

var resultsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List committed result prefixes",
	RunE:  runResultsLs,
}

var (
	resultsLimitFlag int
	resultsFilesFlag bool
)

func init() {
	resultsLsCmd.Flags().IntVar(&resultsLimitFlag, "limit", 20, "Maximum number of jobs to show")
	resultsLsCmd.Flags().BoolVar(&resultsFilesFlag, "files", false, "List the files under each prefix")
	ResultsCmd.AddCommand(resultsLsCmd)
}

func runResultsLs(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd.Context(), logger.Logger)
	if err != nil {
		return err
	}
	defer e.Close()

	committed, err := e.coord.ListCommitted(cmd.Context(), resultsLimitFlag)
	if err != nil {
		return errors.Wrap(err, "failed to list committed output")
	}
	if len(committed) == 0 {
		pterm.Info.Println("No committed output yet")
		return nil
	}

	data := pterm.TableData{{"JOB", "RESOURCE", "WINDOW", "FILES", "PREFIX"}}
	for _, c := range committed {
		data = append(data, []string{
			strconv.FormatInt(c.JobID, 10),
			c.ResourceType,
			c.Window.String(),
			strconv.Itoa(len(c.Files)),
			c.Prefix,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}

	if resultsFilesFlag {
		for _, c := range committed {
			pterm.Println()
			pterm.Info.Printfln("%s (job %d)", c.Prefix, c.JobID)
			for _, f := range c.Files {
				pterm.Printfln("  %s", f)
			}
		}
	}
	return nil
}
