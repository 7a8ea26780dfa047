package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/fhirlake/cmd/fhirlake/commands"
	"github.com/teranos/fhirlake/logger"
)

var rootCmd = &cobra.Command{
	Use:   "fhirlake",
	Short: "fhirlake - resumable FHIR extraction into Parquet",
	Long: `fhirlake - resumable extraction of FHIR resources into Parquet files.

A scheduler cuts the configured processing range into time windows and fans
each window out into one job per resource type. Workers page through the FHIR
search API, stage converted Parquet parts, checkpoint their progress, and
publish a window's output only once it is complete.

Available commands:
  am      - Manage fhirlake configuration ("I am")
  db      - Manage the job database
  pulse   - Run the job engine (workers + scheduler)
  jobs    - Inspect and cancel jobs
  results - List committed output

Examples:
  fhirlake am show              # Show current configuration
  fhirlake pulse start          # Start the job engine
  fhirlake jobs ls              # List recent jobs
  fhirlake results ls           # List published prefixes`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 'am show' output stays machine readable
		if cmd.Name() == "show" && cmd.Parent() != nil && cmd.Parent().Name() == "am" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if verbosity > 0 && os.Getenv("FHIRLAKE_LOG_LEVEL") == "" {
			os.Setenv("FHIRLAKE_LOG_LEVEL", "debug")
		}
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.ResultsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
