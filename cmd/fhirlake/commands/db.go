package commands

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/fhirlake/am"
	"github.com/teranos/fhirlake/db"
	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/pulse/async"
	"github.com/teranos/fhirlake/pulse/schedule"
	"github.com/teranos/fhirlake/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the job database",
	Long: sym.DB + ` db - Manage the fhirlake job database

Examples:
  fhirlake db migrate          # Apply pending migrations
  fhirlake db stats            # Job counts and scheduler watermark
  fhirlake db cleanup --older-than 168h  # Drop settled jobs older than a week`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		status, err := db.Status(database)
		if err != nil {
			return err
		}
		fmt.Printf("%s Database is up to date\n", sym.DB)
		for _, m := range status {
			fmt.Printf("  %s  %s\n", m.Version, m.File)
		}
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts and scheduler state",
	RunE:  runDbStats,
}

var dbCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete terminal jobs that ended before a retention period",
	RunE:  runDbCleanup,
}

var cleanupOlderThan time.Duration

func init() {
	dbCleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 30*24*time.Hour, "retention period for completed, failed and cancelled jobs")

	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbCleanupCmd)
}

func runDbCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	n, cutoff, err := cleanupJobs(cmd.Context(), database, cfg.Pulse.QueueType, cleanupOlderThan, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("%s Removed %d jobs that ended before %s\n", sym.DB, n, cutoff.Format(time.RFC3339))
	return nil
}

// cleanupJobs removes terminal records of queueType that ended more than olderThan before now
func cleanupJobs(ctx context.Context, database *sql.DB, queueType string, olderThan time.Duration, now time.Time) (int64, time.Time, error) {
	if olderThan <= 0 {
		return 0, time.Time{}, errors.Newf("--older-than must be positive, got %s", olderThan)
	}
	cutoff := now.UTC().Add(-olderThan)
	n, err := async.NewStore(database, queueType).CleanupOldJobs(ctx, cutoff)
	if err != nil {
		return 0, cutoff, errors.Wrap(err, "failed to clean up jobs")
	}
	return n, cutoff, nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	qt := cfg.Pulse.QueueType
	rows, err := database.QueryContext(cmd.Context(), `
		SELECT kind, status, COUNT(*)
		FROM jobs
		WHERE queue_type = ?
		GROUP BY kind, status
		ORDER BY kind, status
	`, qt)
	if err != nil {
		return fmt.Errorf("failed to query job counts: %w", err)
	}
	defer rows.Close()

	fmt.Printf("%s Database Statistics\n", sym.DB)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path: %s\n", cfg.Database.Path)
	fmt.Printf("Queue Type:    %s\n\n", qt)

	fmt.Printf("Jobs:\n")
	total := 0
	for rows.Next() {
		var kind, status string
		var n int
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return errors.Wrap(err, "failed to scan job counts")
		}
		fmt.Printf("  %-14s %-10s %d\n", kind, status, n)
		total += n
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "failed to read job counts")
	}
	if total == 0 {
		fmt.Printf("  (none)\n")
	}
	fmt.Println()

	md, err := schedule.NewMetadataStore(database).Get(cmd.Context(), qt)
	if err != nil {
		return err
	}
	fmt.Printf("Scheduler:\n")
	if md.LastWatermark == nil {
		fmt.Printf("  Watermark: none (starts at %s)\n", cfg.Processing.StartTime)
	} else {
		fmt.Printf("  Watermark: %s\n", md.LastWatermark.Format(time.RFC3339))
		fmt.Printf("  Updated:   %s\n", md.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}
