package cmd

import (
	"db-backup-engine/internal/application"
	"db-backup-engine/internal/backup"

	"github.com/spf13/cobra"
)

var (
	retentionMaxBackups int
	retentionDays       int
	retentionSchedule   string
	retentionDryRun     bool
)

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Apply retention policies",
}

var retentionSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire completed backups beyond the retention policy",
	Long: `Expire completed backups that exceed the retention policy. Expired
backups keep their catalog row with status EXPIRED; their artifacts are
removed from storage.

Flags override the configured policy for this run only.

Examples:
  # Show what the configured policy would expire
  db-backup-engine retention sweep --dry-run

  # Keep only the five newest backups of one schedule
  db-backup-engine retention sweep --schedule schedule_20260301_120000_ab12cd --max-backups 5`,
	Args: cobra.NoArgs,
	RunE: runRetentionSweep,
}

func init() {
	rootCmd.AddCommand(retentionCmd)
	retentionCmd.AddCommand(retentionSweepCmd)

	retentionSweepCmd.Flags().IntVar(&retentionMaxBackups, "max-backups", 0, "keep at most this many backups")
	retentionSweepCmd.Flags().IntVar(&retentionDays, "retention-days", 0, "expire backups older than this many days")
	retentionSweepCmd.Flags().StringVar(&retentionSchedule, "schedule", "", "only consider backups of this schedule")
	retentionSweepCmd.Flags().BoolVar(&retentionDryRun, "dry-run", false, "report candidates without expiring them")
}

func runRetentionSweep(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	policy := sweepPolicy(cmd, s.app.Config().Engine.Retention)
	result, err := s.app.Engine().Retention().Sweep(s.ctx, policy)
	if err != nil {
		return err
	}
	return s.printer.Retention(result)
}

// sweepPolicy starts from the configured policy and applies the flags given
func sweepPolicy(cmd *cobra.Command, configured backup.RetentionConfig) backup.RetentionPolicy {
	policy := configured.Policy()
	if cmd.Flags().Changed("max-backups") {
		policy.MaxBackups = retentionMaxBackups
	}
	if cmd.Flags().Changed("retention-days") {
		policy.RetentionDays = retentionDays
	}
	policy.ScheduleID = retentionSchedule
	policy.DryRun = retentionDryRun
	return policy
}
