package cmd

import (
	"strings"

	"db-backup-engine/internal/application"
	"db-backup-engine/internal/backup"

	"github.com/spf13/cobra"
)

var (
	auditBackup   string
	auditRestore  string
	auditSchedule string
	auditAction   string
	auditLimit    int
	auditOffset   int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List audit log entries, newest first",
	Long: `List audit log entries, newest first.

Examples:
  # Everything that happened to one backup
  db-backup-engine audit list --backup bk_20260301_020000_ab12cd

  # Recent retention sweeps
  db-backup-engine audit list --action retention_sweep --limit 5`,
	Args: cobra.NoArgs,
	RunE: runAuditList,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)

	auditListCmd.Flags().StringVar(&auditBackup, "backup", "", "filter by backup ID")
	auditListCmd.Flags().StringVar(&auditRestore, "restore", "", "filter by restore ID")
	auditListCmd.Flags().StringVar(&auditSchedule, "schedule", "", "filter by schedule ID")
	auditListCmd.Flags().StringVar(&auditAction, "action", "", "filter by action, for example create or restore_fail")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum number of entries")
	auditListCmd.Flags().IntVar(&auditOffset, "offset", 0, "number of entries to skip")
}

func runAuditList(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.app.Engine().QueryAudit(s.ctx, backup.AuditFilter{
		BackupID:   auditBackup,
		RestoreID:  auditRestore,
		ScheduleID: auditSchedule,
		Action:     backup.AuditAction(strings.ToLower(auditAction)),
		Limit:      auditLimit,
		Offset:     auditOffset,
	})
	if err != nil {
		return err
	}
	return s.printer.Audit(entries)
}
