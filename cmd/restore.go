package cmd

import (
	"fmt"
	"os"
	"strings"

	"db-backup-engine/internal/application"
	"db-backup-engine/internal/backup"
	"db-backup-engine/internal/confirmation"
	"db-backup-engine/internal/display"

	"github.com/spf13/cobra"
)

var (
	restoreScope       string
	restoreTables      []string
	restoreDocuments   bool
	restoreAuditLogs   bool
	restoreOverwrite   bool
	restoreSafety      bool
	restoreYes         bool
	restoreSettingsOut string
	restoreArtifact    string
	restoreProvider    string

	restoreListBackup string
	restoreListStatus string
	restoreListLimit  int
	restoreListOffset int
)

// restoreCmd represents the restore command
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore backups and inspect restore operations",
	Long: `Restore a completed backup into the configured database and inspect
past restore operations.

Before anything is loaded the artifact is verified against its checksum.
By default a safety backup of the current data is taken first; if the
restore fails the engine loads the safety backup back.

Examples:
  # Full restore after confirmation
  db-backup-engine restore run bk_20260301_020000_ab12cd

  # Replace two tables without asking
  db-backup-engine restore run bk_20260301_020000_ab12cd --scope selective --tables orders,customers --overwrite --yes

  # Restore a settings backup into a file
  db-backup-engine restore run bk_20260301_020000_ef34ab --settings-out ./restored-settings.yaml

  # Restore straight from a bucket into a fresh environment with an empty catalog
  db-backup-engine restore run --artifact bk_20260301_020000_ab12cd/bk_20260301_020000_ab12cd.backup --provider S3`,
}

var restoreRunCmd = &cobra.Command{
	Use:   "run [BACKUP_ID]",
	Short: "Restore a backup",
	Args: func(cmd *cobra.Command, args []string) error {
		if restoreArtifact != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: runRestore,
}

var restoreListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List restore operations",
	Args:    cobra.NoArgs,
	RunE:    runRestoreList,
}

var restoreShowCmd = &cobra.Command{
	Use:   "show RESTORE_ID",
	Short: "Show one restore operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestoreShow,
}

var restoreCancelCmd = &cobra.Command{
	Use:   "cancel RESTORE_ID",
	Short: "Cancel a restore that has not finished",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestoreCancel,
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.AddCommand(restoreRunCmd, restoreListCmd, restoreShowCmd, restoreCancelCmd)

	restoreRunCmd.Flags().StringVar(&restoreScope, "scope", "full", "restore scope (full, selective, point_in_time)")
	restoreRunCmd.Flags().StringSliceVar(&restoreTables, "tables", nil, "tables to restore (selective)")
	restoreRunCmd.Flags().BoolVar(&restoreDocuments, "documents", false, "restore the documents directory")
	restoreRunCmd.Flags().BoolVar(&restoreAuditLogs, "audit-logs", false, "restore the audit tables")
	restoreRunCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "replace tables that already hold data")
	restoreRunCmd.Flags().BoolVar(&restoreSafety, "pre-restore-backup", true, "take a safety backup before loading")
	restoreRunCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "restore without asking")
	restoreRunCmd.Flags().StringVar(&restoreSettingsOut, "settings-out", "", "file that receives a restored settings document")
	restoreRunCmd.Flags().StringVar(&restoreArtifact, "artifact", "", "restore the artifact at this storage key, importing it from its sidecar when the catalog lacks it")
	restoreRunCmd.Flags().StringVar(&restoreProvider, "provider", "", "storage provider holding --artifact (default: the configured provider)")

	restoreListCmd.Flags().StringVar(&restoreListBackup, "backup", "", "filter by source backup ID")
	restoreListCmd.Flags().StringVar(&restoreListStatus, "status", "", "filter by status")
	restoreListCmd.Flags().IntVar(&restoreListLimit, "limit", 50, "maximum number of operations")
	restoreListCmd.Flags().IntVar(&restoreListOffset, "offset", 0, "number of operations to skip")
}

func runRestore(cmd *cobra.Command, args []string) error {
	req := backup.RestoreRequest{
		Scope:                  backup.RestoreScope(strings.ToLower(restoreScope)),
		SelectedTables:         restoreTables,
		RestoreDocuments:       restoreDocuments,
		RestoreAuditLogs:       restoreAuditLogs,
		OverwriteExisting:      restoreOverwrite,
		CreatePreRestoreBackup: restoreSafety,
		InitiatedBy:            actorName,
	}

	var opts []application.Option
	if restoreSettingsOut != "" {
		opts = append(opts, application.WithSettingsApplier(fileSettingsApplier{path: restoreSettingsOut}))
	}

	s, err := newSession(cmd, opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	if restoreArtifact != "" {
		record, err := s.app.Engine().ImportArtifact(s.ctx, upper[backup.StorageProviderType](restoreProvider), restoreArtifact, actorName)
		if err != nil {
			return err
		}
		req.BackupID = record.ID
	} else {
		req.BackupID = args[0]
	}

	details, err := s.app.Engine().GetBackup(s.ctx, req.BackupID)
	if err != nil {
		return err
	}

	prompt := confirmation.NewService(os.Stdin, cmd.ErrOrStderr(), nil)
	approved, err := prompt.ConfirmRestore(details.Backup, req, restoreYes)
	if err != nil {
		return err
	}
	if !approved {
		return s.printer.Warning("Restore cancelled")
	}

	result := s.app.Engine().Restore(s.ctx, req)
	if result.Operation != nil {
		if s.printer.Format() != display.FormatTable {
			if err := s.printer.Value(result.Operation); err != nil {
				return err
			}
		} else if result.Success {
			op := result.Operation
			_ = s.printer.Success(fmt.Sprintf("Restore %s completed: %d tables in %s", op.ID,
				len(op.TablesRestored), display.FormatDuration(op.Duration)))
			if op.PreRestoreBackupID != "" {
				_ = s.printer.Info(fmt.Sprintf("Safety backup: %s", op.PreRestoreBackupID))
			}
		}
	}

	if !result.Success {
		return resultError(result.Message, result.Error)
	}
	return nil
}

func runRestoreList(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	ops, err := s.app.Engine().ListRestores(s.ctx, backup.RestoreFilter{
		BackupID: restoreListBackup,
		Status:   upper[backup.RestoreStatus](restoreListStatus),
		Limit:    restoreListLimit,
		Offset:   restoreListOffset,
	})
	if err != nil {
		return err
	}
	return s.printer.Restores(ops)
}

func runRestoreShow(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	op, err := s.app.Engine().GetRestore(s.ctx, args[0])
	if err != nil {
		return err
	}
	return s.printer.Value(op)
}

func runRestoreCancel(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	result := s.app.Engine().CancelRestore(s.ctx, args[0])
	if !result.Success {
		return resultError(result.Message, result.Error)
	}
	return s.printer.Success(result.Message)
}
