package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"db-backup-engine/internal/application"
	"db-backup-engine/internal/backup"
	"db-backup-engine/internal/confirmation"
	"db-backup-engine/internal/display"

	"github.com/spf13/cobra"
)

var (
	// Backup creation flags
	backupKind         string
	backupName         string
	backupTables       []string
	backupExclude      []string
	backupDocuments    bool
	backupAuditLogs    bool
	backupEncrypt      bool
	backupStorage      string
	backupStorageOpts  []string
	backupSettingsFile string

	// Backup listing flags
	listStatuses []string
	listKind     string
	listStorage  string
	listSchedule string
	listSince    string
	listUntil    string
	listSort     string
	listAsc      bool
	listLimit    int
	listOffset   int

	// Verification flags
	verifyArtifact string
	verifyProvider string

	// Deletion flags
	deleteYes bool
)

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, inspect, verify and delete backups",
	Long: `Create, list, inspect, verify and delete database backups.

Every backup is recorded in the catalog with its status, size, checksum and
audit trail. Artifacts are compressed with the configured algorithm, can be
encrypted with AES-256-GCM, and are stored next to a JSON metadata sidecar.

Examples:
  # Full backup of every table except the audit tables
  db-backup-engine backup create --name nightly

  # Selective backup including the audit tables, written to S3
  db-backup-engine backup create --kind selective --tables orders,customers --audit-logs --storage s3

  # Export application settings
  db-backup-engine backup export-settings --file settings.yaml

  # Completed backups from the last week, newest first
  db-backup-engine backup list --status completed --since 7d

  # Check an artifact against its recorded checksum
  db-backup-engine backup verify bk_20260301_020000_ab12cd`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a backup now",
	Long: `Take a backup now and wait for it to finish.

Kinds:
  full       every table except the configured audit tables (default)
  selective  only the tables given with --tables
  settings   a settings document read from --settings-file

Examples:
  db-backup-engine backup create --name "before upgrade"
  db-backup-engine backup create --kind selective --tables orders --encrypt`,
	Args: cobra.NoArgs,
	RunE: runBackupCreate,
}

var backupExportSettingsCmd = &cobra.Command{
	Use:   "export-settings",
	Short: "Back up a settings document",
	Long: `Back up a JSON or YAML settings document as a SETTINGS backup.
The database is not contacted.

Examples:
  db-backup-engine backup export-settings --file settings.yaml`,
	Args: cobra.NoArgs,
	RunE: runBackupExportSettings,
}

var backupListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List backups",
	Long: `List backups from the catalog with optional filters.

Time filters accept RFC 3339, YYYY-MM-DD or an age such as 36h or 7d.

Examples:
  db-backup-engine backup list --status completed --status failed
  db-backup-engine backup list --kind full --since 2026-03-01 --sort size`,
	Args: cobra.NoArgs,
	RunE: runBackupList,
}

var backupShowCmd = &cobra.Command{
	Use:   "show BACKUP_ID",
	Short: "Show one backup with its tables and audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupShow,
}

var backupSettingsCmd = &cobra.Command{
	Use:   "settings BACKUP_ID",
	Short: "Print the document stored in a SETTINGS backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupSettings,
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify [BACKUP_ID]",
	Short: "Verify a backup artifact against its checksum",
	Long: `Verify a backup by reading its artifact and comparing the SHA-256
checksum with the one recorded in the catalog and the metadata sidecar.

With --artifact an arbitrary artifact key is checked against its sidecar
alone, which works for artifacts missing from the catalog.

Examples:
  db-backup-engine backup verify bk_20260301_020000_ab12cd
  db-backup-engine backup verify --artifact backups/bk_20260301_020000_ab12cd.bak --provider s3`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBackupVerify,
}

var backupCancelCmd = &cobra.Command{
	Use:   "cancel BACKUP_ID",
	Short: "Cancel a running backup or mark an abandoned one cancelled",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupCancel,
}

var backupDeleteCmd = &cobra.Command{
	Use:     "delete BACKUP_ID",
	Aliases: []string{"rm"},
	Short:   "Delete a backup and its artifact",
	Args:    cobra.ExactArgs(1),
	RunE:    runBackupDelete,
}

var backupStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show backup counts and stored sizes",
	Args:  cobra.NoArgs,
	RunE:  runBackupStats,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd, backupExportSettingsCmd, backupListCmd, backupShowCmd,
		backupSettingsCmd, backupVerifyCmd, backupCancelCmd, backupDeleteCmd, backupStatsCmd)

	// Creation flags
	backupCreateCmd.Flags().StringVar(&backupKind, "kind", "full", "backup kind (full, selective, settings)")
	backupCreateCmd.Flags().StringVar(&backupName, "name", "", "backup name (default is generated)")
	backupCreateCmd.Flags().StringSliceVar(&backupTables, "tables", nil, "tables to back up (selective)")
	backupCreateCmd.Flags().StringSliceVar(&backupExclude, "exclude", nil, "tables to leave out (full)")
	backupCreateCmd.Flags().BoolVar(&backupDocuments, "documents", false, "include the documents directory")
	backupCreateCmd.Flags().BoolVar(&backupAuditLogs, "audit-logs", false, "include the configured audit tables")
	backupCreateCmd.Flags().BoolVar(&backupEncrypt, "encrypt", false, "encrypt the artifact")
	backupCreateCmd.Flags().StringVar(&backupStorage, "storage", "", "storage provider (default from configuration)")
	backupCreateCmd.Flags().StringArrayVar(&backupStorageOpts, "storage-option", nil, "provider option as key=value, repeatable")
	backupCreateCmd.Flags().StringVar(&backupSettingsFile, "settings-file", "", "settings document for --kind settings")

	backupExportSettingsCmd.Flags().StringVarP(&backupSettingsFile, "file", "f", "", "JSON or YAML settings document")
	_ = backupExportSettingsCmd.MarkFlagRequired("file")

	// Listing flags
	backupListCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "filter by status, repeatable")
	backupListCmd.Flags().StringVar(&listKind, "kind", "", "filter by kind")
	backupListCmd.Flags().StringVar(&listStorage, "storage", "", "filter by storage provider")
	backupListCmd.Flags().StringVar(&listSchedule, "schedule", "", "filter by schedule ID")
	backupListCmd.Flags().StringVar(&listSince, "since", "", "only backups created after this time")
	backupListCmd.Flags().StringVar(&listUntil, "until", "", "only backups created before this time")
	backupListCmd.Flags().StringVar(&listSort, "sort", "created_at", "sort by created_at, name, size or status")
	backupListCmd.Flags().BoolVar(&listAsc, "asc", false, "sort ascending")
	backupListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of backups")
	backupListCmd.Flags().IntVar(&listOffset, "offset", 0, "number of backups to skip")

	backupVerifyCmd.Flags().StringVar(&verifyArtifact, "artifact", "", "artifact key to verify instead of a catalog backup")
	backupVerifyCmd.Flags().StringVar(&verifyProvider, "provider", "", "storage provider holding --artifact (default from configuration)")

	backupDeleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "delete without asking")
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	storageOptions, err := parseKeyValues(backupStorageOpts)
	if err != nil {
		return err
	}

	req := backup.BackupRequest{
		Kind:             upper[backup.BackupKind](backupKind),
		Name:             backupName,
		IncludeTables:    backupTables,
		ExcludeTables:    backupExclude,
		IncludeDocuments: backupDocuments,
		IncludeAuditLogs: backupAuditLogs,
		Encrypt:          backupEncrypt,
		StorageProvider:  upper[backup.StorageProviderType](backupStorage),
		StorageOptions:   storageOptions,
		CreatedBy:        actorName,
	}

	var opts []application.Option
	if req.Kind == backup.BackupKindSettings {
		if backupSettingsFile == "" {
			return fmt.Errorf("--settings-file is required for settings backups")
		}
		if req.Settings, err = readSettingsFile(backupSettingsFile); err != nil {
			return err
		}
		opts = append(opts, application.WithoutDatabase())
	}

	s, err := newSession(cmd, opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	return reportBackup(s.printer, s.app.Engine().CreateBackup(s.ctx, req))
}

func runBackupExportSettings(cmd *cobra.Command, args []string) error {
	settings, err := readSettingsFile(backupSettingsFile)
	if err != nil {
		return err
	}

	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	return reportBackup(s.printer, s.app.Engine().ExportSettings(s.ctx, settings, actorName))
}

func reportBackup(printer *display.Printer, result *backup.BackupResult) error {
	if result.Backup != nil {
		if printer.Format() == display.FormatTable {
			if result.Success {
				record := result.Backup
				_ = printer.Success(fmt.Sprintf("Backup %s completed: %s stored in %s", record.ID,
					display.FormatBytes(record.CompressedSize), display.FormatDuration(record.Duration)))
			}
		} else if err := printer.Value(result.Backup); err != nil {
			return err
		}
	}

	if !result.Success {
		return resultError(result.Message, result.Error)
	}
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	now := time.Now()
	since, err := parseTimeFlag(listSince, now)
	if err != nil {
		return err
	}
	until, err := parseTimeFlag(listUntil, now)
	if err != nil {
		return err
	}

	filter := backup.BackupFilter{
		Statuses:        statusList(listStatuses),
		Kind:            upper[backup.BackupKind](listKind),
		StorageProvider: upper[backup.StorageProviderType](listStorage),
		ScheduleID:      listSchedule,
		CreatedAfter:    since,
		CreatedBefore:   until,
		SortBy:          backup.BackupSortField(strings.ToLower(listSort)),
		Ascending:       listAsc,
		Limit:           listLimit,
		Offset:          listOffset,
	}

	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	page, err := s.app.Engine().ListBackups(s.ctx, filter)
	if err != nil {
		return err
	}
	return s.printer.Backups(page)
}

func runBackupShow(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	details, err := s.app.Engine().GetBackup(s.ctx, args[0])
	if err != nil {
		return err
	}
	return s.printer.BackupDetails(details)
}

func runBackupSettings(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	settings, err := s.app.Engine().ReadSettings(s.ctx, args[0])
	if err != nil {
		return err
	}
	return s.printer.Value(settings)
}

func runBackupVerify(cmd *cobra.Command, args []string) error {
	if (len(args) == 0) == (verifyArtifact == "") {
		return fmt.Errorf("give either a backup ID or --artifact")
	}

	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	var result *backup.VerifyResult
	if verifyArtifact != "" {
		provider := upper[backup.StorageProviderType](verifyProvider)
		if provider == "" {
			provider = s.app.Engine().Config().Storage.Provider
		}
		var metadata *backup.BackupMetadata
		metadata, result, err = s.app.Engine().VerifyArtifact(s.ctx, provider, verifyArtifact)
		if err != nil {
			return err
		}
		if metadata != nil && s.printer.Format() != display.FormatTable {
			if err := s.printer.Value(metadata); err != nil {
				return err
			}
		}
	} else {
		result = s.app.Engine().VerifyBackup(s.ctx, args[0])
	}

	if err := s.printer.Verify(result); err != nil {
		return err
	}
	if !result.Valid {
		return fmt.Errorf("verification failed")
	}
	return nil
}

func runBackupCancel(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	result := s.app.Engine().CancelBackup(s.ctx, args[0], actorName)
	if !result.Success {
		return resultError(result.Message, result.Error)
	}
	return s.printer.Success(result.Message)
}

func runBackupDelete(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	details, err := s.app.Engine().GetBackup(s.ctx, args[0])
	if err != nil {
		return err
	}

	prompt := confirmation.NewService(os.Stdin, cmd.ErrOrStderr(), nil)
	approved, err := prompt.ConfirmDelete(details.Backup, deleteYes)
	if err != nil {
		return err
	}
	if !approved {
		return s.printer.Warning("Deletion cancelled")
	}

	result := s.app.Engine().DeleteBackup(s.ctx, args[0], actorName)
	if !result.Success {
		return resultError(result.Message, result.Error)
	}
	return s.printer.Success(result.Message)
}

func runBackupStats(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.app.Engine().StorageStats(s.ctx)
	if err != nil {
		return err
	}
	return s.printer.Stats(stats)
}
