package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"db-backup-engine/internal/application"
	"db-backup-engine/internal/backup"

	"github.com/spf13/cobra"
)

var (
	scheduleName          string
	scheduleCron          string
	scheduleTimezone      string
	scheduleKind          string
	scheduleTables        []string
	scheduleExclude       []string
	scheduleDocuments     bool
	scheduleAuditLogs     bool
	scheduleEncrypt       bool
	scheduleRetentionDays int
	scheduleMaxBackups    int
	scheduleStorage       string
	scheduleStorageOpts   []string
	scheduleNotifySuccess bool
	scheduleNotifyFailure bool
	scheduleEmails        []string
	scheduleWebhook       string
	scheduleDisabled      bool

	scheduleEnabledOnly bool
	serveMetricsAddr    string
)

// scheduleCmd represents the schedule command
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring backups",
	Long: `Manage recurring backups driven by cron expressions.

Cron expressions use five fields, an optional leading seconds field, or a
descriptor such as @daily. Each schedule carries its own retention policy
which is applied after every run.

Examples:
  # Nightly full backup at 02:00 Berlin time, keeping 14 days
  db-backup-engine schedule create --name nightly --cron "0 2 * * *" --timezone Europe/Berlin --retention-days 14

  # Run a schedule right now
  db-backup-engine schedule run schedule_20260301_120000_ab12cd

  # Run the scheduler in the foreground
  db-backup-engine schedule serve --metrics-addr :9102`,
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a schedule",
	Args:  cobra.NoArgs,
	RunE:  runScheduleCreate,
}

var scheduleUpdateCmd = &cobra.Command{
	Use:   "update SCHEDULE_ID",
	Short: "Change a schedule; only the given flags are updated",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleUpdate,
}

var scheduleListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List schedules",
	Args:    cobra.NoArgs,
	RunE:    runScheduleList,
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show SCHEDULE_ID",
	Short: "Show one schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleShow,
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable SCHEDULE_ID",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleEnabled(cmd, args[0], true)
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable SCHEDULE_ID",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleEnabled(cmd, args[0], false)
	},
}

var scheduleDeleteCmd = &cobra.Command{
	Use:     "delete SCHEDULE_ID",
	Aliases: []string{"rm"},
	Short:   "Delete a schedule; its backups are kept",
	Args:    cobra.ExactArgs(1),
	RunE:    runScheduleDelete,
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run SCHEDULE_ID",
	Short: "Run a schedule now",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRun,
}

var scheduleRunDueCmd = &cobra.Command{
	Use:   "run-due",
	Short: "Run every enabled schedule that is due, then exit",
	Long: `Run every enabled schedule whose next run time has passed, then exit.
Suited to an external cron or a Kubernetes CronJob.`,
	Args: cobra.NoArgs,
	RunE: runScheduleRunDue,
}

var scheduleServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler in the foreground",
	Long: `Poll for due schedules until interrupted. When retention.sweep_interval
is set, the global retention policy is also applied on that interval.
With --metrics-addr, Prometheus metrics are served at /metrics.`,
	Args: cobra.NoArgs,
	RunE: runScheduleServe,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleCreateCmd, scheduleUpdateCmd, scheduleListCmd, scheduleShowCmd,
		scheduleEnableCmd, scheduleDisableCmd, scheduleDeleteCmd, scheduleRunCmd, scheduleRunDueCmd, scheduleServeCmd)

	for _, c := range []*cobra.Command{scheduleCreateCmd, scheduleUpdateCmd} {
		flags := c.Flags()
		flags.StringVar(&scheduleName, "name", "", "schedule name")
		flags.StringVar(&scheduleCron, "cron", "", "cron expression")
		flags.StringVar(&scheduleTimezone, "timezone", "UTC", "IANA timezone the cron expression is evaluated in")
		flags.StringVar(&scheduleKind, "kind", "full", "backup kind (full, selective)")
		flags.StringSliceVar(&scheduleTables, "tables", nil, "tables to back up (selective)")
		flags.StringSliceVar(&scheduleExclude, "exclude", nil, "tables to leave out (full)")
		flags.BoolVar(&scheduleDocuments, "documents", false, "include the documents directory")
		flags.BoolVar(&scheduleAuditLogs, "audit-logs", false, "include the configured audit tables")
		flags.BoolVar(&scheduleEncrypt, "encrypt", false, "encrypt artifacts")
		flags.IntVar(&scheduleRetentionDays, "retention-days", 0, "expire this schedule's backups after this many days")
		flags.IntVar(&scheduleMaxBackups, "max-backups", 0, "keep at most this many of this schedule's backups")
		flags.StringVar(&scheduleStorage, "storage", "", "storage provider (default from configuration)")
		flags.StringArrayVar(&scheduleStorageOpts, "storage-option", nil, "provider option as key=value, repeatable")
		flags.BoolVar(&scheduleNotifySuccess, "notify-success", false, "notify when a run succeeds")
		flags.BoolVar(&scheduleNotifyFailure, "notify-failure", true, "notify when a run fails")
		flags.StringSliceVar(&scheduleEmails, "email", nil, "notification recipients")
		flags.StringVar(&scheduleWebhook, "webhook", "", "notification webhook URL")
	}
	scheduleCreateCmd.Flags().BoolVar(&scheduleDisabled, "disabled", false, "create the schedule disabled")
	_ = scheduleCreateCmd.MarkFlagRequired("name")
	_ = scheduleCreateCmd.MarkFlagRequired("cron")

	scheduleListCmd.Flags().BoolVar(&scheduleEnabledOnly, "enabled", false, "only enabled schedules")
	scheduleServeCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

func runScheduleCreate(cmd *cobra.Command, args []string) error {
	storageOptions, err := parseKeyValues(scheduleStorageOpts)
	if err != nil {
		return err
	}

	schedule := &backup.BackupSchedule{
		Name:             scheduleName,
		CronExpression:   scheduleCron,
		Timezone:         scheduleTimezone,
		Kind:             upper[backup.BackupKind](scheduleKind),
		IncludeTables:    scheduleTables,
		ExcludeTables:    scheduleExclude,
		IncludeDocuments: scheduleDocuments,
		IncludeAuditLogs: scheduleAuditLogs,
		Encrypt:          scheduleEncrypt,
		RetentionDays:    scheduleRetentionDays,
		MaxBackups:       scheduleMaxBackups,
		StorageProvider:  upper[backup.StorageProviderType](scheduleStorage),
		StorageOptions:   storageOptions,
		Notifications: backup.NotificationPreferences{
			OnSuccess:  scheduleNotifySuccess,
			OnFailure:  scheduleNotifyFailure,
			Emails:     scheduleEmails,
			WebhookURL: scheduleWebhook,
		},
		Enabled:   !scheduleDisabled,
		CreatedBy: actorName,
	}

	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	created, err := s.app.Scheduler().CreateSchedule(s.ctx, schedule)
	if err != nil {
		return err
	}
	return s.printer.Schedules([]*backup.BackupSchedule{created})
}

func runScheduleUpdate(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	schedule, err := s.app.Scheduler().GetSchedule(s.ctx, args[0])
	if err != nil {
		return err
	}
	if err := applyScheduleFlags(cmd, schedule); err != nil {
		return err
	}

	updated, err := s.app.Scheduler().UpdateSchedule(s.ctx, schedule, actorName)
	if err != nil {
		return err
	}
	return s.printer.Schedules([]*backup.BackupSchedule{updated})
}

// applyScheduleFlags copies the flags the user set onto schedule
func applyScheduleFlags(cmd *cobra.Command, schedule *backup.BackupSchedule) error {
	flags := cmd.Flags()
	changed := 0
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
			changed++
		}
	}

	set("name", func() { schedule.Name = scheduleName })
	set("cron", func() { schedule.CronExpression = scheduleCron })
	set("timezone", func() { schedule.Timezone = scheduleTimezone })
	set("kind", func() { schedule.Kind = upper[backup.BackupKind](scheduleKind) })
	set("tables", func() { schedule.IncludeTables = scheduleTables })
	set("exclude", func() { schedule.ExcludeTables = scheduleExclude })
	set("documents", func() { schedule.IncludeDocuments = scheduleDocuments })
	set("audit-logs", func() { schedule.IncludeAuditLogs = scheduleAuditLogs })
	set("encrypt", func() { schedule.Encrypt = scheduleEncrypt })
	set("retention-days", func() { schedule.RetentionDays = scheduleRetentionDays })
	set("max-backups", func() { schedule.MaxBackups = scheduleMaxBackups })
	set("storage", func() { schedule.StorageProvider = upper[backup.StorageProviderType](scheduleStorage) })
	set("notify-success", func() { schedule.Notifications.OnSuccess = scheduleNotifySuccess })
	set("notify-failure", func() { schedule.Notifications.OnFailure = scheduleNotifyFailure })
	set("email", func() { schedule.Notifications.Emails = scheduleEmails })
	set("webhook", func() { schedule.Notifications.WebhookURL = scheduleWebhook })

	if flags.Changed("storage-option") {
		options, err := parseKeyValues(scheduleStorageOpts)
		if err != nil {
			return err
		}
		schedule.StorageOptions = options
		changed++
	}

	if changed == 0 {
		return fmt.Errorf("nothing to update: pass at least one schedule flag")
	}
	return nil
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	schedules, err := s.app.Scheduler().ListSchedules(s.ctx, scheduleEnabledOnly)
	if err != nil {
		return err
	}
	return s.printer.Schedules(schedules)
}

func runScheduleShow(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	schedule, err := s.app.Scheduler().GetSchedule(s.ctx, args[0])
	if err != nil {
		return err
	}
	return s.printer.Value(schedule)
}

func setScheduleEnabled(cmd *cobra.Command, id string, enabled bool) error {
	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	schedule, err := s.app.Scheduler().SetEnabled(s.ctx, id, enabled, actorName)
	if err != nil {
		return err
	}

	state := "disabled"
	if schedule.Enabled {
		state = "enabled"
	}
	return s.printer.Success(fmt.Sprintf("Schedule %s %s", schedule.ID, state))
}

func runScheduleDelete(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, application.WithoutDatabase())
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.app.Scheduler().DeleteSchedule(s.ctx, args[0], actorName); err != nil {
		return err
	}
	return s.printer.Success(fmt.Sprintf("Schedule %s deleted", args[0]))
}

func runScheduleRun(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	run, err := s.app.Scheduler().RunNow(s.ctx, args[0])
	if err != nil {
		return err
	}
	if err := s.printer.ScheduleRuns([]*backup.ScheduleRunResult{run}); err != nil {
		return err
	}
	return run.Error
}

func runScheduleRunDue(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.app.Scheduler().RunDue(s.ctx, time.Now())
	if printErr := s.printer.ScheduleRuns(runs); printErr != nil {
		return printErr
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, run := range runs {
		if run.Error != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scheduled runs failed", failed, len(runs))
	}
	return nil
}

func runScheduleServe(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	run("scheduler", s.app.Scheduler().Start)

	retention := s.app.Config().Engine.Retention
	if retention.SweepInterval > 0 {
		engine := s.app.Engine()
		run("retention", func(ctx context.Context) error {
			return engine.Retention().Run(ctx, retention.SweepInterval, retention.Policy())
		})
	}

	if serveMetricsAddr != "" {
		run("metrics", func(ctx context.Context) error {
			return s.app.ServeMetrics(ctx, serveMetricsAddr)
		})
		_ = s.printer.Info(fmt.Sprintf("Serving metrics on %s/metrics", strings.TrimSuffix(serveMetricsAddr, "/")))
	}

	_ = s.printer.Info("Scheduler running; press Ctrl+C to stop")
	wg.Wait()
	close(errs)

	return <-errs
}
