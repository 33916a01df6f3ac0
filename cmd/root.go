package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"db-backup-engine/internal/application"
	"db-backup-engine/internal/config"
	"db-backup-engine/internal/display"
	"db-backup-engine/internal/logging"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var cfgFile string

// CLI flag variables shared by every command
var (
	verbose      bool
	quiet        bool
	logFile      string
	logFormat    string
	outputFormat string
	tableStyle   string
	theme        string
	noColor      bool
	actorName    string
	timeout      time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "db-backup-engine",
	Short: "Back up, verify and restore a MySQL or PostgreSQL database",
	Long: `db-backup-engine creates compressed, optionally encrypted backups of a
MySQL or PostgreSQL database with the vendor dump tools, stores them on local
disk, S3, Google Cloud Storage, Azure Blob Storage or SFTP, and records every
run in a catalog with a full audit trail.

Backups can be verified against their checksums, restored in full or table
by table with an automatic safety backup, scheduled with cron expressions and
pruned by count or age.

Examples:
  # Write a starter configuration
  db-backup-engine config init

  # Take a full backup now
  db-backup-engine backup create --name "before upgrade"

  # Back up two tables, encrypted
  db-backup-engine backup create --kind selective --tables orders,customers --encrypt

  # List recent backups as JSON
  db-backup-engine backup list --limit 10 --output json

  # Restore one table from a backup
  db-backup-engine restore run bk_20260301_020000_ab12cd --scope selective --tables orders

  # Run the scheduler in the foreground with metrics on :9102
  db-backup-engine schedule serve --metrics-addr :9102`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		application.HandleError(os.Stderr, nil, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default searches ., $HOME/.config/db-backup-engine and $HOME for db-backup-engine.yaml)")

	// Operation flags
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	flags.StringVar(&logFile, "log-file", "", "also write logs to this file, rotated")
	flags.StringVar(&logFormat, "log-format", "", "log format (text, json)")
	flags.StringVar(&actorName, "actor", "", "name recorded in the audit log (default is the OS user)")
	flags.DurationVar(&timeout, "timeout", 0, "abort the command after this long (0 means no limit)")

	// Display flags
	flags.StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml, compact)")
	flags.StringVar(&tableStyle, "table-style", "default", "table style (default, rounded, compact)")
	flags.StringVar(&theme, "theme", "dark", "color theme (dark, light, high-contrast)")
	flags.BoolVar(&noColor, "no-color", false, "disable color output")

	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

// loadConfig reads the configuration file, environment and bound flags
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	flags := rootCmd.PersistentFlags()
	if err := loader.Viper().BindPFlag("log.file", flags.Lookup("log-file")); err != nil {
		return nil, err
	}
	if err := loader.Viper().BindPFlag("log.format", flags.Lookup("log-format")); err != nil {
		return nil, err
	}

	return loader.Load(cfgFile)
}

// newLogger builds the process logger; --verbose and --quiet win over the file
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	loggerConfig := cfg.Log.LoggerConfig(os.Stderr)
	switch {
	case quiet:
		loggerConfig.Level = logging.LogLevelQuiet
	case verbose:
		loggerConfig.Level = logging.LogLevelVerbose
	}
	return logging.NewLogger(loggerConfig)
}

// newPrinter returns a printer honoring --output, --table-style and color flags
func newPrinter(cmd *cobra.Command) (*display.Printer, error) {
	format, err := display.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}

	colors := display.NewColorSystem(display.GetThemeByName(theme), !noColor && display.DetectColorSupport(os.Stdout))
	printer := display.NewPrinter(cmd.OutOrStdout(), format, colors)
	printer.SetTableStyle(display.GetTableStyle(tableStyle))
	return printer, nil
}

// session bundles what a command needs once the application is built
type session struct {
	app     *application.Application
	ctx     context.Context
	printer *display.Printer
	cancel  context.CancelFunc
}

// Close cancels the command context and releases the application
func (s *session) Close() {
	s.cancel()
	s.app.Close()
	_ = s.app.Logger().Close()
}

// newSession loads configuration and builds the application. The returned
// context is cancelled on SIGINT, SIGTERM or when --timeout elapses.
func newSession(cmd *cobra.Command, opts ...application.Option) (*session, error) {
	printer, err := newPrinter(cmd)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	ctx := logging.CreateContextWithRequestID(cmd.Context(), uuid.New().String())
	app, err := application.New(ctx, cfg, logger, opts...)
	if err != nil {
		return nil, err
	}

	ctx = app.Start(ctx)
	cancel := func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	return &session{app: app, ctx: ctx, printer: printer, cancel: cancel}, nil
}
