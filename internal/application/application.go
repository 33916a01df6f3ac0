package application

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"db-backup-engine/internal/backup"
	"db-backup-engine/internal/config"
	"db-backup-engine/internal/database"
	appErrors "db-backup-engine/internal/errors"
	"db-backup-engine/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Application owns every long lived component behind the CLI: the catalog,
// the storage backends, the dump tools and the engine built on them
type Application struct {
	config          *config.Config
	logger          *logging.Logger
	engine          *backup.Engine
	scheduler       *backup.Scheduler
	registry        *prometheus.Registry
	db              *sql.DB
	shutdownHandler *appErrors.GracefulShutdownHandler
}

// Option customizes New
type Option func(*options)

type options struct {
	storage  backup.Storage
	dumper   backup.DumpTool
	loader   backup.LoadTool
	clock    backup.Clock
	settings backup.SettingsApplier
	noDB     bool
}

// WithStorage replaces the backend built from the storage section
func WithStorage(storage backup.Storage) Option {
	return func(o *options) { o.storage = storage }
}

// WithTools replaces the dump and load tools built from the tools section
func WithTools(dumper backup.DumpTool, loader backup.LoadTool) Option {
	return func(o *options) { o.dumper, o.loader = dumper, loader }
}

// WithClock replaces the wall clock
func WithClock(clock backup.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithSettingsApplier enables restoring SETTINGS backups
func WithSettingsApplier(applier backup.SettingsApplier) Option {
	return func(o *options) { o.settings = applier }
}

// WithoutDatabase skips the inspector connection to the protected database
func WithoutDatabase() Option {
	return func(o *options) { o.noDB = true }
}

// New builds the application from cfg. Components opened before a failure
// are closed again.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts ...Option) (app *Application, err error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	app = &Application{
		config:          cfg,
		logger:          logger,
		registry:        prometheus.NewRegistry(),
		shutdownHandler: appErrors.NewGracefulShutdownHandler(),
	}

	var cleanup []func() error
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				_ = cleanup[i]()
			}
		}
	}()

	engineCfg := cfg.Engine

	catalog, err := backup.OpenCatalog(ctx, engineCfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	cleanup = append(cleanup, catalog.Close)

	storage := o.storage
	if storage == nil {
		if storage, err = backup.NewStorage(ctx, engineCfg.Storage); err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		if closer, ok := storage.(io.Closer); ok {
			cleanup = append(cleanup, closer.Close)
		}
	}

	dumper, loader := o.dumper, o.loader
	if dumper == nil || loader == nil {
		if dumper, loader, err = backup.NewDumpTools(engineCfg.Database, engineCfg.Tools, logger); err != nil {
			return nil, fmt.Errorf("failed to configure dump tools: %w", err)
		}
	}

	oplog, err := backup.NewOperationLogger(backup.OperationLoggerConfig{
		Logger:           logger,
		OperationLogFile: engineCfg.OperationLog.File,
		MaxSizeMB:        engineCfg.OperationLog.MaxSizeMB,
		MaxBackups:       engineCfg.OperationLog.MaxBackups,
		MaxAgeDays:       engineCfg.OperationLog.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open operation log: %w", err)
	}
	cleanup = append(cleanup, oplog.Close)

	engineOpts := []backup.EngineOption{
		backup.WithLogger(logger),
		backup.WithOperationLogger(oplog),
		backup.WithMetrics(backup.NewMetricsCollector(app.registry)),
		backup.WithNotifier(backup.NewNotifier(logger, engineCfg.Notifications)),
	}
	if o.clock != nil {
		engineOpts = append(engineOpts, backup.WithClock(o.clock))
	}
	if o.settings != nil {
		engineOpts = append(engineOpts, backup.WithSettingsApplier(o.settings))
	}

	if !o.noDB {
		service := database.NewServiceWithLogger(logger)
		db, err := service.Open(engineCfg.Tools.Engine, engineCfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare database connection: %w", err)
		}
		cleanup = append(cleanup, db.Close)

		inspector, err := database.NewInspector(db, engineCfg.Tools.Engine, logger)
		if err != nil {
			return nil, err
		}
		app.db = db
		engineOpts = append(engineOpts, backup.WithInspector(inspector))
	}

	engine, err := backup.NewEngine(engineCfg, catalog, storage, dumper, loader, engineOpts...)
	if err != nil {
		return nil, err
	}

	app.engine = engine
	app.scheduler = backup.NewScheduler(engine)

	app.shutdownHandler.RegisterShutdownFunc(func() error {
		if app.db != nil {
			return app.db.Close()
		}
		return nil
	})
	app.shutdownHandler.RegisterShutdownFunc(func() error {
		logger.Info("Waiting for background work before shutdown")
		return engine.Close()
	})

	return app, nil
}

// Engine returns the backup engine
func (app *Application) Engine() *backup.Engine {
	return app.engine
}

// Scheduler returns the schedule runner
func (app *Application) Scheduler() *backup.Scheduler {
	return app.scheduler
}

// Logger returns the process logger
func (app *Application) Logger() *logging.Logger {
	return app.logger
}

// Config returns the loaded configuration
func (app *Application) Config() *config.Config {
	return app.config
}

// Registry returns the Prometheus registry the engine metrics live in
func (app *Application) Registry() *prometheus.Registry {
	return app.registry
}

// Start returns a context cancelled on SIGINT or SIGTERM. A backup running
// under it records itself as CANCELLED before the process exits.
func (app *Application) Start(parent context.Context) context.Context {
	return app.shutdownHandler.Start(parent)
}

// Close releases every component. It is safe to call after a signal
// already triggered shutdown.
func (app *Application) Close() {
	app.shutdownHandler.Stop()
}

// ServeMetrics exposes the registry on addr until ctx is cancelled
func (app *Application) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	app.logger.WithField("addr", addr).Info("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// HandleError writes a user facing description of err and troubleshooting
// hints to w, and logs the details
func (app *Application) HandleError(w io.Writer, err error) {
	HandleError(w, app.logger, err)
}

// HandleError is the package level form used before an Application exists
func HandleError(w io.Writer, logger *logging.Logger, err error) {
	if err == nil {
		return
	}

	var backupErr *backup.BackupError
	if errors.As(err, &backupErr) {
		fmt.Fprintf(w, "Error: %s\n", err.Error())
		if logger != nil {
			logger.WithFields(map[string]interface{}{
				"error_type":  string(backupErr.Type),
				"retryable":  backup.IsRetryable(err),
			}).Debug("Command failed")
		}
		provideBackupHints(w, backupErr.Type)
		return
	}

	var appErr *appErrors.AppError
	if !errors.As(err, &appErr) {
		fmt.Fprintf(w, "Error: %s\n", err.Error())
		return
	}

	fmt.Fprintf(w, "Error: %s\n", appErrors.FormatUserError(err))
	if logger != nil {
		logger.WithFields(map[string]interface{}{
			"error_type":  string(appErr.Type),
			"recoverable": appErr.IsRecoverable(),
			"context":     appErr.Context,
		}).Debug("Command failed")
	}
	provideTroubleshootingHints(w, appErr.Type)
}

func provideBackupHints(w io.Writer, errType backup.BackupErrorType) {
	switch errType {
	case backup.BackupErrorTypeConfiguration:
		writeHints(w,
			"Run 'db-backup-engine config show' to inspect the effective configuration",
			"Check the DBBACKUP_* environment variables listed by 'db-backup-engine config env'")
	case backup.BackupErrorTypeStorage:
		writeHints(w,
			"Verify the storage credentials and that the bucket or directory exists",
			"Check free space on the storage target")
	case backup.BackupErrorTypeExternalTool:
		writeHints(w,
			"Check that the dump and load tools are installed and on PATH",
			"Set tools.dump_path and tools.load_path to explicit locations")
	case backup.BackupErrorTypeConflict:
		writeHints(w, "Another backup or restore is running against the same database; wait for it to finish")
	case backup.BackupErrorTypeEncryption:
		writeHints(w, "Make sure the encryption secret matches the one used when the backup was created")
	}
}

func provideTroubleshootingHints(w io.Writer, errType appErrors.ErrorType) {
	switch errType {
	case appErrors.ErrorTypeConnection:
		writeHints(w,
			"Check that the database server is running",
			"Verify the host and port are correct",
			"Check firewall settings")
	case appErrors.ErrorTypePermission:
		writeHints(w,
			"Verify the username and password are correct",
			"Check that the user has the required privileges")
	case appErrors.ErrorTypeTimeout:
		writeHints(w,
			"The operation may be taking longer than expected",
			"Try increasing tools.timeout or database.timeout")
	}
}

func writeHints(w io.Writer, hints ...string) {
	fmt.Fprintf(w, "\nTroubleshooting hints:\n")
	for _, hint := range hints {
		fmt.Fprintf(w, "- %s\n", hint)
	}
}
