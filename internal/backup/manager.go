package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/user"
	"sort"
	"sync"

	"db-backup-engine/internal/logging"
)

// SettingsApplier receives the payload of a restored SETTINGS backup
type SettingsApplier interface {
	ApplySettings(ctx context.Context, settings map[string]interface{}) error
}

// Engine coordinates backup, restore, verification and retention runs. It
// owns no global state; everything it needs is injected at construction.
type Engine struct {
	config    EngineConfig
	catalog   Catalog
	storages  *StorageRegistry
	codec     *Codec
	dumper    DumpTool
	loader    LoadTool
	inspector DatabaseInspector
	settings  SettingsApplier
	retention *RetentionManager
	notifier  *Notifier
	metrics   *MetricsCollector
	logger    *logging.Logger
	oplog     *OperationLogger
	clock     Clock

	guard      *inflightGuard
	runs       *runRegistry
	background sync.WaitGroup
}

// EngineOption customizes an Engine
type EngineOption func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *logging.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithOperationLogger sets the structured operation logger
func WithOperationLogger(oplog *OperationLogger) EngineOption {
	return func(e *Engine) { e.oplog = oplog }
}

// WithMetrics enables Prometheus metrics
func WithMetrics(metrics *MetricsCollector) EngineOption {
	return func(e *Engine) { e.metrics = metrics }
}

// WithClock replaces the wall clock
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithInspector lets the engine check table selections and fill row counts
func WithInspector(inspector DatabaseInspector) EngineOption {
	return func(e *Engine) { e.inspector = inspector }
}

// WithNotifier sets the notifier used for scheduled runs
func WithNotifier(notifier *Notifier) EngineOption {
	return func(e *Engine) { e.notifier = notifier }
}

// WithStorage registers an additional storage backend
func WithStorage(provider StorageProviderType, storage Storage) EngineOption {
	return func(e *Engine) { e.storages.Register(provider, storage) }
}

// WithSettingsApplier enables restoring SETTINGS backups
func WithSettingsApplier(applier SettingsApplier) EngineOption {
	return func(e *Engine) { e.settings = applier }
}

// NewEngine creates an engine. storage is the backend for
// config.Storage.Provider; more can be added with WithStorage.
func NewEngine(config EngineConfig, catalog Catalog, storage Storage, dumper DumpTool, loader LoadTool, opts ...EngineOption) (*Engine, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, NewConfigurationError("invalid engine configuration", err)
	}

	if catalog == nil || storage == nil {
		return nil, NewConfigurationError("catalog and storage are required", nil)
	}
	if dumper == nil || loader == nil {
		return nil, NewConfigurationError("dump and load tools are required", nil)
	}

	secret, err := config.Encryption.ResolveSecret()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:   config,
		catalog:  catalog,
		storages: NewStorageRegistry(config.Storage.Provider, storage),
		codec:    NewCodec(config.Compression, secret, config.Encryption.SaltBytes(), config.Encryption.Iterations),
		dumper:   dumper,
		loader:   loader,
		clock:    systemClock{},
		guard:    newInflightGuard(),
		runs:     newRunRegistry(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = logging.NewDefaultLogger()
	}
	if e.oplog == nil {
		if e.oplog, err = NewOperationLogger(OperationLoggerConfig{Logger: e.logger}); err != nil {
			return nil, err
		}
	}
	if e.notifier == nil {
		e.notifier = NewNotifier(e.logger, config.Notifications)
	}

	if e.retention, err = NewRetentionManager(catalog, e.storages, e.oplog); err != nil {
		return nil, err
	}
	e.retention.clock = e.clock
	e.retention.metrics = e.metrics

	return e, nil
}

// Config returns a copy of the engine configuration
func (e *Engine) Config() EngineConfig {
	return e.config
}

// Retention returns the engine's retention manager
func (e *Engine) Retention() *RetentionManager {
	return e.retention
}

// Storages returns the registry of storage backends. Additional providers
// registered here become valid targets for backups and schedules.
func (e *Engine) Storages() *StorageRegistry {
	return e.storages
}

// Wait blocks until background work such as post-backup retention is done
func (e *Engine) Wait() {
	e.background.Wait()
}

// Close waits for background work and releases the catalog and storage
func (e *Engine) Close() error {
	e.Wait()

	var errs []error
	if err := e.storages.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.catalog.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.oplog.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CreateBackup runs one backup to a terminal status. Validation failures
// are returned without creating a record; anything that fails later is
// recorded on the backup as FAILED or CANCELLED. The caller must check
// Success.
func (e *Engine) CreateBackup(ctx context.Context, req BackupRequest) *BackupResult {
	lock, err := e.lockTarget(ctx, "backup")
	if err != nil {
		return &BackupResult{Success: false, Message: err.Error(), Error: err}
	}
	defer lock.unlock()

	return e.runBackup(ctx, req, lock)
}

// ExportSettings stores settings as a SETTINGS backup
func (e *Engine) ExportSettings(ctx context.Context, settings map[string]interface{}, createdBy string) *BackupResult {
	return e.CreateBackup(ctx, BackupRequest{
		Kind:      BackupKindSettings,
		Name:      "Settings export",
		Settings:  settings,
		CreatedBy: createdBy,
	})
}

// CancelBackup cancels a running backup. A backup running in another
// process is flagged through its target lock and that process stops it. A
// non-terminal record nobody runs, left behind by a crash, is marked
// CANCELLED.
func (e *Engine) CancelBackup(ctx context.Context, id, actor string) *OperationResult {
	if e.runs.cancel(id, ErrOperationCancelled) {
		return &OperationResult{Success: true, Message: fmt.Sprintf("Cancellation requested for backup %s", id)}
	}

	record, err := e.catalog.GetBackup(ctx, id)
	if err != nil {
		return failedOperation(err)
	}
	if record.Status.IsTerminal() {
		return failedOperation(NewInvalidStateError(fmt.Sprintf("backup %s is already %s", id, record.Status), nil))
	}

	requested, err := e.catalog.RequestCancel(ctx, id, e.staleBefore())
	if err != nil {
		return failedOperation(err)
	}
	if requested {
		return &OperationResult{Success: true, Message: fmt.Sprintf("Cancellation requested for backup %s running in another process", id)}
	}

	previous := record.Status
	now := e.clock.Now()
	record.Status = BackupStatusCancelled
	record.CompletedAt = &now
	record.ErrorMessage = "cancelled while not running in this process"
	if err := e.catalog.UpdateBackup(ctx, record, previous); err != nil {
		return failedOperation(err)
	}

	e.appendAudit(ctx, &AuditLogEntry{
		BackupID:       id,
		Action:         AuditActionCancel,
		PreviousStatus: string(previous),
		NewStatus:      string(BackupStatusCancelled),
		Actor:          actor,
		Details:        AuditDetails{Reason: record.ErrorMessage},
	})

	return &OperationResult{Success: true, Message: fmt.Sprintf("Backup %s marked cancelled", id)}
}

// runBackup does the work of CreateBackup under a lock the caller holds. A
// restore passes nil to take its safety backup under its own lock.
func (e *Engine) runBackup(ctx context.Context, req BackupRequest, lock *targetLock) *BackupResult {
	if err := req.Validate(); err != nil {
		return rejectedBackup(NewValidationError("invalid backup request", err))
	}
	if req.Encrypt && !e.codec.CanEncrypt() {
		return rejectedBackup(NewValidationError("encryption requested but no encryption secret is configured", nil))
	}

	provider, storage, err := e.storages.Get(req.StorageProvider)
	if err != nil {
		return rejectedBackup(err)
	}

	if err := e.checkSelection(ctx, req); err != nil {
		return rejectedBackup(err)
	}

	record := e.newBackupRecord(req, provider)
	if err := e.catalog.CreateBackup(ctx, record); err != nil {
		return rejectedBackup(err)
	}

	e.appendAudit(ctx, &AuditLogEntry{
		BackupID:   record.ID,
		ScheduleID: record.ScheduleID,
		Action:     AuditActionCreate,
		NewStatus:  string(BackupStatusInProgress),
		Actor:      record.CreatedBy,
		Details: AuditDetails{
			Kind:   record.Kind,
			Tables: record.IncludedTables,
			Extra: map[string]string{
				"storage_provider": string(provider),
				"target":           e.config.Target,
			},
		},
	})

	finish := e.oplog.ForRun(ctx).LogBackupStart(record)
	done := e.metrics.TrackInFlight("backup")
	defer done()

	runCtx, stop := e.runs.start(ctx, record.ID)
	defer stop()
	lock.attach(ctx, record.ID)

	outcome, err := e.executeBackup(runCtx, record, req, provider, storage)
	if err != nil {
		e.failBackup(ctx, runCtx, record, provider, storage, err)
		finish(err, record)
		e.metrics.RecordBackupOperation(record.Kind, record.Status, record.Duration, 0)
		return &BackupResult{
			Success: false,
			Message: fmt.Sprintf("Backup %s %s: %v", record.ID, record.Status, err),
			Backup:  record,
			Error:   err,
		}
	}

	e.appendAudit(ctx, &AuditLogEntry{
		BackupID:       record.ID,
		ScheduleID:     record.ScheduleID,
		Action:         AuditActionComplete,
		PreviousStatus: string(BackupStatusInProgress),
		NewStatus:      string(BackupStatusCompleted),
		Actor:          record.CreatedBy,
		Details: AuditDetails{
			Kind:           record.Kind,
			Tables:         outcome.tables,
			Size:           record.Size,
			CompressedSize: record.CompressedSize,
			Checksum:       record.Checksum,
			Duration:       record.Duration,
		},
	})

	finish(nil, record)
	e.metrics.RecordBackupOperation(record.Kind, record.Status, record.Duration, record.CompressedSize)

	if e.config.Retention.AfterBackup && record.ScheduleID == "" {
		e.dispatchRetention(e.config.Retention.Policy())
	}

	return &BackupResult{
		Success: true,
		Message: fmt.Sprintf("Backup %s completed (%d tables, %d bytes stored)", record.ID, len(outcome.tables), record.CompressedSize),
		Backup:  record,
	}
}

type backupOutcome struct {
	tables []string
	counts map[string]int64
}

// executeBackup drives dump, encode, checksum, storage and catalog. On
// success record holds the COMPLETED row.
func (e *Engine) executeBackup(ctx context.Context, record *BackupRecord, req BackupRequest, provider StorageProviderType, storage Storage) (*backupOutcome, error) {
	raw, outcome, err := e.buildPayload(ctx, record, req)
	if err != nil {
		return nil, err
	}

	artifact, err := e.codec.Encode(raw, record.Encrypted)
	if err != nil {
		return nil, err
	}
	checksum := CalculateChecksum(artifact)
	key := ArtifactKey(record.ID)

	if err := e.writeObject(ctx, provider, storage, key, artifact); err != nil {
		return nil, err
	}

	completed := *record
	completed.Size = int64(len(raw))
	completed.CompressedSize = int64(len(artifact))
	completed.Checksum = checksum
	completed.StoragePath = key

	var dbVersion string
	if e.inspector != nil && record.Kind.UsesDumpTool() {
		if version, err := e.inspector.Version(ctx); err == nil {
			dbVersion = version
		} else {
			e.logger.WithField("error", err.Error()).Debug("Could not read database version")
		}
	}

	sidecar, err := json.MarshalIndent(completed.Metadata(outcome.tables, outcome.counts, dbVersion, e.config.AppVersion), "", "  ")
	if err != nil {
		return nil, NewStorageError("failed to marshal backup metadata", err)
	}
	if err := e.writeObject(ctx, provider, storage, SidecarKey(key), sidecar); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, NewCancelledError("backup cancelled before completion", contextCause(ctx))
	}

	if len(outcome.tables) > 0 {
		details := make([]*BackupTableDetail, 0, len(outcome.tables))
		for _, table := range outcome.tables {
			details = append(details, &BackupTableDetail{
				BackupID:  record.ID,
				TableName: table,
				Status:    BackupStatusCompleted,
				RowCount:  outcome.counts[table],
				CreatedAt: e.clock.Now(),
			})
		}
		if err := e.catalog.AddTableDetails(ctx, details); err != nil {
			return nil, err
		}
	}

	completedAt := e.clock.Now()
	completed.Status = BackupStatusCompleted
	completed.CompletedAt = &completedAt
	completed.Duration = completedAt.Sub(*record.StartedAt)

	if err := e.catalog.UpdateBackup(ctx, &completed, BackupStatusInProgress); err != nil {
		return nil, err
	}

	*record = completed
	return outcome, nil
}

// buildPayload produces the raw bytes of a backup. SETTINGS payloads are
// canonical JSON; database payloads are a bundle of the dump and, when
// asked for, the document store.
func (e *Engine) buildPayload(ctx context.Context, record *BackupRecord, req BackupRequest) ([]byte, *backupOutcome, error) {
	if record.Kind == BackupKindSettings {
		// encoding/json sorts map keys, which makes the output canonical
		payload, err := json.Marshal(req.Settings)
		if err != nil {
			return nil, nil, NewValidationError("settings payload is not serializable", err)
		}
		return payload, &backupOutcome{}, nil
	}

	opts := e.dumpOptions(req)
	dump, err := e.dumper.Dump(ctx, opts)
	if err != nil {
		if ctx.Err() != nil && !IsErrorType(err, BackupErrorTypeTimeout) {
			return nil, nil, NewCancelledError("backup cancelled during dump", contextCause(ctx))
		}
		return nil, nil, classify(err, func(err error) *BackupError { return NewExternalToolError("dump failed", err) })
	}

	tables := normalizeTables(dump.Tables)
	if len(tables) == 0 {
		tables = e.inspectDumpedTables(ctx, record, opts)
	}
	if len(opts.Tables) > 0 {
		tables = intersectTables(tables, opts.Tables)
	}

	bundle := &Bundle{Dump: dump.Data, Tables: tables}
	if req.IncludeDocuments {
		if e.config.Documents.Dir == "" {
			return nil, nil, NewConfigurationError("documents requested but no documents directory is configured", nil)
		}
		documents, err := CollectDocuments(ctx, e.config.Documents.Dir)
		if err != nil {
			return nil, nil, err
		}
		bundle.Documents = documents
	}

	raw, err := bundle.Marshal()
	if err != nil {
		return nil, nil, NewStorageError("failed to build backup bundle", err)
	}

	outcome := &backupOutcome{tables: tables}
	if e.inspector != nil && len(tables) > 0 {
		counts, err := e.inspector.TableRowCounts(ctx, tables)
		if err != nil {
			e.logger.WithFields(map[string]interface{}{
				"backup_id": record.ID,
				"error":     err.Error(),
			}).Warn("Could not collect table row counts")
		}
		outcome.counts = counts
	}

	return raw, outcome, nil
}

// inspectDumpedTables rebuilds the captured table list for dump tools whose
// output cannot be searched, from the live tables the dump options select
func (e *Engine) inspectDumpedTables(ctx context.Context, record *BackupRecord, opts DumpOptions) []string {
	if e.inspector == nil {
		return nil
	}

	live, err := e.inspector.ListTables(ctx)
	if err != nil {
		e.logger.WithFields(map[string]interface{}{
			"backup_id": record.ID,
			"error":     err.Error(),
		}).Warn("Could not list the tables captured by the dump")
		return nil
	}

	excluded := make(map[string]bool, len(opts.ExcludeTables))
	for _, table := range opts.ExcludeTables {
		excluded[table] = true
	}

	var tables []string
	for _, table := range normalizeTables(live) {
		if !excluded[table] {
			tables = append(tables, table)
		}
	}
	return tables
}

// dumpOptions resolves the table selection passed to the dump tool. Audit
// tables are only captured when the request asks for audit logs.
func (e *Engine) dumpOptions(req BackupRequest) DumpOptions {
	auditTables := normalizeTables(e.config.Tools.AuditTables)

	switch req.Kind {
	case BackupKindSelective:
		tables := req.IncludeTables
		if req.IncludeAuditLogs {
			tables = normalizeTables(append(append([]string(nil), tables...), auditTables...))
		}
		return DumpOptions{Tables: tables}
	default:
		exclude := req.ExcludeTables
		if !req.IncludeAuditLogs {
			exclude = normalizeTables(append(append([]string(nil), exclude...), auditTables...))
		}
		return DumpOptions{ExcludeTables: exclude}
	}
}

// checkSelection rejects selective backups naming tables the database does
// not have. Without an inspector the dump tool is the only check.
func (e *Engine) checkSelection(ctx context.Context, req BackupRequest) error {
	if e.inspector == nil || req.Kind != BackupKindSelective {
		return nil
	}

	existing, err := e.inspector.ListTables(ctx)
	if err != nil {
		return NewDatabaseError("failed to list tables", err)
	}

	known := make(map[string]bool, len(existing))
	for _, table := range existing {
		known[table] = true
	}

	var errs ValidationErrors
	for _, table := range req.IncludeTables {
		if !known[table] {
			errs.Add("include_tables", fmt.Sprintf("table %s does not exist", table), table)
		}
	}
	if errs.HasErrors() {
		return NewValidationError("invalid table selection", errs)
	}
	return nil
}

func (e *Engine) newBackupRecord(req BackupRequest, provider StorageProviderType) *BackupRecord {
	now := e.clock.Now()

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s backup %s", req.Kind, now.Format("2006-01-02 15:04:05"))
	}
	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = currentUser()
	}

	return &BackupRecord{
		ID:                GenerateIDWithPrefix("backup", now),
		Name:              name,
		Kind:              req.Kind,
		Status:            BackupStatusInProgress,
		StorageProvider:   provider,
		StorageOptions:    req.StorageOptions,
		IncludedTables:    req.IncludeTables,
		ExcludedTables:    req.ExcludeTables,
		IncludesDocuments: req.IncludeDocuments,
		IncludesAuditLogs: req.IncludeAuditLogs,
		Encrypted:         req.Encrypt,
		CompressionType:   e.codec.Algorithm(),
		StartedAt:         &now,
		CreatedBy:         createdBy,
		ScheduleID:        req.ScheduleID,
		CreatedAt:         now,
	}
}

// failBackup records a failed or cancelled run. It uses the caller's
// context so the record is closed even after the run was cancelled.
func (e *Engine) failBackup(ctx, runCtx context.Context, record *BackupRecord, provider StorageProviderType, storage Storage, cause error) {
	status := BackupStatusFailed
	action := AuditActionFail
	if IsErrorType(cause, BackupErrorTypeCancelled) || errors.Is(context.Cause(runCtx), ErrOperationCancelled) {
		status = BackupStatusCancelled
		action = AuditActionCancel
	}

	key := ArtifactKey(record.ID)
	for _, k := range []string{SidecarKey(key), key} {
		if err := storage.Delete(context.WithoutCancel(ctx), k); err != nil {
			e.logger.WithFields(map[string]interface{}{
				"backup_id": record.ID,
				"key":       k,
				"error":     err.Error(),
			}).Warn("Failed to remove partial artifact")
		}
	}

	now := e.clock.Now()
	failed := *record
	failed.Status = status
	failed.StoragePath = ""
	failed.Checksum = ""
	failed.ErrorMessage = cause.Error()
	failed.CompletedAt = &now
	failed.Duration = now.Sub(*record.StartedAt)

	persistCtx := context.WithoutCancel(ctx)
	if err := e.catalog.UpdateBackup(persistCtx, &failed, BackupStatusInProgress); err != nil {
		e.logger.WithFields(map[string]interface{}{
			"backup_id": record.ID,
			"error":     err.Error(),
		}).Error("Failed to record backup failure")
	}
	*record = failed

	e.appendAudit(persistCtx, &AuditLogEntry{
		BackupID:       record.ID,
		ScheduleID:     record.ScheduleID,
		Action:         action,
		PreviousStatus: string(BackupStatusInProgress),
		NewStatus:      string(status),
		Actor:          record.CreatedBy,
		Details: AuditDetails{
			Kind:     record.Kind,
			Error:    cause.Error(),
			Duration: record.Duration,
			Extra: map[string]string{
				"error_type":       string(ErrorType(cause)),
				"storage_provider": string(provider),
			},
		},
	})
}

func (e *Engine) writeObject(ctx context.Context, provider StorageProviderType, storage Storage, key string, data []byte) error {
	done := e.oplog.LogStorageOperation("write", provider, key)
	err := storage.Write(ctx, key, data)
	done(err, len(data))
	if err != nil {
		return classify(err, func(err error) *BackupError { return NewStorageError(fmt.Sprintf("failed to write %s", key), err) })
	}
	return nil
}

func (e *Engine) readObject(ctx context.Context, provider StorageProviderType, storage Storage, key string) ([]byte, error) {
	done := e.oplog.LogStorageOperation("read", provider, key)
	data, err := storage.Read(ctx, key)
	done(err, len(data))
	if err != nil {
		return nil, classify(err, func(err error) *BackupError { return NewStorageError(fmt.Sprintf("failed to read %s", key), err) })
	}
	return data, nil
}

// dispatchRetention sweeps in the background. The sweep has its own
// context and error handling; it never affects the backup that triggered it.
func (e *Engine) dispatchRetention(policy RetentionPolicy) {
	if policy.IsEmpty() {
		return
	}

	e.background.Add(1)
	go func() {
		defer e.background.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error(fmt.Sprintf("Retention sweep panicked: %v", r))
			}
		}()

		if _, err := e.retention.Sweep(context.Background(), policy); err != nil {
			e.logger.WithField("error", err.Error()).Error("Post-backup retention sweep failed")
		}
	}()
}

// appendAudit writes an audit entry. A failed append is logged; it does not
// change the outcome of the operation being audited.
func (e *Engine) appendAudit(ctx context.Context, entry *AuditLogEntry) {
	if err := e.catalog.AppendAudit(ctx, entry); err != nil {
		e.logger.WithFields(map[string]interface{}{
			"action":     string(entry.Action),
			"backup_id":  entry.BackupID,
			"restore_id": entry.RestoreID,
			"error":      err.Error(),
		}).Error("Failed to append audit entry")
	}
}

// classify keeps typed errors as they are and wraps anything else
func classify(err error, wrap func(error) *BackupError) error {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return err
	}
	return wrap(err)
}

func rejectedBackup(err error) *BackupResult {
	return &BackupResult{Success: false, Message: err.Error(), Error: err}
}

func failedOperation(err error) *OperationResult {
	return &OperationResult{Success: false, Message: err.Error(), Error: err}
}

func intersectTables(tables, allowed []string) []string {
	keep := make(map[string]bool, len(allowed))
	for _, table := range allowed {
		keep[table] = true
	}

	var result []string
	for _, table := range tables {
		if keep[table] {
			result = append(result, table)
		}
	}
	sort.Strings(result)
	return result
}

func currentUser() string {
	if current, err := user.Current(); err == nil {
		return current.Username
	}
	return "unknown"
}
