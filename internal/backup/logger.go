package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"db-backup-engine/internal/logging"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// OperationLogger emits structured start and finish entries for engine runs,
// tagged with a correlation id. When an operation log file is configured the
// same entries are also written there as JSON lines.
type OperationLogger struct {
	logger        *logging.Logger
	operationLog  *logrus.Logger
	closer        func() error
	correlationID string
}

// OperationLoggerConfig holds configuration for operation logging
type OperationLoggerConfig struct {
	Logger           *logging.Logger
	OperationLogFile string
	MaxSizeMB        int
	MaxBackups       int
	MaxAgeDays       int
	CorrelationID    string
}

// OperationEntry is one structured operation log line
type OperationEntry struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	Operation     string                 `json:"operation"`
	ResourceID    string                 `json:"resource_id,omitempty"`
	Status        string                 `json:"status"`
	Duration      string                 `json:"duration,omitempty"`
	Success       bool                   `json:"success"`
	Error         string                 `json:"error,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// NewOperationLogger creates an operation logger
func NewOperationLogger(config OperationLoggerConfig) (*OperationLogger, error) {
	logger := config.Logger
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	correlationID := config.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	ol := &OperationLogger{
		logger:        logger,
		correlationID: correlationID,
		closer:        func() error { return nil },
	}

	if config.OperationLogFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.OperationLogFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create operation log directory: %w", err)
		}

		maxSize := config.MaxSizeMB
		if maxSize == 0 {
			maxSize = 50
		}
		rotator := &lumberjack.Logger{
			Filename:   config.OperationLogFile,
			MaxSize:    maxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   true,
		}

		operationLog := logrus.New()
		operationLog.SetOutput(rotator)
		operationLog.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
		operationLog.SetLevel(logrus.InfoLevel)

		ol.operationLog = operationLog
		ol.closer = rotator.Close
	}

	return ol, nil
}

// CorrelationID returns the current correlation ID
func (ol *OperationLogger) CorrelationID() string {
	return ol.correlationID
}

// WithCorrelationID returns a logger sharing the same outputs with a different correlation ID
func (ol *OperationLogger) WithCorrelationID(correlationID string) *OperationLogger {
	return &OperationLogger{
		logger:        ol.logger,
		operationLog:  ol.operationLog,
		closer:        ol.closer,
		correlationID: correlationID,
	}
}

// ForRun returns a logger for one run. A request id carried by ctx becomes
// the correlation id; otherwise a fresh one is generated.
func (ol *OperationLogger) ForRun(ctx context.Context) *OperationLogger {
	if requestID := logging.GetRequestIDFromContext(ctx); requestID != "" {
		return ol.WithCorrelationID(requestID)
	}
	return ol.WithCorrelationID(uuid.New().String())
}

// Close flushes and closes the operation log file
func (ol *OperationLogger) Close() error {
	return ol.closer()
}

// LogBackupStart logs the start of a backup run
func (ol *OperationLogger) LogBackupStart(record *BackupRecord) func(error, *BackupRecord) {
	entry := ol.newEntry("backup_create", record.ID, map[string]interface{}{
		"kind":             string(record.Kind),
		"storage_provider": string(record.StorageProvider),
		"encrypted":        record.Encrypted,
		"created_by":       record.CreatedBy,
	})
	if record.ScheduleID != "" {
		entry.Metadata["schedule_id"] = record.ScheduleID
	}
	ol.logStructured(entry)

	startTime := time.Now()
	return func(err error, finished *BackupRecord) {
		if finished != nil {
			entry.Metadata["status"] = string(finished.Status)
			entry.Metadata["size"] = finished.Size
			entry.Metadata["compressed_size"] = finished.CompressedSize
			if finished.Checksum != "" {
				entry.Metadata["checksum"] = finished.Checksum
			}
		}
		ol.finish(entry, startTime, err)
	}
}

// LogRestoreStart logs the start of a restore run
func (ol *OperationLogger) LogRestoreStart(op *RestoreOperation) func(error, *RestoreOperation) {
	entry := ol.newEntry("restore", op.ID, map[string]interface{}{
		"backup_id":          op.BackupID,
		"scope":              string(op.Scope),
		"overwrite_existing": op.OverwriteExisting,
		"pre_restore_backup": op.CreatePreRestoreBackup,
	})
	ol.logStructured(entry)

	startTime := time.Now()
	return func(err error, finished *RestoreOperation) {
		if finished != nil {
			entry.Metadata["status"] = string(finished.Status)
			entry.Metadata["tables_restored"] = len(finished.TablesRestored)
			if finished.PreRestoreBackupID != "" {
				entry.Metadata["pre_restore_backup_id"] = finished.PreRestoreBackupID
			}
		}
		ol.finish(entry, startTime, err)
	}
}

// LogRetentionSweep logs a retention sweep
func (ol *OperationLogger) LogRetentionSweep(policy RetentionPolicy) func(error, *RetentionResult) {
	entry := ol.newEntry("retention_sweep", policy.ScheduleID, map[string]interface{}{
		"max_backups":    policy.MaxBackups,
		"retention_days": policy.RetentionDays,
		"dry_run":        policy.DryRun,
	})
	ol.logStructured(entry)

	startTime := time.Now()
	return func(err error, result *RetentionResult) {
		if result != nil {
			entry.Metadata["evaluated"] = result.Evaluated
			entry.Metadata["expired"] = len(result.Expired)
			entry.Metadata["failed"] = len(result.Errors)
		}
		ol.finish(entry, startTime, err)
	}
}

// LogScheduleRun logs a triggered schedule run
func (ol *OperationLogger) LogScheduleRun(schedule *BackupSchedule) func(error, *BackupRecord) {
	entry := ol.newEntry("schedule_run", schedule.ID, map[string]interface{}{
		"schedule_name": schedule.Name,
		"cron":          schedule.CronExpression,
		"timezone":      schedule.Timezone,
	})
	ol.logStructured(entry)

	startTime := time.Now()
	return func(err error, record *BackupRecord) {
		if record != nil {
			entry.Metadata["backup_id"] = record.ID
			entry.Metadata["status"] = string(record.Status)
		}
		ol.finish(entry, startTime, err)
	}
}

// LogStorageOperation logs one storage call
func (ol *OperationLogger) LogStorageOperation(operation string, provider StorageProviderType, key string) func(error, int) {
	entry := ol.newEntry("storage_"+operation, key, map[string]interface{}{
		"provider": string(provider),
	})

	startTime := time.Now()
	return func(err error, bytes int) {
		if bytes > 0 {
			entry.Metadata["bytes"] = bytes
		}
		ol.finish(entry, startTime, err)
	}
}

func (ol *OperationLogger) newEntry(operation, resourceID string, metadata map[string]interface{}) OperationEntry {
	return OperationEntry{
		Timestamp:     time.Now(),
		CorrelationID: ol.correlationID,
		Operation:     operation,
		ResourceID:    resourceID,
		Status:        "started",
		Success:       true,
		Metadata:      metadata,
	}
}

func (ol *OperationLogger) finish(entry OperationEntry, startTime time.Time, err error) {
	entry.Timestamp = time.Now()
	entry.Duration = time.Since(startTime).String()
	entry.Status = "completed"
	entry.Success = err == nil
	if err != nil {
		entry.Status = "failed"
		entry.Error = err.Error()
	}
	ol.logStructured(entry)
}

func (ol *OperationLogger) logStructured(entry OperationEntry) {
	fields := logrus.Fields{
		"correlation_id": entry.CorrelationID,
		"operation":      entry.Operation,
		"status":         entry.Status,
		"success":        entry.Success,
	}

	if entry.ResourceID != "" {
		fields["resource_id"] = entry.ResourceID
	}
	if entry.Duration != "" {
		fields["duration"] = entry.Duration
	}
	if entry.Error != "" {
		fields["error"] = entry.Error
	}
	for k, v := range entry.Metadata {
		fields[k] = v
	}

	logEntry := ol.logger.WithFields(fields)
	switch {
	case !entry.Success:
		logEntry.Error("Operation failed")
	case entry.Status == "started":
		logEntry.Debug("Operation started")
	default:
		logEntry.Info("Operation completed")
	}

	if ol.operationLog != nil {
		ol.operationLog.WithFields(fields).WithTime(entry.Timestamp).Info(entry.Operation)
	}
}
