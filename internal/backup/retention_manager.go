package backup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"db-backup-engine/internal/logging"
)

const (
	retentionActor         = "retention"
	reasonMaxBackups       = "max_backups"
	reasonRetentionDays    = "retention_days"
	retentionListPageLimit = 500
)

// RetentionPolicy selects which COMPLETED backups a sweep evicts. A backup
// is evicted when it is beyond MaxBackups counting newest first, or when it
// is older than RetentionDays. Zero disables the corresponding rule.
type RetentionPolicy struct {
	MaxBackups    int    `json:"max_backups" yaml:"max_backups"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`
	ScheduleID    string `json:"schedule_id,omitempty" yaml:"schedule_id,omitempty"`
	DryRun        bool   `json:"dry_run" yaml:"dry_run"`
}

// Validate checks the policy bounds
func (p RetentionPolicy) Validate() error {
	var errors ValidationErrors

	if p.MaxBackups < 0 {
		errors.Add("max_backups", "max backups cannot be negative", p.MaxBackups)
	}
	if p.RetentionDays < 0 {
		errors.Add("retention_days", "retention days cannot be negative", p.RetentionDays)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// IsEmpty reports whether the policy evicts nothing
func (p RetentionPolicy) IsEmpty() bool {
	return p.MaxBackups == 0 && p.RetentionDays == 0
}

// RetentionCandidate is a backup selected for eviction and why
type RetentionCandidate struct {
	Backup *BackupRecord `json:"backup" yaml:"backup"`
	Reason string        `json:"reason" yaml:"reason"`
}

// RetentionResult represents the result of one retention sweep
type RetentionResult struct {
	Evaluated  int                   `json:"evaluated" yaml:"evaluated"`
	Kept       int                   `json:"kept" yaml:"kept"`
	Candidates []*RetentionCandidate `json:"candidates" yaml:"candidates"`
	Expired    []string              `json:"expired" yaml:"expired"`
	Errors     []string              `json:"errors,omitempty" yaml:"errors,omitempty"`
	DryRun     bool                  `json:"dry_run" yaml:"dry_run"`
	Duration   time.Duration         `json:"duration" yaml:"duration"`
}

// RetentionManager evicts COMPLETED backups by count and age. Evictions are
// best effort: a failure is recorded and the sweep moves on.
type RetentionManager struct {
	catalog  Catalog
	storages *StorageRegistry
	clock    Clock
	logger   *logging.Logger
	oplog    *OperationLogger
	metrics  *MetricsCollector
}

// NewRetentionManager creates a retention manager that logs through oplog.
// A nil oplog gets a default one on the standard logger.
func NewRetentionManager(catalog Catalog, storages *StorageRegistry, oplog *OperationLogger) (*RetentionManager, error) {
	if oplog == nil {
		var err error
		if oplog, err = NewOperationLogger(OperationLoggerConfig{}); err != nil {
			return nil, err
		}
	}

	return &RetentionManager{
		catalog:  catalog,
		storages: storages,
		clock:    systemClock{},
		logger:   oplog.logger,
		oplog:    oplog,
	}, nil
}

// Candidates returns the backups a sweep with policy would evict, without
// touching anything
func (rm *RetentionManager) Candidates(ctx context.Context, policy RetentionPolicy) ([]*RetentionCandidate, error) {
	backups, err := rm.completedBackups(ctx, policy.ScheduleID)
	if err != nil {
		return nil, err
	}
	candidates, _ := selectRetentionCandidates(backups, policy, rm.clock.Now())
	return candidates, nil
}

// Sweep applies policy to every COMPLETED backup, or only to the backups of
// policy.ScheduleID when set. The returned error covers listing only;
// per-backup failures land in RetentionResult.Errors.
func (rm *RetentionManager) Sweep(ctx context.Context, policy RetentionPolicy) (*RetentionResult, error) {
	if err := policy.Validate(); err != nil {
		return nil, NewValidationError("invalid retention policy", err)
	}

	startTime := time.Now()
	finish := rm.oplog.ForRun(ctx).LogRetentionSweep(policy)

	result := &RetentionResult{DryRun: policy.DryRun}
	if policy.IsEmpty() {
		result.Duration = time.Since(startTime)
		finish(nil, result)
		return result, nil
	}

	backups, err := rm.completedBackups(ctx, policy.ScheduleID)
	if err != nil {
		finish(err, nil)
		return nil, err
	}

	candidates, kept := selectRetentionCandidates(backups, policy, rm.clock.Now())
	result.Evaluated = len(backups)
	result.Kept = len(kept)
	result.Candidates = candidates

	if !policy.DryRun {
		for _, candidate := range candidates {
			if ctx.Err() != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("sweep interrupted before %s: %v", candidate.Backup.ID, contextCause(ctx)))
				break
			}

			err := rm.Expire(ctx, candidate.Backup, AuditActionExpire, candidate.Reason, retentionActor)
			if err != nil {
				msg := fmt.Sprintf("failed to expire backup %s: %v", candidate.Backup.ID, err)
				result.Errors = append(result.Errors, msg)
				rm.logger.WithFields(map[string]interface{}{
					"backup_id": candidate.Backup.ID,
					"reason":    candidate.Reason,
					"error":     err.Error(),
				}).Warn("Retention eviction failed")
				continue
			}
			result.Expired = append(result.Expired, candidate.Backup.ID)
		}
		rm.metrics.RecordRetentionSweep(len(result.Expired), len(result.Errors))
	}

	result.Duration = time.Since(startTime)

	if policy.ScheduleID != "" && !policy.DryRun {
		rm.appendSweepAudit(ctx, policy, result)
	}

	rm.logger.WithFields(map[string]interface{}{
		"evaluated":   result.Evaluated,
		"candidates":  len(result.Candidates),
		"expired":     len(result.Expired),
		"errors":      len(result.Errors),
		"dry_run":     policy.DryRun,
		"schedule_id": policy.ScheduleID,
	}).Info("Retention sweep finished")

	finish(nil, result)
	return result, nil
}

// Expire removes the artifact and sidecar of a COMPLETED backup and marks
// it EXPIRED. The catalog row is kept; the cleared storage path and
// checksum are preserved in the audit entry. If the artifact cannot be
// deleted the backup stays COMPLETED.
func (rm *RetentionManager) Expire(ctx context.Context, record *BackupRecord, action AuditAction, reason, actor string) error {
	if record.Status != BackupStatusCompleted {
		return NewInvalidStateError(fmt.Sprintf("backup %s is %s, only COMPLETED backups can expire", record.ID, record.Status), nil).
			WithContext("backup_id", record.ID)
	}

	provider, storage, err := rm.storages.Get(record.StorageProvider)
	if err != nil {
		return err
	}

	for _, key := range []string{record.StoragePath, SidecarKey(record.StoragePath)} {
		done := rm.oplog.LogStorageOperation("delete", provider, key)
		err := storage.Delete(ctx, key)
		done(err, 0)
		if err != nil {
			return NewStorageError(fmt.Sprintf("failed to delete %s", key), err).WithContext("backup_id", record.ID)
		}
	}

	expired := *record
	expired.Status = BackupStatusExpired
	expired.StoragePath = ""
	expired.Checksum = ""
	if err := rm.catalog.UpdateBackup(ctx, &expired, BackupStatusCompleted); err != nil {
		return err
	}

	entry := &AuditLogEntry{
		BackupID:       record.ID,
		ScheduleID:     record.ScheduleID,
		Action:         action,
		PreviousStatus: string(BackupStatusCompleted),
		NewStatus:      string(BackupStatusExpired),
		Actor:          actor,
		Details: AuditDetails{
			Reason: reason,
			Kind:   record.Kind,
			Extra: map[string]string{
				"storage_path":     record.StoragePath,
				"checksum":         record.Checksum,
				"storage_provider": string(provider),
			},
		},
	}
	if err := rm.catalog.AppendAudit(ctx, entry); err != nil {
		rm.logger.WithFields(map[string]interface{}{
			"backup_id": record.ID,
			"error":     err.Error(),
		}).Error("Failed to append expiry audit entry")
	}

	rm.logBackupCleanup(record, reason)
	*record = expired
	return nil
}

// Run sweeps with policy every interval until ctx is done
func (rm *RetentionManager) Run(ctx context.Context, interval time.Duration, policy RetentionPolicy) error {
	if interval <= 0 {
		return NewConfigurationError("sweep interval must be positive", nil)
	}

	rm.logger.Info(fmt.Sprintf("Scheduling retention sweep every %v", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rm.logger.Info("Retention sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			result, err := rm.Sweep(ctx, policy)
			if err != nil {
				rm.logger.Error(fmt.Sprintf("Scheduled retention sweep failed: %v", err))
				continue
			}
			rm.logger.Debug(fmt.Sprintf("Scheduled retention sweep expired %d backups", len(result.Expired)))
		}
	}
}

func (rm *RetentionManager) completedBackups(ctx context.Context, scheduleID string) ([]*BackupRecord, error) {
	var backups []*BackupRecord
	filter := BackupFilter{
		Statuses:   []BackupStatus{BackupStatusCompleted},
		ScheduleID: scheduleID,
		Limit:      retentionListPageLimit,
	}

	for {
		page, err := rm.catalog.ListBackups(ctx, filter)
		if err != nil {
			return nil, err
		}
		backups = append(backups, page.Backups...)
		if len(page.Backups) < filter.Limit {
			return backups, nil
		}
		filter.Offset += len(page.Backups)
	}
}

func (rm *RetentionManager) appendSweepAudit(ctx context.Context, policy RetentionPolicy, result *RetentionResult) {
	entry := &AuditLogEntry{
		ScheduleID: policy.ScheduleID,
		Action:     AuditActionRetentionSweep,
		Actor:      retentionActor,
		Details: AuditDetails{
			Message:  fmt.Sprintf("expired %d of %d backups", len(result.Expired), result.Evaluated),
			Duration: result.Duration,
			Extra: map[string]string{
				"max_backups":    fmt.Sprint(policy.MaxBackups),
				"retention_days": fmt.Sprint(policy.RetentionDays),
				"expired":        strings.Join(result.Expired, ","),
			},
		},
	}
	if len(result.Errors) > 0 {
		entry.Details.Error = strings.Join(result.Errors, "; ")
	}

	if err := rm.catalog.AppendAudit(ctx, entry); err != nil {
		rm.logger.WithFields(map[string]interface{}{
			"schedule_id": policy.ScheduleID,
			"error":       err.Error(),
		}).Error("Failed to append retention sweep audit entry")
	}
}

func (rm *RetentionManager) logBackupCleanup(record *BackupRecord, reason string) {
	rm.logger.WithFields(map[string]interface{}{
		"backup_id":       record.ID,
		"kind":            string(record.Kind),
		"created_at":      record.CreatedAt.Format(time.RFC3339),
		"compressed_size": record.CompressedSize,
		"age_days":        int(rm.clock.Now().Sub(record.CreatedAt).Hours() / 24),
		"cleanup_reason":  reason,
	}).Info("Backup expired")
}

// selectRetentionCandidates orders backups newest first and splits them into
// eviction candidates and kept backups
func selectRetentionCandidates(backups []*BackupRecord, policy RetentionPolicy, now time.Time) ([]*RetentionCandidate, []*BackupRecord) {
	sorted := make([]*BackupRecord, len(backups))
	copy(sorted, backups)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID > sorted[j].ID
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	var cutoff time.Time
	if policy.RetentionDays > 0 {
		cutoff = now.Add(-time.Duration(policy.RetentionDays) * 24 * time.Hour)
	}

	var (
		candidates []*RetentionCandidate
		kept       []*BackupRecord
	)
	for i, backup := range sorted {
		var reasons []string
		if policy.MaxBackups > 0 && i >= policy.MaxBackups {
			reasons = append(reasons, reasonMaxBackups)
		}
		if !cutoff.IsZero() && backup.CreatedAt.Before(cutoff) {
			reasons = append(reasons, reasonRetentionDays)
		}

		if len(reasons) == 0 {
			kept = append(kept, backup)
			continue
		}
		candidates = append(candidates, &RetentionCandidate{Backup: backup, Reason: strings.Join(reasons, ",")})
	}

	return candidates, kept
}
