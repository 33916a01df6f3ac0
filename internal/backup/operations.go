package backup

import (
	"context"
	"encoding/json"
	"fmt"
)

const statsPageLimit = 500

// GetBackup returns a backup with its table details and audit trail
func (e *Engine) GetBackup(ctx context.Context, id string) (*BackupDetails, error) {
	record, err := e.catalog.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}

	tables, err := e.catalog.ListTableDetails(ctx, id)
	if err != nil {
		return nil, err
	}

	audit, err := e.catalog.QueryAudit(ctx, AuditFilter{BackupID: id})
	if err != nil {
		return nil, err
	}

	return &BackupDetails{Backup: record, Tables: tables, Audit: audit}, nil
}

// ListBackups returns one page of backups
func (e *Engine) ListBackups(ctx context.Context, filter BackupFilter) (*BackupPage, error) {
	return e.catalog.ListBackups(ctx, filter)
}

// QueryAudit returns audit entries in append order
func (e *Engine) QueryAudit(ctx context.Context, filter AuditFilter) ([]*AuditLogEntry, error) {
	return e.catalog.QueryAudit(ctx, filter)
}

// DeleteBackup removes the artifact and sidecar of a COMPLETED backup and
// marks it EXPIRED. Catalog rows are never removed.
func (e *Engine) DeleteBackup(ctx context.Context, id, actor string) *OperationResult {
	record, err := e.catalog.GetBackup(ctx, id)
	if err != nil {
		return failedOperation(err)
	}

	if record.Status != BackupStatusCompleted {
		return failedOperation(NewInvalidStateError(fmt.Sprintf("backup %s is %s, only COMPLETED backups can be deleted", id, record.Status), nil))
	}

	if actor == "" {
		actor = currentUser()
	}
	if err := e.retention.Expire(ctx, record, AuditActionDelete, "deleted by operator", actor); err != nil {
		return failedOperation(err)
	}

	return &OperationResult{Success: true, Message: fmt.Sprintf("Backup %s deleted", id)}
}

// VerifyBackup re-reads a backup's artifact and compares its digest with the
// recorded checksum. The sidecar checksum must agree with the catalog too.
func (e *Engine) VerifyBackup(ctx context.Context, id string) *VerifyResult {
	result := &VerifyResult{BackupID: id, CheckedAt: e.clock.Now()}

	record, err := e.catalog.GetBackup(ctx, id)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.ExpectedChecksum = record.Checksum

	if record.Status != BackupStatusCompleted {
		result.Error = NewInvalidStateError(fmt.Sprintf("backup %s is %s and has no artifact", id, record.Status), nil).Error()
		return result
	}

	provider, storage, err := e.storages.Get(record.StorageProvider)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	artifact, err := e.readObject(ctx, provider, storage, record.StoragePath)
	if err != nil {
		result.Error = err.Error()
		e.recordVerification(ctx, record, result)
		return result
	}

	actual, ok := VerifyChecksum(artifact, record.Checksum)
	result.ActualChecksum = actual
	result.Valid = ok
	if !ok {
		result.Error = NewIntegrityError(fmt.Sprintf("checksum mismatch: expected %s, got %s", record.Checksum, actual), nil).Error()
	}

	if meta, err := e.readSidecar(ctx, provider, storage, record.StoragePath); err != nil {
		result.Valid = false
		result.Error = joinMessages(result.Error, fmt.Sprintf("sidecar unreadable: %v", err))
	} else if meta.Checksum != record.Checksum {
		result.Valid = false
		result.Error = joinMessages(result.Error, fmt.Sprintf("sidecar checksum %s does not match catalog checksum %s", meta.Checksum, record.Checksum))
	}

	e.recordVerification(ctx, record, result)
	return result
}

// VerifyArtifact checks an artifact against its sidecar alone. It serves
// environments where the catalog is missing or not trusted.
func (e *Engine) VerifyArtifact(ctx context.Context, provider StorageProviderType, key string) (*BackupMetadata, *VerifyResult, error) {
	provider, storage, err := e.storages.Get(provider)
	if err != nil {
		return nil, nil, err
	}

	meta, err := e.readSidecar(ctx, provider, storage, key)
	if err != nil {
		return nil, nil, err
	}

	result := &VerifyResult{BackupID: meta.ID, ExpectedChecksum: meta.Checksum, CheckedAt: e.clock.Now()}
	artifact, err := e.readObject(ctx, provider, storage, key)
	if err != nil {
		result.Error = err.Error()
		return meta, result, nil
	}

	result.ActualChecksum, result.Valid = VerifyChecksum(artifact, meta.Checksum)
	if !result.Valid {
		result.Error = fmt.Sprintf("checksum mismatch: expected %s, got %s", meta.Checksum, result.ActualChecksum)
	}
	e.metrics.RecordVerification(result.Valid)
	return meta, result, nil
}

// ReadSettings decodes a verified SETTINGS backup
func (e *Engine) ReadSettings(ctx context.Context, id string) (map[string]interface{}, error) {
	record, err := e.catalog.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Kind != BackupKindSettings {
		return nil, NewValidationError(fmt.Sprintf("backup %s is a %s backup, not SETTINGS", id, record.Kind), nil)
	}
	if record.Status != BackupStatusCompleted {
		return nil, NewInvalidStateError(fmt.Sprintf("backup %s is %s", id, record.Status), nil)
	}

	artifact, err := e.verifiedArtifact(ctx, record)
	if err != nil {
		return nil, err
	}

	raw, err := e.codec.Decode(artifact, record.CompressionType, record.Encrypted)
	if err != nil {
		return nil, err
	}

	var settings map[string]interface{}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, NewIntegrityError("settings payload is not valid JSON", err)
	}
	return settings, nil
}

// StorageStats summarizes the catalog and counts artifacts in every
// registered backend
func (e *Engine) StorageStats(ctx context.Context) (*StorageStats, error) {
	stats := &StorageStats{
		ByStatus: make(map[BackupStatus]int),
		ByKind:   make(map[BackupKind]int),
	}

	filter := BackupFilter{SortBy: SortByCreatedAt, Ascending: true, Limit: statsPageLimit}
	for {
		page, err := e.catalog.ListBackups(ctx, filter)
		if err != nil {
			return nil, err
		}

		for _, record := range page.Backups {
			stats.TotalBackups++
			stats.ByStatus[record.Status]++
			stats.ByKind[record.Kind]++

			if record.Status == BackupStatusCompleted {
				stats.TotalSize += record.Size
				stats.TotalCompressedSize += record.CompressedSize
			}

			createdAt := record.CreatedAt
			if stats.OldestBackup == nil || createdAt.Before(*stats.OldestBackup) {
				stats.OldestBackup = &createdAt
			}
			if stats.NewestBackup == nil || createdAt.After(*stats.NewestBackup) {
				stats.NewestBackup = &createdAt
			}
		}

		if len(page.Backups) < filter.Limit {
			break
		}
		filter.Offset += len(page.Backups)
	}

	for _, provider := range e.storages.Providers() {
		_, storage, err := e.storages.Get(provider)
		if err != nil {
			return nil, err
		}
		keys, err := storage.List(ctx, "")
		if err != nil {
			return nil, classify(err, func(err error) *BackupError {
				return NewStorageError(fmt.Sprintf("failed to list %s storage", provider), err)
			})
		}
		for _, key := range keys {
			if IsArtifactKey(key) {
				stats.ArtifactCount++
			}
		}
	}

	return stats, nil
}

func (e *Engine) readSidecar(ctx context.Context, provider StorageProviderType, storage Storage, artifactKey string) (*BackupMetadata, error) {
	data, err := e.readObject(ctx, provider, storage, SidecarKey(artifactKey))
	if err != nil {
		return nil, err
	}

	var meta BackupMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, NewIntegrityError(fmt.Sprintf("sidecar %s is not valid JSON", SidecarKey(artifactKey)), err)
	}
	if err := meta.Validate(); err != nil {
		return nil, NewIntegrityError(fmt.Sprintf("sidecar %s is incomplete", SidecarKey(artifactKey)), err)
	}
	return &meta, nil
}

func (e *Engine) recordVerification(ctx context.Context, record *BackupRecord, result *VerifyResult) {
	e.metrics.RecordVerification(result.Valid)

	outcome := "valid"
	if !result.Valid {
		outcome = "invalid"
	}

	e.appendAudit(ctx, &AuditLogEntry{
		BackupID:       record.ID,
		Action:         AuditActionVerify,
		PreviousStatus: string(record.Status),
		NewStatus:      string(record.Status),
		Actor:          currentUser(),
		Details: AuditDetails{
			Message:  outcome,
			Checksum: result.ActualChecksum,
			Error:    result.Error,
			Extra:    map[string]string{"expected_checksum": result.ExpectedChecksum},
		},
	})

	e.logger.WithFields(map[string]interface{}{
		"backup_id": record.ID,
		"valid":     result.Valid,
	}).Info("Backup verified")
}

func joinMessages(first, second string) string {
	if first == "" {
		return second
	}
	return first + "; " + second
}
