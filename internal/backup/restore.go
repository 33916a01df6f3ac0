package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Restore applies a COMPLETED backup to the target database. Requests that
// fail validation or name an unusable backup are rejected before any record
// is created. Once the operation exists every failure is recorded on it.
func (e *Engine) Restore(ctx context.Context, req RestoreRequest) *RestoreResult {
	if err := req.Validate(); err != nil {
		return rejectedRestore(NewValidationError("invalid restore request", err))
	}

	source, err := e.catalog.GetBackup(ctx, req.BackupID)
	if err != nil {
		return rejectedRestore(err)
	}
	if err := e.checkRestorable(ctx, source, &req); err != nil {
		return rejectedRestore(err)
	}

	lock, err := e.lockTarget(ctx, "restore")
	if err != nil {
		return rejectedRestore(err)
	}
	defer lock.unlock()

	initiatedBy := req.InitiatedBy
	if initiatedBy == "" {
		initiatedBy = currentUser()
	}

	now := e.clock.Now()
	op := &RestoreOperation{
		ID:                     GenerateIDWithPrefix("restore", now),
		BackupID:               source.ID,
		Scope:                  req.Scope,
		SelectedTables:         req.SelectedTables,
		RestoreDocuments:       req.RestoreDocuments,
		RestoreAuditLogs:       req.RestoreAuditLogs,
		OverwriteExisting:      req.OverwriteExisting,
		CreatePreRestoreBackup: req.CreatePreRestoreBackup,
		Status:                 RestoreStatusPending,
		StartedAt:              &now,
		InitiatedBy:            initiatedBy,
		CreatedAt:              now,
	}
	if err := e.catalog.CreateRestore(ctx, op); err != nil {
		return rejectedRestore(err)
	}

	e.appendAudit(ctx, &AuditLogEntry{
		BackupID:  source.ID,
		RestoreID: op.ID,
		Action:    AuditActionRestoreStart,
		NewStatus: string(RestoreStatusPending),
		Actor:     initiatedBy,
		Details: AuditDetails{
			Tables: op.SelectedTables,
			Extra: map[string]string{
				"scope":              string(op.Scope),
				"overwrite_existing": fmt.Sprint(op.OverwriteExisting),
				"pre_restore_backup": fmt.Sprint(op.CreatePreRestoreBackup),
			},
		},
	})

	finish := e.oplog.ForRun(ctx).LogRestoreStart(op)
	done := e.metrics.TrackInFlight("restore")
	defer done()

	runCtx, stop := e.runs.start(ctx, op.ID)
	defer stop()
	lock.attach(ctx, op.ID)

	if err := e.executeRestore(runCtx, op, source); err != nil {
		e.failRestore(ctx, runCtx, op, err)
		finish(err, op)
		e.metrics.RecordRestoreOperation(op.Status, op.Duration)
		return &RestoreResult{
			Success:   false,
			Message:   fmt.Sprintf("Restore %s %s: %v", op.ID, op.Status, err),
			Operation: op,
			Error:     err,
		}
	}

	e.appendAudit(ctx, &AuditLogEntry{
		BackupID:       source.ID,
		RestoreID:      op.ID,
		Action:         AuditActionRestoreComplete,
		PreviousStatus: string(RestoreStatusInProgress),
		NewStatus:      string(RestoreStatusCompleted),
		Actor:          initiatedBy,
		Details: AuditDetails{
			Tables:   op.TablesRestored,
			Duration: op.Duration,
			Extra:    preRestoreExtra(op),
		},
	})

	e.markRolledBack(ctx, op)

	finish(nil, op)
	e.metrics.RecordRestoreOperation(op.Status, op.Duration)

	return &RestoreResult{
		Success:   true,
		Message:   fmt.Sprintf("Restore %s completed (%d tables restored)", op.ID, len(op.TablesRestored)),
		Operation: op,
	}
}

// RestoreArtifact restores an artifact named by its storage key, trusting
// its sidecar over the catalog. An artifact the catalog has never seen is
// imported as a COMPLETED backup first, which is how a fresh environment
// restores from a bucket. req.BackupID is taken from the sidecar.
func (e *Engine) RestoreArtifact(ctx context.Context, provider StorageProviderType, key string, req RestoreRequest) *RestoreResult {
	record, err := e.ImportArtifact(ctx, provider, key, req.InitiatedBy)
	if err != nil {
		return rejectedRestore(err)
	}

	req.BackupID = record.ID
	return e.Restore(ctx, req)
}

// ImportArtifact returns the catalog record for the artifact at key,
// creating it from the sidecar when the catalog lacks it. A catalog record
// whose checksum disagrees with the sidecar is refused.
func (e *Engine) ImportArtifact(ctx context.Context, provider StorageProviderType, key, actor string) (*BackupRecord, error) {
	provider, storage, err := e.storages.Get(provider)
	if err != nil {
		return nil, err
	}

	meta, err := e.readSidecar(ctx, provider, storage, key)
	if err != nil {
		return nil, err
	}

	existing, err := e.catalog.GetBackup(ctx, meta.ID)
	switch {
	case err == nil:
		if existing.Checksum != meta.Checksum {
			return nil, NewIntegrityError(fmt.Sprintf("backup %s is catalogued with checksum %s but its sidecar says %s",
				meta.ID, existing.Checksum, meta.Checksum), nil).
				WithContext("backup_id", meta.ID)
		}
		return existing, nil
	case !IsErrorType(err, BackupErrorTypeNotFound):
		return nil, err
	}

	if actor == "" {
		actor = currentUser()
	}
	record := recordFromMetadata(meta, provider, key, actor)
	if err := e.catalog.CreateBackup(ctx, record); err != nil {
		return nil, err
	}

	if len(meta.Tables) > 0 {
		details := make([]*BackupTableDetail, 0, len(meta.Tables))
		for _, table := range normalizeTables(meta.Tables) {
			details = append(details, &BackupTableDetail{
				BackupID:  record.ID,
				TableName: table,
				Status:    BackupStatusCompleted,
				RowCount:  meta.RecordCounts[table],
				CreatedAt: e.clock.Now(),
			})
		}
		if err := e.catalog.AddTableDetails(ctx, details); err != nil {
			return nil, err
		}
	}

	e.appendAudit(ctx, &AuditLogEntry{
		BackupID:  record.ID,
		Action:    AuditActionImport,
		NewStatus: string(BackupStatusCompleted),
		Actor:     actor,
		Details: AuditDetails{
			Kind:   record.Kind,
			Tables: meta.Tables,
			Extra: map[string]string{
				"storage_provider": string(provider),
				"storage_path":     key,
				"app_version":      meta.AppVersion,
			},
		},
	})

	e.logger.WithFields(map[string]interface{}{
		"backup_id": record.ID,
		"provider":  provider,
		"key":       key,
	}).Info("Imported backup from sidecar")

	return record, nil
}

func recordFromMetadata(meta *BackupMetadata, provider StorageProviderType, key, actor string) *BackupRecord {
	createdAt := meta.CreatedAt.UTC()
	kind := meta.Kind
	if !kind.IsValid() {
		kind = BackupKindFull
	}
	compression := meta.CompressionType
	if compression == "" {
		compression = CompressionTypeGzip
	}

	record := &BackupRecord{
		ID:                meta.ID,
		Name:              meta.Name,
		Kind:              kind,
		Status:            BackupStatusCompleted,
		StorageProvider:   provider,
		StoragePath:       key,
		IncludesDocuments: meta.IncludesDocuments,
		IncludesAuditLogs: meta.IncludesAuditLogs,
		Encrypted:         meta.Encrypted,
		CompressionType:   compression,
		Size:              meta.Size,
		CompressedSize:    meta.CompressedSize,
		Checksum:          meta.Checksum,
		StartedAt:         &createdAt,
		CompletedAt:       &createdAt,
		CreatedBy:         actor,
		CreatedAt:         createdAt,
	}
	if record.Name == "" {
		record.Name = "Imported " + meta.ID
	}
	if kind == BackupKindSelective {
		record.IncludedTables = normalizeTables(meta.Tables)
	}
	return record
}

// CancelRestore cancels a running restore
func (e *Engine) CancelRestore(ctx context.Context, id string) *OperationResult {
	if e.runs.cancel(id, ErrOperationCancelled) {
		return &OperationResult{Success: true, Message: fmt.Sprintf("Cancellation requested for restore %s", id)}
	}

	op, err := e.catalog.GetRestore(ctx, id)
	if err != nil {
		return failedOperation(err)
	}
	if !op.Status.IsTerminal() {
		requested, err := e.catalog.RequestCancel(ctx, id, e.staleBefore())
		if err != nil {
			return failedOperation(err)
		}
		if requested {
			return &OperationResult{Success: true, Message: fmt.Sprintf("Cancellation requested for restore %s running in another process", id)}
		}
	}
	return failedOperation(NewInvalidStateError(fmt.Sprintf("restore %s is %s and not running in this process", id, op.Status), nil))
}

// GetRestore returns one restore operation
func (e *Engine) GetRestore(ctx context.Context, id string) (*RestoreOperation, error) {
	return e.catalog.GetRestore(ctx, id)
}

// ListRestores lists restore operations, newest first
func (e *Engine) ListRestores(ctx context.Context, filter RestoreFilter) ([]*RestoreOperation, error) {
	return e.catalog.ListRestores(ctx, filter)
}

// checkRestorable rejects restores that could never succeed
func (e *Engine) checkRestorable(ctx context.Context, source *BackupRecord, req *RestoreRequest) error {
	if source.Status != BackupStatusCompleted {
		return NewInvalidStateError(fmt.Sprintf("backup %s is %s, only COMPLETED backups can be restored", source.ID, source.Status), nil).
			WithContext("backup_id", source.ID)
	}

	if source.Kind == BackupKindSettings {
		if req.Scope == RestoreScopeSelective {
			return NewValidationError("settings backups cannot be restored selectively", nil)
		}
		if e.settings == nil {
			return NewConfigurationError("no settings applier is configured for settings restores", nil)
		}
		return nil
	}

	if req.Scope == RestoreScopeSelective {
		details, err := e.catalog.ListTableDetails(ctx, source.ID)
		if err != nil {
			return err
		}
		captured := make(map[string]bool, len(details))
		for _, detail := range details {
			captured[detail.TableName] = true
		}

		var errs ValidationErrors
		for _, table := range req.SelectedTables {
			if !captured[table] {
				errs.Add("selected_tables", fmt.Sprintf("table %s is not in backup %s", table, source.ID), table)
			}
		}
		if errs.HasErrors() {
			return NewValidationError("invalid table selection", errs)
		}
	}

	if req.RestoreDocuments && source.IncludesDocuments && e.config.Documents.Dir == "" {
		return NewConfigurationError("documents requested but no documents directory is configured", nil)
	}

	return nil
}

// executeRestore runs the safety backup, integrity check, decode and load
func (e *Engine) executeRestore(ctx context.Context, op *RestoreOperation, source *BackupRecord) error {
	if op.CreatePreRestoreBackup {
		result := e.runBackup(ctx, BackupRequest{
			Kind:             BackupKindFull,
			Name:             fmt.Sprintf("Pre-restore backup for %s", source.ID),
			IncludeDocuments: source.IncludesDocuments && op.RestoreDocuments,
			IncludeAuditLogs: true,
			Encrypt:          source.Encrypted && e.codec.CanEncrypt(),
			StorageProvider:  source.StorageProvider,
			CreatedBy:        op.InitiatedBy,
		}, nil)
		if !result.Success {
			return fmt.Errorf("pre-restore backup failed: %w", result.Error)
		}
		op.PreRestoreBackupID = result.Backup.ID
	}

	if err := e.transitionRestore(ctx, op, RestoreStatusPending, RestoreStatusValidating); err != nil {
		return err
	}
	e.appendAudit(ctx, &AuditLogEntry{
		BackupID:       source.ID,
		RestoreID:      op.ID,
		Action:         AuditActionRestoreValidate,
		PreviousStatus: string(RestoreStatusPending),
		NewStatus:      string(RestoreStatusValidating),
		Actor:          op.InitiatedBy,
		Details:        AuditDetails{Checksum: source.Checksum, Extra: preRestoreExtra(op)},
	})

	artifact, err := e.verifiedArtifact(ctx, source)
	if err != nil {
		return err
	}

	if err := e.transitionRestore(ctx, op, RestoreStatusValidating, RestoreStatusInProgress); err != nil {
		return err
	}

	raw, err := e.codec.Decode(artifact, source.CompressionType, source.Encrypted)
	if err != nil {
		return err
	}

	if source.Kind == BackupKindSettings {
		var settings map[string]interface{}
		if err := json.Unmarshal(raw, &settings); err != nil {
			return NewIntegrityError("settings payload is not valid JSON", err)
		}
		if err := e.settings.ApplySettings(ctx, settings); err != nil {
			return classify(err, func(err error) *BackupError { return NewExternalToolError("failed to apply settings", err) })
		}
	} else {
		tables, err := e.loadBundle(ctx, op, source, raw)
		if err != nil {
			return err
		}
		op.TablesRestored = tables
	}

	if err := ctx.Err(); err != nil {
		return NewCancelledError("restore cancelled before completion", contextCause(ctx))
	}

	completedAt := e.clock.Now()
	op.CompletedAt = &completedAt
	op.Duration = completedAt.Sub(*op.StartedAt)
	return e.transitionRestore(ctx, op, RestoreStatusInProgress, RestoreStatusCompleted)
}

// loadBundle applies the dump and, when asked for, the documents. It
// returns the tables that were loaded.
func (e *Engine) loadBundle(ctx context.Context, op *RestoreOperation, source *BackupRecord, raw []byte) ([]string, error) {
	bundle, err := UnmarshalBundle(raw)
	if err != nil {
		return nil, NewIntegrityError("backup payload is not a valid bundle", err)
	}

	tables, filtered := e.restoreTables(op, bundle.Tables)
	opts := LoadOptions{DropExisting: op.OverwriteExisting}
	if filtered {
		opts.Tables = tables
	}

	if len(tables) > 0 || len(bundle.Tables) == 0 {
		if err := e.loader.Load(ctx, bundle.Dump, opts); err != nil {
			switch {
			case errors.Is(err, ErrLoadConflict):
				return nil, NewRestoreConflictError("restore conflicts with existing objects; retry with overwrite to replace them", err)
			case ctx.Err() != nil && !IsErrorType(err, BackupErrorTypeTimeout):
				return nil, NewCancelledError("restore cancelled during load", contextCause(ctx))
			default:
				return nil, classify(err, func(err error) *BackupError { return NewExternalToolError("load failed", err) })
			}
		}
	}

	if op.RestoreDocuments && source.IncludesDocuments && len(bundle.Documents) > 0 {
		restored, err := RestoreDocuments(e.config.Documents.Dir, bundle.Documents)
		if err != nil {
			return nil, err
		}
		e.logger.WithFields(map[string]interface{}{
			"restore_id": op.ID,
			"documents":  restored,
		}).Info("Documents restored")
	}

	return tables, nil
}

// restoreTables narrows the bundle's tables to the selection and drops
// audit tables unless they were asked for. filtered reports whether the
// load must be limited to the returned tables.
func (e *Engine) restoreTables(op *RestoreOperation, bundleTables []string) ([]string, bool) {
	tables := bundleTables
	filtered := false

	if op.Scope == RestoreScopeSelective {
		tables = intersectTables(tables, op.SelectedTables)
		filtered = true
	}

	if !op.RestoreAuditLogs {
		audit := make(map[string]bool)
		for _, table := range e.config.Tools.AuditTables {
			audit[table] = true
		}
		var kept []string
		for _, table := range tables {
			if audit[table] {
				filtered = true
				continue
			}
			kept = append(kept, table)
		}
		tables = kept
	}

	return tables, filtered
}

// verifiedArtifact reads an artifact and checks it against the catalog
// checksum and, when present, the sidecar checksum
func (e *Engine) verifiedArtifact(ctx context.Context, source *BackupRecord) ([]byte, error) {
	provider, storage, err := e.storages.Get(source.StorageProvider)
	if err != nil {
		return nil, err
	}

	artifact, err := e.readObject(ctx, provider, storage, source.StoragePath)
	if err != nil {
		return nil, err
	}

	expected := source.Checksum
	if meta, err := e.readSidecar(ctx, provider, storage, source.StoragePath); err == nil {
		if meta.Checksum != expected {
			e.metrics.RecordVerification(false)
			return nil, NewIntegrityError(fmt.Sprintf("sidecar checksum %s does not match catalog checksum %s", meta.Checksum, expected), nil).
				WithContext("backup_id", source.ID)
		}
	} else if !IsErrorType(err, BackupErrorTypeNotFound) {
		e.logger.WithFields(map[string]interface{}{
			"backup_id": source.ID,
			"error":     err.Error(),
		}).Warn("Could not read backup sidecar")
	}

	actual, ok := VerifyChecksum(artifact, expected)
	e.metrics.RecordVerification(ok)
	if !ok {
		return nil, NewIntegrityError(fmt.Sprintf("checksum mismatch: expected %s, got %s", expected, actual), nil).
			WithContext("backup_id", source.ID).
			WithContext("expected", expected).
			WithContext("actual", actual)
	}

	return artifact, nil
}

func (e *Engine) transitionRestore(ctx context.Context, op *RestoreOperation, from, to RestoreStatus) error {
	next := *op
	next.Status = to
	if err := e.catalog.UpdateRestore(ctx, &next, from); err != nil {
		return err
	}
	*op = next
	return nil
}

// failRestore closes the operation as FAILED or CANCELLED
func (e *Engine) failRestore(ctx, runCtx context.Context, op *RestoreOperation, cause error) {
	status := RestoreStatusFailed
	action := AuditActionRestoreFail
	if IsErrorType(cause, BackupErrorTypeCancelled) || errors.Is(context.Cause(runCtx), ErrOperationCancelled) {
		status = RestoreStatusCancelled
		action = AuditActionRestoreCancel
	}

	previous := op.Status
	now := e.clock.Now()
	failed := *op
	failed.Status = status
	failed.ErrorMessage = cause.Error()
	failed.CompletedAt = &now
	failed.Duration = now.Sub(*op.StartedAt)

	persistCtx := context.WithoutCancel(ctx)
	if err := e.catalog.UpdateRestore(persistCtx, &failed, previous); err != nil {
		e.logger.WithFields(map[string]interface{}{
			"restore_id": op.ID,
			"error":      err.Error(),
		}).Error("Failed to record restore failure")
	}
	*op = failed

	extra := preRestoreExtra(op)
	if extra == nil {
		extra = map[string]string{}
	}
	extra["error_type"] = string(ErrorType(cause))

	e.appendAudit(persistCtx, &AuditLogEntry{
		BackupID:       op.BackupID,
		RestoreID:      op.ID,
		Action:         action,
		PreviousStatus: string(previous),
		NewStatus:      string(status),
		Actor:          op.InitiatedBy,
		Details: AuditDetails{
			Error:    cause.Error(),
			Duration: op.Duration,
			Extra:    extra,
		},
	})
}

// markRolledBack marks earlier restores as ROLLED_BACK when op restored the
// safety backup they took
func (e *Engine) markRolledBack(ctx context.Context, op *RestoreOperation) {
	previous, err := e.catalog.ListRestores(ctx, RestoreFilter{
		PreRestoreBackupID: op.BackupID,
		Status:             RestoreStatusCompleted,
	})
	if err != nil {
		e.logger.WithField("error", err.Error()).Warn("Could not look up restores to mark rolled back")
		return
	}

	for _, earlier := range previous {
		if err := e.transitionRestore(ctx, earlier, RestoreStatusCompleted, RestoreStatusRolledBack); err != nil {
			e.logger.WithFields(map[string]interface{}{
				"restore_id": earlier.ID,
				"error":      err.Error(),
			}).Warn("Could not mark restore rolled back")
			continue
		}

		e.appendAudit(ctx, &AuditLogEntry{
			BackupID:       earlier.BackupID,
			RestoreID:      earlier.ID,
			Action:         AuditActionRestoreRolledBack,
			PreviousStatus: string(RestoreStatusCompleted),
			NewStatus:      string(RestoreStatusRolledBack),
			Actor:          op.InitiatedBy,
			Details: AuditDetails{
				Reason: fmt.Sprintf("rolled back by restore %s", op.ID),
				Extra:  map[string]string{"rollback_restore_id": op.ID},
			},
		})
	}
}

func preRestoreExtra(op *RestoreOperation) map[string]string {
	if op.PreRestoreBackupID == "" {
		return nil
	}
	return map[string]string{"pre_restore_backup_id": op.PreRestoreBackupID}
}

func rejectedRestore(err error) *RestoreResult {
	return &RestoreResult{Success: false, Message: err.Error(), Error: err}
}
