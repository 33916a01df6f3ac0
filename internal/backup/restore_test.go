package backup

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noAuditTables(c *EngineConfig) {
	c.Tools.AuditTables = nil
}

func TestRestore_CorruptedArtifactIsNeverLoaded(t *testing.T) {
	te := newTestEngine(t, noAuditTables)
	ctx := context.Background()

	result := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	require.True(t, result.Success, result.Message)
	assert.Equal(t, BackupStatusCompleted, result.Backup.Status)
	assert.NotEmpty(t, result.Backup.Checksum)

	details, err := te.catalog.ListTableDetails(ctx, result.Backup.ID)
	require.NoError(t, err)
	assert.Len(t, details, 3)

	artifact, err := te.storage.Read(ctx, result.Backup.StoragePath)
	require.NoError(t, err)
	artifact[len(artifact)/2] ^= 0xFF
	require.NoError(t, te.storage.Write(ctx, result.Backup.StoragePath, artifact))

	verify := te.VerifyBackup(ctx, result.Backup.ID)
	assert.False(t, verify.Valid)
	assert.Equal(t, result.Backup.Checksum, verify.ExpectedChecksum)
	assert.NotEqual(t, verify.ExpectedChecksum, verify.ActualChecksum)

	restore := te.Restore(ctx, RestoreRequest{BackupID: result.Backup.ID, OverwriteExisting: true})
	require.False(t, restore.Success)
	assert.True(t, IsErrorType(restore.Error, BackupErrorTypeIntegrity), "got %v", restore.Error)
	require.NotNil(t, restore.Operation)
	assert.Equal(t, RestoreStatusFailed, restore.Operation.Status)
	assert.Zero(t, te.db.loadCount())

	stored, err := te.catalog.GetRestore(ctx, restore.Operation.ID)
	require.NoError(t, err)
	assert.Equal(t, RestoreStatusFailed, stored.Status)
	assert.NotEmpty(t, stored.ErrorMessage)
}

func TestRestore_FullOverwrite(t *testing.T) {
	te := newTestEngine(t, noAuditTables)
	ctx := context.Background()

	result := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull, Encrypt: true})
	require.True(t, result.Success, result.Message)

	te.db.setTable("customers", "mallory")

	verify := te.VerifyBackup(ctx, result.Backup.ID)
	require.True(t, verify.Valid, verify.Error)

	restore := te.Restore(ctx, RestoreRequest{BackupID: result.Backup.ID, OverwriteExisting: true, InitiatedBy: "ops"})
	require.True(t, restore.Success, restore.Message)

	op := restore.Operation
	assert.Equal(t, RestoreStatusCompleted, op.Status)
	assert.Equal(t, RestoreScopeFull, op.Scope)
	assert.Equal(t, []string{"audit_log", "customers", "invoices"}, op.TablesRestored)
	assert.NotNil(t, op.CompletedAt)

	rows, _ := te.db.table("customers")
	assert.Equal(t, "alice,bob,carol", rows)

	assert.Equal(t, []AuditAction{AuditActionRestoreStart, AuditActionRestoreValidate, AuditActionRestoreComplete},
		auditActions(t, te.catalog, AuditFilter{RestoreID: op.ID}))

	ops, err := te.ListRestores(ctx, RestoreFilter{BackupID: result.Backup.ID})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)
}

func TestRestore_ConflictWithoutOverwrite(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	result := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	require.True(t, result.Success, result.Message)

	restore := te.Restore(ctx, RestoreRequest{BackupID: result.Backup.ID})
	require.False(t, restore.Success)
	assert.True(t, IsErrorType(restore.Error, BackupErrorTypeRestoreConflict), "got %v", restore.Error)
	assert.True(t, errors.Is(restore.Error, ErrLoadConflict))
	assert.Equal(t, RestoreStatusFailed, restore.Operation.Status)

	entries, err := te.catalog.QueryAudit(ctx, AuditFilter{RestoreID: restore.Operation.ID, Action: AuditActionRestoreFail})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(BackupErrorTypeRestoreConflict), entries[0].Details.Extra["error_type"])
}

func TestRestore_SafetyGate(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	result := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	require.True(t, result.Success, result.Message)

	te.db.dumpErr = errors.New("mysqldump: lost connection")
	te.db.setTable("customers", "changed")

	restore := te.Restore(ctx, RestoreRequest{
		BackupID:               result.Backup.ID,
		OverwriteExisting:      true,
		CreatePreRestoreBackup: true,
	})
	require.False(t, restore.Success)
	assert.Equal(t, RestoreStatusFailed, restore.Operation.Status)
	assert.Empty(t, restore.Operation.PreRestoreBackupID)
	assert.Zero(t, te.db.loadCount(), "the load tool must not run when the safety backup fails")

	rows, _ := te.db.table("customers")
	assert.Equal(t, "changed", rows)

	failed, err := te.ListBackups(ctx, BackupFilter{Statuses: []BackupStatus{BackupStatusFailed}})
	require.NoError(t, err)
	assert.Equal(t, 1, failed.Total)
}

func TestRestore_PreRestoreBackupAndRollback(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	original := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	require.True(t, original.Success, original.Message)

	te.db.setTable("customers", "dave")

	first := te.Restore(ctx, RestoreRequest{
		BackupID:               original.Backup.ID,
		OverwriteExisting:      true,
		CreatePreRestoreBackup: true,
	})
	require.True(t, first.Success, first.Message)
	require.NotEmpty(t, first.Operation.PreRestoreBackupID)

	safety, err := te.catalog.GetBackup(ctx, first.Operation.PreRestoreBackupID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusCompleted, safety.Status)
	assert.True(t, safety.IncludesAuditLogs)

	rows, _ := te.db.table("customers")
	assert.Equal(t, "alice,bob,carol", rows)

	undo := te.Restore(ctx, RestoreRequest{BackupID: safety.ID, OverwriteExisting: true})
	require.True(t, undo.Success, undo.Message)

	rows, _ = te.db.table("customers")
	assert.Equal(t, "dave", rows)

	rolledBack, err := te.GetRestore(ctx, first.Operation.ID)
	require.NoError(t, err)
	assert.Equal(t, RestoreStatusRolledBack, rolledBack.Status)

	assert.Contains(t, auditActions(t, te.catalog, AuditFilter{RestoreID: first.Operation.ID}), AuditActionRestoreRolledBack)
}

func TestRestore_Selective(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	result := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	require.True(t, result.Success, result.Message)

	te.db.setTable("customers", "changed")
	te.db.setTable("invoices", "changed")

	restore := te.Restore(ctx, RestoreRequest{
		BackupID:          result.Backup.ID,
		Scope:             RestoreScopeSelective,
		SelectedTables:    []string{"invoices"},
		OverwriteExisting: true,
	})
	require.True(t, restore.Success, restore.Message)
	assert.Equal(t, []string{"invoices"}, restore.Operation.TablesRestored)

	invoices, _ := te.db.table("invoices")
	customers, _ := te.db.table("customers")
	assert.Equal(t, "inv-1,inv-2", invoices)
	assert.Equal(t, "changed", customers)
}

func TestRestore_RejectedRequests(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	result := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	require.True(t, result.Success, result.Message)

	expired := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	require.True(t, expired.Success, expired.Message)
	require.True(t, te.DeleteBackup(ctx, expired.Backup.ID, "ops").Success)

	tests := []struct {
		name      string
		req       RestoreRequest
		errorType BackupErrorType
	}{
		{"missing backup id", RestoreRequest{}, BackupErrorTypeValidation},
		{"unknown backup", RestoreRequest{BackupID: "backup-missing"}, BackupErrorTypeNotFound},
		{"expired backup", RestoreRequest{BackupID: expired.Backup.ID}, BackupErrorTypeInvalidState},
		{
			"table not in backup",
			RestoreRequest{BackupID: result.Backup.ID, Scope: RestoreScopeSelective, SelectedTables: []string{"audit_log"}},
			BackupErrorTypeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restore := te.Restore(ctx, tt.req)
			require.False(t, restore.Success)
			assert.Nil(t, restore.Operation)
			assert.True(t, IsErrorType(restore.Error, tt.errorType), "got %v", restore.Error)
		})
	}

	ops, err := te.ListRestores(ctx, RestoreFilter{})
	require.NoError(t, err)
	assert.Empty(t, ops, "rejected restores must not create operations")
}

func TestRestore_Settings(t *testing.T) {
	applier := &recordingApplier{}
	te := newTestEngine(t, nil, WithSettingsApplier(applier))
	ctx := context.Background()

	settings := map[string]interface{}{"featureX": true}
	result := te.ExportSettings(ctx, settings, "admin")
	require.True(t, result.Success, result.Message)
	assert.Equal(t, BackupKindSettings, result.Backup.Kind)

	details, err := te.catalog.ListTableDetails(ctx, result.Backup.ID)
	require.NoError(t, err)
	assert.Empty(t, details)

	decoded, err := te.ReadSettings(ctx, result.Backup.ID)
	require.NoError(t, err)
	assert.Equal(t, settings, decoded)

	restore := te.Restore(ctx, RestoreRequest{BackupID: result.Backup.ID})
	require.True(t, restore.Success, restore.Message)
	require.Len(t, applier.applied, 1)
	assert.Equal(t, settings, applier.applied[0])
	assert.Zero(t, te.db.loadCount())
}

func TestRestore_SettingsWithoutApplier(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	result := te.ExportSettings(ctx, map[string]interface{}{"theme": "dark"}, "admin")
	require.True(t, result.Success, result.Message)

	restore := te.Restore(ctx, RestoreRequest{BackupID: result.Backup.ID})
	require.False(t, restore.Success)
	assert.True(t, IsErrorType(restore.Error, BackupErrorTypeConfiguration))
}

func TestRestore_LoadFailure(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	result := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	require.True(t, result.Success, result.Message)

	te.db.loadErr = errors.New("mysql: syntax error at line 42")

	restore := te.Restore(ctx, RestoreRequest{BackupID: result.Backup.ID, OverwriteExisting: true})
	require.False(t, restore.Success)
	assert.True(t, IsErrorType(restore.Error, BackupErrorTypeExternalTool))
	assert.Equal(t, RestoreStatusFailed, restore.Operation.Status)
}

func TestRestoreArtifact_IntoEmptyCatalog(t *testing.T) {
	source := newTestEngine(t, nil)
	ctx := context.Background()

	result := source.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull, Encrypt: true, IncludeAuditLogs: true})
	require.True(t, result.Success, result.Message)
	key := result.Backup.StoragePath

	fresh := newTestEngine(t, func(c *EngineConfig) {
		c.Storage.Local.BasePath = source.Config().Storage.Local.BasePath
	})
	fresh.db.setTable("customers", "mallory")

	_, err := fresh.catalog.GetBackup(ctx, result.Backup.ID)
	require.True(t, IsErrorType(err, BackupErrorTypeNotFound), "the fresh catalog has never seen the backup")

	restore := fresh.RestoreArtifact(ctx, "", key, RestoreRequest{
		Scope:             RestoreScopeSelective,
		SelectedTables:    []string{"customers"},
		OverwriteExisting: true,
		InitiatedBy:       "ops",
	})
	require.True(t, restore.Success, restore.Message)
	assert.Equal(t, result.Backup.ID, restore.Operation.BackupID)
	assert.Equal(t, []string{"customers"}, restore.Operation.TablesRestored)

	rows, _ := fresh.db.table("customers")
	assert.Equal(t, "alice,bob,carol", rows)

	imported, err := fresh.catalog.GetBackup(ctx, result.Backup.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusCompleted, imported.Status)
	assert.Equal(t, result.Backup.Checksum, imported.Checksum)
	assert.Equal(t, key, imported.StoragePath)
	assert.True(t, imported.Encrypted)
	assert.True(t, imported.IncludesAuditLogs)
	assert.Equal(t, "ops", imported.CreatedBy)

	details, err := fresh.catalog.ListTableDetails(ctx, result.Backup.ID)
	require.NoError(t, err)
	assert.Len(t, details, 3)

	assert.Equal(t, []AuditAction{AuditActionImport},
		auditActions(t, fresh.catalog, AuditFilter{BackupID: result.Backup.ID, Action: AuditActionImport}))

	again := fresh.RestoreArtifact(ctx, "", key, RestoreRequest{OverwriteExisting: true})
	require.True(t, again.Success, "a second restore reuses the imported record: %s", again.Message)
	page, err := fresh.ListBackups(ctx, BackupFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestRestoreArtifact_RefusesDisagreeingCatalog(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	result := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	require.True(t, result.Success, result.Message)

	sidecar, err := te.storage.Read(ctx, SidecarKey(result.Backup.StoragePath))
	require.NoError(t, err)
	var meta BackupMetadata
	require.NoError(t, json.Unmarshal(sidecar, &meta))
	meta.Checksum = CalculateChecksum([]byte("another artifact"))
	forged, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, te.storage.Write(ctx, SidecarKey(result.Backup.StoragePath), forged))

	restore := te.RestoreArtifact(ctx, "", result.Backup.StoragePath, RestoreRequest{OverwriteExisting: true})
	require.False(t, restore.Success)
	assert.True(t, IsErrorType(restore.Error, BackupErrorTypeIntegrity), "got %v", restore.Error)
	assert.Nil(t, restore.Operation)
	assert.Zero(t, te.db.loadCount())
}

func TestRestoreArtifact_MissingSidecar(t *testing.T) {
	te := newTestEngine(t, nil)

	restore := te.RestoreArtifact(context.Background(), "", ArtifactKey("backup-missing"), RestoreRequest{})
	require.False(t, restore.Success)
	assert.True(t, IsErrorType(restore.Error, BackupErrorTypeNotFound), "got %v", restore.Error)
}
