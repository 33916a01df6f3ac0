package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	config := testConfig(t)
	storage, err := NewLocalStorage(config.Storage.Local)
	require.NoError(t, err)
	db := newFakeDatabase(nil)

	_, err = NewEngine(config, nil, storage, db, db)
	assert.True(t, IsErrorType(err, BackupErrorTypeConfiguration))

	config.Compression.Algorithm = "BROTLI"
	catalog, err := OpenCatalog(context.Background(), config.Catalog)
	require.NoError(t, err)
	defer catalog.Close()

	_, err = NewEngine(config, catalog, storage, db, db)
	assert.True(t, IsErrorType(err, BackupErrorTypeConfiguration))
}

func TestEngine_CreateBackup_Full(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	result := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull, Name: "nightly", CreatedBy: "ops"})
	require.True(t, result.Success, result.Message)

	record := result.Backup
	assert.Equal(t, BackupStatusCompleted, record.Status)
	assert.Equal(t, ArtifactKey(record.ID), record.StoragePath)
	assert.Equal(t, CompressionTypeGzip, record.CompressionType)
	assert.NotNil(t, record.CompletedAt)
	assert.Positive(t, record.Size)
	assert.Positive(t, record.CompressedSize)

	artifact, err := te.storage.Read(ctx, record.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, CalculateChecksum(artifact), record.Checksum)
	assert.Equal(t, int64(len(artifact)), record.CompressedSize)

	sidecar, err := te.storage.Read(ctx, SidecarKey(record.StoragePath))
	require.NoError(t, err)
	var meta BackupMetadata
	require.NoError(t, json.Unmarshal(sidecar, &meta))
	assert.Equal(t, record.ID, meta.ID)
	assert.Equal(t, record.Checksum, meta.Checksum)
	assert.Equal(t, []string{"customers", "invoices"}, meta.Tables)
	assert.Equal(t, "8.0.36", meta.DatabaseVersion)
	assert.Equal(t, int64(3), meta.RecordCounts["customers"])

	stored, err := te.catalog.GetBackup(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusCompleted, stored.Status)
	assert.Equal(t, record.Checksum, stored.Checksum)
	assert.NoError(t, stored.Validate())

	details, err := te.catalog.ListTableDetails(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, details, 2)
	assert.Equal(t, "customers", details[0].TableName)
	assert.Equal(t, int64(3), details[0].RowCount)
	assert.Equal(t, "invoices", details[1].TableName)

	assert.Equal(t, []AuditAction{AuditActionCreate, AuditActionComplete},
		auditActions(t, te.catalog, AuditFilter{BackupID: record.ID}))

	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.backupsTotal.WithLabelValues("FULL", "COMPLETED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(te.metrics.inFlight.WithLabelValues("backup")))
}

func TestEngine_CreateBackup_AuditTables(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	result := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull, IncludeAuditLogs: true})
	require.True(t, result.Success, result.Message)

	details, err := te.catalog.ListTableDetails(ctx, result.Backup.ID)
	require.NoError(t, err)
	var tables []string
	for _, detail := range details {
		tables = append(tables, detail.TableName)
	}
	assert.Equal(t, []string{"audit_log", "customers", "invoices"}, tables)
}

func TestEngine_CreateBackup_Selective(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	result := te.CreateBackup(ctx, BackupRequest{
		Kind:          BackupKindSelective,
		IncludeTables: []string{"invoices", " invoices "},
	})
	require.True(t, result.Success, result.Message)
	assert.Equal(t, []string{"invoices"}, result.Backup.IncludedTables)

	artifact, err := te.storage.Read(ctx, result.Backup.StoragePath)
	require.NoError(t, err)
	raw, err := te.codec.Decode(artifact, result.Backup.CompressionType, false)
	require.NoError(t, err)
	bundle, err := UnmarshalBundle(raw)
	require.NoError(t, err)

	assert.Equal(t, []string{"invoices"}, bundle.Tables)
	var snapshot map[string]string
	require.NoError(t, json.Unmarshal(bundle.Dump, &snapshot))
	assert.Equal(t, map[string]string{"invoices": "inv-1,inv-2"}, snapshot)
}

func TestEngine_CreateBackup_RejectedRequests(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*EngineConfig)
		req       BackupRequest
		errorType BackupErrorType
	}{
		{
			name:      "selective without tables",
			req:       BackupRequest{Kind: BackupKindSelective},
			errorType: BackupErrorTypeValidation,
		},
		{
			name:      "selective with unknown table",
			req:       BackupRequest{Kind: BackupKindSelective, IncludeTables: []string{"payroll"}},
			errorType: BackupErrorTypeValidation,
		},
		{
			name:      "reserved incremental kind",
			req:       BackupRequest{Kind: BackupKindIncremental},
			errorType: BackupErrorTypeValidation,
		},
		{
			name:      "encryption without secret",
			mutate:    func(c *EngineConfig) { c.Encryption.Secret = "" },
			req:       BackupRequest{Kind: BackupKindFull, Encrypt: true},
			errorType: BackupErrorTypeValidation,
		},
		{
			name:      "unknown storage provider",
			req:       BackupRequest{Kind: BackupKindFull, StorageProvider: StorageProviderS3},
			errorType: BackupErrorTypeConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEngine(t, tt.mutate)
			ctx := context.Background()

			result := te.CreateBackup(ctx, tt.req)
			require.False(t, result.Success)
			assert.Nil(t, result.Backup)
			assert.True(t, IsErrorType(result.Error, tt.errorType), "got %v", result.Error)

			page, err := te.ListBackups(ctx, BackupFilter{})
			require.NoError(t, err)
			assert.Zero(t, page.Total, "a rejected request must not create a record")
		})
	}
}

func TestEngine_CreateBackup_Encrypted(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	result := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull, Encrypt: true})
	require.True(t, result.Success, result.Message)
	assert.True(t, result.Backup.Encrypted)

	artifact, err := te.storage.Read(ctx, result.Backup.StoragePath)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(artifact, []byte("alice")))

	_, err = te.codec.Decode(artifact, result.Backup.CompressionType, false)
	assert.Error(t, err, "an encrypted artifact must not decode as plain")

	raw, err := te.codec.Decode(artifact, result.Backup.CompressionType, true)
	require.NoError(t, err)
	bundle, err := UnmarshalBundle(raw)
	require.NoError(t, err)
	assert.Contains(t, string(bundle.Dump), "alice,bob,carol")
}

func TestEngine_CreateBackup_DumpFailure(t *testing.T) {
	te := newTestEngine(t, nil)
	te.db.dumpErr = errors.New("mysqldump: access denied")
	ctx := context.Background()

	result := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	require.False(t, result.Success)
	require.NotNil(t, result.Backup)
	assert.True(t, IsErrorType(result.Error, BackupErrorTypeExternalTool))

	stored, err := te.catalog.GetBackup(ctx, result.Backup.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusFailed, stored.Status)
	assert.Empty(t, stored.StoragePath)
	assert.Empty(t, stored.Checksum)
	assert.Contains(t, stored.ErrorMessage, "access denied")

	keys, err := te.storage.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)

	entries, err := te.catalog.QueryAudit(ctx, AuditFilter{BackupID: result.Backup.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AuditActionFail, entries[1].Action)
	assert.Equal(t, string(BackupErrorTypeExternalTool), entries[1].Details.Extra["error_type"])
}

func TestEngine_CreateBackup_ConflictAndCancel(t *testing.T) {
	te := newTestEngine(t, nil)
	te.db.blockDump = make(chan struct{})
	te.db.dumpStarted = make(chan struct{})
	ctx := context.Background()

	done := make(chan *BackupResult, 1)
	go func() {
		done <- te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	}()

	select {
	case <-te.db.dumpStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("dump never started")
	}

	page, err := te.ListBackups(ctx, BackupFilter{Statuses: []BackupStatus{BackupStatusInProgress}})
	require.NoError(t, err)
	require.Len(t, page.Backups, 1)
	running := page.Backups[0]

	second := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	require.False(t, second.Success)
	assert.True(t, IsErrorType(second.Error, BackupErrorTypeConflict))
	assert.Nil(t, second.Backup)

	restore := te.Restore(ctx, RestoreRequest{BackupID: running.ID})
	assert.False(t, restore.Success, "a running backup cannot be restored")

	cancelled := te.CancelBackup(ctx, running.ID, "operator")
	require.True(t, cancelled.Success, cancelled.Message)

	var result *BackupResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("backup did not stop after cancellation")
	}

	require.False(t, result.Success)
	assert.Equal(t, BackupStatusCancelled, result.Backup.Status)

	stored, err := te.catalog.GetBackup(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusCancelled, stored.Status)
	assert.Empty(t, stored.StoragePath)

	page, err = te.ListBackups(ctx, BackupFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	te.db.blockDump = nil
	te.db.dumpStarted = nil
	after := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	assert.True(t, after.Success, "the guard must be released after a cancelled run")
}

func TestEngine_CancelBackup_Orphaned(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	now := te.clock.Now()
	orphan := &BackupRecord{
		ID:              "backup-orphan",
		Name:            "left behind",
		Kind:            BackupKindFull,
		Status:          BackupStatusInProgress,
		StorageProvider: StorageProviderLocal,
		StartedAt:       &now,
		CreatedAt:       now,
	}
	require.NoError(t, te.catalog.CreateBackup(ctx, orphan))

	result := te.CancelBackup(ctx, orphan.ID, "operator")
	require.True(t, result.Success, result.Message)

	stored, err := te.catalog.GetBackup(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusCancelled, stored.Status)

	again := te.CancelBackup(ctx, orphan.ID, "operator")
	assert.False(t, again.Success)
	assert.True(t, IsErrorType(again.Error, BackupErrorTypeInvalidState))
}

func TestEngine_CreateBackup_Documents(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(te.docsDir, "clients"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(te.docsDir, "clients", "passport.pdf"), []byte("%PDF"), 0o640))

	result := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull, IncludeDocuments: true})
	require.True(t, result.Success, result.Message)
	assert.True(t, result.Backup.IncludesDocuments)

	require.NoError(t, os.RemoveAll(filepath.Join(te.docsDir, "clients")))

	restore := te.Restore(ctx, RestoreRequest{
		BackupID:          result.Backup.ID,
		RestoreDocuments:  true,
		OverwriteExisting: true,
	})
	require.True(t, restore.Success, restore.Message)

	content, err := os.ReadFile(filepath.Join(te.docsDir, "clients", "passport.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(content))
}

func TestEngine_CreateBackup_RetentionAfterBackup(t *testing.T) {
	te := newTestEngine(t, func(c *EngineConfig) {
		c.Retention = RetentionConfig{MaxBackups: 2, AfterBackup: true}
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
		require.True(t, result.Success, result.Message)
		te.Wait()
		te.clock.Advance(time.Hour)
	}

	page, err := te.ListBackups(ctx, BackupFilter{Statuses: []BackupStatus{BackupStatusCompleted}})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	expired, err := te.ListBackups(ctx, BackupFilter{Statuses: []BackupStatus{BackupStatusExpired}})
	require.NoError(t, err)
	assert.Equal(t, 1, expired.Total)
}

func TestEngine_CreateBackup_PostgresRecordsInspectedTables(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	script := writeScript(t, `printf 'PGDMP-archive'`)
	pg := &PostgresTool{
		database: DatabaseConfig{Host: "pg", Port: 5432, Username: "backup", Database: "shop", SSLMode: "disable"},
		dumpPath: script,
		loadPath: script,
		runner:   &toolRunner{timeout: 10 * time.Second, logger: quietLogger()},
	}
	engine, err := NewEngine(te.Config(), te.catalog, te.storage, pg, pg,
		WithLogger(quietLogger()),
		WithClock(te.clock),
		WithInspector(te.db),
	)
	require.NoError(t, err)
	defer engine.Wait()

	full := engine.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull, IncludeAuditLogs: true})
	require.True(t, full.Success, full.Message)

	details, err := te.catalog.ListTableDetails(ctx, full.Backup.ID)
	require.NoError(t, err)
	require.Len(t, details, 3, "a full archive lists no tables, so the live tables stand in")
	assert.Equal(t, "audit_log", details[0].TableName)
	assert.Equal(t, "customers", details[1].TableName)
	assert.Equal(t, int64(3), details[1].RowCount)
	assert.Equal(t, "invoices", details[2].TableName)

	sidecar, err := te.storage.Read(ctx, SidecarKey(full.Backup.StoragePath))
	require.NoError(t, err)
	var meta BackupMetadata
	require.NoError(t, json.Unmarshal(sidecar, &meta))
	assert.Equal(t, []string{"audit_log", "customers", "invoices"}, meta.Tables)

	withoutAudit := engine.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull, ExcludeTables: []string{"invoices"}})
	require.True(t, withoutAudit.Success, withoutAudit.Message)
	details, err = te.catalog.ListTableDetails(ctx, withoutAudit.Backup.ID)
	require.NoError(t, err)
	require.Len(t, details, 1, "excluded and audit tables are left out")
	assert.Equal(t, "customers", details[0].TableName)
}
