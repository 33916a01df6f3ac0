package backup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSharedCatalogEngines builds two engines for the same target on one
// file-backed catalog, each with its own connection, the way two CLI
// processes would share it
func newSharedCatalogEngines(t *testing.T) (*testEngine, *testEngine) {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "catalog.db")
	shared := func(c *EngineConfig) {
		c.Catalog.DSN = dsn
		c.Locking = LockConfig{HeartbeatInterval: 20 * time.Millisecond, StaleAfter: time.Minute}
	}
	return newTestEngine(t, shared), newTestEngine(t, shared)
}

func waitForDump(t *testing.T, db *fakeDatabase) {
	t.Helper()
	select {
	case <-db.dumpStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("dump never started")
	}
}

func TestEngine_TargetLock_ConflictAcrossEngines(t *testing.T) {
	first, second := newSharedCatalogEngines(t)
	first.db.blockDump = make(chan struct{})
	first.db.dumpStarted = make(chan struct{})
	ctx := context.Background()

	done := make(chan *BackupResult, 1)
	go func() {
		done <- first.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	}()
	waitForDump(t, first.db)

	page, err := second.ListBackups(ctx, BackupFilter{Statuses: []BackupStatus{BackupStatusInProgress}})
	require.NoError(t, err)
	require.Len(t, page.Backups, 1)
	running := page.Backups[0]

	result := second.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	require.False(t, result.Success)
	assert.True(t, IsErrorType(result.Error, BackupErrorTypeConflict), "got %v", result.Error)
	assert.Contains(t, result.Error.Error(), "backup "+running.ID)
	assert.Nil(t, result.Backup)

	seeded := seedCompletedBackup(t, second, second.clock.Now().Add(-time.Hour), "")
	restore := second.Restore(ctx, RestoreRequest{BackupID: seeded.ID})
	require.False(t, restore.Success)
	assert.True(t, IsErrorType(restore.Error, BackupErrorTypeConflict), "got %v", restore.Error)
	assert.Nil(t, restore.Operation)

	page, err = second.ListBackups(ctx, BackupFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total, "the running backup and the seeded one, nothing else")

	close(first.db.blockDump)
	select {
	case finished := <-done:
		require.True(t, finished.Success, finished.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("backup did not finish")
	}

	again := second.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	assert.True(t, again.Success, "the lock is released when the other engine finishes: %s", again.Message)
}

func TestEngine_TargetLock_CancelAcrossEngines(t *testing.T) {
	first, second := newSharedCatalogEngines(t)
	first.db.blockDump = make(chan struct{})
	first.db.dumpStarted = make(chan struct{})
	ctx := context.Background()

	done := make(chan *BackupResult, 1)
	go func() {
		done <- first.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	}()
	waitForDump(t, first.db)

	page, err := second.ListBackups(ctx, BackupFilter{Statuses: []BackupStatus{BackupStatusInProgress}})
	require.NoError(t, err)
	require.Len(t, page.Backups, 1)
	running := page.Backups[0]

	cancelled := second.CancelBackup(ctx, running.ID, "operator")
	require.True(t, cancelled.Success, cancelled.Message)
	assert.Contains(t, cancelled.Message, "another process")

	stored, err := second.catalog.GetBackup(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusInProgress, stored.Status, "the owning engine records the cancellation, not the requester")

	var result *BackupResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("backup did not stop after a cancel request from another engine")
	}
	require.False(t, result.Success)
	assert.Equal(t, BackupStatusCancelled, result.Backup.Status)

	stored, err = second.catalog.GetBackup(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusCancelled, stored.Status)
}

func TestEngine_TargetLock_TakesOverStaleLock(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	heartbeat := te.clock.Now().Add(-2 * te.Config().Locking.StaleAfter)
	require.NoError(t, te.catalog.AcquireLock(ctx, &OperationLock{
		Target:      te.Config().Target,
		Holder:      "crashed-process",
		Operation:   "backup",
		RecordID:    "backup-lost",
		AcquiredAt:  heartbeat,
		HeartbeatAt: heartbeat,
	}, heartbeat))

	result := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	assert.True(t, result.Success, "a lock whose holder stopped heartbeating is taken over: %s", result.Message)

	held := te.catalog.DB().QueryRow("SELECT COUNT(*) FROM operation_locks")
	var count int
	require.NoError(t, held.Scan(&count))
	assert.Zero(t, count, "the lock is dropped after the run")
}

func TestEngine_TargetLock_LiveLockFromOtherProcess(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	now := te.clock.Now()
	require.NoError(t, te.catalog.AcquireLock(ctx, &OperationLock{
		Target:      te.Config().Target,
		Holder:      "daemon",
		Operation:   "restore",
		RecordID:    "restore-live",
		AcquiredAt:  now,
		HeartbeatAt: now,
	}, now.Add(-time.Minute)))

	result := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	require.False(t, result.Success)
	assert.True(t, IsErrorType(result.Error, BackupErrorTypeConflict))
	assert.Contains(t, result.Error.Error(), "restore restore-live is already running against test-target")

	page, err := te.ListBackups(ctx, BackupFilter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	after := te.CreateBackup(ctx, BackupRequest{Kind: BackupKindFull})
	assert.False(t, after.Success, "the in-process guard is released when the catalog refuses")
	assert.True(t, IsErrorType(after.Error, BackupErrorTypeConflict))
}
