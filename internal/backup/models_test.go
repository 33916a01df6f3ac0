package backup

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     BackupRequest
		wantErr bool
		check   func(t *testing.T, req BackupRequest)
	}{
		{
			name: "full drops include list",
			req:  BackupRequest{Kind: BackupKindFull, IncludeTables: []string{"a"}, ExcludeTables: []string{" b ", "a", "b"}},
			check: func(t *testing.T, req BackupRequest) {
				assert.Nil(t, req.IncludeTables)
				assert.Equal(t, []string{"a", "b"}, req.ExcludeTables)
			},
		},
		{
			name: "selective drops exclude list",
			req:  BackupRequest{Kind: BackupKindSelective, IncludeTables: []string{"orders", "customers"}, ExcludeTables: []string{"x"}},
			check: func(t *testing.T, req BackupRequest) {
				assert.Equal(t, []string{"customers", "orders"}, req.IncludeTables)
				assert.Nil(t, req.ExcludeTables)
			},
		},
		{
			name: "settings drops both lists",
			req:  BackupRequest{Kind: BackupKindSettings, Settings: map[string]interface{}{}, IncludeTables: []string{"a"}},
			check: func(t *testing.T, req BackupRequest) {
				assert.Nil(t, req.IncludeTables)
				assert.Nil(t, req.ExcludeTables)
			},
		},
		{name: "selective with blank tables", req: BackupRequest{Kind: BackupKindSelective, IncludeTables: []string{" ", ""}}, wantErr: true},
		{name: "settings without payload", req: BackupRequest{Kind: BackupKindSettings}, wantErr: true},
		{name: "incremental is reserved", req: BackupRequest{Kind: BackupKindIncremental}, wantErr: true},
		{name: "differential is reserved", req: BackupRequest{Kind: BackupKindDifferential}, wantErr: true},
		{name: "unknown kind", req: BackupRequest{Kind: "SNAPSHOT"}, wantErr: true},
		{name: "unknown storage", req: BackupRequest{Kind: BackupKindFull, StorageProvider: "TAPE"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				require.Error(t, err)
				_, ok := err.(ValidationErrors)
				assert.True(t, ok, "expected ValidationErrors, got %T", err)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, tt.req)
			}
		})
	}
}

func TestRestoreRequest_Validate(t *testing.T) {
	req := RestoreRequest{BackupID: "backup-1"}
	require.NoError(t, req.Validate())
	assert.Equal(t, RestoreScopeFull, req.Scope)

	pit := RestoreRequest{BackupID: "backup-1", Scope: RestoreScopePointInTime, SelectedTables: []string{"a"}}
	require.NoError(t, pit.Validate())
	assert.Nil(t, pit.SelectedTables)

	selective := RestoreRequest{BackupID: "backup-1", Scope: RestoreScopeSelective, SelectedTables: []string{"b", "a", "b"}}
	require.NoError(t, selective.Validate())
	assert.Equal(t, []string{"a", "b"}, selective.SelectedTables)

	assert.Error(t, (&RestoreRequest{}).Validate())
	assert.Error(t, (&RestoreRequest{BackupID: "b", Scope: RestoreScopeSelective}).Validate())
	assert.Error(t, (&RestoreRequest{BackupID: "b", Scope: "partial"}).Validate())
}

func TestBackupRecord_Validate(t *testing.T) {
	completed := &BackupRecord{ID: "b", Kind: BackupKindFull, Status: BackupStatusCompleted, StoragePath: "backups/b.artifact", Checksum: "abc"}
	assert.NoError(t, completed.Validate())

	missingChecksum := *completed
	missingChecksum.Checksum = ""
	assert.Error(t, missingChecksum.Validate())

	failedWithPath := &BackupRecord{ID: "b", Kind: BackupKindFull, Status: BackupStatusFailed, StoragePath: "backups/b.artifact"}
	assert.Error(t, failedWithPath.Validate())

	expired := &BackupRecord{ID: "b", Kind: BackupKindFull, Status: BackupStatusExpired}
	assert.NoError(t, expired.Validate())
}

func TestBackupStatus_Transitions(t *testing.T) {
	tests := []struct {
		from    BackupStatus
		to      BackupStatus
		allowed bool
	}{
		{BackupStatusPending, BackupStatusInProgress, true},
		{BackupStatusInProgress, BackupStatusCompleted, true},
		{BackupStatusInProgress, BackupStatusCancelled, true},
		{BackupStatusCompleted, BackupStatusExpired, true},
		{BackupStatusCompleted, BackupStatusFailed, false},
		{BackupStatusFailed, BackupStatusCompleted, false},
		{BackupStatusExpired, BackupStatusCompleted, false},
		{BackupStatusCancelled, BackupStatusInProgress, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}

	assert.True(t, BackupStatusExpired.IsTerminal())
	assert.False(t, BackupStatusInProgress.IsTerminal())
	assert.True(t, RestoreStatusRolledBack.IsTerminal())
	assert.False(t, RestoreStatusValidating.IsTerminal())
}

func TestBackupRecord_Metadata(t *testing.T) {
	record := &BackupRecord{
		ID:              "backup-1",
		Kind:            BackupKindFull,
		Checksum:        "abc",
		Encrypted:       true,
		CompressionType: CompressionTypeZstd,
		CreatedAt:       time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
	}

	meta := record.Metadata([]string{"a"}, map[string]int64{"a": 3}, "8.0.36", "1.2.0")
	require.NoError(t, meta.Validate())
	assert.Equal(t, "backup-1", meta.ID)
	assert.Equal(t, CompressionTypeZstd, meta.CompressionType)
	assert.Equal(t, int64(3), meta.RecordCounts["a"])
	assert.Equal(t, "8.0.36", meta.DatabaseVersion)

	meta.Checksum = ""
	assert.Error(t, meta.Validate())
}

func TestBackupSchedule_Request(t *testing.T) {
	schedule := &BackupSchedule{
		ID:            "schedule-1",
		Name:          "nightly",
		Kind:          BackupKindSelective,
		IncludeTables: []string{"orders"},
		Encrypt:       true,
	}

	req := schedule.Request()
	assert.Equal(t, "schedule-1", req.ScheduleID)
	assert.Equal(t, "scheduler", req.CreatedBy)
	assert.Equal(t, "nightly (scheduled)", req.Name)
	assert.True(t, req.Encrypt)

	req.IncludeTables[0] = "changed"
	assert.Equal(t, "orders", schedule.IncludeTables[0], "the request must not alias the schedule")
}

func TestGenerateIDWithPrefix(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 30, 45, 0, time.UTC)
	id := GenerateIDWithPrefix("backup", now)

	assert.Regexp(t, regexp.MustCompile(`^backup-20240315-123045-[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, GenerateIDWithPrefix("backup", now))
	assert.Contains(t, GenerateRestoreID(), "restore-")
	assert.Contains(t, GenerateScheduleID(), "schedule-")
}
