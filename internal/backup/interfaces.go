package backup

import (
	"context"
	"errors"
	"time"
)

// Storage persists artifact bytes and their sidecars under string keys.
// Read of a missing key returns a NOT_FOUND BackupError; Delete of a missing
// key is not an error.
type Storage interface {
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Catalog is the durable record set for backups, restores, schedules and the
// audit log. Update methods are compare-and-set on the current status and
// return an INVALID_STATE error when the stored status no longer matches.
// The lock methods serialize operations on one target across every process
// sharing the catalog.
type Catalog interface {
	CreateBackup(ctx context.Context, record *BackupRecord) error
	GetBackup(ctx context.Context, id string) (*BackupRecord, error)
	ListBackups(ctx context.Context, filter BackupFilter) (*BackupPage, error)
	UpdateBackup(ctx context.Context, record *BackupRecord, expected BackupStatus) error

	AddTableDetails(ctx context.Context, details []*BackupTableDetail) error
	ListTableDetails(ctx context.Context, backupID string) ([]*BackupTableDetail, error)

	CreateRestore(ctx context.Context, op *RestoreOperation) error
	GetRestore(ctx context.Context, id string) (*RestoreOperation, error)
	ListRestores(ctx context.Context, filter RestoreFilter) ([]*RestoreOperation, error)
	UpdateRestore(ctx context.Context, op *RestoreOperation, expected RestoreStatus) error

	CreateSchedule(ctx context.Context, schedule *BackupSchedule) error
	GetSchedule(ctx context.Context, id string) (*BackupSchedule, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*BackupSchedule, error)
	UpdateSchedule(ctx context.Context, schedule *BackupSchedule) error
	SetScheduleNextRun(ctx context.Context, id string, next *time.Time, updatedAt time.Time) error
	DeleteSchedule(ctx context.Context, id string) error

	AcquireLock(ctx context.Context, lock *OperationLock, staleBefore time.Time) error
	RefreshLock(ctx context.Context, lock *OperationLock) (*OperationLock, error)
	ReleaseLock(ctx context.Context, target, holder string) error
	RequestCancel(ctx context.Context, recordID string, staleBefore time.Time) (bool, error)

	AppendAudit(ctx context.Context, entry *AuditLogEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]*AuditLogEntry, error)

	Close() error
}

// DumpOptions selects what a dump captures. An empty Tables list means every
// table except ExcludeTables.
type DumpOptions struct {
	Tables        []string
	ExcludeTables []string
	SchemaOnly    bool
}

// DumpResult is a restorable snapshot produced by a DumpTool
type DumpResult struct {
	Data   []byte
	Tables []string
}

// DumpTool produces a single restorable byte stream from the target database
type DumpTool interface {
	Dump(ctx context.Context, opts DumpOptions) (*DumpResult, error)
}

// LoadOptions controls how a snapshot is applied. An empty Tables list
// applies every table in the stream.
type LoadOptions struct {
	Tables       []string
	DropExisting bool
}

// LoadTool applies a snapshot produced by the matching DumpTool
type LoadTool interface {
	Load(ctx context.Context, data []byte, opts LoadOptions) error
}

// ErrLoadConflict is wrapped by LoadTool implementations when applying a
// snapshot collides with existing objects.
var ErrLoadConflict = errors.New("snapshot conflicts with existing objects")

// DatabaseInspector reports facts about the target database used to resolve
// table selections and fill the sidecar.
type DatabaseInspector interface {
	ListTables(ctx context.Context) ([]string, error)
	TableRowCounts(ctx context.Context, tables []string) (map[string]int64, error)
	Version(ctx context.Context) (string, error)
}

// Clock abstracts time for retention and scheduling
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
