package backup

import (
	"os"
	"time"
)

// BackupKind identifies what a backup captures
type BackupKind string

const (
	BackupKindFull         BackupKind = "FULL"
	BackupKindIncremental  BackupKind = "INCREMENTAL"
	BackupKindDifferential BackupKind = "DIFFERENTIAL"
	BackupKindSettings     BackupKind = "SETTINGS"
	BackupKindSelective    BackupKind = "SELECTIVE"
)

// IsValid reports whether the kind is a declared kind
func (k BackupKind) IsValid() bool {
	switch k {
	case BackupKindFull, BackupKindIncremental, BackupKindDifferential, BackupKindSettings, BackupKindSelective:
		return true
	}
	return false
}

// IsReserved reports whether the kind is declared but not yet supported
func (k BackupKind) IsReserved() bool {
	return k == BackupKindIncremental || k == BackupKindDifferential
}

// UsesDumpTool reports whether the kind's payload comes from the database dump tool
func (k BackupKind) UsesDumpTool() bool {
	return k == BackupKindFull || k == BackupKindSelective
}

// BackupStatus is the lifecycle state of a backup record
type BackupStatus string

const (
	BackupStatusPending    BackupStatus = "PENDING"
	BackupStatusInProgress BackupStatus = "IN_PROGRESS"
	BackupStatusCompleted  BackupStatus = "COMPLETED"
	BackupStatusFailed     BackupStatus = "FAILED"
	BackupStatusCancelled  BackupStatus = "CANCELLED"
	BackupStatusExpired    BackupStatus = "EXPIRED"
)

// IsTerminal reports whether the status ends a run
func (s BackupStatus) IsTerminal() bool {
	switch s {
	case BackupStatusCompleted, BackupStatusFailed, BackupStatusCancelled, BackupStatusExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Terminal states are final except COMPLETED -> EXPIRED.
func (s BackupStatus) CanTransitionTo(next BackupStatus) bool {
	switch s {
	case BackupStatusPending:
		return next == BackupStatusInProgress || next == BackupStatusFailed || next == BackupStatusCancelled
	case BackupStatusInProgress:
		return next == BackupStatusCompleted || next == BackupStatusFailed || next == BackupStatusCancelled
	case BackupStatusCompleted:
		return next == BackupStatusExpired
	}
	return false
}

// CompressionType identifies the compression algorithm applied to an artifact
type CompressionType string

const (
	CompressionTypeNone CompressionType = "NONE"
	CompressionTypeGzip CompressionType = "GZIP"
	CompressionTypeLZ4  CompressionType = "LZ4"
	CompressionTypeZstd CompressionType = "ZSTD"
)

// StorageProviderType is the storage backend tag recorded on each backup
type StorageProviderType string

const (
	StorageProviderLocal StorageProviderType = "LOCAL"
	StorageProviderS3    StorageProviderType = "S3"
	StorageProviderAzure StorageProviderType = "AZURE"
	StorageProviderGCS   StorageProviderType = "GCS"
	StorageProviderSFTP  StorageProviderType = "SFTP"
)

// BackupRecord is the catalog row describing one backup
type BackupRecord struct {
	ID                string              `json:"id" yaml:"id"`
	Name              string              `json:"name" yaml:"name"`
	Kind              BackupKind          `json:"kind" yaml:"kind"`
	Status            BackupStatus        `json:"status" yaml:"status"`
	StorageProvider   StorageProviderType `json:"storage_provider" yaml:"storage_provider"`
	StorageOptions    map[string]string   `json:"storage_options,omitempty" yaml:"storage_options,omitempty"`
	StoragePath       string              `json:"storage_path,omitempty" yaml:"storage_path,omitempty"`
	IncludedTables    []string            `json:"included_tables,omitempty" yaml:"included_tables,omitempty"`
	ExcludedTables    []string            `json:"excluded_tables,omitempty" yaml:"excluded_tables,omitempty"`
	IncludesDocuments bool                `json:"includes_documents" yaml:"includes_documents"`
	IncludesAuditLogs bool                `json:"includes_audit_logs" yaml:"includes_audit_logs"`
	Encrypted         bool                `json:"encrypted" yaml:"encrypted"`
	CompressionType   CompressionType     `json:"compression_type,omitempty" yaml:"compression_type,omitempty"`
	Size              int64               `json:"size" yaml:"size"`
	CompressedSize    int64               `json:"compressed_size" yaml:"compressed_size"`
	Checksum          string              `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	StartedAt         *time.Time          `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Duration          time.Duration       `json:"duration" yaml:"duration"`
	ErrorMessage      string              `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	CreatedBy         string              `json:"created_by" yaml:"created_by"`
	ScheduleID        string              `json:"schedule_id,omitempty" yaml:"schedule_id,omitempty"`
	CreatedAt         time.Time           `json:"created_at" yaml:"created_at"`
}

// BackupTableDetail is one table captured by a backup
type BackupTableDetail struct {
	BackupID  string       `json:"backup_id" yaml:"backup_id"`
	TableName string       `json:"table_name" yaml:"table_name"`
	Status    BackupStatus `json:"status" yaml:"status"`
	RowCount  int64        `json:"row_count" yaml:"row_count"`
	CreatedAt time.Time    `json:"created_at" yaml:"created_at"`
}

// RestoreScope selects how much of a backup is applied
type RestoreScope string

const (
	RestoreScopeFull        RestoreScope = "full"
	RestoreScopeSelective   RestoreScope = "selective"
	RestoreScopePointInTime RestoreScope = "point_in_time"
)

// RestoreStatus is the lifecycle state of a restore operation
type RestoreStatus string

const (
	RestoreStatusPending    RestoreStatus = "PENDING"
	RestoreStatusValidating RestoreStatus = "VALIDATING"
	RestoreStatusInProgress RestoreStatus = "IN_PROGRESS"
	RestoreStatusCompleted  RestoreStatus = "COMPLETED"
	RestoreStatusFailed     RestoreStatus = "FAILED"
	RestoreStatusRolledBack RestoreStatus = "ROLLED_BACK"
	RestoreStatusCancelled  RestoreStatus = "CANCELLED"
)

// IsTerminal reports whether the restore status ends a run
func (s RestoreStatus) IsTerminal() bool {
	switch s {
	case RestoreStatusCompleted, RestoreStatusFailed, RestoreStatusRolledBack, RestoreStatusCancelled:
		return true
	}
	return false
}

// RestoreOperation is the catalog row describing one restore run
type RestoreOperation struct {
	ID                     string        `json:"id" yaml:"id"`
	BackupID               string        `json:"backup_id" yaml:"backup_id"`
	Scope                  RestoreScope  `json:"scope" yaml:"scope"`
	SelectedTables         []string      `json:"selected_tables,omitempty" yaml:"selected_tables,omitempty"`
	RestoreDocuments       bool          `json:"restore_documents" yaml:"restore_documents"`
	RestoreAuditLogs       bool          `json:"restore_audit_logs" yaml:"restore_audit_logs"`
	OverwriteExisting      bool          `json:"overwrite_existing" yaml:"overwrite_existing"`
	CreatePreRestoreBackup bool          `json:"create_pre_restore_backup" yaml:"create_pre_restore_backup"`
	PreRestoreBackupID     string        `json:"pre_restore_backup_id,omitempty" yaml:"pre_restore_backup_id,omitempty"`
	Status                 RestoreStatus `json:"status" yaml:"status"`
	TablesRestored         []string      `json:"tables_restored,omitempty" yaml:"tables_restored,omitempty"`
	StartedAt              *time.Time    `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt            *time.Time    `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Duration               time.Duration `json:"duration" yaml:"duration"`
	ErrorMessage           string        `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	InitiatedBy            string        `json:"initiated_by" yaml:"initiated_by"`
	CreatedAt              time.Time     `json:"created_at" yaml:"created_at"`
}

// NotificationPreferences controls who hears about scheduled runs
type NotificationPreferences struct {
	OnSuccess  bool     `json:"on_success" yaml:"on_success"`
	OnFailure  bool     `json:"on_failure" yaml:"on_failure"`
	Emails     []string `json:"emails,omitempty" yaml:"emails,omitempty"`
	WebhookURL string   `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`
}

// BackupSchedule is a recurring backup job definition
type BackupSchedule struct {
	ID               string                  `json:"id" yaml:"id"`
	Name             string                  `json:"name" yaml:"name"`
	CronExpression   string                  `json:"cron_expression" yaml:"cron_expression"`
	Timezone         string                  `json:"timezone" yaml:"timezone"`
	Kind             BackupKind              `json:"kind" yaml:"kind"`
	IncludeTables    []string                `json:"include_tables,omitempty" yaml:"include_tables,omitempty"`
	ExcludeTables    []string                `json:"exclude_tables,omitempty" yaml:"exclude_tables,omitempty"`
	IncludeDocuments bool                    `json:"include_documents" yaml:"include_documents"`
	IncludeAuditLogs bool                    `json:"include_audit_logs" yaml:"include_audit_logs"`
	Encrypt          bool                    `json:"encrypt" yaml:"encrypt"`
	RetentionDays    int                     `json:"retention_days" yaml:"retention_days"`
	MaxBackups       int                     `json:"max_backups" yaml:"max_backups"`
	StorageProvider  StorageProviderType     `json:"storage_provider" yaml:"storage_provider"`
	StorageOptions   map[string]string       `json:"storage_options,omitempty" yaml:"storage_options,omitempty"`
	Notifications    NotificationPreferences `json:"notifications" yaml:"notifications"`
	Enabled          bool                    `json:"enabled" yaml:"enabled"`
	NextRunAt        *time.Time              `json:"next_run_at,omitempty" yaml:"next_run_at,omitempty"`
	CreatedBy        string                  `json:"created_by" yaml:"created_by"`
	CreatedAt        time.Time               `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at" yaml:"updated_at"`
}

// AuditAction tags an audit log entry
type AuditAction string

const (
	AuditActionCreate            AuditAction = "create"
	AuditActionComplete          AuditAction = "complete"
	AuditActionFail              AuditAction = "fail"
	AuditActionCancel            AuditAction = "cancel"
	AuditActionExpire            AuditAction = "expire"
	AuditActionDelete            AuditAction = "delete"
	AuditActionVerify            AuditAction = "verify"
	AuditActionImport            AuditAction = "import"
	AuditActionRestoreStart      AuditAction = "restore_start"
	AuditActionRestoreValidate   AuditAction = "restore_validate"
	AuditActionRestoreComplete   AuditAction = "restore_complete"
	AuditActionRestoreFail       AuditAction = "restore_fail"
	AuditActionRestoreCancel     AuditAction = "restore_cancel"
	AuditActionRestoreRolledBack AuditAction = "restore_rolled_back"
	AuditActionScheduleCreate    AuditAction = "schedule_create"
	AuditActionScheduleUpdate    AuditAction = "schedule_update"
	AuditActionScheduleDelete    AuditAction = "schedule_delete"
	AuditActionScheduleTrigger   AuditAction = "schedule_trigger"
	AuditActionScheduleRunDone   AuditAction = "schedule_run_complete"
	AuditActionScheduleRunFailed AuditAction = "schedule_run_fail"
	AuditActionRetentionSweep    AuditAction = "retention_sweep"
)

// AuditDetails is the action payload of an audit entry. Known fields are typed;
// anything action specific goes in Extra.
type AuditDetails struct {
	Message        string            `json:"message,omitempty" yaml:"message,omitempty"`
	Error          string            `json:"error,omitempty" yaml:"error,omitempty"`
	Kind           BackupKind        `json:"kind,omitempty" yaml:"kind,omitempty"`
	Tables         []string          `json:"tables,omitempty" yaml:"tables,omitempty"`
	Size           int64             `json:"size,omitempty" yaml:"size,omitempty"`
	CompressedSize int64             `json:"compressed_size,omitempty" yaml:"compressed_size,omitempty"`
	Checksum       string            `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Duration       time.Duration     `json:"duration,omitempty" yaml:"duration,omitempty"`
	Reason         string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	Extra          map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// AuditLogEntry is one append-only history row
type AuditLogEntry struct {
	ID             int64        `json:"id" yaml:"id"`
	BackupID       string       `json:"backup_id,omitempty" yaml:"backup_id,omitempty"`
	RestoreID      string       `json:"restore_id,omitempty" yaml:"restore_id,omitempty"`
	ScheduleID     string       `json:"schedule_id,omitempty" yaml:"schedule_id,omitempty"`
	Action         AuditAction  `json:"action" yaml:"action"`
	Details        AuditDetails `json:"details" yaml:"details"`
	PreviousStatus string       `json:"previous_status,omitempty" yaml:"previous_status,omitempty"`
	NewStatus      string       `json:"new_status,omitempty" yaml:"new_status,omitempty"`
	Actor          string       `json:"actor" yaml:"actor"`
	CreatedAt      time.Time    `json:"created_at" yaml:"created_at"`
}

// BackupMetadata is the JSON sidecar stored next to each artifact
type BackupMetadata struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Kind            BackupKind       `json:"kind"`
	CreatedAt       time.Time        `json:"created_at"`
	Size            int64            `json:"size"`
	CompressedSize  int64            `json:"compressed_size"`
	Checksum        string           `json:"checksum"`
	Tables          []string         `json:"tables"`
	RecordCounts    map[string]int64 `json:"record_counts,omitempty"`
	DatabaseVersion string           `json:"database_version,omitempty"`
	AppVersion      string           `json:"app_version"`
	Encrypted       bool             `json:"encrypted"`
	CompressionType CompressionType  `json:"compression_type"`
	// IncludesDocuments and IncludesAuditLogs let an artifact be restored
	// into a catalog that never saw it
	IncludesDocuments bool `json:"includes_documents,omitempty"`
	IncludesAuditLogs bool `json:"includes_audit_logs,omitempty"`
}

// StorageConfig defines storage provider configuration
type StorageConfig struct {
	Provider StorageProviderType `yaml:"provider" mapstructure:"provider"`
	Local    *LocalConfig        `yaml:"local,omitempty" mapstructure:"local"`
	S3       *S3Config           `yaml:"s3,omitempty" mapstructure:"s3"`
	Azure    *AzureConfig        `yaml:"azure,omitempty" mapstructure:"azure"`
	GCS      *GCSConfig          `yaml:"gcs,omitempty" mapstructure:"gcs"`
	SFTP     *SFTPConfig         `yaml:"sftp,omitempty" mapstructure:"sftp"`
	// Options carries backend specific settings that have no typed field
	Options map[string]string `yaml:"options,omitempty" mapstructure:"options"`
}

// LocalConfig for local file system storage
type LocalConfig struct {
	BasePath    string      `yaml:"base_path" mapstructure:"base_path"`
	Permissions os.FileMode `yaml:"permissions" mapstructure:"permissions"`
}

// S3Config for Amazon S3 storage
type S3Config struct {
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Region    string `yaml:"region" mapstructure:"region"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
}

// AzureConfig for Azure Blob Storage
type AzureConfig struct {
	AccountName   string `yaml:"account_name" mapstructure:"account_name"`
	AccountKey    string `yaml:"account_key" mapstructure:"account_key"`
	ContainerName string `yaml:"container_name" mapstructure:"container_name"`
	Prefix        string `yaml:"prefix" mapstructure:"prefix"`
}

// GCSConfig for Google Cloud Storage
type GCSConfig struct {
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	CredentialsPath string `yaml:"credentials_path" mapstructure:"credentials_path"`
	ProjectID       string `yaml:"project_id" mapstructure:"project_id"`
	Prefix          string `yaml:"prefix" mapstructure:"prefix"`
}

// SFTPConfig for a remote host reached over SSH
type SFTPConfig struct {
	Host           string `yaml:"host" mapstructure:"host"`
	Port           int    `yaml:"port" mapstructure:"port"`
	Username       string `yaml:"username" mapstructure:"username"`
	Password       string `yaml:"password" mapstructure:"password"`
	PrivateKeyPath string `yaml:"private_key_path" mapstructure:"private_key_path"`
	RemotePath     string `yaml:"remote_path" mapstructure:"remote_path"`
	HostKey        string `yaml:"host_key" mapstructure:"host_key"`
	KnownHostsPath string `yaml:"known_hosts_path" mapstructure:"known_hosts_path"`
}
