package backup

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BackupRequest describes one backup run
type BackupRequest struct {
	Kind             BackupKind
	Name             string
	IncludeTables    []string
	ExcludeTables    []string
	IncludeDocuments bool
	IncludeAuditLogs bool
	Encrypt          bool
	// StorageProvider selects a registered storage backend; empty uses the engine default
	StorageProvider StorageProviderType
	StorageOptions  map[string]string
	// Settings is the payload of a SETTINGS backup
	Settings   map[string]interface{}
	CreatedBy  string
	ScheduleID string
}

// Validate checks kind specific preconditions and normalizes table selection.
// SELECTIVE keeps only IncludeTables, FULL keeps only ExcludeTables and
// SETTINGS keeps neither.
func (r *BackupRequest) Validate() error {
	var errors ValidationErrors

	if !r.Kind.IsValid() {
		errors.Add("kind", "unknown backup kind", r.Kind)
		return errors
	}

	if r.Kind.IsReserved() {
		errors.Add("kind", fmt.Sprintf("%s backups are reserved and not supported yet", r.Kind), r.Kind)
		return errors
	}

	switch r.Kind {
	case BackupKindSelective:
		r.IncludeTables = normalizeTables(r.IncludeTables)
		if len(r.IncludeTables) == 0 {
			errors.Add("include_tables", "selective backup requires at least one table", r.IncludeTables)
		}
		r.ExcludeTables = nil
	case BackupKindFull:
		r.IncludeTables = nil
		r.ExcludeTables = normalizeTables(r.ExcludeTables)
	case BackupKindSettings:
		r.IncludeTables = nil
		r.ExcludeTables = nil
		if r.Settings == nil {
			errors.Add("settings", "settings backup requires a settings payload", nil)
		}
	}

	if r.StorageProvider != "" && !isValidStorageProviderType(r.StorageProvider) {
		errors.Add("storage_provider", "invalid storage provider type", r.StorageProvider)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// RestoreRequest describes one restore run
type RestoreRequest struct {
	BackupID               string
	Scope                  RestoreScope
	SelectedTables         []string
	RestoreDocuments       bool
	RestoreAuditLogs       bool
	OverwriteExisting      bool
	CreatePreRestoreBackup bool
	InitiatedBy            string
}

// Validate checks the restore request and fills in the default scope
func (r *RestoreRequest) Validate() error {
	var errors ValidationErrors

	if r.BackupID == "" {
		errors.Add("backup_id", "backup ID is required", r.BackupID)
	}

	if r.Scope == "" {
		r.Scope = RestoreScopeFull
	}

	switch r.Scope {
	case RestoreScopeFull, RestoreScopePointInTime:
		r.SelectedTables = nil
	case RestoreScopeSelective:
		r.SelectedTables = normalizeTables(r.SelectedTables)
		if len(r.SelectedTables) == 0 {
			errors.Add("selected_tables", "selective restore requires at least one table", r.SelectedTables)
		}
	default:
		errors.Add("scope", "invalid restore scope", r.Scope)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// BackupResult is returned by every backup run, successful or not
type BackupResult struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Backup  *BackupRecord `json:"backup,omitempty"`
	Error   error         `json:"-"`
}

// RestoreResult is returned by every restore run, successful or not
type RestoreResult struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message"`
	Operation *RestoreOperation `json:"operation,omitempty"`
	Error     error             `json:"-"`
}

// OperationResult is returned by simple mutating operations
type OperationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   error  `json:"-"`
}

// VerifyResult is the outcome of an integrity check
type VerifyResult struct {
	BackupID         string    `json:"backup_id"`
	Valid            bool      `json:"valid"`
	ExpectedChecksum string    `json:"expected_checksum,omitempty"`
	ActualChecksum   string    `json:"actual_checksum,omitempty"`
	Error            string    `json:"error,omitempty"`
	CheckedAt        time.Time `json:"checked_at"`
}

// BackupSortField selects the ordering of a backup listing
type BackupSortField string

const (
	SortByCreatedAt BackupSortField = "created_at"
	SortByName      BackupSortField = "name"
	SortBySize      BackupSortField = "size"
	SortByStatus    BackupSortField = "status"
)

// BackupFilter for filtering backup lists
type BackupFilter struct {
	Statuses        []BackupStatus
	Kind            BackupKind
	StorageProvider StorageProviderType
	ScheduleID      string
	CreatedAfter    *time.Time
	CreatedBefore   *time.Time
	SortBy          BackupSortField
	Ascending       bool
	Limit           int
	Offset          int
}

// BackupPage is one page of a backup listing
type BackupPage struct {
	Backups []*BackupRecord `json:"backups" yaml:"backups"`
	Total   int             `json:"total" yaml:"total"`
	Limit   int             `json:"limit" yaml:"limit"`
	Offset  int             `json:"offset" yaml:"offset"`
}

// BackupDetails is a backup with everything recorded about it
type BackupDetails struct {
	Backup *BackupRecord        `json:"backup" yaml:"backup"`
	Tables []*BackupTableDetail `json:"tables" yaml:"tables"`
	Audit  []*AuditLogEntry     `json:"audit" yaml:"audit"`
}

// RestoreFilter for filtering restore operation lists
type RestoreFilter struct {
	BackupID           string
	PreRestoreBackupID string
	Status             RestoreStatus
	Limit              int
	Offset             int
}

// AuditFilter for querying the audit log
type AuditFilter struct {
	BackupID   string
	RestoreID  string
	ScheduleID string
	Action     AuditAction
	Limit      int
	Offset     int
}

// StorageStats summarizes what the catalog and storage hold
type StorageStats struct {
	TotalBackups        int                  `json:"total_backups" yaml:"total_backups"`
	ByStatus            map[BackupStatus]int `json:"by_status" yaml:"by_status"`
	ByKind              map[BackupKind]int   `json:"by_kind" yaml:"by_kind"`
	TotalSize           int64                `json:"total_size" yaml:"total_size"`
	TotalCompressedSize int64                `json:"total_compressed_size" yaml:"total_compressed_size"`
	ArtifactCount       int                  `json:"artifact_count" yaml:"artifact_count"`
	OldestBackup        *time.Time           `json:"oldest_backup,omitempty" yaml:"oldest_backup,omitempty"`
	NewestBackup        *time.Time           `json:"newest_backup,omitempty" yaml:"newest_backup,omitempty"`
}

// Validate checks that storagePath and checksum are set exactly when the
// backup is COMPLETED.
func (b *BackupRecord) Validate() error {
	var errors ValidationErrors

	if b.ID == "" {
		errors.Add("id", "backup ID is required", b.ID)
	}

	if !b.Kind.IsValid() {
		errors.Add("kind", "invalid backup kind", b.Kind)
	}

	if !isValidBackupStatus(b.Status) {
		errors.Add("status", "invalid backup status", b.Status)
	}

	completed := b.Status == BackupStatusCompleted
	if completed && (b.StoragePath == "" || b.Checksum == "") {
		errors.Add("checksum", "completed backup requires storage path and checksum", b.Checksum)
	}
	if !completed && (b.StoragePath != "" || b.Checksum != "") {
		errors.Add("storage_path", "only completed backups carry a storage path and checksum", b.StoragePath)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// Metadata builds the sidecar descriptor for a completed record
func (b *BackupRecord) Metadata(tables []string, counts map[string]int64, dbVersion, appVersion string) *BackupMetadata {
	return &BackupMetadata{
		ID:              b.ID,
		Name:            b.Name,
		Kind:            b.Kind,
		CreatedAt:       b.CreatedAt,
		Size:            b.Size,
		CompressedSize:  b.CompressedSize,
		Checksum:        b.Checksum,
		Tables:          tables,
		RecordCounts:    counts,
		DatabaseVersion: dbVersion,
		AppVersion:      appVersion,
		Encrypted:       b.Encrypted,
		CompressionType: b.CompressionType,

		IncludesDocuments: b.IncludesDocuments,
		IncludesAuditLogs: b.IncludesAuditLogs,
	}
}

// Validate validates the sidecar metadata
func (m *BackupMetadata) Validate() error {
	var errors ValidationErrors

	if m.ID == "" {
		errors.Add("id", "metadata ID is required", m.ID)
	}

	if m.Checksum == "" {
		errors.Add("checksum", "metadata checksum is required", m.Checksum)
	}

	if m.CompressionType != "" && !isValidCompressionType(m.CompressionType) {
		errors.Add("compression_type", "invalid compression type", m.CompressionType)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// Validate validates a schedule definition. The cron expression itself is
// checked when the next run is computed.
func (s *BackupSchedule) Validate() error {
	var errors ValidationErrors

	if strings.TrimSpace(s.Name) == "" {
		errors.Add("name", "schedule name is required", s.Name)
	}

	if strings.TrimSpace(s.CronExpression) == "" {
		errors.Add("cron_expression", "cron expression is required", s.CronExpression)
	}

	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			errors.Add("timezone", "unknown timezone", s.Timezone)
		}
	}

	if !s.Kind.IsValid() || s.Kind.IsReserved() || s.Kind == BackupKindSettings {
		errors.Add("kind", "schedules support FULL and SELECTIVE backups only", s.Kind)
	}

	if s.Kind == BackupKindSelective && len(normalizeTables(s.IncludeTables)) == 0 {
		errors.Add("include_tables", "selective schedule requires at least one table", s.IncludeTables)
	}

	if s.RetentionDays < 0 {
		errors.Add("retention_days", "retention days cannot be negative", s.RetentionDays)
	}

	if s.MaxBackups < 0 {
		errors.Add("max_backups", "max backups cannot be negative", s.MaxBackups)
	}

	if s.StorageProvider != "" && !isValidStorageProviderType(s.StorageProvider) {
		errors.Add("storage_provider", "invalid storage provider type", s.StorageProvider)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// Request builds the backup request a triggered run executes
func (s *BackupSchedule) Request() BackupRequest {
	return BackupRequest{
		Kind:             s.Kind,
		Name:             fmt.Sprintf("%s (scheduled)", s.Name),
		IncludeTables:    append([]string(nil), s.IncludeTables...),
		ExcludeTables:    append([]string(nil), s.ExcludeTables...),
		IncludeDocuments: s.IncludeDocuments,
		IncludeAuditLogs: s.IncludeAuditLogs,
		Encrypt:          s.Encrypt,
		StorageProvider:  s.StorageProvider,
		StorageOptions:   s.StorageOptions,
		CreatedBy:        "scheduler",
		ScheduleID:       s.ID,
	}
}

// GenerateBackupID generates a unique backup ID
func GenerateBackupID() string {
	return GenerateIDWithPrefix("backup", time.Now())
}

// GenerateRestoreID generates a unique restore operation ID
func GenerateRestoreID() string {
	return GenerateIDWithPrefix("restore", time.Now())
}

// GenerateScheduleID generates a unique schedule ID
func GenerateScheduleID() string {
	return GenerateIDWithPrefix("schedule", time.Now())
}

// GenerateIDWithPrefix generates an ID with a custom prefix. The timestamp
// keeps IDs sortable; the UUID fragment keeps them unique.
func GenerateIDWithPrefix(prefix string, now time.Time) string {
	timestamp := now.UTC().Format("20060102-150405")
	shortUUID := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]

	return fmt.Sprintf("%s-%s-%s", prefix, timestamp, shortUUID)
}

// normalizeTables trims, dedupes and sorts table names
func normalizeTables(tables []string) []string {
	if len(tables) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(tables))
	result := make([]string, 0, len(tables))
	for _, table := range tables {
		table = strings.TrimSpace(table)
		if table == "" {
			continue
		}
		if _, ok := seen[table]; ok {
			continue
		}
		seen[table] = struct{}{}
		result = append(result, table)
	}
	sort.Strings(result)

	if len(result) == 0 {
		return nil
	}
	return result
}

// Helper functions for validation

func isValidCompressionType(ct CompressionType) bool {
	switch ct {
	case CompressionTypeNone, CompressionTypeGzip, CompressionTypeLZ4, CompressionTypeZstd:
		return true
	default:
		return false
	}
}

func isValidBackupStatus(status BackupStatus) bool {
	switch status {
	case BackupStatusPending, BackupStatusInProgress, BackupStatusCompleted,
		BackupStatusFailed, BackupStatusCancelled, BackupStatusExpired:
		return true
	default:
		return false
	}
}

func isValidStorageProviderType(provider StorageProviderType) bool {
	switch provider {
	case StorageProviderLocal, StorageProviderS3, StorageProviderAzure, StorageProviderGCS, StorageProviderSFTP:
		return true
	default:
		return false
	}
}

// Validate validates the StorageConfig struct
func (sc *StorageConfig) Validate() error {
	var errors ValidationErrors

	if !isValidStorageProviderType(sc.Provider) {
		errors.Add("provider", "invalid storage provider type", sc.Provider)
		return errors
	}

	var err error
	switch sc.Provider {
	case StorageProviderLocal:
		if sc.Local == nil {
			errors.Add("local", "local storage configuration is required", nil)
		} else {
			err = sc.Local.Validate()
		}
	case StorageProviderS3:
		if sc.S3 == nil {
			errors.Add("s3", "S3 storage configuration is required", nil)
		} else {
			err = sc.S3.Validate()
		}
	case StorageProviderAzure:
		if sc.Azure == nil {
			errors.Add("azure", "Azure storage configuration is required", nil)
		} else {
			err = sc.Azure.Validate()
		}
	case StorageProviderGCS:
		if sc.GCS == nil {
			errors.Add("gcs", "GCS storage configuration is required", nil)
		} else {
			err = sc.GCS.Validate()
		}
	case StorageProviderSFTP:
		if sc.SFTP == nil {
			errors.Add("sftp", "SFTP storage configuration is required", nil)
		} else {
			err = sc.SFTP.Validate()
		}
	}

	if err != nil {
		if validationErrs, ok := err.(ValidationErrors); ok {
			errors = append(errors, validationErrs...)
		} else {
			errors.Add(strings.ToLower(string(sc.Provider)), err.Error(), nil)
		}
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// Validate validates the LocalConfig struct
func (lc *LocalConfig) Validate() error {
	var errors ValidationErrors

	if lc.BasePath == "" {
		errors.Add("base_path", "base path is required for local storage", lc.BasePath)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// Validate validates the S3Config struct. Credentials may come from the
// default AWS chain, so only bucket and region are required.
func (s3c *S3Config) Validate() error {
	var errors ValidationErrors

	if s3c.Bucket == "" {
		errors.Add("bucket", "S3 bucket name is required", s3c.Bucket)
	}

	if s3c.Region == "" {
		errors.Add("region", "S3 region is required", s3c.Region)
	}

	if (s3c.AccessKey == "") != (s3c.SecretKey == "") {
		errors.Add("secret_key", "S3 access key and secret key must be set together", nil)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// Validate validates the AzureConfig struct
func (ac *AzureConfig) Validate() error {
	var errors ValidationErrors

	if ac.AccountName == "" {
		errors.Add("account_name", "Azure account name is required", ac.AccountName)
	}

	if ac.AccountKey == "" {
		errors.Add("account_key", "Azure account key is required", ac.AccountKey)
	}

	if ac.ContainerName == "" {
		errors.Add("container_name", "Azure container name is required", ac.ContainerName)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// Validate validates the GCSConfig struct
func (gc *GCSConfig) Validate() error {
	var errors ValidationErrors

	if gc.Bucket == "" {
		errors.Add("bucket", "GCS bucket name is required", gc.Bucket)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// Validate validates the SFTPConfig struct
func (sc *SFTPConfig) Validate() error {
	var errors ValidationErrors

	if sc.Host == "" {
		errors.Add("host", "SFTP host is required", sc.Host)
	}

	if sc.Username == "" {
		errors.Add("username", "SFTP username is required", sc.Username)
	}

	if sc.Password == "" && sc.PrivateKeyPath == "" {
		errors.Add("password", "SFTP password or private key path is required", nil)
	}

	if sc.RemotePath == "" {
		errors.Add("remote_path", "SFTP remote path is required", sc.RemotePath)
	}

	if sc.HostKey == "" && sc.KnownHostsPath == "" {
		errors.Add("host_key", "SFTP host key or known hosts file is required", nil)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}
