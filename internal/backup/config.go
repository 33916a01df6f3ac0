package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"
)

// EngineConfig is the complete engine configuration. It is treated as
// immutable once handed to NewEngine.
type EngineConfig struct {
	// Target identifies the logical database being protected; it scopes the
	// in-flight guard and defaults to a hash of the target DSN.
	Target        string             `yaml:"target" mapstructure:"target"`
	AppVersion    string             `yaml:"app_version" mapstructure:"app_version"`
	Database      DatabaseConfig     `yaml:"database" mapstructure:"database"`
	Catalog       CatalogConfig      `yaml:"catalog" mapstructure:"catalog"`
	Storage       StorageConfig      `yaml:"storage" mapstructure:"storage"`
	Compression   CompressionConfig  `yaml:"compression" mapstructure:"compression"`
	Encryption    EncryptionConfig   `yaml:"encryption" mapstructure:"encryption"`
	Retention     RetentionConfig    `yaml:"retention" mapstructure:"retention"`
	Tools         ToolsConfig        `yaml:"tools" mapstructure:"tools"`
	Documents     DocumentsConfig    `yaml:"documents" mapstructure:"documents"`
	Scheduler     SchedulerConfig    `yaml:"scheduler" mapstructure:"scheduler"`
	Locking       LockConfig         `yaml:"locking" mapstructure:"locking"`
	Notifications NotificationConfig `yaml:"notifications" mapstructure:"notifications"`
	OperationLog  OperationLogConfig `yaml:"operation_log" mapstructure:"operation_log"`
}

// DatabaseConfig holds the connection parameters of the protected database.
// The dump and load tools receive them as flags and environment, never as a
// single connection string on the command line.
type DatabaseConfig struct {
	Host     string        `yaml:"host" mapstructure:"host"`
	Port     int           `yaml:"port" mapstructure:"port"`
	Username string        `yaml:"username" mapstructure:"username"`
	Password string        `yaml:"-" mapstructure:"password"`
	Database string        `yaml:"database" mapstructure:"database"`
	SSLMode  string        `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// CatalogConfig selects where the catalog and audit log live
type CatalogConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "mysql"
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// CompressionConfig defines compression settings
type CompressionConfig struct {
	Algorithm CompressionType `yaml:"algorithm" mapstructure:"algorithm"`
	Level     int             `yaml:"level" mapstructure:"level"`
}

// EncryptionConfig defines how the operator secret is obtained and stretched
type EncryptionConfig struct {
	KeySource  string `yaml:"key_source" mapstructure:"key_source"` // "inline", "env", "file"
	Secret     string `yaml:"-" mapstructure:"secret"`
	KeyEnvVar  string `yaml:"key_env_var" mapstructure:"key_env_var"`
	KeyPath    string `yaml:"key_path" mapstructure:"key_path"`
	Salt       string `yaml:"salt" mapstructure:"salt"`
	Iterations int    `yaml:"iterations" mapstructure:"iterations"`
}

// RetentionConfig holds the default retention policy
type RetentionConfig struct {
	MaxBackups    int           `yaml:"max_backups" mapstructure:"max_backups"`
	RetentionDays int           `yaml:"retention_days" mapstructure:"retention_days"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	AfterBackup   bool          `yaml:"after_backup" mapstructure:"after_backup"`
}

// ToolsConfig selects the dump/load utilities
type ToolsConfig struct {
	Engine   string        `yaml:"engine" mapstructure:"engine"` // "mysql" or "postgres"
	DumpPath string        `yaml:"dump_path" mapstructure:"dump_path"`
	LoadPath string        `yaml:"load_path" mapstructure:"load_path"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
	// AuditTables are only captured when a backup asks for audit logs
	AuditTables []string `yaml:"audit_tables" mapstructure:"audit_tables"`
}

// DocumentsConfig points at the document store bundled with backups
type DocumentsConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// OperationLogConfig enables the rotated JSON operation log
type OperationLogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// SchedulerConfig controls the unattended run loop
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

// LockConfig tunes the catalog lock that keeps processes sharing a catalog
// from running two operations against one target. A lock whose heartbeat is
// older than StaleAfter belongs to a dead process and may be taken over.
type LockConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
}

// SetDefaults fills every unset value
func (c *EngineConfig) SetDefaults() {
	c.Tools.SetDefaults()
	c.Database.SetDefaults(c.Tools.Engine)
	if c.Target == "" && c.Database.Database != "" {
		c.Target = TargetFromDSN(c.Database.Locator(c.Tools.Engine))
	}
	if c.Target == "" {
		c.Target = "default"
	}
	if c.AppVersion == "" {
		c.AppVersion = "dev"
	}
	if c.Catalog.Driver == "" {
		c.Catalog.Driver = "sqlite"
	}
	if c.Catalog.DSN == "" && c.Catalog.Driver == "sqlite" {
		c.Catalog.DSN = "./backups/catalog.db"
	}
	c.Storage.SetDefaults()
	c.Compression.SetDefaults()
	c.Encryption.SetDefaults()
	c.Retention.SetDefaults()
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 30 * time.Second
	}
	if c.Locking.HeartbeatInterval == 0 {
		c.Locking.HeartbeatInterval = 10 * time.Second
	}
	if c.Locking.StaleAfter == 0 {
		c.Locking.StaleAfter = 6 * c.Locking.HeartbeatInterval
	}
	c.Notifications.SetDefaults()
}

// Validate validates the EngineConfig
func (c *EngineConfig) Validate() error {
	var errors ValidationErrors

	switch c.Catalog.Driver {
	case "sqlite", "mysql":
	default:
		errors.Add("catalog.driver", "catalog driver must be 'sqlite' or 'mysql'", c.Catalog.Driver)
	}
	if c.Catalog.DSN == "" {
		errors.Add("catalog.dsn", "catalog DSN is required", c.Catalog.DSN)
	}

	for _, section := range []interface{ Validate() error }{&c.Storage, &c.Compression, &c.Encryption, &c.Retention, &c.Tools} {
		if err := section.Validate(); err != nil {
			if validationErrs, ok := err.(ValidationErrors); ok {
				errors = append(errors, validationErrs...)
			} else {
				errors.Add("config", err.Error(), nil)
			}
		}
	}

	if c.Scheduler.PollInterval < 0 {
		errors.Add("scheduler.poll_interval", "poll interval cannot be negative", c.Scheduler.PollInterval)
	}
	if c.Locking.HeartbeatInterval < 0 || c.Locking.StaleAfter <= c.Locking.HeartbeatInterval {
		errors.Add("locking.stale_after", "stale window must be longer than the heartbeat interval", c.Locking.StaleAfter)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// TargetFromDSN derives a stable, credential free guard scope from a DSN
func TargetFromDSN(dsn string) string {
	hash := sha256.Sum256([]byte(dsn))
	return "db-" + hex.EncodeToString(hash[:8])
}

// SetDefaults fills the port and timeout for the given engine
func (dc *DatabaseConfig) SetDefaults(engine string) {
	if dc.Host == "" {
		dc.Host = "localhost"
	}
	if dc.Port == 0 {
		if engine == "postgres" {
			dc.Port = 5432
		} else {
			dc.Port = 3306
		}
	}
	if dc.SSLMode == "" && engine == "postgres" {
		dc.SSLMode = "disable"
	}
	if dc.Timeout == 0 {
		dc.Timeout = 30 * time.Second
	}
}

// Validate checks the connection parameters needed by the dump tools
func (dc *DatabaseConfig) Validate() error {
	var errors ValidationErrors

	if dc.Host == "" {
		errors.Add("database.host", "host is required", dc.Host)
	}
	if dc.Port <= 0 || dc.Port > 65535 {
		errors.Add("database.port", "port must be between 1 and 65535", dc.Port)
	}
	if dc.Username == "" {
		errors.Add("database.username", "username is required", dc.Username)
	}
	if dc.Database == "" {
		errors.Add("database.database", "database name is required", dc.Database)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// Locator identifies the database without credentials
func (dc *DatabaseConfig) Locator(engine string) string {
	return fmt.Sprintf("%s://%s:%d/%s", engine, dc.Host, dc.Port, dc.Database)
}

// SetDefaults sets default values for storage configuration
func (sc *StorageConfig) SetDefaults() {
	if sc.Provider == "" {
		sc.Provider = StorageProviderLocal
	}
	sc.Provider = StorageProviderType(strings.ToUpper(string(sc.Provider)))

	switch sc.Provider {
	case StorageProviderLocal:
		if sc.Local == nil {
			sc.Local = &LocalConfig{}
		}
		if sc.Local.BasePath == "" {
			sc.Local.BasePath = "./backups"
		}
		if sc.Local.Permissions == 0 {
			sc.Local.Permissions = 0750
		}
	case StorageProviderS3:
		if sc.S3 == nil {
			sc.S3 = &S3Config{}
		}
		if sc.S3.Region == "" {
			sc.S3.Region = "us-east-1"
		}
	case StorageProviderGCS:
		if sc.GCS == nil {
			sc.GCS = &GCSConfig{}
		}
		if sc.GCS.CredentialsPath == "" {
			sc.GCS.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
		}
	case StorageProviderAzure:
		if sc.Azure == nil {
			sc.Azure = &AzureConfig{}
		}
	case StorageProviderSFTP:
		if sc.SFTP == nil {
			sc.SFTP = &SFTPConfig{}
		}
		if sc.SFTP.Port == 0 {
			sc.SFTP.Port = 22
		}
	}
}

// SetDefaults sets default values for compression configuration
func (cc *CompressionConfig) SetDefaults() {
	if cc.Algorithm == "" {
		cc.Algorithm = CompressionTypeGzip
	}
	cc.Algorithm = CompressionType(strings.ToUpper(string(cc.Algorithm)))

	if cc.Level == 0 {
		switch cc.Algorithm {
		case CompressionTypeGzip:
			cc.Level = 6
		case CompressionTypeLZ4:
			cc.Level = 1
		case CompressionTypeZstd:
			cc.Level = 3
		}
	}
}

// Validate validates the CompressionConfig. Compression is never disabled.
func (cc *CompressionConfig) Validate() error {
	var errors ValidationErrors

	switch cc.Algorithm {
	case CompressionTypeGzip:
		if cc.Level < 1 || cc.Level > 9 {
			errors.Add("compression.level", "gzip compression level must be between 1 and 9", cc.Level)
		}
	case CompressionTypeLZ4:
		if cc.Level < 1 || cc.Level > 12 {
			errors.Add("compression.level", "lz4 compression level must be between 1 and 12", cc.Level)
		}
	case CompressionTypeZstd:
		if cc.Level < 1 || cc.Level > 22 {
			errors.Add("compression.level", "zstd compression level must be between 1 and 22", cc.Level)
		}
	default:
		errors.Add("compression.algorithm", "compression algorithm must be GZIP, LZ4 or ZSTD", cc.Algorithm)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// SetDefaults sets default values for encryption configuration
func (ec *EncryptionConfig) SetDefaults() {
	if ec.KeySource == "" {
		ec.KeySource = "inline"
	}
	if ec.KeySource == "env" && ec.KeyEnvVar == "" {
		ec.KeyEnvVar = "DBBACKUP_ENCRYPTION_SECRET"
	}
	if ec.Iterations == 0 {
		ec.Iterations = DefaultKDFIterations
	}
}

// Validate validates the EncryptionConfig
func (ec *EncryptionConfig) Validate() error {
	var errors ValidationErrors

	switch ec.KeySource {
	case "inline":
	case "env":
		if ec.KeyEnvVar == "" {
			errors.Add("encryption.key_env_var", "key environment variable name is required for env key source", ec.KeyEnvVar)
		}
	case "file":
		if ec.KeyPath == "" {
			errors.Add("encryption.key_path", "key file path is required for file key source", ec.KeyPath)
		}
	default:
		errors.Add("encryption.key_source", "invalid key source, must be 'inline', 'env', or 'file'", ec.KeySource)
	}

	if ec.Iterations < 10000 {
		errors.Add("encryption.iterations", "key derivation needs at least 10000 iterations", ec.Iterations)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// ResolveSecret returns the operator secret from the configured source. An
// empty result means encryption is unavailable.
func (ec *EncryptionConfig) ResolveSecret() (string, error) {
	switch ec.KeySource {
	case "", "inline":
		return ec.Secret, nil
	case "env":
		return os.Getenv(ec.KeyEnvVar), nil
	case "file":
		data, err := os.ReadFile(ec.KeyPath)
		if err != nil {
			return "", NewConfigurationError(fmt.Sprintf("failed to read encryption secret from %s", ec.KeyPath), err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return "", NewConfigurationError(fmt.Sprintf("invalid key source: %s", ec.KeySource), nil)
	}
}

// SaltBytes returns the configured KDF salt or the built-in one
func (ec *EncryptionConfig) SaltBytes() []byte {
	if ec.Salt == "" {
		return DefaultKDFSalt
	}
	return []byte(ec.Salt)
}

// SetDefaults sets default values for retention configuration
func (rc *RetentionConfig) SetDefaults() {
	if rc.MaxBackups == 0 && rc.RetentionDays == 0 {
		rc.MaxBackups = 10
		rc.RetentionDays = 30
	}
}

// Validate validates the RetentionConfig
func (rc *RetentionConfig) Validate() error {
	var errors ValidationErrors

	if rc.MaxBackups < 0 {
		errors.Add("retention.max_backups", "max backups cannot be negative", rc.MaxBackups)
	}

	if rc.RetentionDays < 0 {
		errors.Add("retention.retention_days", "retention days cannot be negative", rc.RetentionDays)
	}

	if rc.SweepInterval < 0 {
		errors.Add("retention.sweep_interval", "sweep interval cannot be negative", rc.SweepInterval)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// Policy returns the retention policy described by the config
func (rc RetentionConfig) Policy() RetentionPolicy {
	return RetentionPolicy{MaxBackups: rc.MaxBackups, RetentionDays: rc.RetentionDays}
}

// SetDefaults sets default values for tool configuration
func (tc *ToolsConfig) SetDefaults() {
	if tc.Engine == "" {
		tc.Engine = "mysql"
	}
	tc.Engine = strings.ToLower(tc.Engine)

	switch tc.Engine {
	case "mysql":
		if tc.DumpPath == "" {
			tc.DumpPath = "mysqldump"
		}
		if tc.LoadPath == "" {
			tc.LoadPath = "mysql"
		}
	case "postgres":
		if tc.DumpPath == "" {
			tc.DumpPath = "pg_dump"
		}
		if tc.LoadPath == "" {
			tc.LoadPath = "pg_restore"
		}
	}

	if tc.Timeout == 0 {
		tc.Timeout = 30 * time.Minute
	}
}

// Validate validates the ToolsConfig
func (tc *ToolsConfig) Validate() error {
	var errors ValidationErrors

	switch tc.Engine {
	case "mysql", "postgres":
	default:
		errors.Add("tools.engine", "tool engine must be 'mysql' or 'postgres'", tc.Engine)
	}

	if tc.Timeout <= 0 {
		errors.Add("tools.timeout", "tool timeout must be positive", tc.Timeout)
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}
