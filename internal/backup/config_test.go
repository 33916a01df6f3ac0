package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validEngineConfig() *EngineConfig {
	config := &EngineConfig{
		Database: DatabaseConfig{Host: "db.internal", Username: "backup", Database: "shop"},
		Storage: StorageConfig{
			Provider: StorageProviderLocal,
			Local:    &LocalConfig{BasePath: "/tmp/backups", Permissions: 0755},
		},
	}
	config.SetDefaults()
	return config
}

func TestEngineConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*EngineConfig)
		wantErr bool
	}{
		{name: "valid configuration", mutate: func(*EngineConfig) {}},
		{
			name:    "invalid storage provider",
			mutate:  func(c *EngineConfig) { c.Storage.Provider = "INVALID" },
			wantErr: true,
		},
		{
			name:    "unsupported catalog driver",
			mutate:  func(c *EngineConfig) { c.Catalog.Driver = "oracle" },
			wantErr: true,
		},
		{
			name:    "empty catalog dsn",
			mutate:  func(c *EngineConfig) { c.Catalog.DSN = "" },
			wantErr: true,
		},
		{
			name:    "compression cannot be disabled",
			mutate:  func(c *EngineConfig) { c.Compression.Algorithm = CompressionTypeNone },
			wantErr: true,
		},
		{
			name:    "gzip level out of range",
			mutate:  func(c *EngineConfig) { c.Compression.Level = 12 },
			wantErr: true,
		},
		{
			name:    "weak key derivation",
			mutate:  func(c *EngineConfig) { c.Encryption.Iterations = 100 },
			wantErr: true,
		},
		{
			name:    "negative retention",
			mutate:  func(c *EngineConfig) { c.Retention.RetentionDays = -1 },
			wantErr: true,
		},
		{
			name:    "unknown tool engine",
			mutate:  func(c *EngineConfig) { c.Tools.Engine = "oracle" },
			wantErr: true,
		},
		{
			name:    "negative poll interval",
			mutate:  func(c *EngineConfig) { c.Scheduler.PollInterval = -time.Second },
			wantErr: true,
		},
		{
			name:    "lock stale window shorter than heartbeat",
			mutate:  func(c *EngineConfig) { c.Locking.StaleAfter = c.Locking.HeartbeatInterval },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validEngineConfig()
			tt.mutate(config)

			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("EngineConfig.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEngineConfig_SetDefaults(t *testing.T) {
	config := &EngineConfig{}
	config.SetDefaults()

	if config.Storage.Provider != StorageProviderLocal {
		t.Errorf("Expected default storage provider to be LOCAL, got %s", config.Storage.Provider)
	}
	if config.Storage.Local == nil || config.Storage.Local.BasePath != "./backups" {
		t.Errorf("Expected default local base path ./backups, got %+v", config.Storage.Local)
	}
	if config.Catalog.Driver != "sqlite" || config.Catalog.DSN == "" {
		t.Errorf("Expected sqlite catalog with a default DSN, got %+v", config.Catalog)
	}
	if config.Compression.Algorithm != CompressionTypeGzip || config.Compression.Level != 6 {
		t.Errorf("Expected gzip level 6, got %s level %d", config.Compression.Algorithm, config.Compression.Level)
	}
	if config.Encryption.Iterations != DefaultKDFIterations {
		t.Errorf("Expected %d KDF iterations, got %d", DefaultKDFIterations, config.Encryption.Iterations)
	}
	if config.Retention.MaxBackups != 10 || config.Retention.RetentionDays != 30 {
		t.Errorf("Expected retention 10 backups / 30 days, got %+v", config.Retention)
	}
	if config.Tools.Engine != "mysql" || config.Tools.DumpPath != "mysqldump" || config.Tools.LoadPath != "mysql" {
		t.Errorf("Expected mysql tools, got %+v", config.Tools)
	}
	if config.Database.Port != 3306 {
		t.Errorf("Expected default mysql port 3306, got %d", config.Database.Port)
	}
	if config.Target != "default" {
		t.Errorf("Expected target 'default' without a database, got %s", config.Target)
	}
	if config.Scheduler.PollInterval != 30*time.Second {
		t.Errorf("Expected 30s poll interval, got %v", config.Scheduler.PollInterval)
	}
	if config.Locking.HeartbeatInterval != 10*time.Second || config.Locking.StaleAfter != time.Minute {
		t.Errorf("Expected 10s heartbeat and 1m stale window, got %+v", config.Locking)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Defaults should validate, got %v", err)
	}
}

func TestEngineConfig_SetDefaults_Postgres(t *testing.T) {
	config := &EngineConfig{
		Tools:    ToolsConfig{Engine: "POSTGRES"},
		Database: DatabaseConfig{Database: "shop"},
	}
	config.SetDefaults()

	if config.Tools.Engine != "postgres" {
		t.Errorf("Expected engine to be lowercased, got %s", config.Tools.Engine)
	}
	if config.Tools.DumpPath != "pg_dump" || config.Tools.LoadPath != "pg_restore" {
		t.Errorf("Expected pg_dump/pg_restore, got %s/%s", config.Tools.DumpPath, config.Tools.LoadPath)
	}
	if config.Database.Port != 5432 || config.Database.SSLMode != "disable" {
		t.Errorf("Expected postgres port and sslmode defaults, got %+v", config.Database)
	}
	if config.Target != TargetFromDSN("postgres://localhost:5432/shop") {
		t.Errorf("Expected target derived from locator, got %s", config.Target)
	}
}

func TestTargetFromDSN(t *testing.T) {
	first := TargetFromDSN("mysql://db:3306/shop")
	if first != TargetFromDSN("mysql://db:3306/shop") {
		t.Error("Target should be stable for the same DSN")
	}
	if first == TargetFromDSN("mysql://db:3306/other") {
		t.Error("Different databases should map to different targets")
	}
	if len(first) != len("db-")+16 {
		t.Errorf("Unexpected target length: %s", first)
	}
}

func TestDatabaseConfig_Validate(t *testing.T) {
	valid := DatabaseConfig{Host: "db", Port: 3306, Username: "backup", Database: "shop"}
	if err := valid.Validate(); err != nil {
		t.Errorf("Expected valid database config, got %v", err)
	}

	invalid := DatabaseConfig{Port: 70000}
	err := invalid.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if errs, ok := err.(ValidationErrors); !ok || len(errs) != 4 {
		t.Errorf("Expected 4 validation errors, got %v", err)
	}
}

func TestStorageConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  StorageConfig
		wantErr bool
	}{
		{"local", StorageConfig{Provider: StorageProviderLocal, Local: &LocalConfig{BasePath: "/data"}}, false},
		{"local without path", StorageConfig{Provider: StorageProviderLocal, Local: &LocalConfig{}}, true},
		{"local missing section", StorageConfig{Provider: StorageProviderLocal}, true},
		{"s3", StorageConfig{Provider: StorageProviderS3, S3: &S3Config{Bucket: "b", Region: "eu-west-1"}}, false},
		{"s3 half credentials", StorageConfig{Provider: StorageProviderS3, S3: &S3Config{Bucket: "b", Region: "r", AccessKey: "AK"}}, true},
		{"gcs", StorageConfig{Provider: StorageProviderGCS, GCS: &GCSConfig{Bucket: "b"}}, false},
		{"azure missing key", StorageConfig{Provider: StorageProviderAzure, Azure: &AzureConfig{AccountName: "a", ContainerName: "c"}}, true},
		{
			"sftp",
			StorageConfig{Provider: StorageProviderSFTP, SFTP: &SFTPConfig{
				Host: "vault", Username: "backup", Password: "pw", RemotePath: "/srv/backups", KnownHostsPath: "/etc/ssh/known_hosts",
			}},
			false,
		},
		{
			"sftp without host key",
			StorageConfig{Provider: StorageProviderSFTP, SFTP: &SFTPConfig{
				Host: "vault", Username: "backup", Password: "pw", RemotePath: "/srv/backups",
			}},
			true,
		},
		{"unknown provider", StorageConfig{Provider: "TAPE"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("StorageConfig.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptionConfig_ResolveSecret(t *testing.T) {
	inline := EncryptionConfig{KeySource: "inline", Secret: "s3cret"}
	if secret, err := inline.ResolveSecret(); err != nil || secret != "s3cret" {
		t.Errorf("inline secret = %q, %v", secret, err)
	}

	t.Setenv("DBBACKUP_TEST_SECRET", "from-env")
	env := EncryptionConfig{KeySource: "env", KeyEnvVar: "DBBACKUP_TEST_SECRET"}
	if secret, err := env.ResolveSecret(); err != nil || secret != "from-env" {
		t.Errorf("env secret = %q, %v", secret, err)
	}

	keyPath := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(keyPath, []byte("from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	file := EncryptionConfig{KeySource: "file", KeyPath: keyPath}
	if secret, err := file.ResolveSecret(); err != nil || secret != "from-file" {
		t.Errorf("file secret = %q, %v", secret, err)
	}

	missing := EncryptionConfig{KeySource: "file", KeyPath: filepath.Join(t.TempDir(), "absent")}
	if _, err := missing.ResolveSecret(); !IsErrorType(err, BackupErrorTypeConfiguration) {
		t.Errorf("Expected configuration error for missing key file, got %v", err)
	}

	unknown := EncryptionConfig{KeySource: "vault"}
	if _, err := unknown.ResolveSecret(); err == nil {
		t.Error("Expected error for unknown key source")
	}
}

func TestEncryptionConfig_SaltBytes(t *testing.T) {
	config := EncryptionConfig{}
	if string(config.SaltBytes()) != string(DefaultKDFSalt) {
		t.Error("Expected the built-in salt when none is configured")
	}

	config.Salt = "custom"
	if string(config.SaltBytes()) != "custom" {
		t.Errorf("Expected custom salt, got %s", config.SaltBytes())
	}
}

func TestRetentionConfig_Policy(t *testing.T) {
	config := RetentionConfig{MaxBackups: 7, RetentionDays: 14}
	policy := config.Policy()
	if policy.MaxBackups != 7 || policy.RetentionDays != 14 {
		t.Errorf("Unexpected policy: %+v", policy)
	}

	countOnly := RetentionConfig{MaxBackups: 3}
	countOnly.SetDefaults()
	if countOnly.RetentionDays != 0 {
		t.Error("Defaults must not add an age limit to an explicit count-only policy")
	}
}
