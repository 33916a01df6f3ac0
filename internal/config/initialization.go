package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"db-backup-engine/internal/backup"
)

// InitializationResult reports whether the workspace described by a
// configuration is ready for the first backup
type InitializationResult struct {
	Success          bool
	StorageReady     bool
	CatalogReady     bool
	EncryptionReady  bool
	Warnings         []string
	Errors           []string
	RecommendedFixes []string
}

func (r *InitializationResult) warn(message, fix string) {
	r.Warnings = append(r.Warnings, message)
	if fix != "" {
		r.RecommendedFixes = append(r.RecommendedFixes, fix)
	}
}

func (r *InitializationResult) fail(message string) {
	r.Success = false
	r.Errors = append(r.Errors, message)
}

// Initialize prepares local directories for the catalog and local storage
// and checks that credentials the configuration depends on are present.
// Remote backends are not contacted.
func Initialize(cfg *Config) *InitializationResult {
	result := &InitializationResult{
		Success:         true,
		StorageReady:    true,
		CatalogReady:    true,
		EncryptionReady: true,
	}

	engine := &cfg.Engine

	if err := initializeCatalog(engine.Catalog); err != nil {
		result.CatalogReady = false
		result.fail(fmt.Sprintf("Catalog initialization failed: %v", err))
	}

	if err := initializeStorage(engine.Storage, result); err != nil {
		result.StorageReady = false
		result.fail(fmt.Sprintf("Storage initialization failed: %v", err))
	}

	checkEncryption(engine.Encryption, result)

	if engine.Retention.MaxBackups == 0 && engine.Retention.RetentionDays == 0 {
		result.warn("No retention policy is configured; backups accumulate forever",
			"Set retention.max_backups or retention.retention_days")
	}

	return result
}

func initializeCatalog(catalog backup.CatalogConfig) error {
	if catalog.Driver != "sqlite" {
		return nil
	}
	dsn := strings.TrimPrefix(catalog.DSN, "file:")
	if i := strings.IndexByte(dsn, '?'); i != -1 {
		dsn = dsn[:i]
	}
	if dsn == "" || dsn == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0750); err != nil {
		return fmt.Errorf("failed to create catalog directory: %w", err)
	}
	return nil
}

func initializeStorage(storage backup.StorageConfig, result *InitializationResult) error {
	switch storage.Provider {
	case backup.StorageProviderLocal:
		return initializeLocalStorage(storage.Local)
	case backup.StorageProviderS3:
		if storage.S3.AccessKey == "" && os.Getenv("AWS_ACCESS_KEY_ID") == "" {
			result.warn("No S3 access key configured and AWS_ACCESS_KEY_ID is not set",
				"Set storage.s3.access_key or export AWS_ACCESS_KEY_ID")
		}
	case backup.StorageProviderGCS:
		if storage.GCS.CredentialsPath != "" {
			if _, err := os.Stat(storage.GCS.CredentialsPath); err != nil {
				result.warn(fmt.Sprintf("GCS credentials file is not readable: %s", storage.GCS.CredentialsPath),
					"Check storage.gcs.credentials_path")
			}
		}
	case backup.StorageProviderAzure:
		if storage.Azure.AccountKey == "" {
			result.warn("No Azure account key configured",
				fmt.Sprintf("Set storage.azure.account_key or export %s", EnvKey("storage.azure.account_key")))
		}
	case backup.StorageProviderSFTP:
		if storage.SFTP.KnownHostsPath == "" && storage.SFTP.HostKey == "" {
			result.warn("SFTP host key verification is not configured",
				"Set storage.sftp.known_hosts_path or storage.sftp.host_key")
		}
	}
	return nil
}

func initializeLocalStorage(local *backup.LocalConfig) error {
	if local == nil {
		return fmt.Errorf("local storage configuration is missing")
	}

	if err := os.MkdirAll(local.BasePath, local.Permissions|0700); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	probe := filepath.Join(local.BasePath, ".write_test")
	if err := os.WriteFile(probe, []byte("test"), 0600); err != nil {
		return fmt.Errorf("backup directory is not writable: %w", err)
	}
	return os.Remove(probe)
}

func checkEncryption(encryption backup.EncryptionConfig, result *InitializationResult) {
	secret, err := encryption.ResolveSecret()
	if err != nil {
		result.EncryptionReady = false
		result.warn(err.Error(), fmt.Sprintf("Create the key file %s", encryption.KeyPath))
		return
	}
	if secret != "" {
		return
	}

	result.EncryptionReady = false
	switch encryption.KeySource {
	case "env":
		result.warn(fmt.Sprintf("Encryption secret variable %s is not set; encrypted backups are unavailable", encryption.KeyEnvVar),
			fmt.Sprintf("export %s=<secret>", encryption.KeyEnvVar))
	default:
		result.warn("No encryption secret configured; encrypted backups are unavailable",
			fmt.Sprintf("export %s=<secret>", EnvKey("encryption.secret")))
	}
}
