package config

import (
	"fmt"
	"os"
	"path/filepath"

	"db-backup-engine/internal/backup"

	"gopkg.in/yaml.v3"
)

const templateHeader = `# db-backup-engine configuration
#
# Every key can be overridden by an environment variable named after it,
# e.g. storage.s3.bucket -> DBBACKUP_STORAGE_S3_BUCKET. Secrets
# (database.password, encryption.secret, smtp password) are never written
# here; supply them through the environment.

`

// DefaultConfig returns the configuration Load produces from an empty file
func DefaultConfig() *Config {
	cfg := &Config{
		Log: LogConfig{Level: "normal", Format: "text"},
	}
	cfg.Engine.Database.Username = "backup"
	cfg.Engine.Database.Database = "app"
	cfg.Engine.Retention.AfterBackup = true
	cfg.Engine.SetDefaults()
	return cfg
}

// Template renders cfg as a commented YAML document
func Template(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return append([]byte(templateHeader), data...), nil
}

// WriteTemplate writes the default configuration to path. An existing file
// is only replaced when force is set; the previous content is kept next to
// it with a .bak suffix.
func WriteTemplate(path string, force bool) error {
	if _, err := os.Stat(path); err == nil {
		if !force {
			return backup.NewConfigurationError(fmt.Sprintf("configuration file already exists: %s", path), nil)
		}
		previous, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read existing configuration: %w", err)
		}
		if err := os.WriteFile(path+".bak", previous, 0600); err != nil {
			return fmt.Errorf("failed to back up existing configuration: %w", err)
		}
	}

	data, err := Template(DefaultConfig())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}
