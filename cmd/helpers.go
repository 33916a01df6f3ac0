package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"db-backup-engine/internal/backup"

	"gopkg.in/yaml.v3"
)

// parseKeyValues turns repeated key=value flags into a map
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	values := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid key=value pair: %q", pair)
		}
		values[key] = value
	}
	return values, nil
}

// parseTimeFlag accepts RFC 3339, a plain date, or an age such as 36h or 7d
// meaning that long before now
func parseTimeFlag(value string, now time.Time) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", value, time.Local); err == nil {
		return &t, nil
	}
	if days, ok := strings.CutSuffix(value, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil && n >= 0 {
			t := now.AddDate(0, 0, -n)
			return &t, nil
		}
	}
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		t := now.Add(-d)
		return &t, nil
	}
	return nil, fmt.Errorf("invalid time %q: use RFC 3339, YYYY-MM-DD or an age such as 36h or 7d", value)
}

// readSettingsFile loads a JSON or YAML settings document
func readSettingsFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings map[string]interface{}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}
	if settings == nil {
		return nil, fmt.Errorf("settings file %s is empty", path)
	}
	return settings, nil
}

// fileSettingsApplier restores SETTINGS backups by writing the document to
// a YAML file the application picks up
type fileSettingsApplier struct {
	path string
}

func (a fileSettingsApplier) ApplySettings(_ context.Context, settings map[string]interface{}) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	return os.WriteFile(a.path, data, 0600)
}

// resultError turns a failed engine result into an error
func resultError(message string, err error) error {
	if err != nil {
		return err
	}
	return errors.New(message)
}

func upper[T ~string](value string) T {
	return T(strings.ToUpper(strings.TrimSpace(value)))
}

func statusList(values []string) []backup.BackupStatus {
	statuses := make([]backup.BackupStatus, 0, len(values))
	for _, value := range values {
		statuses = append(statuses, upper[backup.BackupStatus](value))
	}
	return statuses
}
