package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// LocalStorage implements Storage on the local file system. Keys are slash
// separated paths relative to the base directory.
type LocalStorage struct {
	basePath    string
	permissions os.FileMode
}

// NewLocalStorage creates a LocalStorage rooted at config.BasePath
func NewLocalStorage(config *LocalConfig) (*LocalStorage, error) {
	if config == nil {
		return nil, NewValidationError("local storage configuration is required", nil)
	}

	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid local storage configuration", err)
	}

	permissions := config.Permissions
	if permissions == 0 {
		permissions = 0750
	}

	storage := &LocalStorage{
		basePath:    config.BasePath,
		permissions: permissions,
	}

	if err := os.MkdirAll(storage.basePath, storage.permissions); err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to create base directory %s", storage.basePath), err)
	}

	return storage, nil
}

// Write stores data under key. The file is written to a temp file and
// renamed so readers never observe a partial artifact.
func (ls *LocalStorage) Write(ctx context.Context, key string, data []byte) error {
	target, err := ls.resolve(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return NewCancelledError("write cancelled", err)
	}

	if err := os.MkdirAll(filepath.Dir(target), ls.permissions); err != nil {
		return NewStorageError("failed to create artifact directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return NewStorageError("failed to create temp file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return NewStorageError(fmt.Sprintf("failed to write %s", key), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return NewStorageError(fmt.Sprintf("failed to sync %s", key), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return NewStorageError(fmt.Sprintf("failed to close %s", key), err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return NewStorageError(fmt.Sprintf("failed to move %s into place", key), err)
	}

	return nil
}

// Read returns the bytes stored under key
func (ls *LocalStorage) Read(ctx context.Context, key string) ([]byte, error) {
	target, err := ls.resolve(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, NewCancelledError("read cancelled", err)
	}

	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, NewNotFoundError(fmt.Sprintf("object %s not found", key), err)
	}
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to read %s", key), err)
	}

	return data, nil
}

// Delete removes key and prunes its directory when it becomes empty
func (ls *LocalStorage) Delete(ctx context.Context, key string) error {
	target, err := ls.resolve(key)
	if err != nil {
		return err
	}

	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return NewStorageError(fmt.Sprintf("failed to delete %s", key), err)
	}

	// Best effort; a non-empty directory simply stays.
	if dir := filepath.Dir(target); dir != filepath.Clean(ls.basePath) {
		_ = os.Remove(dir)
	}

	return nil
}

// List returns every key that starts with prefix, sorted
func (ls *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	err := filepath.WalkDir(ls.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}

		rel, err := filepath.Rel(ls.basePath, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, NewStorageError("failed to list objects", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// BasePath returns the root directory
func (ls *LocalStorage) BasePath() string {
	return ls.basePath
}

// HealthCheck verifies that the base directory is writable
func (ls *LocalStorage) HealthCheck(ctx context.Context) error {
	probe := ".health_check"
	if err := ls.Write(ctx, probe, []byte("ok")); err != nil {
		return NewStorageError("storage health check failed: cannot write to base directory", err)
	}
	return ls.Delete(ctx, probe)
}

// resolve maps a key to a path inside the base directory
func (ls *LocalStorage) resolve(key string) (string, error) {
	cleaned, ok := cleanRelativePath(key)
	if !ok || cleaned != path.Clean(key) {
		return "", NewValidationError(fmt.Sprintf("invalid storage key: %q", key), nil)
	}
	return filepath.Join(ls.basePath, filepath.FromSlash(cleaned)), nil
}
