package backup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	artifactSuffix = ".backup"
	sidecarSuffix  = ".meta.json"
)

// NewStorage creates a storage backend based on the storage configuration
func NewStorage(ctx context.Context, config StorageConfig) (Storage, error) {
	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid storage configuration", err)
	}

	switch config.Provider {
	case StorageProviderLocal:
		return NewLocalStorage(config.Local)

	case StorageProviderS3:
		return NewS3Storage(config.S3)

	case StorageProviderAzure:
		return NewAzureStorage(config.Azure)

	case StorageProviderGCS:
		return NewGCSStorage(ctx, config.GCS)

	case StorageProviderSFTP:
		return NewSFTPStorage(config.SFTP)

	default:
		return nil, NewValidationError(fmt.Sprintf("unsupported storage provider: %s", config.Provider), nil)
	}
}

// SupportedProviders returns the storage provider types NewStorage can build
func SupportedProviders() []StorageProviderType {
	return []StorageProviderType{
		StorageProviderLocal,
		StorageProviderS3,
		StorageProviderAzure,
		StorageProviderGCS,
		StorageProviderSFTP,
	}
}

// ArtifactKey returns the storage key of the artifact for a backup id
func ArtifactKey(id string) string {
	return id + "/" + id + artifactSuffix
}

// SidecarKey returns the key of the metadata sidecar stored next to an artifact
func SidecarKey(artifactKey string) string {
	return artifactKey + sidecarSuffix
}

// IsArtifactKey reports whether key names an artifact rather than a sidecar
func IsArtifactKey(key string) bool {
	return strings.HasSuffix(key, artifactSuffix)
}

// closeStorage releases backends that hold connections
func closeStorage(storage Storage) error {
	if closer, ok := storage.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// StorageRegistry maps provider tags to live backends. Backups record the
// provider they were written to, so reads and evictions go back to the same
// backend even after the default changes.
type StorageRegistry struct {
	mu              sync.RWMutex
	defaultProvider StorageProviderType
	backends        map[StorageProviderType]Storage
}

// NewStorageRegistry creates a registry with one default backend
func NewStorageRegistry(defaultProvider StorageProviderType, defaultStorage Storage) *StorageRegistry {
	return &StorageRegistry{
		defaultProvider: defaultProvider,
		backends:        map[StorageProviderType]Storage{defaultProvider: defaultStorage},
	}
}

// Register adds or replaces the backend for a provider
func (r *StorageRegistry) Register(provider StorageProviderType, storage Storage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[provider] = storage
}

// Get returns the backend for provider. An empty provider means the default.
func (r *StorageRegistry) Get(provider StorageProviderType) (StorageProviderType, Storage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if provider == "" {
		provider = r.defaultProvider
	}
	storage, ok := r.backends[provider]
	if !ok {
		return provider, nil, NewConfigurationError(fmt.Sprintf("storage provider %s is not configured", provider), nil)
	}
	return provider, storage, nil
}

// Default returns the default provider and its backend
func (r *StorageRegistry) Default() (StorageProviderType, Storage) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultProvider, r.backends[r.defaultProvider]
}

// Providers lists the registered providers in a stable order
func (r *StorageRegistry) Providers() []StorageProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]StorageProviderType, 0, len(r.backends))
	for provider := range r.backends {
		providers = append(providers, provider)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	return providers
}

// Close releases every backend that holds connections
func (r *StorageRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, storage := range r.backends {
		if err := closeStorage(storage); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
