package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	apperrors "db-backup-engine/internal/errors"
)

// GCSStorage implements Storage for Google Cloud Storage
type GCSStorage struct {
	client     *storage.Client
	bucketName string
	prefix     string
	retry      *apperrors.RetryHandler
}

// NewGCSStorage creates a new GCSStorage instance. Without a credentials
// file the default application credentials are used.
func NewGCSStorage(ctx context.Context, config *GCSConfig) (*GCSStorage, error) {
	if config == nil {
		return nil, NewValidationError("GCS storage configuration is required", nil)
	}

	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid GCS storage configuration", err)
	}

	var opts []option.ClientOption
	if config.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, NewStorageError("failed to create GCS client", err)
	}

	return &GCSStorage{
		client:     client,
		bucketName: config.Bucket,
		prefix:     normalizePrefix(config.Prefix),
		retry:      apperrors.NewDefaultRetryHandler(),
	}, nil
}

// Write uploads data under key
func (g *GCSStorage) Write(ctx context.Context, key string, data []byte) error {
	err := g.retry.Retry(ctx, func() error {
		writer := g.client.Bucket(g.bucketName).Object(g.prefix + key).NewWriter(ctx)
		writer.ContentType = contentTypeFor(key)

		if _, err := writer.Write(data); err != nil {
			writer.Close()
			return err
		}
		return writer.Close()
	})
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to upload %s to GCS", key), err)
	}
	return nil
}

// Read downloads the object stored under key
func (g *GCSStorage) Read(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := g.retry.Retry(ctx, func() error {
		reader, err := g.client.Bucket(g.bucketName).Object(g.prefix + key).NewReader(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return errObjectNotFound
		}
		if err != nil {
			return err
		}
		defer reader.Close()

		data, err = io.ReadAll(reader)
		return err
	})
	if errors.Is(err, errObjectNotFound) {
		return nil, NewNotFoundError(fmt.Sprintf("object %s not found in GCS", key), err)
	}
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to download %s from GCS", key), err)
	}
	return data, nil
}

// Delete removes the object stored under key
func (g *GCSStorage) Delete(ctx context.Context, key string) error {
	err := g.retry.Retry(ctx, func() error {
		err := g.client.Bucket(g.bucketName).Object(g.prefix + key).Delete(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return err
	})
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to delete %s from GCS", key), err)
	}
	return nil
}

// List returns every key under prefix
func (g *GCSStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	it := g.client.Bucket(g.bucketName).Objects(ctx, &storage.Query{Prefix: g.prefix + prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, NewStorageError("failed to list objects in GCS", err)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, g.prefix))
	}

	return keys, nil
}

// Close releases the client
func (g *GCSStorage) Close() error {
	return g.client.Close()
}
