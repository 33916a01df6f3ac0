package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"

	apperrors "db-backup-engine/internal/errors"
)

// AzureStorage implements Storage for Azure Blob Storage
type AzureStorage struct {
	containerURL azblob.ContainerURL
	prefix       string
	retry        *apperrors.RetryHandler
}

// NewAzureStorage creates a new AzureStorage instance
func NewAzureStorage(config *AzureConfig) (*AzureStorage, error) {
	if config == nil {
		return nil, NewValidationError("Azure storage configuration is required", nil)
	}

	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid Azure storage configuration", err)
	}

	credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
	if err != nil {
		return nil, NewStorageError("failed to create Azure credentials", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", config.AccountName))
	if err != nil {
		return nil, NewStorageError("failed to parse Azure service URL", err)
	}

	return &AzureStorage{
		containerURL: azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(config.ContainerName),
		prefix:       normalizePrefix(config.Prefix),
		retry:        apperrors.NewDefaultRetryHandler(),
	}, nil
}

// Write uploads data under key
func (a *AzureStorage) Write(ctx context.Context, key string, data []byte) error {
	blobURL := a.containerURL.NewBlockBlobURL(a.prefix + key)

	err := a.retry.Retry(ctx, func() error {
		_, err := azblob.UploadBufferToBlockBlob(ctx, data, blobURL, azblob.UploadToBlockBlobOptions{
			BlockSize:   4 * 1024 * 1024,
			Parallelism: 16,
			BlobHTTPHeaders: azblob.BlobHTTPHeaders{
				ContentType: contentTypeFor(key),
			},
		})
		return err
	})
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to upload %s to Azure", key), err)
	}
	return nil
}

// Read downloads the blob stored under key
func (a *AzureStorage) Read(ctx context.Context, key string) ([]byte, error) {
	blobURL := a.containerURL.NewBlockBlobURL(a.prefix + key)

	var data []byte
	err := a.retry.Retry(ctx, func() error {
		response, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
		if isAzureNotFound(err) {
			return errObjectNotFound
		}
		if err != nil {
			return err
		}

		body := response.Body(azblob.RetryReaderOptions{MaxRetryRequests: 20})
		defer body.Close()

		data, err = io.ReadAll(body)
		return err
	})
	if errors.Is(err, errObjectNotFound) {
		return nil, NewNotFoundError(fmt.Sprintf("blob %s not found in Azure", key), err)
	}
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to download %s from Azure", key), err)
	}
	return data, nil
}

// Delete removes the blob stored under key
func (a *AzureStorage) Delete(ctx context.Context, key string) error {
	blobURL := a.containerURL.NewBlockBlobURL(a.prefix + key)

	err := a.retry.Retry(ctx, func() error {
		_, err := blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
		if isAzureNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to delete %s from Azure", key), err)
	}
	return nil
}

// List returns every key under prefix
func (a *AzureStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	for marker := (azblob.Marker{}); marker.NotDone(); {
		response, err := a.containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: a.prefix + prefix,
		})
		if err != nil {
			return nil, NewStorageError("failed to list blobs in Azure", err)
		}

		for _, blob := range response.Segment.BlobItems {
			keys = append(keys, strings.TrimPrefix(blob.Name, a.prefix))
		}

		marker = response.NextMarker
	}

	return keys, nil
}

func isAzureNotFound(err error) bool {
	var storageErr azblob.StorageError
	if errors.As(err, &storageErr) {
		return storageErr.ServiceCode() == azblob.ServiceCodeBlobNotFound
	}
	return false
}
