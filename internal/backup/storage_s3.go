package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	apperrors "db-backup-engine/internal/errors"
)

// errObjectNotFound marks a missing object so retries stop immediately
var errObjectNotFound = errors.New("object not found")

// S3Storage implements Storage for Amazon S3 and S3 compatible endpoints
type S3Storage struct {
	client s3iface.S3API
	bucket string
	prefix string
	retry  *apperrors.RetryHandler
}

// NewS3Storage creates a new S3Storage instance
func NewS3Storage(config *S3Config) (*S3Storage, error) {
	if config == nil {
		return nil, NewValidationError("S3 storage configuration is required", nil)
	}

	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid S3 storage configuration", err)
	}

	awsConfig := &aws.Config{Region: aws.String(config.Region)}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, NewStorageError("failed to create AWS session", err)
	}

	return NewS3StorageWithClient(s3.New(sess), config.Bucket, config.Prefix), nil
}

// NewS3StorageWithClient wraps an existing S3 client
func NewS3StorageWithClient(client s3iface.S3API, bucket, prefix string) *S3Storage {
	return &S3Storage{
		client: client,
		bucket: bucket,
		prefix: normalizePrefix(prefix),
		retry:  apperrors.NewDefaultRetryHandler(),
	}
}

// Write uploads data under key
func (s *S3Storage) Write(ctx context.Context, key string, data []byte) error {
	err := s.retry.Retry(ctx, func() error {
		_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.prefix + key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentTypeFor(key)),
		})
		return err
	})
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to upload %s to S3", key), err)
	}
	return nil
}

// Read downloads the object stored under key
func (s *S3Storage) Read(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.retry.Retry(ctx, func() error {
		result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.prefix + key),
		})
		if err != nil {
			var aerr awserr.Error
			if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
				return errObjectNotFound
			}
			return err
		}
		defer result.Body.Close()

		data, err = io.ReadAll(result.Body)
		return err
	})
	if errors.Is(err, errObjectNotFound) {
		return nil, NewNotFoundError(fmt.Sprintf("object %s not found in S3", key), err)
	}
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to download %s from S3", key), err)
	}
	return data, nil
}

// Delete removes the object stored under key
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	err := s.retry.Retry(ctx, func() error {
		_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.prefix + key),
		})
		return err
	})
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to delete %s from S3", key), err)
	}
	return nil
}

// List returns every key under prefix
func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, object := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.StringValue(object.Key), s.prefix))
		}
		return true
	})
	if err != nil {
		return nil, NewStorageError("failed to list objects in S3", err)
	}

	return keys, nil
}

// normalizePrefix makes a non-empty prefix end in exactly one slash
func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func contentTypeFor(key string) string {
	if strings.HasSuffix(key, ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}
