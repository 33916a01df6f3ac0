package backup

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"

	apperrors "db-backup-engine/internal/errors"
)

// fakeS3 keeps objects in memory. Methods the storage never calls fall
// through to the embedded nil interface.
type fakeS3 struct {
	s3iface.S3API

	mu          sync.Mutex
	objects     map[string][]byte
	contentType map[string]string
	putFailures int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), contentType: make(map[string]string)}
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.putFailures > 0 {
		f.putFailures--
		return nil, &net.OpError{Op: "write", Net: "tcp", Err: errors.New("connection reset by peer")}
	}

	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	key := aws.StringValue(input.Key)
	f.objects[key] = data
	f.contentType[key] = aws.StringValue(input.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[aws.StringValue(input.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.StringValue(input.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2PagesWithContext(ctx aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	f.mu.Lock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.StringValue(input.Prefix)) {
			keys = append(keys, key)
		}
	}
	f.mu.Unlock()
	sort.Strings(keys)

	// two pages to exercise pagination
	half := len(keys) / 2
	for i, page := range [][]string{keys[:half], keys[half:]} {
		output := &s3.ListObjectsV2Output{}
		for _, key := range page {
			output.Contents = append(output.Contents, &s3.Object{Key: aws.String(key)})
		}
		if !fn(output, i == 1) {
			break
		}
	}
	return nil
}

func TestNewS3Storage_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config *S3Config
	}{
		{"nil config", nil},
		{"missing bucket", &S3Config{Region: "us-east-1"}},
		{"missing region", &S3Config{Bucket: "b"}},
		{"access key without secret", &S3Config{Bucket: "b", Region: "us-east-1", AccessKey: "AK"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewS3Storage(tt.config)
			assert.True(t, IsErrorType(err, BackupErrorTypeValidation), "got %v", err)
		})
	}

	storage, err := NewS3Storage(&S3Config{Bucket: "b", Region: "eu-west-1", Endpoint: "http://localhost:9000", AccessKey: "AK", SecretKey: "SK"})
	require.NoError(t, err)
	assert.Equal(t, "b", storage.bucket)
}

func TestS3Storage_RoundTrip(t *testing.T) {
	client := newFakeS3()
	storage := NewS3StorageWithClient(client, "backups", "/prod/db/")
	ctx := context.Background()

	key := ArtifactKey("backup-1")
	require.NoError(t, storage.Write(ctx, key, []byte("artifact")))
	require.NoError(t, storage.Write(ctx, SidecarKey(key), []byte("{}")))
	require.NoError(t, storage.Write(ctx, ArtifactKey("backup-2"), []byte("other")))

	assert.Contains(t, client.objects, "prod/db/"+key, "keys are stored under the normalized prefix")
	assert.Equal(t, "application/json", client.contentType["prod/db/"+SidecarKey(key)])
	assert.Equal(t, "application/octet-stream", client.contentType["prod/db/"+key])

	data, err := storage.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("artifact"), data)

	keys, err := storage.List(ctx, "backup-1/")
	require.NoError(t, err)
	assert.Equal(t, []string{key, SidecarKey(key)}, keys)

	all, err := storage.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, storage.Delete(ctx, key))
	_, err = storage.Read(ctx, key)
	assert.True(t, IsErrorType(err, BackupErrorTypeNotFound), "got %v", err)
}

func TestS3Storage_RetriesTransientFailures(t *testing.T) {
	client := newFakeS3()
	client.putFailures = 2
	storage := NewS3StorageWithClient(client, "backups", "")
	storage.retry = apperrors.NewRetryHandler(apperrors.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
	})

	require.NoError(t, storage.Write(context.Background(), "a.backup", []byte("x")))
	assert.Equal(t, []byte("x"), client.objects["a.backup"])

	client.putFailures = 5
	err := storage.Write(context.Background(), "b.backup", []byte("y"))
	assert.True(t, IsErrorType(err, BackupErrorTypeStorage))
}

func TestNewAzureStorage_Validation(t *testing.T) {
	_, err := NewAzureStorage(nil)
	assert.True(t, IsErrorType(err, BackupErrorTypeValidation))

	_, err = NewAzureStorage(&AzureConfig{AccountName: "acct", ContainerName: "c"})
	assert.True(t, IsErrorType(err, BackupErrorTypeValidation))

	storage, err := NewAzureStorage(&AzureConfig{AccountName: "acct", AccountKey: "a2V5", ContainerName: "c", Prefix: "db"})
	require.NoError(t, err)
	assert.Equal(t, "db/", storage.prefix)
}

func TestNewGCSStorage_Validation(t *testing.T) {
	_, err := NewGCSStorage(context.Background(), nil)
	assert.True(t, IsErrorType(err, BackupErrorTypeValidation))

	_, err = NewGCSStorage(context.Background(), &GCSConfig{})
	assert.True(t, IsErrorType(err, BackupErrorTypeValidation))
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "", normalizePrefix(""))
	assert.Equal(t, "", normalizePrefix("/"))
	assert.Equal(t, "a/", normalizePrefix("a"))
	assert.Equal(t, "a/b/", normalizePrefix("/a/b/"))
}

// startSFTPServer runs an in-process SSH server with the sftp subsystem and
// returns a storage config pointing at it
func startSFTPServer(t *testing.T) *SFTPConfig {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := xssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	serverConfig := &xssh.ServerConfig{
		PasswordCallback: func(meta xssh.ConnMetadata, password []byte) (*xssh.Permissions, error) {
			if meta.User() == "backup" && string(password) == "s3cret" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	serverConfig.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveSFTPConn(conn, serverConfig)
		}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return &SFTPConfig{
		Host:       addr.IP.String(),
		Port:       addr.Port,
		Username:   "backup",
		Password:   "s3cret",
		RemotePath: filepath.ToSlash(filepath.Join(t.TempDir(), "remote")),
		HostKey:    string(xssh.MarshalAuthorizedKey(signer.PublicKey())),
	}
}

func serveSFTPConn(conn net.Conn, config *xssh.ServerConfig) {
	_, chans, reqs, err := xssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	go xssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(xssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go func() {
			for req := range requests {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)
				if !ok {
					continue
				}
				server, err := sftp.NewServer(channel)
				if err != nil {
					channel.Close()
					return
				}
				server.Serve()
				server.Close()
				return
			}
		}()
	}
}

func TestSFTPStorage_RoundTrip(t *testing.T) {
	config := startSFTPServer(t)
	storage, err := NewSFTPStorage(config)
	require.NoError(t, err)
	defer storage.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key := ArtifactKey("backup-1")
	require.NoError(t, storage.Write(ctx, key, []byte("artifact")))
	require.NoError(t, storage.Write(ctx, SidecarKey(key), []byte("{}")))

	data, err := storage.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("artifact"), data)

	keys, err := storage.List(ctx, "backup-")
	require.NoError(t, err)
	assert.Equal(t, []string{key, SidecarKey(key)}, keys)

	require.NoError(t, storage.Delete(ctx, key))
	_, err = storage.Read(ctx, key)
	assert.True(t, IsErrorType(err, BackupErrorTypeNotFound), "got %v", err)
	assert.NoError(t, storage.Delete(ctx, key), "deleting a missing file is not an error")
}

func TestSFTPStorage_RejectsUnknownHostKey(t *testing.T) {
	config := startSFTPServer(t)

	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherSigner, err := xssh.NewSignerFromKey(otherKey)
	require.NoError(t, err)
	config.HostKey = string(xssh.MarshalAuthorizedKey(otherSigner.PublicKey()))

	storage, err := NewSFTPStorage(config)
	require.NoError(t, err)
	defer storage.Close()

	err = storage.Write(context.Background(), "a.backup", []byte("x"))
	assert.True(t, IsErrorType(err, BackupErrorTypeStorage), "got %v", err)
}

func TestSFTPStorage_Validation(t *testing.T) {
	_, err := NewSFTPStorage(nil)
	assert.True(t, IsErrorType(err, BackupErrorTypeValidation))

	_, err = NewSFTPStorage(&SFTPConfig{Host: "h", Username: "u", Password: "p", RemotePath: "/r"})
	assert.True(t, IsErrorType(err, BackupErrorTypeValidation), "host key verification is mandatory")

	storage, err := NewSFTPStorage(&SFTPConfig{Host: "h", Username: "u", Password: "p", RemotePath: "/r", HostKey: "not a key"})
	require.NoError(t, err)
	_, err = storage.sshConfig()
	assert.True(t, IsErrorType(err, BackupErrorTypeConfiguration))
}
