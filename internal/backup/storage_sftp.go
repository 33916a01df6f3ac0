package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPStorage implements Storage on a remote host over SFTP. The connection
// is opened lazily and reopened after it drops.
type SFTPStorage struct {
	config *SFTPConfig

	mu         sync.Mutex
	sshClient  *xssh.Client
	sftpClient *sftp.Client
}

// NewSFTPStorage creates a new SFTPStorage instance
func NewSFTPStorage(config *SFTPConfig) (*SFTPStorage, error) {
	if config == nil {
		return nil, NewValidationError("SFTP storage configuration is required", nil)
	}

	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid SFTP storage configuration", err)
	}

	return &SFTPStorage{config: config}, nil
}

// Write uploads data under key
func (s *SFTPStorage) Write(ctx context.Context, key string, data []byte) error {
	client, err := s.client(ctx)
	if err != nil {
		return err
	}

	target := s.remotePath(key)
	if err := client.MkdirAll(path.Dir(target)); err != nil {
		return NewStorageError("failed to create remote directory", err)
	}

	tmp := target + ".partial"
	file, err := client.Create(tmp)
	if err != nil {
		s.reset()
		return NewStorageError(fmt.Sprintf("failed to create remote file for %s", key), err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		client.Remove(tmp)
		return NewStorageError(fmt.Sprintf("failed to write remote file for %s", key), err)
	}
	if err := file.Close(); err != nil {
		client.Remove(tmp)
		return NewStorageError(fmt.Sprintf("failed to close remote file for %s", key), err)
	}

	if err := client.PosixRename(tmp, target); err != nil {
		client.Remove(tmp)
		return NewStorageError(fmt.Sprintf("failed to move %s into place", key), err)
	}

	return nil
}

// Read downloads the file stored under key
func (s *SFTPStorage) Read(ctx context.Context, key string) ([]byte, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}

	file, err := client.Open(s.remotePath(key))
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
		return nil, NewNotFoundError(fmt.Sprintf("remote file %s not found", key), err)
	}
	if err != nil {
		s.reset()
		return nil, NewStorageError(fmt.Sprintf("failed to open remote file %s", key), err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to read remote file %s", key), err)
	}

	return data, nil
}

// Delete removes the file stored under key
func (s *SFTPStorage) Delete(ctx context.Context, key string) error {
	client, err := s.client(ctx)
	if err != nil {
		return err
	}

	if err := client.Remove(s.remotePath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, os.ErrNotExist) {
		return NewStorageError(fmt.Sprintf("failed to delete remote file %s", key), err)
	}

	return nil
}

// List returns every key under prefix
func (s *SFTPStorage) List(ctx context.Context, prefix string) ([]string, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}

	root := path.Clean(s.config.RemotePath)
	var keys []string

	walker := client.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, NewStorageError("failed to walk remote directory", err)
		}
		if walker.Stat().IsDir() || strings.HasSuffix(walker.Path(), ".partial") {
			continue
		}

		key := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), root), "/")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// Close closes the SFTP and SSH connections
func (s *SFTPStorage) Close() error {
	s.reset()
	return nil
}

func (s *SFTPStorage) remotePath(key string) string {
	return path.Join(s.config.RemotePath, key)
}

func (s *SFTPStorage) client(ctx context.Context) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sftpClient != nil {
		return s.sftpClient, nil
	}

	sshConfig, err := s.sshConfig()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	dialer := net.Dialer{Timeout: sshConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to connect to %s", addr), err)
	}

	sshConn, chans, reqs, err := xssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, NewStorageError("SSH handshake failed", err)
	}
	sshClient := xssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient,
		sftp.MaxPacketUnchecked(131072),
		sftp.UseConcurrentWrites(true),
	)
	if err != nil {
		sshClient.Close()
		return nil, NewStorageError("failed to create SFTP client", err)
	}

	if err := sftpClient.MkdirAll(s.config.RemotePath); err != nil {
		sftpClient.Close()
		sshClient.Close()
		return nil, NewStorageError("failed to create remote base directory", err)
	}

	s.sshClient = sshClient
	s.sftpClient = sftpClient

	return sftpClient, nil
}

func (s *SFTPStorage) sshConfig() (*xssh.ClientConfig, error) {
	var hostKeyCallback xssh.HostKeyCallback
	switch {
	case s.config.HostKey != "":
		publicKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(s.config.HostKey))
		if err != nil {
			return nil, NewConfigurationError("failed to parse SFTP host key", err)
		}
		hostKeyCallback = xssh.FixedHostKey(publicKey)
	case s.config.KnownHostsPath != "":
		callback, err := knownhosts.New(s.config.KnownHostsPath)
		if err != nil {
			return nil, NewConfigurationError("failed to load known hosts", err)
		}
		hostKeyCallback = callback
	default:
		return nil, NewConfigurationError("SFTP host key verification is not configured", nil)
	}

	sshConfig := &xssh.ClientConfig{
		User:            s.config.Username,
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}

	if s.config.PrivateKeyPath != "" {
		keyData, err := os.ReadFile(s.config.PrivateKeyPath)
		if err != nil {
			return nil, NewConfigurationError("failed to read SSH key", err)
		}
		signer, err := xssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, NewConfigurationError("failed to parse SSH key", err)
		}
		sshConfig.Auth = []xssh.AuthMethod{xssh.PublicKeys(signer)}
	} else {
		sshConfig.Auth = []xssh.AuthMethod{xssh.Password(s.config.Password)}
	}

	return sshConfig, nil
}

func (s *SFTPStorage) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sftpClient != nil {
		s.sftpClient.Close()
		s.sftpClient = nil
	}
	if s.sshClient != nil {
		s.sshClient.Close()
		s.sshClient = nil
	}
}
