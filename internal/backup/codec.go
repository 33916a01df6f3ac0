package backup

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"sync"
)

// Codec turns raw payloads into stored artifacts and back. Compression is
// always the inner transform: encode compresses then encrypts, decode
// decrypts then decompresses.
type Codec struct {
	compression *CompressionManager
	algorithm   CompressionType
	level       int

	secret     string
	salt       []byte
	iterations int

	mu        sync.Mutex
	encryptor *Encryptor
}

// NewCodec creates a codec. An empty secret disables encryption.
func NewCodec(compression CompressionConfig, secret string, salt []byte, iterations int) *Codec {
	algorithm := compression.Algorithm
	if algorithm == "" {
		algorithm = CompressionTypeGzip
	}

	return &Codec{
		compression: NewCompressionManager(),
		algorithm:   algorithm,
		level:       compression.Level,
		secret:      secret,
		salt:        salt,
		iterations:  iterations,
	}
}

// Algorithm returns the compression algorithm new artifacts use
func (c *Codec) Algorithm() CompressionType {
	return c.algorithm
}

// CanEncrypt reports whether an encryption secret is configured
func (c *Codec) CanEncrypt() bool {
	return c.secret != ""
}

// Encode compresses raw and, when encrypt is set, seals the result
func (c *Codec) Encode(raw []byte, encrypt bool) ([]byte, error) {
	compressed, err := c.compression.Compress(raw, c.algorithm, c.level)
	if err != nil {
		return nil, err
	}

	if !encrypt {
		return compressed, nil
	}

	encryptor, err := c.getEncryptor()
	if err != nil {
		return nil, err
	}

	return encryptor.Encrypt(compressed)
}

// Decode reverses Encode for an artifact written with the given algorithm
func (c *Codec) Decode(artifact []byte, algorithm CompressionType, encrypted bool) ([]byte, error) {
	data := artifact

	if encrypted {
		encryptor, err := c.getEncryptor()
		if err != nil {
			return nil, NewDecryptionError("artifact is encrypted but no usable secret is configured", err)
		}
		if data, err = encryptor.Decrypt(artifact); err != nil {
			return nil, err
		}
	}

	if algorithm == "" {
		algorithm = CompressionTypeGzip
	}

	return c.compression.Decompress(data, algorithm)
}

// getEncryptor derives the key on first use; PBKDF2 is deliberately slow.
func (c *Codec) getEncryptor() (*Encryptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.encryptor != nil {
		return c.encryptor, nil
	}

	if c.secret == "" {
		return nil, NewConfigurationError("encryption requested but no encryption secret is configured", nil)
	}

	encryptor, err := NewEncryptor(c.secret, c.salt, c.iterations)
	if err != nil {
		return nil, err
	}
	c.encryptor = encryptor

	return encryptor, nil
}

// CalculateChecksum returns the hex SHA-256 digest of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChecksum recomputes the digest of data and compares it with expected
func VerifyChecksum(data []byte, expected string) (string, bool) {
	actual := CalculateChecksum(data)
	expected = strings.ToLower(strings.TrimSpace(expected))
	if expected == "" {
		return actual, false
	}
	return actual, subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) == 1
}
