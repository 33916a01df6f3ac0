package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
	aesKeySize   = 32

	// DefaultKDFIterations is the PBKDF2 work factor for artifact keys
	DefaultKDFIterations = 100000
)

// DefaultKDFSalt is the fixed salt used to derive artifact keys from the
// operator secret. Changing it makes existing encrypted artifacts unreadable.
var DefaultKDFSalt = []byte("db-backup-engine:artifact-key:v1")

// Encryptor seals artifacts with AES-256-GCM. The sealed layout is
// nonce(12) || tag(16) || ciphertext, so only the secret is needed to open it.
type Encryptor struct {
	aead cipher.AEAD
}

// DeriveKey derives a 256-bit key from secret with PBKDF2-SHA256
func DeriveKey(secret string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultKDFIterations
	}
	if len(salt) == 0 {
		salt = DefaultKDFSalt
	}
	return pbkdf2.Key([]byte(secret), salt, iterations, aesKeySize, sha256.New)
}

// NewEncryptor derives the key from secret and prepares the cipher
func NewEncryptor(secret string, salt []byte, iterations int) (*Encryptor, error) {
	if secret == "" {
		return nil, NewConfigurationError("encryption secret is empty", nil)
	}
	return NewEncryptorWithKey(DeriveKey(secret, salt, iterations))
}

// NewEncryptorWithKey prepares the cipher from a raw 32-byte key
func NewEncryptorWithKey(key []byte) (*Encryptor, error) {
	if len(key) != aesKeySize {
		return nil, NewConfigurationError(fmt.Sprintf("encryption key must be %d bytes for AES-256, got %d", aesKeySize, len(key)), nil)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewEncryptionError("failed to create AES cipher", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, NewEncryptionError("failed to create GCM cipher", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, NewEncryptionError("failed to generate nonce", err)
	}

	// Seal appends the tag after the ciphertext; move it in front.
	sealed := e.aead.Seal(nil, nonce, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	out := make([]byte, 0, gcmNonceSize+gcmTagSize+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ciphertext...)

	return out, nil
}

// Decrypt opens data sealed by Encrypt. Truncated input and tag mismatches
// are DECRYPTION_ERRORs.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	if len(data) < gcmNonceSize+gcmTagSize {
		return nil, NewDecryptionError(fmt.Sprintf("encrypted artifact too short: %d bytes", len(data)), nil)
	}

	nonce := data[:gcmNonceSize]
	tag := data[gcmNonceSize : gcmNonceSize+gcmTagSize]
	ciphertext := data[gcmNonceSize+gcmTagSize:]

	sealed := make([]byte, 0, len(ciphertext)+gcmTagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, NewDecryptionError("artifact authentication failed", err)
	}

	return plaintext, nil
}
