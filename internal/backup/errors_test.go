package backup

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupError_Error(t *testing.T) {
	plain := NewNotFoundError("backup backup-1 not found", nil)
	assert.Equal(t, "NOT_FOUND: backup backup-1 not found", plain.Error())

	cause := errors.New("permission denied")
	wrapped := NewStorageError("failed to write artifact", cause)
	assert.Equal(t, "STORAGE_ERROR: failed to write artifact (caused by: permission denied)", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestBackupError_WithContext(t *testing.T) {
	err := NewConflictError("busy", nil).WithContext("target", "shop").WithContext("holder", "backup backup-1")
	assert.Equal(t, "shop", err.Context["target"])
	assert.Equal(t, "backup backup-1", err.Context["holder"])

	bare := &BackupError{Type: BackupErrorTypeDatabase}
	bare.WithContext("query", "SELECT 1")
	assert.Equal(t, "SELECT 1", bare.Context["query"])
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		err      *BackupError
		expected BackupErrorType
	}{
		{NewValidationError("m", nil), BackupErrorTypeValidation},
		{NewConflictError("m", nil), BackupErrorTypeConflict},
		{NewRestoreConflictError("m", nil), BackupErrorTypeRestoreConflict},
		{NewExternalToolError("m", nil), BackupErrorTypeExternalTool},
		{NewTimeoutError("m", nil), BackupErrorTypeTimeout},
		{NewIntegrityError("m", nil), BackupErrorTypeIntegrity},
		{NewDecryptionError("m", nil), BackupErrorTypeDecryption},
		{NewEncryptionError("m", nil), BackupErrorTypeEncryption},
		{NewCompressionError("m", nil), BackupErrorTypeCompression},
		{NewStorageError("m", nil), BackupErrorTypeStorage},
		{NewNotFoundError("m", nil), BackupErrorTypeNotFound},
		{NewInvalidStateError("m", nil), BackupErrorTypeInvalidState},
		{NewCancelledError("m", nil), BackupErrorTypeCancelled},
		{NewDatabaseError("m", nil), BackupErrorTypeDatabase},
		{NewConfigurationError("m", nil), BackupErrorTypeConfiguration},
	}

	for _, tt := range tests {
		t.Run(string(tt.expected), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Type)
			assert.True(t, IsErrorType(tt.err, tt.expected))
			assert.NotNil(t, tt.err.Context)
		})
	}
}

func TestErrorType_ThroughWrapping(t *testing.T) {
	inner := NewIntegrityError("checksum mismatch", nil)
	wrapped := fmt.Errorf("restore restore-1: %w", inner)

	assert.Equal(t, BackupErrorTypeIntegrity, ErrorType(wrapped))
	assert.True(t, IsErrorType(wrapped, BackupErrorTypeIntegrity))
	assert.False(t, IsErrorType(wrapped, BackupErrorTypeStorage))

	assert.Equal(t, BackupErrorType(""), ErrorType(errors.New("plain")))
	assert.False(t, IsErrorType(nil, BackupErrorTypeIntegrity))
}

func TestIsRetryableAndPermanent(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		permanent bool
	}{
		{"storage", NewStorageError("m", nil), true, false},
		{"timeout", NewTimeoutError("m", nil), true, false},
		{"validation", NewValidationError("m", nil), false, true},
		{"integrity", NewIntegrityError("m", nil), false, true},
		{"decryption", NewDecryptionError("m", nil), false, true},
		{"configuration", NewConfigurationError("m", nil), false, true},
		{"not found", NewNotFoundError("m", nil), false, true},
		{"invalid state", NewInvalidStateError("m", nil), false, true},
		{"conflict", NewConflictError("m", nil), false, false},
		{"external tool", NewExternalToolError("m", nil), false, false},
		{"plain", errors.New("x"), false, false},
		{"nil", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
		})
	}
}

func TestValidationErrors(t *testing.T) {
	var errs ValidationErrors
	assert.False(t, errs.HasErrors())
	assert.Equal(t, "no validation errors", errs.Error())

	errs.Add("kind", "unsupported backup kind", "SNAPSHOT")
	require.True(t, errs.HasErrors())
	assert.Equal(t, "validation error for field 'kind': unsupported backup kind", errs.Error())

	errs.Add("storage_provider", "unsupported storage provider", "TAPE")
	assert.Equal(t, "2 validation errors: validation error for field 'kind': unsupported backup kind (and 1 more)", errs.Error())
	assert.Equal(t, "TAPE", errs[1].Value)
}
