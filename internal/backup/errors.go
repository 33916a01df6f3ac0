package backup

import (
	"errors"
	"fmt"
)

// BackupError represents errors that occur during backup and restore operations
type BackupError struct {
	Type    BackupErrorType        `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *BackupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error
func (e *BackupError) Unwrap() error {
	return e.Cause
}

// BackupErrorType represents different types of backup errors
type BackupErrorType string

const (
	BackupErrorTypeValidation      BackupErrorType = "VALIDATION_ERROR"
	BackupErrorTypeConflict        BackupErrorType = "CONFLICT"
	BackupErrorTypeRestoreConflict BackupErrorType = "RESTORE_CONFLICT"
	BackupErrorTypeExternalTool    BackupErrorType = "EXTERNAL_TOOL_ERROR"
	BackupErrorTypeTimeout         BackupErrorType = "TIMEOUT"
	BackupErrorTypeIntegrity       BackupErrorType = "INTEGRITY_ERROR"
	BackupErrorTypeDecryption      BackupErrorType = "DECRYPTION_ERROR"
	BackupErrorTypeEncryption      BackupErrorType = "ENCRYPTION_ERROR"
	BackupErrorTypeCompression     BackupErrorType = "COMPRESSION_ERROR"
	BackupErrorTypeStorage         BackupErrorType = "STORAGE_ERROR"
	BackupErrorTypeNotFound        BackupErrorType = "NOT_FOUND"
	BackupErrorTypeInvalidState    BackupErrorType = "INVALID_STATE"
	BackupErrorTypeCancelled       BackupErrorType = "CANCELLED"
	BackupErrorTypeDatabase        BackupErrorType = "DATABASE_ERROR"
	BackupErrorTypeConfiguration   BackupErrorType = "CONFIGURATION_ERROR"
)

// ErrOperationCancelled is the cancellation cause attached to a run's context
// when an operator cancels it.
var ErrOperationCancelled = errors.New("operation cancelled by operator")

// NewBackupError creates a new BackupError
func NewBackupError(errorType BackupErrorType, message string, cause error) *BackupError {
	return &BackupError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *BackupError) WithContext(key string, value interface{}) *BackupError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Common error constructors
func NewValidationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeValidation, message, cause)
}

func NewConflictError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConflict, message, cause)
}

func NewRestoreConflictError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeRestoreConflict, message, cause)
}

func NewExternalToolError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeExternalTool, message, cause)
}

func NewTimeoutError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeTimeout, message, cause)
}

func NewIntegrityError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeIntegrity, message, cause)
}

func NewDecryptionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeDecryption, message, cause)
}

func NewEncryptionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeEncryption, message, cause)
}

func NewCompressionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCompression, message, cause)
}

func NewStorageError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeStorage, message, cause)
}

func NewNotFoundError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNotFound, message, cause)
}

func NewInvalidStateError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeInvalidState, message, cause)
}

func NewCancelledError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCancelled, message, cause)
}

func NewDatabaseError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeDatabase, message, cause)
}

func NewConfigurationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConfiguration, message, cause)
}

// ValidationError represents validation-specific errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors represents a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// ErrorType returns the BackupErrorType carried anywhere in err's chain,
// or an empty string when err is not a BackupError.
func ErrorType(err error) BackupErrorType {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Type
	}
	return ""
}

// IsErrorType reports whether err's outermost BackupError has the given type.
func IsErrorType(err error, errorType BackupErrorType) bool {
	return err != nil && ErrorType(err) == errorType
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	switch ErrorType(err) {
	case BackupErrorTypeStorage, BackupErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// IsPermanent determines if an error is permanent and should not be retried
func IsPermanent(err error) bool {
	switch ErrorType(err) {
	case BackupErrorTypeValidation, BackupErrorTypeIntegrity, BackupErrorTypeDecryption,
		BackupErrorTypeConfiguration, BackupErrorTypeNotFound, BackupErrorTypeInvalidState:
		return true
	default:
		return false
	}
}
