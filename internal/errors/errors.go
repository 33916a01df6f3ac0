package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"google.golang.org/api/googleapi"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeConnection represents database or remote connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeSQL represents SQL execution errors
	ErrorTypeSQL ErrorType = "sql"
	// ErrorTypeSchema represents missing tables or columns
	ErrorTypeSchema ErrorType = "schema"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypePermission represents permission/access errors
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeStorage represents object store and filesystem failures
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeExternalTool represents dump and load utility failures
	ErrorTypeExternalTool ErrorType = "external_tool"
	// ErrorTypeInterruption represents user interruption
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsRecoverable returns whether retrying the failed operation may succeed
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewRecoverableError creates a new recoverable error
func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	appErr := NewAppError(errorType, message, cause)
	appErr.Recoverable = true
	return appErr
}

// ErrorClassifier maps driver, SDK and system errors onto ErrorType and
// decides whether they are worth retrying
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	classifiers := []func(error) *AppError{
		ec.classifyContextError,
		ec.classifyMySQLError,
		ec.classifyPostgresError,
		ec.classifySQLError,
		ec.classifyCloudError,
		ec.classifyToolError,
		ec.classifyNetworkError,
		ec.classifyFileSystemError,
	}
	for _, classify := range classifiers {
		if classified := classify(err); classified != nil {
			return classified
		}
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

func (ec *ErrorClassifier) classifyMySQLError(err error) *AppError {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		if errors.Is(err, mysql.ErrInvalidConn) {
			return NewRecoverableError(ErrorTypeConnection, "MySQL connection is no longer valid", err)
		}
		return nil
	}

	var classified *AppError
	switch mysqlErr.Number {
	case 1044, 1045, 1142:
		classified = NewAppError(ErrorTypePermission, "Database access denied - check credentials and grants", err)
	case 1049:
		classified = NewAppError(ErrorTypeValidation, "Database does not exist", err)
	case 1146:
		classified = NewAppError(ErrorTypeSchema, "Table does not exist", err)
	case 1054:
		classified = NewAppError(ErrorTypeSchema, "Column does not exist", err)
	case 1062:
		classified = NewAppError(ErrorTypeValidation, "Duplicate entry - record already exists", err)
	case 1205, 1213:
		classified = NewRecoverableError(ErrorTypeSQL, "Lock wait timeout or deadlock - transaction can be retried", err)
	case 1040, 2003, 2006, 2013:
		classified = NewRecoverableError(ErrorTypeConnection, "MySQL server unavailable or connection lost", err)
	default:
		classified = NewAppError(ErrorTypeSQL, fmt.Sprintf("MySQL error: %s", mysqlErr.Message), err)
	}

	return classified.WithContext("mysql_error_code", mysqlErr.Number)
}

func (ec *ErrorClassifier) classifyPostgresError(err error) *AppError {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return nil
	}

	var classified *AppError
	switch {
	case pqErr.Code == "28P01" || pqErr.Code == "28000" || pqErr.Code == "42501":
		classified = NewAppError(ErrorTypePermission, "Database access denied - check credentials and grants", err)
	case pqErr.Code == "3D000":
		classified = NewAppError(ErrorTypeValidation, "Database does not exist", err)
	case pqErr.Code == "42P01":
		classified = NewAppError(ErrorTypeSchema, "Table does not exist", err)
	case pqErr.Code == "23505":
		classified = NewAppError(ErrorTypeValidation, "Duplicate key - record already exists", err)
	case pqErr.Code == "40001" || pqErr.Code == "40P01":
		classified = NewRecoverableError(ErrorTypeSQL, "Serialization failure or deadlock - transaction can be retried", err)
	case pqErr.Code.Class() == "08" || pqErr.Code == "57P03":
		classified = NewRecoverableError(ErrorTypeConnection, "PostgreSQL server unavailable or connection lost", err)
	default:
		classified = NewAppError(ErrorTypeSQL, fmt.Sprintf("PostgreSQL error: %s", pqErr.Message), err)
	}

	return classified.WithContext("postgres_error_code", string(pqErr.Code))
}

func (ec *ErrorClassifier) classifySQLError(err error) *AppError {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return NewAppError(ErrorTypeValidation, "No rows found", err)
	case errors.Is(err, sql.ErrTxDone):
		return NewAppError(ErrorTypeSQL, "Transaction has already been committed or rolled back", err)
	case errors.Is(err, sql.ErrConnDone):
		return NewRecoverableError(ErrorTypeConnection, "Database connection is closed", err)
	}
	return nil
}

// classifyCloudError treats throttling and server side failures of the
// object stores as recoverable and everything else as permanent
func (ec *ErrorClassifier) classifyCloudError(err error) *AppError {
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		status := 0
		var reqErr awserr.RequestFailure
		if errors.As(err, &reqErr) {
			status = reqErr.StatusCode()
		}
		if request.IsErrorThrottle(awsErr) || request.IsErrorRetryable(awsErr) || retryableStatus(status) {
			return NewRecoverableError(ErrorTypeStorage, "S3 request throttled or temporarily failed", err).
				WithContext("aws_error_code", awsErr.Code()).
				WithContext("status_code", status)
		}
		return classifyStatus(status, "S3", err).WithContext("aws_error_code", awsErr.Code())
	}

	var gcsErr *googleapi.Error
	if errors.As(err, &gcsErr) {
		if retryableStatus(gcsErr.Code) {
			return NewRecoverableError(ErrorTypeStorage, "GCS request throttled or temporarily failed", err).
				WithContext("status_code", gcsErr.Code)
		}
		return classifyStatus(gcsErr.Code, "GCS", err)
	}

	var azureErr azblob.StorageError
	if errors.As(err, &azureErr) {
		status := 0
		if response := azureErr.Response(); response != nil {
			status = response.StatusCode
		}
		if retryableStatus(status) {
			return NewRecoverableError(ErrorTypeStorage, "Azure request throttled or temporarily failed", err).
				WithContext("service_code", string(azureErr.ServiceCode())).
				WithContext("status_code", status)
		}
		return classifyStatus(status, "Azure", err).WithContext("service_code", string(azureErr.ServiceCode()))
	}

	return nil
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

func classifyStatus(status int, service string, err error) *AppError {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return NewAppError(ErrorTypePermission, fmt.Sprintf("%s denied access - check credentials", service), err).
			WithContext("status_code", status)
	case http.StatusNotFound:
		return NewAppError(ErrorTypeStorage, fmt.Sprintf("%s object or container not found", service), err).
			WithContext("status_code", status)
	default:
		return NewAppError(ErrorTypeStorage, fmt.Sprintf("%s request failed", service), err).
			WithContext("status_code", status)
	}
}

// classifyToolError recognises dump and load utilities that are missing or
// exited non-zero. Neither is retried.
func (ec *ErrorClassifier) classifyToolError(err error) *AppError {
	if errors.Is(err, exec.ErrNotFound) {
		return NewAppError(ErrorTypeExternalTool, "Dump tool not found in PATH", err)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return NewAppError(ErrorTypeExternalTool, fmt.Sprintf("Dump tool exited with status %d", exitErr.ExitCode()), err).
			WithContext("exit_code", exitErr.ExitCode())
	}

	return nil
}

func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewRecoverableError(ErrorTypeTimeout, "Network operation timed out", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return NewRecoverableError(ErrorTypeConnection, "Failed to establish network connection", err)
		case "read", "write":
			return NewRecoverableError(ErrorTypeConnection, "Network I/O error", err)
		}
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return NewRecoverableError(ErrorTypeConnection, "Connection reset or refused", err)
	}

	return nil
}

func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewAppError(ErrorTypeTimeout, "Operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeInterruption, "Operation was canceled", err)
	}
	return nil
}

func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *fs.PathError
	if !errors.As(err, &pathErr) {
		return nil
	}

	switch {
	case errors.Is(pathErr.Err, syscall.ENOENT):
		return NewAppError(ErrorTypeStorage, fmt.Sprintf("File or directory not found: %s", pathErr.Path), err)
	case errors.Is(pathErr.Err, syscall.EACCES), errors.Is(pathErr.Err, syscall.EPERM):
		return NewAppError(ErrorTypePermission, fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
	case errors.Is(pathErr.Err, syscall.ENOSPC):
		return NewAppError(ErrorTypeStorage, "No space left on device", err)
	}
	return nil
}

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryHandler retries operations that fail with recoverable errors
type RetryHandler struct {
	config     RetryConfig
	classifier *ErrorClassifier
}

// NewRetryHandler creates a new retry handler
func NewRetryHandler(config RetryConfig) *RetryHandler {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &RetryHandler{
		config:     config,
		classifier: NewErrorClassifier(),
	}
}

// NewDefaultRetryHandler creates a retry handler with default configuration
func NewDefaultRetryHandler() *RetryHandler {
	return NewRetryHandler(DefaultRetryConfig())
}

// Retry runs operation until it succeeds, fails permanently or runs out of
// attempts. The returned error is always an *AppError.
func (rh *RetryHandler) Retry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 1; attempt <= rh.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return NewAppError(ErrorTypeInterruption, "Operation canceled", err)
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err
		appErr := rh.classifier.ClassifyError(err)
		if !appErr.IsRecoverable() {
			return appErr
		}

		if attempt == rh.config.MaxAttempts {
			break
		}

		timer := time.NewTimer(rh.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return NewAppError(ErrorTypeInterruption, "Operation canceled during retry", ctx.Err())
		case <-timer.C:
		}
	}

	return rh.classifier.ClassifyError(lastErr).
		WithContext("attempts", rh.config.MaxAttempts)
}

// calculateDelay is BaseDelay * Multiplier^(attempt-1), capped at MaxDelay
func (rh *RetryHandler) calculateDelay(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= rh.config.Multiplier
	}

	delay := time.Duration(float64(rh.config.BaseDelay) * multiplier)
	if rh.config.MaxDelay > 0 && delay > rh.config.MaxDelay {
		delay = rh.config.MaxDelay
	}

	return delay
}

// GracefulShutdownHandler cancels a root context on SIGINT or SIGTERM and then
// runs the registered shutdown funcs in reverse order
type GracefulShutdownHandler struct {
	mu            sync.Mutex
	shutdownFuncs []func() error
	signalChan    chan os.Signal
	done          chan struct{}
	once          sync.Once
}

// NewGracefulShutdownHandler creates a new graceful shutdown handler
func NewGracefulShutdownHandler() *GracefulShutdownHandler {
	return &GracefulShutdownHandler{
		signalChan: make(chan os.Signal, 1),
		done:       make(chan struct{}),
	}
}

// RegisterShutdownFunc registers a function to be called during shutdown
func (gsh *GracefulShutdownHandler) RegisterShutdownFunc(fn func() error) {
	gsh.mu.Lock()
	defer gsh.mu.Unlock()
	gsh.shutdownFuncs = append(gsh.shutdownFuncs, fn)
}

// Start listens for shutdown signals and returns a context that is cancelled
// when one arrives. In-flight backups observe the cancellation and record
// themselves as CANCELLED before the shutdown funcs run.
func (gsh *GracefulShutdownHandler) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	signal.Notify(gsh.signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-gsh.signalChan:
			cancel()
			gsh.shutdown()
		case <-gsh.done:
			cancel()
		}
	}()

	return ctx
}

// Stop stops listening and runs the shutdown funcs if no signal did
func (gsh *GracefulShutdownHandler) Stop() {
	signal.Stop(gsh.signalChan)
	gsh.shutdown()
}

// WaitForShutdown waits for shutdown to complete
func (gsh *GracefulShutdownHandler) WaitForShutdown() {
	<-gsh.done
}

func (gsh *GracefulShutdownHandler) shutdown() {
	gsh.once.Do(func() {
		defer close(gsh.done)

		gsh.mu.Lock()
		funcs := append([]func() error(nil), gsh.shutdownFuncs...)
		gsh.mu.Unlock()

		for i := len(funcs) - 1; i >= 0; i-- {
			if err := funcs[i](); err != nil {
				fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			}
		}
	})
}

// IsRecoverableError checks if an error is recoverable
func IsRecoverableError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.IsRecoverable()
	}
	return false
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// FormatUserError formats an error for display to users
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.GetUserMessage()
	}

	return "An unexpected error occurred. Please check the logs for more details."
}

// WrapError classifies err and replaces its message, keeping err as the cause
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		wrapped := NewAppError(appErr.Type, message, err)
		wrapped.Recoverable = appErr.Recoverable
		return wrapped
	}

	classified := NewErrorClassifier().ClassifyError(err)
	classified.Message = message
	return classified
}
