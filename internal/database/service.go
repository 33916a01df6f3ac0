package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"db-backup-engine/internal/backup"
	"db-backup-engine/internal/errors"
	"db-backup-engine/internal/logging"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Engine names accepted by the service; they match tools.engine
const (
	EngineMySQL    = "mysql"
	EnginePostgres = "postgres"
)

// Service opens pooled connections to the protected database
type Service struct {
	connectionTimeout time.Duration
	logger            *logging.Logger
	retryHandler      *errors.RetryHandler
	open              func(driver, dsn string) (*sql.DB, error)
}

// NewService creates a new database service with default settings
func NewService() *Service {
	return NewServiceWithLogger(logging.NewDefaultLogger())
}

// NewServiceWithOptions creates a new database service with custom options
func NewServiceWithOptions(timeout time.Duration, maxRetries int, retryDelay time.Duration, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Service{
		connectionTimeout: timeout,
		logger:            logger,
		retryHandler: errors.NewRetryHandler(errors.RetryConfig{
			MaxAttempts: maxRetries,
			BaseDelay:   retryDelay,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
		}),
		open: sql.Open,
	}
}

// NewServiceWithLogger creates a new database service with a custom logger
func NewServiceWithLogger(logger *logging.Logger) *Service {
	return NewServiceWithOptions(30*time.Second, 3, 2*time.Second, logger)
}

// Connect opens and pings the database, retrying transient failures
func (s *Service) Connect(ctx context.Context, engine string, config backup.DatabaseConfig) (*sql.DB, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "invalid database configuration", err)
	}

	driver, dsn, err := DSN(engine, config)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	s.logger.WithFields(map[string]interface{}{
		"engine":   engine,
		"host":     config.Host,
		"database": config.Database,
		"port":     config.Port,
	}).Debug("Attempting database connection")

	var db *sql.DB
	err = s.retryHandler.Retry(ctx, func() error {
		var openErr error
		db, openErr = s.open(driver, dsn)
		if openErr != nil {
			return errors.WrapError(openErr, "failed to open database connection")
		}

		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)

		if pingErr := s.TestConnection(ctx, db); pingErr != nil {
			db.Close()
			return pingErr
		}
		return nil
	})

	s.logger.LogDatabaseConnection(config.Host, config.Database, err == nil, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}

	return db, nil
}

// Open prepares a connection pool without contacting the server. Commands
// that only read the catalog use it so an unreachable database does not
// stop them; the first query surfaces connection errors.
func (s *Service) Open(engine string, config backup.DatabaseConfig) (*sql.DB, error) {
	driver, dsn, err := DSN(engine, config)
	if err != nil {
		return nil, err
	}

	db, err := s.open(driver, dsn)
	if err != nil {
		return nil, errors.WrapError(err, "failed to open database connection")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// TestConnection verifies that the database connection is working
func (s *Service) TestConnection(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.connectionTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		return errors.WrapError(err, "failed to ping database")
	}

	return nil
}

// Close gracefully closes the database connection
func (s *Service) Close(db *sql.DB) error {
	if db == nil {
		return nil
	}

	if err := db.Close(); err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to close database connection")
		return errors.WrapError(err, "failed to close database connection")
	}

	s.logger.Debug("Database connection closed")
	return nil
}

// DSN returns the driver name and connection string for engine
func DSN(engine string, config backup.DatabaseConfig) (string, string, error) {
	switch engine {
	case EngineMySQL:
		return "mysql", mysqlDSN(config), nil
	case EnginePostgres:
		return "postgres", postgresDSN(config), nil
	default:
		return "", "", errors.NewAppError(errors.ErrorTypeValidation, fmt.Sprintf("unsupported database engine: %s", engine), nil)
	}
}

func mysqlDSN(config backup.DatabaseConfig) string {
	cfg := mysql.NewConfig()
	cfg.User = config.Username
	cfg.Passwd = config.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	cfg.DBName = config.Database
	cfg.Timeout = config.Timeout
	cfg.ParseTime = true

	switch config.SSLMode {
	case "require":
		cfg.TLSConfig = "skip-verify"
	case "verify-ca", "verify-full":
		cfg.TLSConfig = "true"
	case "preferred":
		cfg.TLSConfig = "preferred"
	}

	return cfg.FormatDSN()
}

func postgresDSN(config backup.DatabaseConfig) string {
	params := [][2]string{
		{"host", config.Host},
		{"port", strconv.Itoa(config.Port)},
		{"user", config.Username},
		{"password", config.Password},
		{"dbname", config.Database},
	}
	if config.SSLMode != "" {
		params = append(params, [2]string{"sslmode", config.SSLMode})
	}
	if config.Timeout > 0 {
		params = append(params, [2]string{"connect_timeout", strconv.Itoa(int(config.Timeout.Seconds()))})
	}

	parts := make([]string, 0, len(params))
	for _, param := range params {
		if param[1] == "" {
			continue
		}
		parts = append(parts, param[0]+"="+quotePostgresValue(param[1]))
	}
	return strings.Join(parts, " ")
}

func quotePostgresValue(value string) string {
	if value != "" && !strings.ContainsAny(value, ` '\`) {
		return value
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
	return "'" + escaped + "'"
}
