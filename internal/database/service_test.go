package database

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"db-backup-engine/internal/backup"
	apperrors "db-backup-engine/internal/errors"
	"db-backup-engine/internal/logging"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) (*logging.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := logging.NewLogger(logging.Config{Level: logging.LogLevelNormal, Output: &buf})
	require.NoError(t, err)
	return logger, &buf
}

func validConfig() backup.DatabaseConfig {
	return backup.DatabaseConfig{
		Host:     "db.internal",
		Port:     3306,
		Username: "backup",
		Password: "s3cret",
		Database: "shop",
		Timeout:  5 * time.Second,
	}
}

func TestNewService(t *testing.T) {
	service := NewService()
	require.NotNil(t, service)
	assert.Equal(t, 30*time.Second, service.connectionTimeout)

	logger, _ := testLogger(t)
	assert.Same(t, logger, NewServiceWithLogger(logger).logger)
}

func TestDSN_MySQL(t *testing.T) {
	config := validConfig()
	config.SSLMode = "require"

	driver, dsn, err := DSN(EngineMySQL, config)
	require.NoError(t, err)
	assert.Equal(t, "mysql", driver)
	assert.True(t, strings.HasPrefix(dsn, "backup:s3cret@tcp(db.internal:3306)/shop?"), dsn)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "timeout=5s")
	assert.Contains(t, dsn, "tls=skip-verify")
}

func TestDSN_Postgres(t *testing.T) {
	config := validConfig()
	config.Port = 5432
	config.Password = "it's secret"
	config.SSLMode = "verify-full"

	driver, dsn, err := DSN(EnginePostgres, config)
	require.NoError(t, err)
	assert.Equal(t, "postgres", driver)
	assert.Equal(t, `host=db.internal port=5432 user=backup password='it\'s secret' dbname=shop sslmode=verify-full connect_timeout=5`, dsn)

	config.Password = ""
	_, dsn, err = DSN(EnginePostgres, config)
	require.NoError(t, err)
	assert.NotContains(t, dsn, "password")
}

func TestDSN_UnsupportedEngine(t *testing.T) {
	_, _, err := DSN("oracle", validConfig())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.GetErrorType(err))
}

func TestConnect(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	logger, buf := testLogger(t)
	service := NewServiceWithOptions(time.Second, 3, time.Millisecond, logger)

	var gotDriver, gotDSN string
	service.open = func(driver, dsn string) (*sql.DB, error) {
		gotDriver, gotDSN = driver, dsn
		return db, nil
	}

	mock.ExpectPing()

	conn, err := service.Connect(context.Background(), EngineMySQL, validConfig())
	require.NoError(t, err)
	assert.Same(t, db, conn)
	assert.Equal(t, "mysql", gotDriver)
	assert.Contains(t, gotDSN, "db.internal:3306")
	assert.Contains(t, buf.String(), "Database connection established")
	assert.NotContains(t, buf.String(), "s3cret")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnect_RetriesTransientFailures(t *testing.T) {
	logger, buf := testLogger(t)
	service := NewServiceWithOptions(time.Second, 3, time.Millisecond, logger)

	var mocks []sqlmock.Sqlmock
	attempts := 0
	service.open = func(driver, dsn string) (*sql.DB, error) {
		attempts++
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		if attempts < 3 {
			mock.ExpectPing().WillReturnError(sql.ErrConnDone)
			mock.ExpectClose()
		} else {
			mock.ExpectPing()
		}
		mocks = append(mocks, mock)
		return db, nil
	}

	_, err := service.Connect(context.Background(), EngineMySQL, validConfig())
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	for _, mock := range mocks {
		assert.NoError(t, mock.ExpectationsWereMet())
	}
	assert.Contains(t, buf.String(), "Database connection established")
}

func TestConnect_PermanentFailure(t *testing.T) {
	logger, buf := testLogger(t)
	service := NewServiceWithOptions(time.Second, 3, time.Millisecond, logger)

	attempts := 0
	service.open = func(driver, dsn string) (*sql.DB, error) {
		attempts++
		return nil, errors.New("unknown driver")
	}

	_, err := service.Connect(context.Background(), EnginePostgres, validConfig())
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "unclassified errors are not retried")
	assert.Contains(t, buf.String(), "Database connection failed")
}

func TestConnect_InvalidConfig(t *testing.T) {
	service := NewService()
	service.open = func(driver, dsn string) (*sql.DB, error) {
		t.Fatal("open must not be called for an invalid config")
		return nil, nil
	}

	_, err := service.Connect(context.Background(), EngineMySQL, backup.DatabaseConfig{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.GetErrorType(err))
}

func TestTestConnection_NilDB(t *testing.T) {
	err := NewService().TestConnection(context.Background(), nil)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.GetErrorType(err))
}

func TestClose(t *testing.T) {
	service := NewService()
	assert.NoError(t, service.Close(nil))

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()
	assert.NoError(t, service.Close(db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_DoesNotPing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	logger, _ := testLogger(t)
	service := NewServiceWithLogger(logger)
	var gotDriver string
	service.open = func(driver, dsn string) (*sql.DB, error) {
		gotDriver = driver
		return db, nil
	}

	opened, err := service.Open(EnginePostgres, validConfig())
	require.NoError(t, err)
	assert.Same(t, db, opened)
	assert.Equal(t, "postgres", gotDriver)
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = service.Open("oracle", validConfig())
	assert.Error(t, err)
}
