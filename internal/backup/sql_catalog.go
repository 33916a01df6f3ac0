package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	apperrors "db-backup-engine/internal/errors"
)

const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

// SQLCatalog implements Catalog on database/sql. The sqlite dialect is the
// default; the mysql dialect shares every query and differs only in DDL.
type SQLCatalog struct {
	db      *sql.DB
	dialect string
}

// OpenCatalog opens the catalog database described by config and applies
// pending migrations.
func OpenCatalog(ctx context.Context, config CatalogConfig) (*SQLCatalog, error) {
	var (
		driver string
		dsn    string
		err    error
	)

	switch config.Driver {
	case DialectSQLite, "":
		driver = DialectSQLite
		dsn, err = buildSQLiteDSN(config.DSN)
	case DialectMySQL:
		driver = DialectMySQL
		dsn, err = buildMySQLCatalogDSN(config.DSN)
	default:
		return nil, NewConfigurationError(fmt.Sprintf("unsupported catalog driver: %s", config.Driver), nil)
	}
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, NewDatabaseError("failed to open catalog database", err)
	}

	if driver == DialectSQLite {
		// sqlite serializes writers anyway and an in-memory database only
		// exists on its own connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	retry := apperrors.NewDefaultRetryHandler()
	if err := retry.Retry(ctx, func() error { return db.PingContext(ctx) }); err != nil {
		db.Close()
		return nil, NewDatabaseError("failed to connect to catalog database", err)
	}

	catalog := NewSQLCatalog(db, driver)
	if err := catalog.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return catalog, nil
}

// NewSQLCatalog wraps an open database. Migrate must be called before use
// unless the schema already exists.
func NewSQLCatalog(db *sql.DB, dialect string) *SQLCatalog {
	return &SQLCatalog{db: db, dialect: dialect}
}

func buildSQLiteDSN(path string) (string, error) {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", NewConfigurationError("failed to resolve catalog path", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return "", NewConfigurationError("failed to create catalog directory", err)
	}

	absPath = strings.ReplaceAll(absPath, "\\", "/")
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", absPath), nil
}

// buildMySQLCatalogDSN makes UPDATE report matched rather than changed rows
// so an unchanged compare-and-set is not mistaken for a lost race.
func buildMySQLCatalogDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", NewConfigurationError("invalid catalog DSN", err)
	}
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

// Migrate applies every migration not yet recorded
func (c *SQLCatalog) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS backup_catalog_migrations (
		version VARCHAR(64) PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return NewDatabaseError("failed to create migrations table", err)
	}

	applied, err := c.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, migration := range catalogMigrations {
		if applied[migration.Version] {
			continue
		}

		statements := migration.SQLite
		if c.dialect == DialectMySQL {
			statements = migration.MySQL
		}

		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return NewDatabaseError("failed to begin migration transaction", err)
		}

		for _, statement := range statements {
			if _, err := tx.ExecContext(ctx, statement); err != nil {
				tx.Rollback()
				return NewDatabaseError(fmt.Sprintf("failed to execute migration %s", migration.Version), err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO backup_catalog_migrations (version, applied_at) VALUES (?, ?)",
			migration.Version, time.Now().UTC().UnixNano()); err != nil {
			tx.Rollback()
			return NewDatabaseError(fmt.Sprintf("failed to record migration %s", migration.Version), err)
		}

		if err := tx.Commit(); err != nil {
			return NewDatabaseError(fmt.Sprintf("failed to commit migration %s", migration.Version), err)
		}
	}

	return nil
}

func (c *SQLCatalog) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT version FROM backup_catalog_migrations")
	if err != nil {
		return nil, NewDatabaseError("failed to read applied migrations", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, NewDatabaseError("failed to scan migration version", err)
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

// Close closes the underlying database
func (c *SQLCatalog) Close() error {
	return c.db.Close()
}

// DB exposes the underlying handle for health checks
func (c *SQLCatalog) DB() *sql.DB {
	return c.db
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const backupColumns = `id, name, kind, status, storage_provider, storage_options, storage_path,
	included_tables, excluded_tables, includes_documents, includes_audit_logs, encrypted,
	compression_type, size, compressed_size, checksum, started_at, completed_at, duration_ns,
	error_message, created_by, schedule_id, created_at`

// CreateBackup inserts a new backup row
func (c *SQLCatalog) CreateBackup(ctx context.Context, record *BackupRecord) error {
	if err := record.Validate(); err != nil {
		return NewValidationError("invalid backup record", err)
	}

	options, err := encodeJSONColumn(record.StorageOptions)
	if err != nil {
		return err
	}
	included, err := encodeJSONColumn(record.IncludedTables)
	if err != nil {
		return err
	}
	excluded, err := encodeJSONColumn(record.ExcludedTables)
	if err != nil {
		return err
	}

	_, err = c.db.ExecContext(ctx, "INSERT INTO backups ("+backupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Name, string(record.Kind), string(record.Status), string(record.StorageProvider),
		options, nullString(record.StoragePath), included, excluded,
		record.IncludesDocuments, record.IncludesAuditLogs, record.Encrypted,
		nullString(string(record.CompressionType)), record.Size, record.CompressedSize,
		nullString(record.Checksum), nullTime(record.StartedAt), nullTime(record.CompletedAt),
		int64(record.Duration), nullString(record.ErrorMessage), nullString(record.CreatedBy),
		nullString(record.ScheduleID), record.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to insert backup %s", record.ID), err)
	}

	return nil
}

// GetBackup loads one backup row
func (c *SQLCatalog) GetBackup(ctx context.Context, id string) (*BackupRecord, error) {
	row := c.db.QueryRowContext(ctx, "SELECT "+backupColumns+" FROM backups WHERE id = ?", id)

	record, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError(fmt.Sprintf("backup %s not found", id), err)
	}
	if err != nil {
		return nil, NewDatabaseError(fmt.Sprintf("failed to load backup %s", id), err)
	}

	return record, nil
}

var backupSortColumns = map[BackupSortField]string{
	SortByCreatedAt: "created_at",
	SortByName:      "name",
	SortBySize:      "size",
	SortByStatus:    "status",
}

// ListBackups returns one page of backups matching filter
func (c *SQLCatalog) ListBackups(ctx context.Context, filter BackupFilter) (*BackupPage, error) {
	var (
		conditions []string
		args       []interface{}
	)

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.StorageProvider != "" {
		conditions = append(conditions, "storage_provider = ?")
		args = append(args, string(filter.StorageProvider))
	}
	if filter.ScheduleID != "" {
		conditions = append(conditions, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if filter.CreatedAfter != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.CreatedAfter.UTC().UnixNano())
	}
	if filter.CreatedBefore != nil {
		conditions = append(conditions, "created_at < ?")
		args = append(args, filter.CreatedBefore.UTC().UnixNano())
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM backups"+where, args...).Scan(&total); err != nil {
		return nil, NewDatabaseError("failed to count backups", err)
	}

	column, ok := backupSortColumns[filter.SortBy]
	if !ok {
		column = "created_at"
	}
	direction := "DESC"
	if filter.Ascending {
		direction = "ASC"
	}

	query := "SELECT " + backupColumns + " FROM backups" + where +
		fmt.Sprintf(" ORDER BY %s %s, id %s", column, direction, direction) +
		limitClause(filter.Limit, filter.Offset)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewDatabaseError("failed to list backups", err)
	}
	defer rows.Close()

	page := &BackupPage{Total: total, Limit: filter.Limit, Offset: filter.Offset}
	for rows.Next() {
		record, err := scanBackup(rows)
		if err != nil {
			return nil, NewDatabaseError("failed to scan backup", err)
		}
		page.Backups = append(page.Backups, record)
	}
	if err := rows.Err(); err != nil {
		return nil, NewDatabaseError("failed to list backups", err)
	}

	return page, nil
}

// UpdateBackup writes the mutable fields of record when the stored status is
// still expected. The move from expected to record.Status must be a legal
// lifecycle transition.
func (c *SQLCatalog) UpdateBackup(ctx context.Context, record *BackupRecord, expected BackupStatus) error {
	if record.Status != expected && !expected.CanTransitionTo(record.Status) {
		return NewInvalidStateError(fmt.Sprintf("backup %s cannot move from %s to %s", record.ID, expected, record.Status), nil)
	}
	if err := record.Validate(); err != nil {
		return NewValidationError("invalid backup record", err)
	}

	included, err := encodeJSONColumn(record.IncludedTables)
	if err != nil {
		return err
	}
	excluded, err := encodeJSONColumn(record.ExcludedTables)
	if err != nil {
		return err
	}

	result, err := c.db.ExecContext(ctx, `UPDATE backups SET
		name = ?, status = ?, storage_path = ?, included_tables = ?, excluded_tables = ?,
		includes_documents = ?, includes_audit_logs = ?, encrypted = ?, compression_type = ?,
		size = ?, compressed_size = ?, checksum = ?, started_at = ?, completed_at = ?,
		duration_ns = ?, error_message = ?
		WHERE id = ? AND status = ?`,
		record.Name, string(record.Status), nullString(record.StoragePath), included, excluded,
		record.IncludesDocuments, record.IncludesAuditLogs, record.Encrypted,
		nullString(string(record.CompressionType)), record.Size, record.CompressedSize,
		nullString(record.Checksum), nullTime(record.StartedAt), nullTime(record.CompletedAt),
		int64(record.Duration), nullString(record.ErrorMessage),
		record.ID, string(expected),
	)
	if err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to update backup %s", record.ID), err)
	}

	return c.checkSwapped(ctx, result, "backups", "backup", record.ID, string(expected))
}

// checkSwapped turns a zero row compare-and-set into NOT_FOUND or INVALID_STATE
func (c *SQLCatalog) checkSwapped(ctx context.Context, result sql.Result, table, noun, id, expected string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to read update result for %s %s", noun, id), err)
	}
	if affected > 0 {
		return nil
	}

	var current string
	err = c.db.QueryRowContext(ctx, "SELECT status FROM "+table+" WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return NewNotFoundError(fmt.Sprintf("%s %s not found", noun, id), err)
	}
	if err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to load %s %s", noun, id), err)
	}

	return NewInvalidStateError(fmt.Sprintf("%s %s is %s, expected %s", noun, id, current, expected), nil).
		WithContext("current_status", current).
		WithContext("expected_status", expected)
}

func scanBackup(scanner rowScanner) (*BackupRecord, error) {
	var (
		record                              BackupRecord
		kind, status, provider              string
		options, storagePath, included      sql.NullString
		excluded, compression, checksum     sql.NullString
		errorMessage, createdBy, scheduleID sql.NullString
		startedAt, completedAt              sql.NullInt64
		duration, createdAt                 int64
	)

	if err := scanner.Scan(
		&record.ID, &record.Name, &kind, &status, &provider, &options, &storagePath,
		&included, &excluded, &record.IncludesDocuments, &record.IncludesAuditLogs, &record.Encrypted,
		&compression, &record.Size, &record.CompressedSize, &checksum, &startedAt, &completedAt,
		&duration, &errorMessage, &createdBy, &scheduleID, &createdAt,
	); err != nil {
		return nil, err
	}

	record.Kind = BackupKind(kind)
	record.Status = BackupStatus(status)
	record.StorageProvider = StorageProviderType(provider)
	record.StoragePath = storagePath.String
	record.CompressionType = CompressionType(compression.String)
	record.Checksum = checksum.String
	record.StartedAt = timeFromColumn(startedAt)
	record.CompletedAt = timeFromColumn(completedAt)
	record.Duration = time.Duration(duration)
	record.ErrorMessage = errorMessage.String
	record.CreatedBy = createdBy.String
	record.ScheduleID = scheduleID.String
	record.CreatedAt = time.Unix(0, createdAt).UTC()

	if err := decodeJSONColumn(options, &record.StorageOptions); err != nil {
		return nil, err
	}
	if err := decodeJSONColumn(included, &record.IncludedTables); err != nil {
		return nil, err
	}
	if err := decodeJSONColumn(excluded, &record.ExcludedTables); err != nil {
		return nil, err
	}

	return &record, nil
}

// AddTableDetails inserts the per-table rows of a completed backup
func (c *SQLCatalog) AddTableDetails(ctx context.Context, details []*BackupTableDetail) error {
	if len(details) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return NewDatabaseError("failed to begin table detail transaction", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO backup_table_details
		(backup_id, table_name, status, row_count, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return NewDatabaseError("failed to prepare table detail insert", err)
	}
	defer stmt.Close()

	for _, detail := range details {
		if _, err := stmt.ExecContext(ctx, detail.BackupID, detail.TableName, string(detail.Status),
			detail.RowCount, detail.CreatedAt.UTC().UnixNano()); err != nil {
			tx.Rollback()
			return NewDatabaseError(fmt.Sprintf("failed to insert table detail %s", detail.TableName), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return NewDatabaseError("failed to commit table details", err)
	}

	return nil
}

// ListTableDetails returns the table rows of a backup ordered by name
func (c *SQLCatalog) ListTableDetails(ctx context.Context, backupID string) ([]*BackupTableDetail, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT backup_id, table_name, status, row_count, created_at
		FROM backup_table_details WHERE backup_id = ? ORDER BY table_name`, backupID)
	if err != nil {
		return nil, NewDatabaseError(fmt.Sprintf("failed to list tables of backup %s", backupID), err)
	}
	defer rows.Close()

	var details []*BackupTableDetail
	for rows.Next() {
		var (
			detail    BackupTableDetail
			status    string
			createdAt int64
		)
		if err := rows.Scan(&detail.BackupID, &detail.TableName, &status, &detail.RowCount, &createdAt); err != nil {
			return nil, NewDatabaseError("failed to scan table detail", err)
		}
		detail.Status = BackupStatus(status)
		detail.CreatedAt = time.Unix(0, createdAt).UTC()
		details = append(details, &detail)
	}

	return details, rows.Err()
}

const restoreColumns = `id, backup_id, scope, selected_tables, restore_documents, restore_audit_logs,
	overwrite_existing, create_pre_restore_backup, pre_restore_backup_id, status, tables_restored,
	started_at, completed_at, duration_ns, error_message, initiated_by, created_at`

// CreateRestore inserts a new restore operation row
func (c *SQLCatalog) CreateRestore(ctx context.Context, op *RestoreOperation) error {
	selected, err := encodeJSONColumn(op.SelectedTables)
	if err != nil {
		return err
	}
	restored, err := encodeJSONColumn(op.TablesRestored)
	if err != nil {
		return err
	}

	_, err = c.db.ExecContext(ctx, "INSERT INTO restore_operations ("+restoreColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.BackupID, string(op.Scope), selected, op.RestoreDocuments, op.RestoreAuditLogs,
		op.OverwriteExisting, op.CreatePreRestoreBackup, nullString(op.PreRestoreBackupID),
		string(op.Status), restored, nullTime(op.StartedAt), nullTime(op.CompletedAt),
		int64(op.Duration), nullString(op.ErrorMessage), nullString(op.InitiatedBy),
		op.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to insert restore %s", op.ID), err)
	}

	return nil
}

// GetRestore loads one restore operation
func (c *SQLCatalog) GetRestore(ctx context.Context, id string) (*RestoreOperation, error) {
	row := c.db.QueryRowContext(ctx, "SELECT "+restoreColumns+" FROM restore_operations WHERE id = ?", id)

	op, err := scanRestore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError(fmt.Sprintf("restore %s not found", id), err)
	}
	if err != nil {
		return nil, NewDatabaseError(fmt.Sprintf("failed to load restore %s", id), err)
	}

	return op, nil
}

// ListRestores returns restore operations newest first
func (c *SQLCatalog) ListRestores(ctx context.Context, filter RestoreFilter) ([]*RestoreOperation, error) {
	var (
		conditions []string
		args       []interface{}
	)

	if filter.BackupID != "" {
		conditions = append(conditions, "backup_id = ?")
		args = append(args, filter.BackupID)
	}
	if filter.PreRestoreBackupID != "" {
		conditions = append(conditions, "pre_restore_backup_id = ?")
		args = append(args, filter.PreRestoreBackupID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := "SELECT " + restoreColumns + " FROM restore_operations"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC" + limitClause(filter.Limit, filter.Offset)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewDatabaseError("failed to list restores", err)
	}
	defer rows.Close()

	var ops []*RestoreOperation
	for rows.Next() {
		op, err := scanRestore(rows)
		if err != nil {
			return nil, NewDatabaseError("failed to scan restore", err)
		}
		ops = append(ops, op)
	}

	return ops, rows.Err()
}

// UpdateRestore writes the mutable fields of op when the stored status is
// still expected.
func (c *SQLCatalog) UpdateRestore(ctx context.Context, op *RestoreOperation, expected RestoreStatus) error {
	if expected.IsTerminal() && op.Status != expected && !(expected == RestoreStatusCompleted && op.Status == RestoreStatusRolledBack) {
		return NewInvalidStateError(fmt.Sprintf("restore %s cannot move from %s to %s", op.ID, expected, op.Status), nil)
	}

	restored, err := encodeJSONColumn(op.TablesRestored)
	if err != nil {
		return err
	}

	result, err := c.db.ExecContext(ctx, `UPDATE restore_operations SET
		pre_restore_backup_id = ?, status = ?, tables_restored = ?, started_at = ?,
		completed_at = ?, duration_ns = ?, error_message = ?
		WHERE id = ? AND status = ?`,
		nullString(op.PreRestoreBackupID), string(op.Status), restored, nullTime(op.StartedAt),
		nullTime(op.CompletedAt), int64(op.Duration), nullString(op.ErrorMessage),
		op.ID, string(expected),
	)
	if err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to update restore %s", op.ID), err)
	}

	return c.checkSwapped(ctx, result, "restore_operations", "restore", op.ID, string(expected))
}

func scanRestore(scanner rowScanner) (*RestoreOperation, error) {
	var (
		op                               RestoreOperation
		scope, status                    string
		selected, preRestoreID, restored sql.NullString
		errorMessage, initiatedBy        sql.NullString
		startedAt, completedAt           sql.NullInt64
		duration, createdAt              int64
	)

	if err := scanner.Scan(
		&op.ID, &op.BackupID, &scope, &selected, &op.RestoreDocuments, &op.RestoreAuditLogs,
		&op.OverwriteExisting, &op.CreatePreRestoreBackup, &preRestoreID, &status, &restored,
		&startedAt, &completedAt, &duration, &errorMessage, &initiatedBy, &createdAt,
	); err != nil {
		return nil, err
	}

	op.Scope = RestoreScope(scope)
	op.Status = RestoreStatus(status)
	op.PreRestoreBackupID = preRestoreID.String
	op.StartedAt = timeFromColumn(startedAt)
	op.CompletedAt = timeFromColumn(completedAt)
	op.Duration = time.Duration(duration)
	op.ErrorMessage = errorMessage.String
	op.InitiatedBy = initiatedBy.String
	op.CreatedAt = time.Unix(0, createdAt).UTC()

	if err := decodeJSONColumn(selected, &op.SelectedTables); err != nil {
		return nil, err
	}
	if err := decodeJSONColumn(restored, &op.TablesRestored); err != nil {
		return nil, err
	}

	return &op, nil
}

const scheduleColumns = `id, name, cron_expression, timezone, kind, include_tables, exclude_tables,
	include_documents, include_audit_logs, encrypt, retention_days, max_backups, storage_provider,
	storage_options, notifications, enabled, next_run_at, created_by, created_at, updated_at`

// CreateSchedule inserts a new schedule
func (c *SQLCatalog) CreateSchedule(ctx context.Context, schedule *BackupSchedule) error {
	args, err := scheduleArgs(schedule)
	if err != nil {
		return err
	}
	args = append([]interface{}{schedule.ID}, args...)
	args = append(args, schedule.CreatedAt.UTC().UnixNano(), schedule.UpdatedAt.UTC().UnixNano())

	_, err = c.db.ExecContext(ctx, "INSERT INTO backup_schedules ("+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to insert schedule %s", schedule.ID), err)
	}

	return nil
}

// GetSchedule loads one schedule
func (c *SQLCatalog) GetSchedule(ctx context.Context, id string) (*BackupSchedule, error) {
	row := c.db.QueryRowContext(ctx, "SELECT "+scheduleColumns+" FROM backup_schedules WHERE id = ?", id)

	schedule, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError(fmt.Sprintf("schedule %s not found", id), err)
	}
	if err != nil {
		return nil, NewDatabaseError(fmt.Sprintf("failed to load schedule %s", id), err)
	}

	return schedule, nil
}

// ListSchedules returns schedules ordered by name
func (c *SQLCatalog) ListSchedules(ctx context.Context, enabledOnly bool) ([]*BackupSchedule, error) {
	query := "SELECT " + scheduleColumns + " FROM backup_schedules"
	var args []interface{}
	if enabledOnly {
		query += " WHERE enabled = ?"
		args = append(args, true)
	}
	query += " ORDER BY name, id"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewDatabaseError("failed to list schedules", err)
	}
	defer rows.Close()

	var schedules []*BackupSchedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, NewDatabaseError("failed to scan schedule", err)
		}
		schedules = append(schedules, schedule)
	}

	return schedules, rows.Err()
}

// UpdateSchedule rewrites a schedule
func (c *SQLCatalog) UpdateSchedule(ctx context.Context, schedule *BackupSchedule) error {
	args, err := scheduleArgs(schedule)
	if err != nil {
		return err
	}
	args = append(args, schedule.UpdatedAt.UTC().UnixNano(), schedule.ID)

	result, err := c.db.ExecContext(ctx, `UPDATE backup_schedules SET
		name = ?, cron_expression = ?, timezone = ?, kind = ?, include_tables = ?, exclude_tables = ?,
		include_documents = ?, include_audit_logs = ?, encrypt = ?, retention_days = ?, max_backups = ?,
		storage_provider = ?, storage_options = ?, notifications = ?, enabled = ?, next_run_at = ?,
		created_by = ?, updated_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to update schedule %s", schedule.ID), err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to read update result for schedule %s", schedule.ID), err)
	}
	if affected == 0 {
		return NewNotFoundError(fmt.Sprintf("schedule %s not found", schedule.ID), nil)
	}

	return nil
}

// SetScheduleNextRun moves only the next run of a schedule, leaving every
// other column as the last writer left it
func (c *SQLCatalog) SetScheduleNextRun(ctx context.Context, id string, next *time.Time, updatedAt time.Time) error {
	result, err := c.db.ExecContext(ctx,
		"UPDATE backup_schedules SET next_run_at = ?, updated_at = ? WHERE id = ?",
		nullTime(next), updatedAt.UTC().UnixNano(), id)
	if err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to advance schedule %s", id), err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to read update result for schedule %s", id), err)
	}
	if affected == 0 {
		return NewNotFoundError(fmt.Sprintf("schedule %s not found", id), nil)
	}

	return nil
}

// DeleteSchedule removes a schedule. Backups it produced keep their schedule id.
func (c *SQLCatalog) DeleteSchedule(ctx context.Context, id string) error {
	result, err := c.db.ExecContext(ctx, "DELETE FROM backup_schedules WHERE id = ?", id)
	if err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to delete schedule %s", id), err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to read delete result for schedule %s", id), err)
	}
	if affected == 0 {
		return NewNotFoundError(fmt.Sprintf("schedule %s not found", id), nil)
	}

	return nil
}

// scheduleArgs returns the column values shared by insert and update, in
// scheduleColumns order without id and the two timestamps
func scheduleArgs(schedule *BackupSchedule) ([]interface{}, error) {
	include, err := encodeJSONColumn(schedule.IncludeTables)
	if err != nil {
		return nil, err
	}
	exclude, err := encodeJSONColumn(schedule.ExcludeTables)
	if err != nil {
		return nil, err
	}
	options, err := encodeJSONColumn(schedule.StorageOptions)
	if err != nil {
		return nil, err
	}
	notifications, err := encodeJSONColumn(schedule.Notifications)
	if err != nil {
		return nil, err
	}

	return []interface{}{
		schedule.Name, schedule.CronExpression, nullString(schedule.Timezone), string(schedule.Kind),
		include, exclude, schedule.IncludeDocuments, schedule.IncludeAuditLogs, schedule.Encrypt,
		schedule.RetentionDays, schedule.MaxBackups, nullString(string(schedule.StorageProvider)),
		options, notifications, schedule.Enabled, nullTime(schedule.NextRunAt),
		nullString(schedule.CreatedBy),
	}, nil
}

func scanSchedule(scanner rowScanner) (*BackupSchedule, error) {
	var (
		schedule                             BackupSchedule
		kind                                 string
		timezone, include, exclude, provider sql.NullString
		options, notifications, createdBy    sql.NullString
		nextRunAt                            sql.NullInt64
		createdAt, updatedAt                 int64
	)

	if err := scanner.Scan(
		&schedule.ID, &schedule.Name, &schedule.CronExpression, &timezone, &kind, &include, &exclude,
		&schedule.IncludeDocuments, &schedule.IncludeAuditLogs, &schedule.Encrypt,
		&schedule.RetentionDays, &schedule.MaxBackups, &provider, &options, &notifications,
		&schedule.Enabled, &nextRunAt, &createdBy, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	schedule.Timezone = timezone.String
	schedule.Kind = BackupKind(kind)
	schedule.StorageProvider = StorageProviderType(provider.String)
	schedule.NextRunAt = timeFromColumn(nextRunAt)
	schedule.CreatedBy = createdBy.String
	schedule.CreatedAt = time.Unix(0, createdAt).UTC()
	schedule.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if err := decodeJSONColumn(include, &schedule.IncludeTables); err != nil {
		return nil, err
	}
	if err := decodeJSONColumn(exclude, &schedule.ExcludeTables); err != nil {
		return nil, err
	}
	if err := decodeJSONColumn(options, &schedule.StorageOptions); err != nil {
		return nil, err
	}
	if err := decodeJSONColumn(notifications, &schedule.Notifications); err != nil {
		return nil, err
	}

	return &schedule, nil
}

// AppendAudit inserts an audit entry and sets its ID
func (c *SQLCatalog) AppendAudit(ctx context.Context, entry *AuditLogEntry) error {
	if entry.BackupID == "" && entry.RestoreID == "" && entry.ScheduleID == "" {
		return NewValidationError("audit entry must reference a backup, restore or schedule", nil)
	}

	details, err := json.Marshal(entry.Details)
	if err != nil {
		return NewDatabaseError("failed to encode audit details", err)
	}

	result, err := c.db.ExecContext(ctx, `INSERT INTO backup_audit_log
		(backup_id, restore_id, schedule_id, action, details, previous_status, new_status, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(entry.BackupID), nullString(entry.RestoreID), nullString(entry.ScheduleID),
		string(entry.Action), string(details), nullString(entry.PreviousStatus),
		nullString(entry.NewStatus), nullString(entry.Actor), entry.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to append audit entry %s", entry.Action), err)
	}

	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}

	return nil
}

// QueryAudit returns audit entries in append order
func (c *SQLCatalog) QueryAudit(ctx context.Context, filter AuditFilter) ([]*AuditLogEntry, error) {
	var (
		conditions []string
		args       []interface{}
	)

	if filter.BackupID != "" {
		conditions = append(conditions, "backup_id = ?")
		args = append(args, filter.BackupID)
	}
	if filter.RestoreID != "" {
		conditions = append(conditions, "restore_id = ?")
		args = append(args, filter.RestoreID)
	}
	if filter.ScheduleID != "" {
		conditions = append(conditions, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, string(filter.Action))
	}

	query := `SELECT id, backup_id, restore_id, schedule_id, action, details, previous_status,
		new_status, actor, created_at FROM backup_audit_log`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id" + limitClause(filter.Limit, filter.Offset)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewDatabaseError("failed to query audit log", err)
	}
	defer rows.Close()

	var entries []*AuditLogEntry
	for rows.Next() {
		var (
			entry                           AuditLogEntry
			action                          string
			backupID, restoreID, scheduleID sql.NullString
			details, previous, next, actor  sql.NullString
			createdAt                       int64
		)
		if err := rows.Scan(&entry.ID, &backupID, &restoreID, &scheduleID, &action, &details,
			&previous, &next, &actor, &createdAt); err != nil {
			return nil, NewDatabaseError("failed to scan audit entry", err)
		}

		entry.BackupID = backupID.String
		entry.RestoreID = restoreID.String
		entry.ScheduleID = scheduleID.String
		entry.Action = AuditAction(action)
		entry.PreviousStatus = previous.String
		entry.NewStatus = next.String
		entry.Actor = actor.String
		entry.CreatedAt = time.Unix(0, createdAt).UTC()
		if err := decodeJSONColumn(details, &entry.Details); err != nil {
			return nil, err
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

func limitClause(limit, offset int) string {
	switch {
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case offset > 0:
		// both dialects need a LIMIT before OFFSET
		return fmt.Sprintf(" LIMIT %d OFFSET %d", int64(1<<62), offset)
	}
	return ""
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func timeFromColumn(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

// encodeJSONColumn stores empty slices and maps as NULL
func encodeJSONColumn(v interface{}) (sql.NullString, error) {
	switch value := v.(type) {
	case []string:
		if len(value) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if len(value) == 0 {
			return sql.NullString{}, nil
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, NewDatabaseError("failed to encode JSON column", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSONColumn(column sql.NullString, dst interface{}) error {
	if !column.Valid || column.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(column.String), dst); err != nil {
		return NewDatabaseError("failed to decode JSON column", err)
	}
	return nil
}
