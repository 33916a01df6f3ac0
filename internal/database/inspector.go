package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"db-backup-engine/internal/backup"
	"db-backup-engine/internal/errors"
	"db-backup-engine/internal/logging"
)

// Inspector answers the engine's questions about the live database: which
// tables exist, how many rows they hold and which server version runs it.
type Inspector struct {
	db     *sql.DB
	engine string
	logger *logging.Logger
}

var _ backup.DatabaseInspector = (*Inspector)(nil)

// NewInspector wraps an open connection for engine
func NewInspector(db *sql.DB, engine string, logger *logging.Logger) (*Inspector, error) {
	if db == nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}
	switch engine {
	case EngineMySQL, EnginePostgres:
	default:
		return nil, errors.NewAppError(errors.ErrorTypeValidation, fmt.Sprintf("unsupported database engine: %s", engine), nil)
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Inspector{db: db, engine: engine, logger: logger}, nil
}

// ListTables returns the base tables of the connected schema in name order
func (i *Inspector) ListTables(ctx context.Context) ([]string, error) {
	query := `SELECT table_name FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
		ORDER BY table_name`
	if i.engine == EnginePostgres {
		query = `SELECT tablename FROM pg_catalog.pg_tables
		WHERE schemaname = current_schema()
		ORDER BY tablename`
	}

	rows, err := i.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.WrapError(err, "failed to list tables")
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.WrapError(err, "failed to scan table name")
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapError(err, "failed to list tables")
	}

	return tables, nil
}

// TableRowCounts counts the rows of each table. Counts are exact, so this
// scans every table once.
func (i *Inspector) TableRowCounts(ctx context.Context, tables []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(tables))
	startTime := time.Now()

	for _, table := range tables {
		var count int64
		query := "SELECT COUNT(*) FROM " + i.quoteIdentifier(table)
		if err := i.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
			return nil, errors.WrapError(err, fmt.Sprintf("failed to count rows of %s", table))
		}
		counts[table] = count
	}

	i.logger.WithFields(map[string]interface{}{
		"tables":   len(tables),
		"duration": time.Since(startTime).String(),
	}).Debug("Counted table rows")

	return counts, nil
}

// Version returns the server version string
func (i *Inspector) Version(ctx context.Context) (string, error) {
	var version string
	if err := i.db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return "", errors.WrapError(err, "failed to get database version")
	}
	return version, nil
}

func (i *Inspector) quoteIdentifier(name string) string {
	if i.engine == EnginePostgres {
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
