package backup

// catalogMigration is one schema step. MySQL rejects multi statement Exec,
// so every statement is listed separately.
type catalogMigration struct {
	Version string
	SQLite  []string
	MySQL   []string
}

// Timestamps are stored as UTC unix nanoseconds so both dialects sort and
// compare them the same way.
var catalogMigrations = []catalogMigration{
	{
		Version: "001_backups",
		SQLite: []string{
			`CREATE TABLE IF NOT EXISTS backups (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				kind TEXT NOT NULL,
				status TEXT NOT NULL,
				storage_provider TEXT NOT NULL,
				storage_options TEXT,
				storage_path TEXT,
				included_tables TEXT,
				excluded_tables TEXT,
				includes_documents INTEGER NOT NULL DEFAULT 0,
				includes_audit_logs INTEGER NOT NULL DEFAULT 0,
				encrypted INTEGER NOT NULL DEFAULT 0,
				compression_type TEXT,
				size INTEGER NOT NULL DEFAULT 0,
				compressed_size INTEGER NOT NULL DEFAULT 0,
				checksum TEXT,
				started_at INTEGER,
				completed_at INTEGER,
				duration_ns INTEGER NOT NULL DEFAULT 0,
				error_message TEXT,
				created_by TEXT,
				schedule_id TEXT,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_backups_status_created ON backups (status, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_backups_schedule ON backups (schedule_id)`,
			`CREATE TABLE IF NOT EXISTS backup_table_details (
				backup_id TEXT NOT NULL,
				table_name TEXT NOT NULL,
				status TEXT NOT NULL,
				row_count INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				PRIMARY KEY (backup_id, table_name),
				FOREIGN KEY (backup_id) REFERENCES backups(id)
			)`,
		},
		MySQL: []string{
			`CREATE TABLE IF NOT EXISTS backups (
				id VARCHAR(64) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				kind VARCHAR(32) NOT NULL,
				status VARCHAR(32) NOT NULL,
				storage_provider VARCHAR(32) NOT NULL,
				storage_options TEXT,
				storage_path VARCHAR(1024),
				included_tables TEXT,
				excluded_tables TEXT,
				includes_documents TINYINT(1) NOT NULL DEFAULT 0,
				includes_audit_logs TINYINT(1) NOT NULL DEFAULT 0,
				encrypted TINYINT(1) NOT NULL DEFAULT 0,
				compression_type VARCHAR(16),
				size BIGINT NOT NULL DEFAULT 0,
				compressed_size BIGINT NOT NULL DEFAULT 0,
				checksum VARCHAR(128),
				started_at BIGINT,
				completed_at BIGINT,
				duration_ns BIGINT NOT NULL DEFAULT 0,
				error_message TEXT,
				created_by VARCHAR(255),
				schedule_id VARCHAR(64),
				created_at BIGINT NOT NULL,
				INDEX idx_backups_status_created (status, created_at),
				INDEX idx_backups_schedule (schedule_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS backup_table_details (
				backup_id VARCHAR(64) NOT NULL,
				table_name VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				row_count BIGINT NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (backup_id, table_name),
				FOREIGN KEY (backup_id) REFERENCES backups(id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		},
	},
	{
		Version: "002_restore_operations",
		SQLite: []string{
			`CREATE TABLE IF NOT EXISTS restore_operations (
				id TEXT PRIMARY KEY,
				backup_id TEXT NOT NULL,
				scope TEXT NOT NULL,
				selected_tables TEXT,
				restore_documents INTEGER NOT NULL DEFAULT 0,
				restore_audit_logs INTEGER NOT NULL DEFAULT 0,
				overwrite_existing INTEGER NOT NULL DEFAULT 0,
				create_pre_restore_backup INTEGER NOT NULL DEFAULT 0,
				pre_restore_backup_id TEXT,
				status TEXT NOT NULL,
				tables_restored TEXT,
				started_at INTEGER,
				completed_at INTEGER,
				duration_ns INTEGER NOT NULL DEFAULT 0,
				error_message TEXT,
				initiated_by TEXT,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_restores_backup ON restore_operations (backup_id)`,
			`CREATE INDEX IF NOT EXISTS idx_restores_pre_restore ON restore_operations (pre_restore_backup_id)`,
		},
		MySQL: []string{
			`CREATE TABLE IF NOT EXISTS restore_operations (
				id VARCHAR(64) PRIMARY KEY,
				backup_id VARCHAR(64) NOT NULL,
				scope VARCHAR(32) NOT NULL,
				selected_tables TEXT,
				restore_documents TINYINT(1) NOT NULL DEFAULT 0,
				restore_audit_logs TINYINT(1) NOT NULL DEFAULT 0,
				overwrite_existing TINYINT(1) NOT NULL DEFAULT 0,
				create_pre_restore_backup TINYINT(1) NOT NULL DEFAULT 0,
				pre_restore_backup_id VARCHAR(64),
				status VARCHAR(32) NOT NULL,
				tables_restored TEXT,
				started_at BIGINT,
				completed_at BIGINT,
				duration_ns BIGINT NOT NULL DEFAULT 0,
				error_message TEXT,
				initiated_by VARCHAR(255),
				created_at BIGINT NOT NULL,
				INDEX idx_restores_backup (backup_id),
				INDEX idx_restores_pre_restore (pre_restore_backup_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		},
	},
	{
		Version: "003_backup_schedules",
		SQLite: []string{
			`CREATE TABLE IF NOT EXISTS backup_schedules (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				cron_expression TEXT NOT NULL,
				timezone TEXT,
				kind TEXT NOT NULL,
				include_tables TEXT,
				exclude_tables TEXT,
				include_documents INTEGER NOT NULL DEFAULT 0,
				include_audit_logs INTEGER NOT NULL DEFAULT 0,
				encrypt INTEGER NOT NULL DEFAULT 0,
				retention_days INTEGER NOT NULL DEFAULT 0,
				max_backups INTEGER NOT NULL DEFAULT 0,
				storage_provider TEXT,
				storage_options TEXT,
				notifications TEXT,
				enabled INTEGER NOT NULL DEFAULT 1,
				next_run_at INTEGER,
				created_by TEXT,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
		},
		MySQL: []string{
			`CREATE TABLE IF NOT EXISTS backup_schedules (
				id VARCHAR(64) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				cron_expression VARCHAR(255) NOT NULL,
				timezone VARCHAR(64),
				kind VARCHAR(32) NOT NULL,
				include_tables TEXT,
				exclude_tables TEXT,
				include_documents TINYINT(1) NOT NULL DEFAULT 0,
				include_audit_logs TINYINT(1) NOT NULL DEFAULT 0,
				encrypt TINYINT(1) NOT NULL DEFAULT 0,
				retention_days INT NOT NULL DEFAULT 0,
				max_backups INT NOT NULL DEFAULT 0,
				storage_provider VARCHAR(32),
				storage_options TEXT,
				notifications TEXT,
				enabled TINYINT(1) NOT NULL DEFAULT 1,
				next_run_at BIGINT,
				created_by VARCHAR(255),
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		},
	},
	{
		Version: "004_audit_log",
		SQLite: []string{
			`CREATE TABLE IF NOT EXISTS backup_audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				backup_id TEXT,
				restore_id TEXT,
				schedule_id TEXT,
				action TEXT NOT NULL,
				details TEXT,
				previous_status TEXT,
				new_status TEXT,
				actor TEXT,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_backup ON backup_audit_log (backup_id)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_restore ON backup_audit_log (restore_id)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_schedule ON backup_audit_log (schedule_id)`,
		},
		MySQL: []string{
			`CREATE TABLE IF NOT EXISTS backup_audit_log (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				backup_id VARCHAR(64),
				restore_id VARCHAR(64),
				schedule_id VARCHAR(64),
				action VARCHAR(64) NOT NULL,
				details TEXT,
				previous_status VARCHAR(32),
				new_status VARCHAR(32),
				actor VARCHAR(255),
				created_at BIGINT NOT NULL,
				INDEX idx_audit_backup (backup_id),
				INDEX idx_audit_restore (restore_id),
				INDEX idx_audit_schedule (schedule_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		},
	},
	{
		Version: "005_operation_locks",
		SQLite: []string{
			`CREATE TABLE IF NOT EXISTS operation_locks (
				target TEXT PRIMARY KEY,
				holder TEXT NOT NULL,
				operation TEXT NOT NULL,
				record_id TEXT,
				acquired_at INTEGER NOT NULL,
				heartbeat_at INTEGER NOT NULL,
				cancel_requested INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_operation_locks_record ON operation_locks (record_id)`,
		},
		MySQL: []string{
			`CREATE TABLE IF NOT EXISTS operation_locks (
				target VARCHAR(255) PRIMARY KEY,
				holder VARCHAR(64) NOT NULL,
				operation VARCHAR(32) NOT NULL,
				record_id VARCHAR(64),
				acquired_at BIGINT NOT NULL,
				heartbeat_at BIGINT NOT NULL,
				cancel_requested TINYINT(1) NOT NULL DEFAULT 0,
				INDEX idx_operation_locks_record (record_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		},
	},
}
