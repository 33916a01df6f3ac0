// Package backup produces, verifies, catalogs, schedules and restores
// point-in-time snapshots of a relational database.
//
// A backup run dumps the target with an external DumpTool, bundles the dump
// with any document files, compresses and optionally encrypts the bundle,
// and stores the resulting artifact next to a JSON metadata sidecar. Every
// state change is recorded in a Catalog and appended to its audit log.
//
// Core Components:
//
// - Engine: runs backups and restores and owns the in-flight guard
// - Codec: compression followed by AES-256-GCM
// - Storage: artifact persistence (local, S3, GCS, Azure, SFTP)
// - SQLCatalog: backup, restore, schedule and audit rows in sqlite or MySQL
// - RetentionManager: expires backups beyond a count or age limit
// - Scheduler: cron driven unattended backups
//
// Example usage:
//
//	engine, err := backup.NewEngine(cfg, catalog, storage, dumper, loader)
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
//
//	result := engine.CreateBackup(ctx, backup.BackupRequest{Kind: backup.BackupKindFull, Name: "nightly"})
//	if !result.Success {
//		return result.Error
//	}
//
//	restore := engine.Restore(ctx, backup.RestoreRequest{
//		BackupID:               result.Backup.ID,
//		CreatePreRestoreBackup: true,
//		OverwriteExisting:      true,
//	})
//	if !restore.Success {
//		return restore.Error
//	}
package backup
