package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// lockAttempts bounds the insert, take over and read cycle when the holder
// releases between our steps
const lockAttempts = 3

// AcquireLock claims lock.Target for lock.Holder. A row whose heartbeat is
// older than staleBefore is taken over. A live row held by anyone else
// yields a CONFLICT error naming the operation that holds it.
func (c *SQLCatalog) AcquireLock(ctx context.Context, lock *OperationLock, staleBefore time.Time) error {
	insert := "INSERT OR IGNORE INTO operation_locks"
	if c.dialect == DialectMySQL {
		insert = "INSERT IGNORE INTO operation_locks"
	}

	for attempt := 0; attempt < lockAttempts; attempt++ {
		result, err := c.db.ExecContext(ctx, insert+` (target, holder, operation, record_id,
			acquired_at, heartbeat_at, cancel_requested) VALUES (?, ?, ?, ?, ?, ?, 0)`,
			lock.Target, lock.Holder, lock.Operation, nullString(lock.RecordID),
			lock.AcquiredAt.UTC().UnixNano(), lock.HeartbeatAt.UTC().UnixNano(),
		)
		if err != nil {
			return NewDatabaseError(fmt.Sprintf("failed to lock %s", lock.Target), err)
		}
		if claimed, err := claimedRow(result, lock.Target); err != nil || claimed {
			return err
		}

		result, err = c.db.ExecContext(ctx, `UPDATE operation_locks SET
			holder = ?, operation = ?, record_id = ?, acquired_at = ?, heartbeat_at = ?, cancel_requested = 0
			WHERE target = ? AND heartbeat_at < ?`,
			lock.Holder, lock.Operation, nullString(lock.RecordID),
			lock.AcquiredAt.UTC().UnixNano(), lock.HeartbeatAt.UTC().UnixNano(),
			lock.Target, staleBefore.UTC().UnixNano(),
		)
		if err != nil {
			return NewDatabaseError(fmt.Sprintf("failed to take over stale lock on %s", lock.Target), err)
		}
		if claimed, err := claimedRow(result, lock.Target); err != nil || claimed {
			return err
		}

		current, err := c.getLock(ctx, lock.Target)
		if IsErrorType(err, BackupErrorTypeNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		holder := current.Operation
		if current.RecordID != "" {
			holder += " " + current.RecordID
		}
		return NewConflictError(fmt.Sprintf("%s is already running against %s", holder, lock.Target), nil).
			WithContext("target", lock.Target).
			WithContext("holder", holder).
			WithContext("heartbeat_at", current.HeartbeatAt.Format(time.RFC3339))
	}

	return NewConflictError(fmt.Sprintf("lock on %s is changing hands, try again", lock.Target), nil).
		WithContext("target", lock.Target)
}

// RefreshLock stores a new heartbeat and record id for a lock the caller
// still holds and returns the stored row, which carries cancel requests made
// by other processes. A lock taken over by another holder is NOT_FOUND.
func (c *SQLCatalog) RefreshLock(ctx context.Context, lock *OperationLock) (*OperationLock, error) {
	result, err := c.db.ExecContext(ctx,
		"UPDATE operation_locks SET heartbeat_at = ?, record_id = ? WHERE target = ? AND holder = ?",
		lock.HeartbeatAt.UTC().UnixNano(), nullString(lock.RecordID), lock.Target, lock.Holder)
	if err != nil {
		return nil, NewDatabaseError(fmt.Sprintf("failed to refresh lock on %s", lock.Target), err)
	}
	claimed, err := claimedRow(result, lock.Target)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, NewNotFoundError(fmt.Sprintf("lock on %s is no longer held by %s", lock.Target, lock.Holder), nil).
			WithContext("target", lock.Target)
	}

	stored, err := c.getLock(ctx, lock.Target)
	if err != nil {
		return nil, err
	}
	if stored.Holder != lock.Holder {
		return nil, NewNotFoundError(fmt.Sprintf("lock on %s is no longer held by %s", lock.Target, lock.Holder), nil).
			WithContext("target", lock.Target)
	}
	return stored, nil
}

// ReleaseLock drops the lock on target when holder still owns it
func (c *SQLCatalog) ReleaseLock(ctx context.Context, target, holder string) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM operation_locks WHERE target = ? AND holder = ?", target, holder); err != nil {
		return NewDatabaseError(fmt.Sprintf("failed to release lock on %s", target), err)
	}
	return nil
}

// RequestCancel flags the live lock running recordID for cancellation and
// reports whether one was found. The holding process sees the flag on its
// next heartbeat.
func (c *SQLCatalog) RequestCancel(ctx context.Context, recordID string, staleBefore time.Time) (bool, error) {
	result, err := c.db.ExecContext(ctx,
		"UPDATE operation_locks SET cancel_requested = 1 WHERE record_id = ? AND heartbeat_at >= ?",
		recordID, staleBefore.UTC().UnixNano())
	if err != nil {
		return false, NewDatabaseError(fmt.Sprintf("failed to request cancellation of %s", recordID), err)
	}
	return claimedRow(result, recordID)
}

func (c *SQLCatalog) getLock(ctx context.Context, target string) (*OperationLock, error) {
	var (
		lock                    OperationLock
		recordID                sql.NullString
		acquiredAt, heartbeatAt int64
	)

	err := c.db.QueryRowContext(ctx, `SELECT target, holder, operation, record_id, acquired_at,
		heartbeat_at, cancel_requested FROM operation_locks WHERE target = ?`, target).
		Scan(&lock.Target, &lock.Holder, &lock.Operation, &recordID, &acquiredAt, &heartbeatAt, &lock.CancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError(fmt.Sprintf("no lock on %s", target), err)
	}
	if err != nil {
		return nil, NewDatabaseError(fmt.Sprintf("failed to read lock on %s", target), err)
	}

	lock.RecordID = recordID.String
	lock.AcquiredAt = time.Unix(0, acquiredAt).UTC()
	lock.HeartbeatAt = time.Unix(0, heartbeatAt).UTC()
	return &lock, nil
}

func claimedRow(result sql.Result, subject string) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, NewDatabaseError(fmt.Sprintf("failed to read lock result for %s", subject), err)
	}
	return affected > 0, nil
}
