package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// lockReleaseTimeout bounds the catalog call that drops a lock after the
// caller's context may already be gone
const lockReleaseTimeout = 30 * time.Second

// OperationLock is the catalog row that keeps a second backup or restore off
// a target while one runs in any process sharing the catalog. The holder
// refreshes HeartbeatAt while it works; a row whose heartbeat has gone stale
// was left by a dead process and may be taken over.
type OperationLock struct {
	Target          string    `json:"target" yaml:"target"`
	Holder          string    `json:"holder" yaml:"holder"`
	Operation       string    `json:"operation" yaml:"operation"`
	RecordID        string    `json:"record_id,omitempty" yaml:"record_id,omitempty"`
	AcquiredAt      time.Time `json:"acquired_at" yaml:"acquired_at"`
	HeartbeatAt     time.Time `json:"heartbeat_at" yaml:"heartbeat_at"`
	CancelRequested bool      `json:"cancel_requested" yaml:"cancel_requested"`
}

// targetLock is a held in-process guard plus catalog lock. A nil targetLock
// is valid and does nothing, which is what a safety backup taken under a
// restore's lock uses.
type targetLock struct {
	engine  *Engine
	release func()

	mu   sync.Mutex
	lock OperationLock

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// lockTarget claims the engine's target for operation. The in-process guard
// answers first so a busy process never touches the catalog.
func (e *Engine) lockTarget(ctx context.Context, operation string) (*targetLock, error) {
	release, err := e.guard.acquire(e.config.Target, operation)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	held := &targetLock{
		engine:  e,
		release: release,
		lock: OperationLock{
			Target:      e.config.Target,
			Holder:      uuid.New().String(),
			Operation:   operation,
			AcquiredAt:  now,
			HeartbeatAt: now,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if err := e.catalog.AcquireLock(ctx, &held.lock, e.staleBefore()); err != nil {
		release()
		return nil, err
	}

	e.logger.WithFields(map[string]interface{}{
		"target":    held.lock.Target,
		"operation": operation,
		"holder":    held.lock.Holder,
	}).Debug("Target locked")

	go held.heartbeat()
	return held, nil
}

func (e *Engine) staleBefore() time.Time {
	return e.clock.Now().Add(-e.config.Locking.StaleAfter)
}

// attach publishes the record the lock is running so other processes can
// request its cancellation
func (l *targetLock) attach(ctx context.Context, recordID string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	l.lock.RecordID = recordID
	l.mu.Unlock()

	l.refresh(ctx)
}

func (l *targetLock) heartbeat() {
	defer close(l.done)

	ticker := time.NewTicker(l.engine.config.Locking.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.refresh(context.Background())
		}
	}
}

// refresh stores a heartbeat and acts on what the catalog says: a cancel
// request from another process cancels the run, a lost lock aborts it
func (l *targetLock) refresh(ctx context.Context) {
	l.mu.Lock()
	l.lock.HeartbeatAt = l.engine.clock.Now()
	lock := l.lock
	l.mu.Unlock()

	stored, err := l.engine.catalog.RefreshLock(ctx, &lock)
	if err != nil {
		l.engine.logger.WithFields(map[string]interface{}{
			"target": lock.Target,
			"record": lock.RecordID,
			"error":  err.Error(),
		}).Warn("Could not refresh target lock")

		if IsErrorType(err, BackupErrorTypeNotFound) && lock.RecordID != "" {
			l.engine.runs.cancel(lock.RecordID,
				NewConflictError(fmt.Sprintf("lock on %s was taken over by another process", lock.Target), err))
		}
		return
	}

	if stored.CancelRequested && stored.RecordID != "" {
		l.engine.runs.cancel(stored.RecordID, ErrOperationCancelled)
	}
}

// unlock stops the heartbeat and drops both locks. Safe to call twice.
func (l *targetLock) unlock() {
	if l == nil {
		return
	}

	l.once.Do(func() {
		close(l.stop)
		<-l.done

		l.mu.Lock()
		target, holder := l.lock.Target, l.lock.Holder
		l.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
		defer cancel()

		if err := l.engine.catalog.ReleaseLock(ctx, target, holder); err != nil {
			l.engine.logger.WithFields(map[string]interface{}{
				"target": target,
				"error":  err.Error(),
			}).Warn("Could not release target lock; it expires once its heartbeat goes stale")
		}
		l.release()
	})
}
