package backup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInflightGuard_Acquire(t *testing.T) {
	guard := newInflightGuard()

	release, err := guard.acquire("shop", "backup backup-1")
	require.NoError(t, err)

	_, err = guard.acquire("shop", "restore restore-1")
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeConflict))
	assert.Contains(t, err.Error(), "backup backup-1 is already running against shop")

	var backupErr *BackupError
	require.ErrorAs(t, err, &backupErr)
	assert.Equal(t, "backup backup-1", backupErr.Context["holder"])

	other, err := guard.acquire("billing", "restore restore-2")
	require.NoError(t, err, "targets are independent")
	other()

	release()
	release()

	again, err := guard.acquire("shop", "restore restore-1")
	require.NoError(t, err)
	again()
}

func TestInflightGuard_Concurrent(t *testing.T) {
	guard := newInflightGuard()

	var (
		wg       sync.WaitGroup
		winners  atomic.Int32
		start    = make(chan struct{})
		releases = make(chan func(), 16)
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if release, err := guard.acquire("shop", "backup"); err == nil {
				winners.Add(1)
				releases <- release
			}
		}()
	}
	close(start)
	wg.Wait()
	close(releases)

	assert.Equal(t, int32(1), winners.Load())
	for release := range releases {
		release()
	}
}

func TestRunRegistry_Cancel(t *testing.T) {
	registry := newRunRegistry()

	runCtx, done := registry.start(context.Background(), "backup-1")
	assert.False(t, registry.cancel("backup-2", ErrOperationCancelled))

	assert.True(t, registry.cancel("backup-1", ErrOperationCancelled))
	<-runCtx.Done()
	assert.ErrorIs(t, context.Cause(runCtx), ErrOperationCancelled)

	done()
	assert.False(t, registry.cancel("backup-1", ErrOperationCancelled), "finished runs are forgotten")
}

func TestRunRegistry_DoneCancelsContext(t *testing.T) {
	registry := newRunRegistry()
	runCtx, done := registry.start(context.Background(), "restore-1")
	done()
	<-runCtx.Done()
	assert.ErrorIs(t, runCtx.Err(), context.Canceled)
}
