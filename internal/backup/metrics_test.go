package backup

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollector_NilReceiver(t *testing.T) {
	var mc *MetricsCollector

	assert.NotPanics(t, func() {
		mc.RecordBackupOperation(BackupKindFull, BackupStatusCompleted, time.Second, 10)
		mc.RecordRestoreOperation(RestoreStatusCompleted, time.Second)
		mc.RecordVerification(true)
		mc.RecordRetentionSweep(1, 0)
		mc.RecordScheduleRun(true)
		mc.TrackInFlight("backup")()
	})
}

func TestMetricsCollector_Record(t *testing.T) {
	registry := prometheus.NewRegistry()
	mc := NewMetricsCollector(registry)

	mc.RecordBackupOperation(BackupKindFull, BackupStatusCompleted, 2*time.Second, 2048)
	mc.RecordBackupOperation(BackupKindFull, BackupStatusFailed, time.Second, 0)
	mc.RecordBackupOperation(BackupKindSettings, BackupStatusCompleted, time.Millisecond, 64)
	mc.RecordRestoreOperation(RestoreStatusCompleted, 5*time.Second)
	mc.RecordVerification(false)
	mc.RecordRetentionSweep(3, 1)
	mc.RecordScheduleRun(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(mc.backupsTotal.WithLabelValues("FULL", "COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.backupsTotal.WithLabelValues("FULL", "FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.backupsTotal.WithLabelValues("SETTINGS", "COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.restoresTotal.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.verificationsAll.WithLabelValues("invalid")))
	assert.Equal(t, 3.0, testutil.ToFloat64(mc.retentionExpired))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.retentionErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.scheduleRuns.WithLabelValues("failure")))

	// failed runs are not observed as artifact sizes
	assert.Equal(t, 2, testutil.CollectAndCount(mc.artifactBytes))

	expected := `
# HELP dbbackup_retention_expired_total Total number of backups expired by retention
# TYPE dbbackup_retention_expired_total counter
dbbackup_retention_expired_total 3
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "dbbackup_retention_expired_total"))
}

func TestMetricsCollector_TrackInFlight(t *testing.T) {
	mc := NewMetricsCollector(nil)

	doneBackup := mc.TrackInFlight("backup")
	doneRestore := mc.TrackInFlight("restore")
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.inFlight.WithLabelValues("backup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.inFlight.WithLabelValues("restore")))

	doneBackup()
	assert.Equal(t, 0.0, testutil.ToFloat64(mc.inFlight.WithLabelValues("backup")))
	doneRestore()
	assert.Equal(t, 0.0, testutil.ToFloat64(mc.inFlight.WithLabelValues("restore")))
}

func TestMetricsCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetricsCollector(nil)
		NewMetricsCollector(nil)
	}, "private registries never collide")
}
