package backup

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector records engine activity as Prometheus metrics. All
// methods are safe on a nil receiver so the engine can run without metrics.
type MetricsCollector struct {
	backupsTotal     *prometheus.CounterVec
	backupDuration   *prometheus.HistogramVec
	artifactBytes    *prometheus.HistogramVec
	restoresTotal    *prometheus.CounterVec
	restoreDuration  prometheus.Histogram
	verificationsAll *prometheus.CounterVec
	retentionExpired prometheus.Counter
	retentionErrors  prometheus.Counter
	scheduleRuns     *prometheus.CounterVec
	inFlight         *prometheus.GaugeVec
}

// NewMetricsCollector registers the engine metrics on registerer. A nil
// registerer gets a private registry so repeated construction in tests
// never collides.
func NewMetricsCollector(registerer prometheus.Registerer) *MetricsCollector {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	factory := promauto.With(registerer)

	return &MetricsCollector{
		backupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbackup_backups_total",
				Help: "Total number of backup runs by kind and final status",
			},
			[]string{"kind", "status"},
		),
		backupDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbbackup_backup_duration_seconds",
				Help:    "Duration of backup runs in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
			},
			[]string{"kind"},
		),
		artifactBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbbackup_artifact_bytes",
				Help:    "Size of stored artifacts in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
			},
			[]string{"kind"},
		),
		restoresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbackup_restores_total",
				Help: "Total number of restore runs by final status",
			},
			[]string{"status"},
		),
		restoreDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dbbackup_restore_duration_seconds",
				Help:    "Duration of restore runs in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
			},
		),
		verificationsAll: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbackup_verifications_total",
				Help: "Total number of integrity checks by outcome",
			},
			[]string{"result"},
		),
		retentionExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dbbackup_retention_expired_total",
				Help: "Total number of backups expired by retention",
			},
		),
		retentionErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dbbackup_retention_errors_total",
				Help: "Total number of retention evictions that failed",
			},
		),
		scheduleRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbackup_schedule_runs_total",
				Help: "Total number of scheduled runs by outcome",
			},
			[]string{"result"},
		),
		inFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbackup_operations_in_flight",
				Help: "Backup and restore runs currently executing",
			},
			[]string{"operation"},
		),
	}
}

// RecordBackupOperation records a finished backup run
func (mc *MetricsCollector) RecordBackupOperation(kind BackupKind, status BackupStatus, duration time.Duration, compressedSize int64) {
	if mc == nil {
		return
	}
	mc.backupsTotal.WithLabelValues(string(kind), string(status)).Inc()
	mc.backupDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
	if status == BackupStatusCompleted {
		mc.artifactBytes.WithLabelValues(string(kind)).Observe(float64(compressedSize))
	}
}

// RecordRestoreOperation records a finished restore run
func (mc *MetricsCollector) RecordRestoreOperation(status RestoreStatus, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.restoresTotal.WithLabelValues(string(status)).Inc()
	mc.restoreDuration.Observe(duration.Seconds())
}

// RecordVerification records an integrity check
func (mc *MetricsCollector) RecordVerification(valid bool) {
	if mc == nil {
		return
	}
	mc.verificationsAll.WithLabelValues(outcomeLabel(valid, "valid", "invalid")).Inc()
}

// RecordRetentionSweep records the evictions of one sweep
func (mc *MetricsCollector) RecordRetentionSweep(expired, failed int) {
	if mc == nil {
		return
	}
	mc.retentionExpired.Add(float64(expired))
	mc.retentionErrors.Add(float64(failed))
}

// RecordScheduleRun records a triggered schedule run
func (mc *MetricsCollector) RecordScheduleRun(success bool) {
	if mc == nil {
		return
	}
	mc.scheduleRuns.WithLabelValues(outcomeLabel(success, "success", "failure")).Inc()
}

// TrackInFlight marks an operation as running until the returned func is called
func (mc *MetricsCollector) TrackInFlight(operation string) func() {
	if mc == nil {
		return func() {}
	}
	gauge := mc.inFlight.WithLabelValues(operation)
	gauge.Inc()
	return gauge.Dec
}

func outcomeLabel(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
