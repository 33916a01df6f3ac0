package backup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"db-backup-engine/internal/logging"
)

const (
	schedulerActor      = "scheduler"
	defaultPollInterval = time.Minute
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRun returns the first time after from that expr fires in timezone tz.
// An empty tz means UTC. The result is in UTC.
func NextRun(expr, tz string, from time.Time) (time.Time, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return time.Time{}, NewValidationError(fmt.Sprintf("unknown timezone %q", tz), err)
		}
	}

	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, NewValidationError(fmt.Sprintf("invalid cron expression %q", expr), err)
	}

	next := schedule.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, NewValidationError(fmt.Sprintf("cron expression %q never fires", expr), nil)
	}
	return next.UTC(), nil
}

// ScheduleRunResult describes one triggered schedule run
type ScheduleRunResult struct {
	ScheduleID string           `json:"schedule_id"`
	Backup     *BackupResult    `json:"backup,omitempty"`
	Retention  *RetentionResult `json:"retention,omitempty"`
	NextRunAt  *time.Time       `json:"next_run_at,omitempty"`
	Error      error            `json:"-"`
}

// Scheduler stores schedules and triggers their backups when due
type Scheduler struct {
	engine   *Engine
	catalog  Catalog
	clock    Clock
	logger   *logging.Logger
	interval time.Duration

	mu      sync.Mutex
	running map[string]bool
}

// NewScheduler creates a scheduler driving engine
func NewScheduler(engine *Engine) *Scheduler {
	interval := engine.config.Scheduler.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &Scheduler{
		engine:   engine,
		catalog:  engine.catalog,
		clock:    engine.clock,
		logger:   engine.logger,
		interval: interval,
		running:  make(map[string]bool),
	}
}

// CreateSchedule validates and stores a new schedule
func (s *Scheduler) CreateSchedule(ctx context.Context, schedule *BackupSchedule) (*BackupSchedule, error) {
	if err := s.prepare(schedule); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if schedule.ID == "" {
		schedule.ID = GenerateIDWithPrefix("schedule", now)
	}
	if schedule.CreatedBy == "" {
		schedule.CreatedBy = currentUser()
	}
	schedule.CreatedAt = now
	schedule.UpdatedAt = now

	if err := s.refreshNextRun(schedule, now); err != nil {
		return nil, err
	}

	if err := s.catalog.CreateSchedule(ctx, schedule); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, schedule, AuditActionScheduleCreate, schedule.CreatedBy, "schedule created")
	s.logger.WithFields(map[string]interface{}{
		"schedule_id": schedule.ID,
		"cron":        schedule.CronExpression,
		"next_run_at": schedule.NextRunAt,
	}).Info("Schedule created")

	return schedule, nil
}

// UpdateSchedule replaces a schedule definition and recomputes its next run.
// Runs already in progress are unaffected.
func (s *Scheduler) UpdateSchedule(ctx context.Context, schedule *BackupSchedule, actor string) (*BackupSchedule, error) {
	existing, err := s.catalog.GetSchedule(ctx, schedule.ID)
	if err != nil {
		return nil, err
	}

	if err := s.prepare(schedule); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	schedule.CreatedAt = existing.CreatedAt
	schedule.CreatedBy = existing.CreatedBy
	schedule.UpdatedAt = now

	if err := s.refreshNextRun(schedule, now); err != nil {
		return nil, err
	}

	if err := s.catalog.UpdateSchedule(ctx, schedule); err != nil {
		return nil, err
	}

	if actor == "" {
		actor = currentUser()
	}
	s.appendAudit(ctx, schedule, AuditActionScheduleUpdate, actor, "schedule updated")
	return schedule, nil
}

// SetEnabled turns a schedule on or off
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool, actor string) (*BackupSchedule, error) {
	schedule, err := s.catalog.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	schedule.Enabled = enabled
	return s.UpdateSchedule(ctx, schedule, actor)
}

// DeleteSchedule removes a schedule. Backups it produced are kept.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id, actor string) error {
	schedule, err := s.catalog.GetSchedule(ctx, id)
	if err != nil {
		return err
	}

	if err := s.catalog.DeleteSchedule(ctx, id); err != nil {
		return err
	}

	if actor == "" {
		actor = currentUser()
	}
	s.appendAudit(ctx, schedule, AuditActionScheduleDelete, actor, "schedule deleted")
	return nil
}

// GetSchedule loads one schedule
func (s *Scheduler) GetSchedule(ctx context.Context, id string) (*BackupSchedule, error) {
	return s.catalog.GetSchedule(ctx, id)
}

// ListSchedules returns all schedules, or only enabled ones
func (s *Scheduler) ListSchedules(ctx context.Context, enabledOnly bool) ([]*BackupSchedule, error) {
	return s.catalog.ListSchedules(ctx, enabledOnly)
}

// RunDue triggers every enabled schedule whose next run is at or before now.
// Schedules run one after another in next-run order.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) ([]*ScheduleRunResult, error) {
	schedules, err := s.catalog.ListSchedules(ctx, true)
	if err != nil {
		return nil, err
	}

	var due []*BackupSchedule
	for _, schedule := range schedules {
		if schedule.NextRunAt != nil && !schedule.NextRunAt.After(now) {
			due = append(due, schedule)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].NextRunAt.Before(*due[j].NextRunAt)
	})

	var results []*ScheduleRunResult
	for _, schedule := range due {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, s.run(ctx, schedule, now))
	}
	return results, nil
}

// RunNow triggers a schedule immediately, whether or not it is enabled
func (s *Scheduler) RunNow(ctx context.Context, id string) (*ScheduleRunResult, error) {
	schedule, err := s.catalog.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, schedule, s.clock.Now()), nil
}

// Start polls for due schedules until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info(fmt.Sprintf("Scheduler polling every %v", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunDue(ctx, s.clock.Now()); err != nil && ctx.Err() == nil {
				s.logger.Error(fmt.Sprintf("Failed to run due schedules: %v", err))
			}
		}
	}
}

// run executes one triggered backup, records its outcome and moves the
// schedule's next run forward
func (s *Scheduler) run(ctx context.Context, schedule *BackupSchedule, now time.Time) *ScheduleRunResult {
	result := &ScheduleRunResult{ScheduleID: schedule.ID}

	if !s.claim(schedule.ID) {
		result.Error = NewConflictError(fmt.Sprintf("schedule %s is already running", schedule.ID), nil)
		return result
	}
	defer s.unclaim(schedule.ID)

	logger := s.logger.WithFields(map[string]interface{}{
		"schedule_id": schedule.ID,
		"schedule":    schedule.Name,
	})
	logger.Info("Schedule triggered")

	finish := s.engine.oplog.ForRun(ctx).LogScheduleRun(schedule)
	s.appendAudit(ctx, schedule, AuditActionScheduleTrigger, schedulerActor, "scheduled run triggered")

	result.Backup = s.engine.CreateBackup(ctx, schedule.Request())
	if !result.Backup.Success {
		result.Error = result.Backup.Error
	}
	s.recordRun(ctx, schedule, result.Backup)

	if next, err := s.advance(ctx, schedule.ID, now); err != nil {
		logger.Error(fmt.Sprintf("Failed to compute next run: %v", err))
	} else {
		result.NextRunAt = next
	}

	if result.Backup.Success {
		policy := RetentionPolicy{MaxBackups: schedule.MaxBackups, RetentionDays: schedule.RetentionDays, ScheduleID: schedule.ID}
		if !policy.IsEmpty() {
			sweep, err := s.engine.retention.Sweep(ctx, policy)
			if err != nil {
				logger.Warn(fmt.Sprintf("Retention sweep after scheduled run failed: %v", err))
			}
			result.Retention = sweep
		}
	}

	if err := s.engine.notifier.NotifyScheduleRun(ctx, schedule, result.Backup.Backup, result.Error); err != nil {
		logger.Warn(fmt.Sprintf("Schedule notification failed: %v", err))
	}

	s.engine.metrics.RecordScheduleRun(result.Error == nil)
	finish(result.Error, result.Backup.Backup)
	return result
}

func (s *Scheduler) recordRun(ctx context.Context, schedule *BackupSchedule, backup *BackupResult) {
	entry := &AuditLogEntry{
		ScheduleID: schedule.ID,
		Action:     AuditActionScheduleRunDone,
		Actor:      schedulerActor,
		Details:    AuditDetails{Kind: schedule.Kind, Message: backup.Message},
	}

	if backup.Backup != nil {
		entry.BackupID = backup.Backup.ID
		entry.NewStatus = string(backup.Backup.Status)
	}
	if !backup.Success {
		entry.Action = AuditActionScheduleRunFailed
		if backup.Error != nil {
			entry.Details.Error = backup.Error.Error()
		}
	}

	s.engine.appendAudit(ctx, entry)
}

// advance computes the next run from the stored cron expression and writes
// only next_run_at, so an edit made while the backup ran is not overwritten
func (s *Scheduler) advance(ctx context.Context, id string, now time.Time) (*time.Time, error) {
	current, err := s.catalog.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.refreshNextRun(current, now); err != nil {
		return nil, err
	}

	if err := s.catalog.SetScheduleNextRun(ctx, id, current.NextRunAt, s.clock.Now()); err != nil {
		return nil, err
	}
	return current.NextRunAt, nil
}

func (s *Scheduler) prepare(schedule *BackupSchedule) error {
	if err := schedule.Validate(); err != nil {
		return NewValidationError("invalid schedule", err)
	}
	if _, _, err := s.engine.storages.Get(schedule.StorageProvider); err != nil {
		return err
	}
	if schedule.Encrypt && !s.engine.codec.CanEncrypt() {
		return NewValidationError("schedule requests encryption but no encryption secret is configured", nil)
	}
	if _, err := NextRun(schedule.CronExpression, schedule.Timezone, s.clock.Now()); err != nil {
		return err
	}
	return nil
}

// refreshNextRun sets NextRunAt from now, or clears it for a disabled schedule
func (s *Scheduler) refreshNextRun(schedule *BackupSchedule, now time.Time) error {
	if !schedule.Enabled {
		schedule.NextRunAt = nil
		return nil
	}

	next, err := NextRun(schedule.CronExpression, schedule.Timezone, now)
	if err != nil {
		return err
	}
	schedule.NextRunAt = &next
	return nil
}

func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return false
	}
	s.running[id] = true
	return true
}

func (s *Scheduler) unclaim(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *Scheduler) appendAudit(ctx context.Context, schedule *BackupSchedule, action AuditAction, actor, message string) {
	extra := map[string]string{
		"cron":     schedule.CronExpression,
		"timezone": schedule.Timezone,
		"enabled":  fmt.Sprintf("%t", schedule.Enabled),
	}
	if schedule.NextRunAt != nil {
		extra["next_run_at"] = schedule.NextRunAt.UTC().Format(time.RFC3339)
	}

	s.engine.appendAudit(ctx, &AuditLogEntry{
		ScheduleID: schedule.ID,
		Action:     action,
		Actor:      actor,
		Details:    AuditDetails{Message: message, Kind: schedule.Kind, Extra: extra},
	})
}
