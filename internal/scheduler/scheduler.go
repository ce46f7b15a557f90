// Package scheduler runs due backup schedules once an hour.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/core"
	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/notify"
	"github.com/edvin/backupd/internal/schedule"
)

// Schedules is the schedule storage the loop reads and advances.
type Schedules interface {
	ListSchedules(ctx context.Context) ([]model.BackupSchedule, error)
	SetScheduleNextRun(ctx context.Context, id int64, nextRun time.Time) error
	RecordScheduleRun(ctx context.Context, id int64, nextRun, lastRun time.Time) error
}

// Backups runs and expires backups. *core.BackupService implements it.
type Backups interface {
	CreateBackup(ctx context.Context, params core.CreateBackupParams) (*model.Backup, error)
	CleanupExpiredBackups(ctx context.Context) (core.CleanupResult, error)
	NotifyFailure(ctx context.Context, f notify.BackupFailure)
}

// Scheduler wakes at the top of every hour and fires the schedules that
// are due. Cancelling the context passed to Run stops it at the next wait
// point; a backup already in progress is not interrupted.
type Scheduler struct {
	schedules        Schedules
	backups          Backups
	defaultRetention int
	logger           zerolog.Logger

	now   func() time.Time
	after func(d time.Duration) <-chan time.Time
}

// New creates a scheduler. defaultRetention is applied to schedules whose
// retention period is zero.
func New(schedules Schedules, backups Backups, defaultRetention int, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		schedules:        schedules,
		backups:          backups,
		defaultRetention: defaultRetention,
		logger:           logger.With().Str("component", "scheduler").Logger(),
		now:              time.Now,
		after:            time.After,
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Msg("starting backup scheduler")

	if err := s.Backfill(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to backfill next run times")
	}

	if now := s.now(); now.Minute() != 0 {
		if !s.wait(ctx, untilNextHour(now)) {
			return nil
		}
	}

	for {
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.Sweep(ctx)
		}()

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("backup scheduler stopped during sweep")
			return nil
		case <-done:
		}

		if !s.wait(ctx, untilNextHour(s.now())) {
			return nil
		}
	}
}

// wait sleeps for d and reports false if ctx was cancelled first.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) bool {
	s.logger.Debug().Dur("wait", d).Msg("waiting for next hour")
	select {
	case <-ctx.Done():
		s.logger.Info().Msg("backup scheduler stopped")
		return false
	case <-s.after(d):
		return true
	}
}

func untilNextHour(now time.Time) time.Duration {
	return now.Truncate(time.Hour).Add(time.Hour).Sub(now)
}

// Backfill sets next_run on every schedule that has none.
func (s *Scheduler) Backfill(ctx context.Context) error {
	schedules, err := s.schedules.ListSchedules(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for _, sch := range schedules {
		if sch.NextRun != nil {
			continue
		}
		next, err := schedule.NextRun(sch.ScheduleExpression, now)
		if err != nil {
			s.logger.Warn().Err(err).Int64("schedule_id", sch.ID).Msg("cannot compute next run")
			continue
		}
		if err := s.schedules.SetScheduleNextRun(ctx, sch.ID, next); err != nil {
			s.logger.Error().Err(err).Int64("schedule_id", sch.ID).Msg("failed to store next run")
			continue
		}
		s.logger.Info().Int64("schedule_id", sch.ID).Time("next_run", next).Msg("backfilled next run")
	}
	return nil
}

// Sweep fires every due schedule in turn, then removes expired backups.
// ctx is checked between schedules; backups themselves run to completion.
func (s *Scheduler) Sweep(ctx context.Context) {
	start := s.now()
	ticksTotal.Inc()
	defer func() { sweepDuration.Observe(s.now().Sub(start).Seconds()) }()

	schedules, err := s.schedules.ListSchedules(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list backup schedules")
		return
	}

	now := start.UTC()
	for _, sch := range schedules {
		if ctx.Err() != nil {
			s.logger.Info().Msg("sweep cancelled")
			return
		}
		if !sch.Enabled {
			continue
		}
		s.runIfDue(ctx, sch, now)
	}

	if ctx.Err() != nil {
		return
	}
	if _, err := s.backups.CleanupExpiredBackups(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error().Err(err).Msg("failed to remove expired backups")
	}
}

func (s *Scheduler) runIfDue(ctx context.Context, sch model.BackupSchedule, now time.Time) {
	log := s.logger.With().Int64("schedule_id", sch.ID).Str("schedule", sch.Name).Logger()

	due, err := schedule.Due(sch.ScheduleExpression, sch.NextRun, now)
	if err != nil {
		log.Warn().Err(err).Msg("invalid schedule expression, skipping")
		return
	}
	if !due {
		return
	}

	next, err := schedule.NextRun(sch.ScheduleExpression, now)
	if err != nil {
		log.Warn().Err(err).Msg("cannot compute next run, skipping")
		return
	}
	if err := s.schedules.RecordScheduleRun(ctx, sch.ID, next, now); err != nil {
		log.Error().Err(err).Msg("failed to record schedule run, skipping")
		return
	}

	retention := sch.RetentionPeriod
	if retention == 0 {
		retention = s.defaultRetention
	}
	scheduleID := sch.ID
	log.Info().Time("next_run", next).Msg("running scheduled backup")

	b, err := s.backups.CreateBackup(context.WithoutCancel(ctx), core.CreateBackupParams{
		ScheduleID:    &scheduleID,
		SourceID:      sch.SourceID,
		BackupType:    sch.BackupType,
		CreatedBy:     model.SystemUserID,
		RetentionDays: retention,
	})
	if err != nil {
		scheduleFailuresTotal.Inc()
		log.Error().Err(err).Msg("scheduled backup failed")
		s.backups.NotifyFailure(context.WithoutCancel(ctx), notify.BackupFailure{
			ScheduleID:   sch.ID,
			ScheduleName: sch.Name,
			BackupType:   sch.BackupType,
			Error:        err.Error(),
			Timestamp:    s.now().UTC(),
		})
		return
	}
	log.Info().Str("backup_id", b.BackupID).Msg("scheduled backup completed")
}
