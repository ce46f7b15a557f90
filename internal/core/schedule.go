package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/schedule"
)

// CreateScheduleRequest defines a recurring backup.
type CreateScheduleRequest struct {
	Name               string   `json:"name" validate:"required,max=255"`
	BackupType         string   `json:"backup_type" validate:"omitempty,oneof=full"`
	RetentionPeriod    int      `json:"retention_period" validate:"gte=0"`
	SourceID           int64    `json:"source_id" validate:"required,gt=0"`
	ScheduleExpression string   `json:"schedule_expression" validate:"required"`
	Enabled            *bool    `json:"enabled"`
	Description        *string  `json:"description"`
	Tags               []string `json:"tags"`
}

// UpdateScheduleRequest changes a schedule. Nil fields are left unchanged.
type UpdateScheduleRequest struct {
	Name               *string  `json:"name" validate:"omitempty,min=1,max=255"`
	RetentionPeriod    *int     `json:"retention_period" validate:"omitempty,gte=0"`
	ScheduleExpression *string  `json:"schedule_expression" validate:"omitempty,min=1"`
	Description        *string  `json:"description"`
	Tags               []string `json:"tags"`
}

// ScheduleService manages backup schedules.
type ScheduleService struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewScheduleService(store Store, logger zerolog.Logger, now func() time.Time) *ScheduleService {
	if now == nil {
		now = time.Now
	}
	return &ScheduleService{store: store, logger: logger.With().Str("component", "backup-schedule").Logger(), now: now}
}

// nextRun validates expr and returns its next fire time.
func (s *ScheduleService) nextRun(expr string) (time.Time, error) {
	now := s.now()
	if err := schedule.Validate(expr, now); err != nil {
		return time.Time{}, newError(KindValidation, err, "invalid schedule expression %q", expr)
	}
	next, err := schedule.NextRun(expr, now)
	if err != nil {
		return time.Time{}, newError(KindValidation, err, "invalid schedule expression %q", expr)
	}
	return next, nil
}

func (s *ScheduleService) Create(ctx context.Context, req CreateScheduleRequest) (*model.BackupSchedule, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if _, err := s.store.GetSource(ctx, req.SourceID); err != nil {
		return nil, err
	}
	next, err := s.nextRun(req.ScheduleExpression)
	if err != nil {
		return nil, err
	}

	backupType := req.BackupType
	if backupType == "" {
		backupType = model.BackupTypeFull
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}

	sch := &model.BackupSchedule{
		Name:               req.Name,
		BackupType:         backupType,
		RetentionPeriod:    req.RetentionPeriod,
		SourceID:           req.SourceID,
		ScheduleExpression: req.ScheduleExpression,
		Enabled:            enabled,
		Description:        req.Description,
		Tags:               tags,
		NextRun:            &next,
	}
	if err := s.store.CreateSchedule(ctx, sch); err != nil {
		return nil, err
	}
	s.logger.Info().Int64("schedule_id", sch.ID).Str("expression", sch.ScheduleExpression).Time("next_run", next).Msg("backup schedule created")
	return sch, nil
}

func (s *ScheduleService) Get(ctx context.Context, id int64) (*model.BackupSchedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *ScheduleService) List(ctx context.Context) ([]model.BackupSchedule, error) {
	return s.store.ListSchedules(ctx)
}

func (s *ScheduleService) Update(ctx context.Context, id int64, req UpdateScheduleRequest) (*model.BackupSchedule, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		sch.Name = *req.Name
	}
	if req.RetentionPeriod != nil {
		sch.RetentionPeriod = *req.RetentionPeriod
	}
	if req.Description != nil {
		sch.Description = req.Description
	}
	if req.Tags != nil {
		sch.Tags = req.Tags
	}
	if req.ScheduleExpression != nil {
		next, err := s.nextRun(*req.ScheduleExpression)
		if err != nil {
			return nil, err
		}
		sch.ScheduleExpression = *req.ScheduleExpression
		sch.NextRun = &next
	}

	if err := s.store.UpdateSchedule(ctx, sch); err != nil {
		return nil, err
	}
	return sch, nil
}

// Enable turns a schedule back on and recomputes its next run.
func (s *ScheduleService) Enable(ctx context.Context, id int64) error {
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	next, err := schedule.NextRun(sch.ScheduleExpression, s.now())
	if err != nil {
		return newError(KindValidation, err, "invalid schedule expression %q", sch.ScheduleExpression)
	}
	return s.store.SetScheduleEnabled(ctx, id, true, &next)
}

// Disable keeps the schedule but stops the scheduler from firing it.
func (s *ScheduleService) Disable(ctx context.Context, id int64) error {
	return s.store.SetScheduleEnabled(ctx, id, false, nil)
}

func (s *ScheduleService) Delete(ctx context.Context, id int64) error {
	return s.store.DeleteSchedule(ctx, id)
}
