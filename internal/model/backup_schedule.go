package model

import "time"

// BackupSchedule is a recurring backup job definition.
type BackupSchedule struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"name"`
	BackupType         string     `json:"backup_type"`
	RetentionPeriod    int        `json:"retention_period"`
	SourceID           int64      `json:"source_id"`
	ScheduleExpression string     `json:"schedule_expression"`
	Enabled            bool       `json:"enabled"`
	Description        *string    `json:"description,omitempty"`
	Tags               []string   `json:"tags"`
	LastRun            *time.Time `json:"last_run,omitempty"`
	NextRun            *time.Time `json:"next_run,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}
