package model

import (
	"encoding/json"
	"time"
)

// Backup is one dump artifact stored in object storage.
type Backup struct {
	ID              int64           `json:"id"`
	BackupID        string          `json:"backup_id"`
	Name            string          `json:"name"`
	ScheduleID      *int64          `json:"schedule_id,omitempty"`
	BackupType      string          `json:"backup_type"`
	State           string          `json:"state"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	SourceID        int64           `json:"source_id"`
	Location        string          `json:"location"`
	CompressionType string          `json:"compression_type"`
	CreatedBy       int64           `json:"created_by"`
	Tags            []string        `json:"tags"`
	SizeBytes       *int64          `json:"size_bytes,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	Checksum        *string         `json:"checksum,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// Backup lifecycle states.
const (
	BackupStateRunning   = "running"
	BackupStateCompleted = "completed"
	BackupStateFailed    = "failed"
	BackupStateStopped   = "stopped"
)

const (
	BackupTypeFull = "full"

	CompressionGzip = "gzip"

	// SystemUserID is recorded as creator for scheduler-initiated backups.
	SystemUserID int64 = 0
)

// ExternalServiceBackup is the dump of one external stateful service,
// linked to a parent Backup row that acts as its envelope.
type ExternalServiceBackup struct {
	ID              int64           `json:"id"`
	ServiceID       int64           `json:"service_id"`
	BackupID        int64           `json:"backup_id"`
	BackupType      string          `json:"backup_type"`
	State           string          `json:"state"`
	Location        string          `json:"location"`
	SizeBytes       *int64          `json:"size_bytes,omitempty"`
	Checksum        *string         `json:"checksum,omitempty"`
	CompressionType string          `json:"compression_type"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}
