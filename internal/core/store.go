package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edvin/backupd/internal/model"
)

// DB defines the database operations used by the store.
// *pgxpool.Pool satisfies this interface.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the record store for sources, schedules, backups and external
// services. Missing rows come back as KindNotFound errors.
type Store interface {
	CreateSource(ctx context.Context, s *model.BackupSource) error
	GetSource(ctx context.Context, id int64) (*model.BackupSource, error)
	ListSources(ctx context.Context) ([]model.BackupSource, error)
	UpdateSource(ctx context.Context, s *model.BackupSource) error
	DeleteSource(ctx context.Context, id int64) error
	CountSourceReferences(ctx context.Context, id int64) (schedules, backups int, err error)

	CreateSchedule(ctx context.Context, s *model.BackupSchedule) error
	GetSchedule(ctx context.Context, id int64) (*model.BackupSchedule, error)
	ListSchedules(ctx context.Context) ([]model.BackupSchedule, error)
	UpdateSchedule(ctx context.Context, s *model.BackupSchedule) error
	DeleteSchedule(ctx context.Context, id int64) error
	SetScheduleEnabled(ctx context.Context, id int64, enabled bool, nextRun *time.Time) error
	SetScheduleNextRun(ctx context.Context, id int64, nextRun time.Time) error
	RecordScheduleRun(ctx context.Context, id int64, nextRun, lastRun time.Time) error

	CreateBackup(ctx context.Context, b *model.Backup) error
	CompleteBackup(ctx context.Context, b *model.Backup) error
	MarkBackupFailed(ctx context.Context, id int64, message string, finishedAt time.Time) error
	GetBackupByExternalID(ctx context.Context, backupID string) (*model.Backup, error)
	ListBackupsBySource(ctx context.Context, sourceID int64) ([]model.Backup, error)
	ListBackupsBySchedule(ctx context.Context, scheduleID int64) ([]model.Backup, error)
	ListBackupsStartedBefore(ctx context.Context, cutoff time.Time) ([]model.Backup, error)
	ListBackupsExpiredBefore(ctx context.Context, now time.Time) ([]model.Backup, error)
	DeleteBackup(ctx context.Context, id int64) error

	CreateExternalService(ctx context.Context, s *model.ExternalService) error
	ListExternalServices(ctx context.Context) ([]model.ExternalService, error)
	UpdateExternalServiceConfig(ctx context.Context, id int64, encryptedConfig string) error
	DeleteExternalService(ctx context.Context, id int64) error
	CreateExternalServiceBackup(ctx context.Context, b *model.ExternalServiceBackup) error
	FinishExternalServiceBackup(ctx context.Context, b *model.ExternalServiceBackup) error
	GetExternalServiceBackupByBackupID(ctx context.Context, backupID int64) (*model.ExternalServiceBackup, error)
}

// PGStore implements Store on Postgres.
type PGStore struct {
	db DB
}

func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

const sourceColumns = `id, name, bucket_name, bucket_path, region, endpoint, force_path_style, access_key_id, secret_key, created_at, updated_at`

const scheduleColumns = `id, name, backup_type, retention_period, source_id, schedule_expression, enabled, description, tags, last_run, next_run, created_at, updated_at`

const backupColumns = `id, backup_id, name, schedule_id, backup_type, state, started_at, finished_at, source_id, location, compression_type, created_by, tags, size_bytes, error_message, checksum, expires_at, metadata`

const serviceBackupColumns = `id, service_id, backup_id, backup_type, state, location, size_bytes, checksum, compression_type, error_message, metadata, started_at, finished_at`

func scanSource(row pgx.Row, s *model.BackupSource) error {
	return row.Scan(&s.ID, &s.Name, &s.BucketName, &s.BucketPath, &s.Region, &s.Endpoint,
		&s.ForcePathStyle, &s.AccessKeyID, &s.SecretKey, &s.CreatedAt, &s.UpdatedAt)
}

func scanSchedule(row pgx.Row, s *model.BackupSchedule) error {
	return row.Scan(&s.ID, &s.Name, &s.BackupType, &s.RetentionPeriod, &s.SourceID,
		&s.ScheduleExpression, &s.Enabled, &s.Description, &s.Tags, &s.LastRun, &s.NextRun,
		&s.CreatedAt, &s.UpdatedAt)
}

func scanBackup(row pgx.Row, b *model.Backup) error {
	return row.Scan(&b.ID, &b.BackupID, &b.Name, &b.ScheduleID, &b.BackupType, &b.State,
		&b.StartedAt, &b.FinishedAt, &b.SourceID, &b.Location, &b.CompressionType, &b.CreatedBy,
		&b.Tags, &b.SizeBytes, &b.ErrorMessage, &b.Checksum, &b.ExpiresAt, &b.Metadata)
}

func scanServiceBackup(row pgx.Row, b *model.ExternalServiceBackup) error {
	return row.Scan(&b.ID, &b.ServiceID, &b.BackupID, &b.BackupType, &b.State, &b.Location,
		&b.SizeBytes, &b.Checksum, &b.CompressionType, &b.ErrorMessage, &b.Metadata,
		&b.StartedAt, &b.FinishedAt)
}

// wrapRowErr turns pgx.ErrNoRows into a not-found error.
func wrapRowErr(err error, what string, id any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound("%s %v not found", what, id)
	}
	return fmt.Errorf("get %s %v: %w", what, id, err)
}

func checkAffected(tag pgconn.CommandTag, what string, id any) error {
	if tag.RowsAffected() == 0 {
		return notFound("%s %v not found", what, id)
	}
	return nil
}

func jsonOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// ---------- Sources ----------

func (s *PGStore) CreateSource(ctx context.Context, src *model.BackupSource) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO backup_sources (name, bucket_name, bucket_path, region, endpoint, force_path_style, access_key_id, secret_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		src.Name, src.BucketName, src.BucketPath, src.Region, src.Endpoint, src.ForcePathStyle,
		src.AccessKeyID, src.SecretKey,
	).Scan(&src.ID, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert backup source: %w", err)
	}
	return nil
}

func (s *PGStore) GetSource(ctx context.Context, id int64) (*model.BackupSource, error) {
	var src model.BackupSource
	row := s.db.QueryRow(ctx, `SELECT `+sourceColumns+` FROM backup_sources WHERE id = $1`, id)
	if err := scanSource(row, &src); err != nil {
		return nil, wrapRowErr(err, "backup source", id)
	}
	return &src, nil
}

func (s *PGStore) ListSources(ctx context.Context) ([]model.BackupSource, error) {
	rows, err := s.db.Query(ctx, `SELECT `+sourceColumns+` FROM backup_sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list backup sources: %w", err)
	}
	defer rows.Close()

	var sources []model.BackupSource
	for rows.Next() {
		var src model.BackupSource
		if err := scanSource(rows, &src); err != nil {
			return nil, fmt.Errorf("scan backup source: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup sources: %w", err)
	}
	return sources, nil
}

func (s *PGStore) UpdateSource(ctx context.Context, src *model.BackupSource) error {
	err := s.db.QueryRow(ctx,
		`UPDATE backup_sources SET name = $1, bucket_name = $2, bucket_path = $3, region = $4, endpoint = $5,
		 force_path_style = $6, access_key_id = $7, secret_key = $8, updated_at = now()
		 WHERE id = $9 RETURNING updated_at`,
		src.Name, src.BucketName, src.BucketPath, src.Region, src.Endpoint, src.ForcePathStyle,
		src.AccessKeyID, src.SecretKey, src.ID,
	).Scan(&src.UpdatedAt)
	if err != nil {
		return wrapRowErr(err, "backup source", src.ID)
	}
	return nil
}

func (s *PGStore) DeleteSource(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM backup_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete backup source %d: %w", id, err)
	}
	return checkAffected(tag, "backup source", id)
}

func (s *PGStore) CountSourceReferences(ctx context.Context, id int64) (int, int, error) {
	var schedules, backups int
	err := s.db.QueryRow(ctx,
		`SELECT (SELECT count(*) FROM backup_schedules WHERE source_id = $1),
		        (SELECT count(*) FROM backups WHERE source_id = $1)`, id,
	).Scan(&schedules, &backups)
	if err != nil {
		return 0, 0, fmt.Errorf("count references to backup source %d: %w", id, err)
	}
	return schedules, backups, nil
}

// ---------- Schedules ----------

func (s *PGStore) CreateSchedule(ctx context.Context, sch *model.BackupSchedule) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO backup_schedules (name, backup_type, retention_period, source_id, schedule_expression, enabled, description, tags, next_run)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at, updated_at`,
		sch.Name, sch.BackupType, sch.RetentionPeriod, sch.SourceID, sch.ScheduleExpression,
		sch.Enabled, sch.Description, tagsOrEmpty(sch.Tags), sch.NextRun,
	).Scan(&sch.ID, &sch.CreatedAt, &sch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert backup schedule: %w", err)
	}
	return nil
}

func (s *PGStore) GetSchedule(ctx context.Context, id int64) (*model.BackupSchedule, error) {
	var sch model.BackupSchedule
	row := s.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM backup_schedules WHERE id = $1`, id)
	if err := scanSchedule(row, &sch); err != nil {
		return nil, wrapRowErr(err, "backup schedule", id)
	}
	return &sch, nil
}

func (s *PGStore) ListSchedules(ctx context.Context) ([]model.BackupSchedule, error) {
	rows, err := s.db.Query(ctx, `SELECT `+scheduleColumns+` FROM backup_schedules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list backup schedules: %w", err)
	}
	defer rows.Close()

	var schedules []model.BackupSchedule
	for rows.Next() {
		var sch model.BackupSchedule
		if err := scanSchedule(rows, &sch); err != nil {
			return nil, fmt.Errorf("scan backup schedule: %w", err)
		}
		schedules = append(schedules, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup schedules: %w", err)
	}
	return schedules, nil
}

func (s *PGStore) UpdateSchedule(ctx context.Context, sch *model.BackupSchedule) error {
	err := s.db.QueryRow(ctx,
		`UPDATE backup_schedules SET name = $1, backup_type = $2, retention_period = $3, source_id = $4,
		 schedule_expression = $5, enabled = $6, description = $7, tags = $8, next_run = $9, updated_at = now()
		 WHERE id = $10 RETURNING updated_at`,
		sch.Name, sch.BackupType, sch.RetentionPeriod, sch.SourceID, sch.ScheduleExpression,
		sch.Enabled, sch.Description, tagsOrEmpty(sch.Tags), sch.NextRun, sch.ID,
	).Scan(&sch.UpdatedAt)
	if err != nil {
		return wrapRowErr(err, "backup schedule", sch.ID)
	}
	return nil
}

func (s *PGStore) DeleteSchedule(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM backup_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete backup schedule %d: %w", id, err)
	}
	return checkAffected(tag, "backup schedule", id)
}

func (s *PGStore) SetScheduleEnabled(ctx context.Context, id int64, enabled bool, nextRun *time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE backup_schedules SET enabled = $1, next_run = COALESCE($2, next_run), updated_at = now() WHERE id = $3`,
		enabled, nextRun, id)
	if err != nil {
		return fmt.Errorf("set backup schedule %d enabled=%t: %w", id, enabled, err)
	}
	return checkAffected(tag, "backup schedule", id)
}

func (s *PGStore) SetScheduleNextRun(ctx context.Context, id int64, nextRun time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE backup_schedules SET next_run = $1, updated_at = now() WHERE id = $2`, nextRun, id)
	if err != nil {
		return fmt.Errorf("set next run for backup schedule %d: %w", id, err)
	}
	return checkAffected(tag, "backup schedule", id)
}

func (s *PGStore) RecordScheduleRun(ctx context.Context, id int64, nextRun, lastRun time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE backup_schedules SET next_run = $1, last_run = $2, updated_at = now() WHERE id = $3`,
		nextRun, lastRun, id)
	if err != nil {
		return fmt.Errorf("record run for backup schedule %d: %w", id, err)
	}
	return checkAffected(tag, "backup schedule", id)
}

// ---------- Backups ----------

func (s *PGStore) CreateBackup(ctx context.Context, b *model.Backup) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO backups (backup_id, name, schedule_id, backup_type, state, started_at, finished_at, source_id,
		 location, compression_type, created_by, tags, size_bytes, error_message, checksum, expires_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 RETURNING id`,
		b.BackupID, b.Name, b.ScheduleID, b.BackupType, b.State, b.StartedAt, b.FinishedAt, b.SourceID,
		b.Location, b.CompressionType, b.CreatedBy, tagsOrEmpty(b.Tags), b.SizeBytes, b.ErrorMessage,
		b.Checksum, b.ExpiresAt, jsonOrEmpty(b.Metadata),
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("insert backup %s: %w", b.BackupID, err)
	}
	return nil
}

func (s *PGStore) CompleteBackup(ctx context.Context, b *model.Backup) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE backups SET state = $1, finished_at = $2, location = $3, size_bytes = $4, checksum = $5 WHERE id = $6`,
		b.State, b.FinishedAt, b.Location, b.SizeBytes, b.Checksum, b.ID)
	if err != nil {
		return fmt.Errorf("complete backup %s: %w", b.BackupID, err)
	}
	return checkAffected(tag, "backup", b.ID)
}

func (s *PGStore) MarkBackupFailed(ctx context.Context, id int64, message string, finishedAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE backups SET state = $1, error_message = $2, finished_at = $3 WHERE id = $4`,
		model.BackupStateFailed, message, finishedAt, id)
	if err != nil {
		return fmt.Errorf("mark backup %d failed: %w", id, err)
	}
	return checkAffected(tag, "backup", id)
}

func (s *PGStore) GetBackupByExternalID(ctx context.Context, backupID string) (*model.Backup, error) {
	var b model.Backup
	row := s.db.QueryRow(ctx, `SELECT `+backupColumns+` FROM backups WHERE backup_id = $1`, backupID)
	if err := scanBackup(row, &b); err != nil {
		return nil, wrapRowErr(err, "backup", backupID)
	}
	return &b, nil
}

func (s *PGStore) listBackups(ctx context.Context, what, where string, arg any) ([]model.Backup, error) {
	rows, err := s.db.Query(ctx, `SELECT `+backupColumns+` FROM backups WHERE `+where+` ORDER BY started_at DESC, id DESC`, arg)
	if err != nil {
		return nil, fmt.Errorf("list backups %s: %w", what, err)
	}
	defer rows.Close()

	var backups []model.Backup
	for rows.Next() {
		var b model.Backup
		if err := scanBackup(rows, &b); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backups: %w", err)
	}
	return backups, nil
}

func (s *PGStore) ListBackupsBySource(ctx context.Context, sourceID int64) ([]model.Backup, error) {
	return s.listBackups(ctx, fmt.Sprintf("for source %d", sourceID), "source_id = $1", sourceID)
}

func (s *PGStore) ListBackupsBySchedule(ctx context.Context, scheduleID int64) ([]model.Backup, error) {
	return s.listBackups(ctx, fmt.Sprintf("for schedule %d", scheduleID), "schedule_id = $1", scheduleID)
}

func (s *PGStore) ListBackupsStartedBefore(ctx context.Context, cutoff time.Time) ([]model.Backup, error) {
	return s.listBackups(ctx, "before "+cutoff.Format(time.RFC3339), "started_at < $1", cutoff)
}

func (s *PGStore) ListBackupsExpiredBefore(ctx context.Context, now time.Time) ([]model.Backup, error) {
	return s.listBackups(ctx, "expired", "expires_at IS NOT NULL AND expires_at < $1", now)
}

func (s *PGStore) DeleteBackup(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM backups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete backup %d: %w", id, err)
	}
	return checkAffected(tag, "backup", id)
}

// ---------- External services ----------

func (s *PGStore) CreateExternalService(ctx context.Context, svc *model.ExternalService) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO external_services (name, service_type, version, status, config)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		svc.Name, svc.ServiceType, svc.Version, svc.Status, svc.EncryptedConfig,
	).Scan(&svc.ID, &svc.CreatedAt, &svc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert external service %s: %w", svc.Name, err)
	}
	return nil
}

func (s *PGStore) ListExternalServices(ctx context.Context) ([]model.ExternalService, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, service_type, version, status, config, created_at, updated_at FROM external_services ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list external services: %w", err)
	}
	defer rows.Close()

	var services []model.ExternalService
	for rows.Next() {
		var svc model.ExternalService
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.ServiceType, &svc.Version, &svc.Status,
			&svc.EncryptedConfig, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan external service: %w", err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate external services: %w", err)
	}
	return services, nil
}

func (s *PGStore) UpdateExternalServiceConfig(ctx context.Context, id int64, encryptedConfig string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE external_services SET config = $1, updated_at = now() WHERE id = $2`, encryptedConfig, id)
	if err != nil {
		return fmt.Errorf("update config of external service %d: %w", id, err)
	}
	return checkAffected(tag, "external service", id)
}

func (s *PGStore) DeleteExternalService(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM external_services WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete external service %d: %w", id, err)
	}
	return checkAffected(tag, "external service", id)
}

func (s *PGStore) CreateExternalServiceBackup(ctx context.Context, b *model.ExternalServiceBackup) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO external_service_backups (service_id, backup_id, backup_type, state, location, compression_type, metadata, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		b.ServiceID, b.BackupID, b.BackupType, b.State, b.Location, b.CompressionType,
		jsonOrEmpty(b.Metadata), b.StartedAt,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("insert external service backup: %w", err)
	}
	return nil
}

func (s *PGStore) FinishExternalServiceBackup(ctx context.Context, b *model.ExternalServiceBackup) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE external_service_backups SET state = $1, location = $2, size_bytes = $3, checksum = $4,
		 error_message = $5, finished_at = $6 WHERE id = $7`,
		b.State, b.Location, b.SizeBytes, b.Checksum, b.ErrorMessage, b.FinishedAt, b.ID)
	if err != nil {
		return fmt.Errorf("finish external service backup %d: %w", b.ID, err)
	}
	return checkAffected(tag, "external service backup", b.ID)
}

func (s *PGStore) GetExternalServiceBackupByBackupID(ctx context.Context, backupID int64) (*model.ExternalServiceBackup, error) {
	var b model.ExternalServiceBackup
	row := s.db.QueryRow(ctx,
		`SELECT `+serviceBackupColumns+` FROM external_service_backups WHERE backup_id = $1 ORDER BY id DESC LIMIT 1`, backupID)
	if err := scanServiceBackup(row, &b); err != nil {
		return nil, wrapRowErr(err, "external service backup for backup", backupID)
	}
	return &b, nil
}
