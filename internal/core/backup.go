package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/dump"
	"github.com/edvin/backupd/internal/externalsvc"
	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/notify"
	"github.com/edvin/backupd/internal/platform"
	"github.com/edvin/backupd/internal/storage"
)

// Vault encrypts and decrypts credentials at rest. *crypto.Vault satisfies it.
type Vault interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// ServiceRegistry lists the external services to back up with every run.
type ServiceRegistry interface {
	List(ctx context.Context) ([]externalsvc.Entry, error)
}

// BackupDeps wires a BackupService.
type BackupDeps struct {
	Store    Store
	Vault    Vault
	Storage  storage.Factory
	Dumper   dump.DumpExecutor
	Restorer dump.RestoreExecutor
	Services ServiceRegistry
	Notifier notify.Dispatcher
	// ServerConfig is the redacted configuration snapshot written to metadata.json.
	ServerConfig string
	TempDir      string
	Logger       zerolog.Logger
	Now          func() time.Time
}

// BackupService creates, restores, deletes and expires backups.
type BackupService struct {
	store        Store
	vault        Vault
	storage      storage.Factory
	dumper       dump.DumpExecutor
	restorer     dump.RestoreExecutor
	services     ServiceRegistry
	notifier     notify.Dispatcher
	serverConfig string
	tempDir      string
	logger       zerolog.Logger
	now          func() time.Time
}

func NewBackupService(deps BackupDeps) *BackupService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	factory := deps.Storage
	if factory == nil {
		factory = storage.DefaultFactory
	}
	return &BackupService{
		store:        deps.Store,
		vault:        deps.Vault,
		storage:      factory,
		dumper:       deps.Dumper,
		restorer:     deps.Restorer,
		services:     deps.Services,
		notifier:     deps.Notifier,
		serverConfig: deps.ServerConfig,
		tempDir:      deps.TempDir,
		logger:       deps.Logger.With().Str("component", "backup").Logger(),
		now:          now,
	}
}

// CreateBackupParams identifies one backup run. ScheduleID is nil for
// manual runs. RetentionDays > 0 sets the backup's expiry.
type CreateBackupParams struct {
	ScheduleID    *int64
	SourceID      int64
	BackupType    string
	CreatedBy     int64
	RetentionDays int
}

// CreateBackup dumps the database, uploads the artifact, records it, backs up
// every registered external service and finally writes metadata.json and the
// source's index.json. The backup row is only inserted once the artifact is
// in storage. If an external service fails the backup is marked failed and a
// KindExternalService error is returned.
func (s *BackupService) CreateBackup(ctx context.Context, params CreateBackupParams) (*model.Backup, error) {
	start := s.now()
	b, err := s.createBackup(ctx, params)
	if err != nil {
		backupRunsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	backupRunsTotal.WithLabelValues("success").Inc()
	backupDuration.Observe(s.now().Sub(start).Seconds())
	return b, nil
}

func (s *BackupService) createBackup(ctx context.Context, params CreateBackupParams) (*model.Backup, error) {
	source, err := s.store.GetSource(ctx, params.SourceID)
	if err != nil {
		return nil, err
	}
	if params.BackupType == "" {
		params.BackupType = model.BackupTypeFull
	}

	startedAt := s.now().UTC()
	backupID := platform.NewID()
	log := s.logger.With().Str("backup_id", backupID).Int64("source_id", source.ID).Str("bucket", source.BucketName).Logger()
	log.Info().Msg("starting backup")

	artifact, checksum, err := s.dumpToTemp(ctx)
	if err != nil {
		return nil, err
	}
	defer os.Remove(artifact)

	transfer, err := s.transferFor(source)
	if err != nil {
		return nil, err
	}

	dir := objectKey(source.Prefix(), "backups", datePath(startedAt), backupID)
	key := objectKey(dir, s.dumper.Backend().ArtifactName())
	res, err := transfer.Upload(ctx, source.BucketName, key, artifact, storage.ContentTypeGzip)
	if err != nil {
		return nil, newError(KindStorage, err, "upload backup artifact")
	}
	log.Info().Str("key", key).Str("strategy", string(res.Strategy)).Int("parts", res.Parts).Int64("size_bytes", res.Size).Msg("backup artifact uploaded")

	size := res.Size
	finishedAt := s.now().UTC()
	meta, err := json.Marshal(map[string]any{
		"size_bytes":       size,
		"database_version": "1.0",
		"timestamp":        finishedAt.Format(time.RFC3339),
	})
	if err != nil {
		return nil, newError(KindInternal, err, "marshal backup metadata")
	}

	b := &model.Backup{
		BackupID:        backupID,
		Name:            "Backup " + backupID,
		ScheduleID:      params.ScheduleID,
		BackupType:      params.BackupType,
		State:           model.BackupStateCompleted,
		StartedAt:       startedAt,
		FinishedAt:      &finishedAt,
		SourceID:        source.ID,
		Location:        key,
		CompressionType: model.CompressionGzip,
		CreatedBy:       params.CreatedBy,
		Tags:            []string{},
		SizeBytes:       &size,
		Checksum:        &checksum,
		Metadata:        meta,
	}
	if params.RetentionDays > 0 {
		expires := startedAt.AddDate(0, 0, params.RetentionDays)
		b.ExpiresAt = &expires
	}
	if err := s.store.CreateBackup(ctx, b); err != nil {
		return nil, newError(KindInternal, err, "record backup")
	}

	records, err := s.backupExternalServices(ctx, transfer, source, b, params)
	if err != nil {
		return nil, err
	}

	if err := s.writeMetadata(ctx, transfer, source, b, dir, records); err != nil {
		return nil, err
	}

	log.Info().Int("external_services", len(records)).Msg("backup completed")
	return b, nil
}

// dumpToTemp writes the gzip dump to a temp file and returns its path and SHA-256.
func (s *BackupService) dumpToTemp(ctx context.Context) (string, string, error) {
	f, err := os.CreateTemp(s.tempDir, "backup-*.gz")
	if err != nil {
		return "", "", newError(KindIO, err, "create temp file")
	}

	h := sha256.New()
	if err := s.dumper.Dump(ctx, io.MultiWriter(f, h)); err != nil {
		f.Close()
		os.Remove(f.Name())
		if errors.Is(err, dump.ErrUnsupported) {
			return "", "", newError(KindUnsupported, err, "dump database")
		}
		return "", "", newError(KindInternal, err, "dump database")
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", "", newError(KindIO, err, "close temp file")
	}
	return f.Name(), hex.EncodeToString(h.Sum(nil)), nil
}

// transferFor decrypts the source credentials and builds a fresh client.
func (s *BackupService) transferFor(source *model.BackupSource) (*storage.Transfer, error) {
	accessKey, err := s.vault.Decrypt(source.AccessKeyID)
	if err != nil {
		return nil, newError(KindInternal, err, "decrypt access key of source %d", source.ID)
	}
	secretKey, err := s.vault.Decrypt(source.SecretKey)
	if err != nil {
		return nil, newError(KindInternal, err, "decrypt secret key of source %d", source.ID)
	}

	var endpoint string
	if source.Endpoint != nil {
		endpoint = *source.Endpoint
	}
	api := s.storage(storage.ClientConfig{
		Region:          source.Region,
		Endpoint:        endpoint,
		ForcePathStyle:  source.ForcePathStyle,
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
	})
	return storage.NewTransfer(api, s.logger), nil
}

func (s *BackupService) backupExternalServices(ctx context.Context, transfer *storage.Transfer, source *model.BackupSource, parent *model.Backup, params CreateBackupParams) ([]ExternalServiceRecord, error) {
	records := []ExternalServiceRecord{}
	if s.services == nil {
		return records, nil
	}

	entries, err := s.services.List(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("backup_id", parent.BackupID).Msg("failed to load external services")
		s.notifyExternalFailure(ctx, params, "External Services", err)
		s.failBackup(ctx, parent, err)
		return nil, newError(KindExternalService, err, "load external services")
	}

	for _, e := range entries {
		rec, err := s.backupExternalService(ctx, transfer, source, parent, params, e)
		if err != nil {
			s.logger.Error().Err(err).Str("service", e.Service.Name).Str("backup_id", parent.BackupID).Msg("external service backup failed")
			s.notifyExternalFailure(ctx, params, "External Service: "+e.Service.Name, err)
			s.failBackup(ctx, parent, fmt.Errorf("external service %s: %w", e.Service.Name, err))
			return nil, newError(KindExternalService, err, "back up external service %s", e.Service.Name)
		}
		records = append(records, rec)
	}
	return records, nil
}

// notifyExternalFailure reports a fan-out failure. Manual runs carry
// schedule id -1.
func (s *BackupService) notifyExternalFailure(ctx context.Context, params CreateBackupParams, name string, cause error) {
	scheduleID := int64(-1)
	if params.ScheduleID != nil {
		scheduleID = *params.ScheduleID
	}
	s.sendFailure(ctx, notify.BackupFailure{
		ScheduleID:   scheduleID,
		ScheduleName: name,
		BackupType:   params.BackupType,
		Error:        fmt.Sprintf("External service backup failed: %v", cause),
		Timestamp:    s.now().UTC(),
	})
}

// backupExternalService creates the envelope row for one service, runs its
// plugin and completes the envelope from the plugin's recorded result.
func (s *BackupService) backupExternalService(ctx context.Context, transfer *storage.Transfer, source *model.BackupSource, parent *model.Backup, params CreateBackupParams, e externalsvc.Entry) (ExternalServiceRecord, error) {
	svc := e.Service
	now := s.now().UTC()
	meta, err := json.Marshal(map[string]any{
		"service_id":   svc.ID,
		"service_type": svc.ServiceType,
		"service_name": svc.Name,
		"timestamp":    now.Format(time.RFC3339),
	})
	if err != nil {
		return ExternalServiceRecord{}, fmt.Errorf("marshal envelope metadata: %w", err)
	}

	envelope := &model.Backup{
		BackupID:        platform.NewID(),
		Name:            "External Service Backup: " + svc.Name,
		BackupType:      params.BackupType,
		State:           model.BackupStateRunning,
		StartedAt:       now,
		SourceID:        source.ID,
		CompressionType: model.CompressionGzip,
		CreatedBy:       params.CreatedBy,
		Tags:            []string{},
		ExpiresAt:       parent.ExpiresAt,
		Metadata:        meta,
	}
	if err := s.store.CreateBackup(ctx, envelope); err != nil {
		return ExternalServiceRecord{}, fmt.Errorf("record envelope: %w", err)
	}

	location, err := e.Plugin.BackupToS3(ctx, externalsvc.BackupRequest{
		Transfer: transfer,
		Bucket:   source.BucketName,
		Parent:   envelope,
		Source:   source,
		Subpath:  objectKey(source.Prefix(), externalsvc.Subpath(svc.ServiceType, svc.Name, now)),
		Root:     objectKey(source.Prefix(), externalsvc.Root(svc.ServiceType, svc.Name)),
		Recorder: s.store,
		Service:  &svc,
		Config:   svc.Config,
	})
	if err != nil {
		s.failBackup(ctx, envelope, err)
		return ExternalServiceRecord{}, err
	}

	esb, err := s.store.GetExternalServiceBackupByBackupID(ctx, envelope.ID)
	if err != nil {
		s.failBackup(ctx, envelope, err)
		return ExternalServiceRecord{}, fmt.Errorf("load service backup record: %w", err)
	}

	finished := s.now().UTC()
	envelope.State = model.BackupStateCompleted
	envelope.FinishedAt = &finished
	envelope.Location = location
	envelope.SizeBytes = esb.SizeBytes
	envelope.Checksum = esb.Checksum
	if err := s.store.CompleteBackup(ctx, envelope); err != nil {
		return ExternalServiceRecord{}, fmt.Errorf("complete envelope: %w", err)
	}

	return ExternalServiceRecord{
		BackupID:   envelope.BackupID,
		ServiceID:  svc.ID,
		S3Location: location,
		State:      esb.State,
		SizeBytes:  esb.SizeBytes,
		Type:       model.BackupTypeFull,
		Metadata: map[string]string{
			"service_type": svc.ServiceType,
			"service_name": svc.Name,
		},
	}, nil
}

// failBackup marks a recorded backup failed. Errors are only logged.
func (s *BackupService) failBackup(ctx context.Context, b *model.Backup, cause error) {
	msg := cause.Error()
	finished := s.now().UTC()
	if err := s.store.MarkBackupFailed(ctx, b.ID, msg, finished); err != nil {
		s.logger.Error().Err(err).Str("backup_id", b.BackupID).Msg("failed to mark backup failed")
		return
	}
	b.State = model.BackupStateFailed
	b.ErrorMessage = &msg
	b.FinishedAt = &finished
}

func (s *BackupService) writeMetadata(ctx context.Context, transfer *storage.Transfer, source *model.BackupSource, b *model.Backup, dir string, records []ExternalServiceRecord) error {
	metaKey := objectKey(dir, "metadata.json")
	doc := BackupMetadata{
		BackupID:        b.BackupID,
		Name:            b.Name,
		Type:            b.BackupType,
		CreatedAt:       b.StartedAt,
		CreatedBy:       b.CreatedBy,
		SizeBytes:       b.SizeBytes,
		CompressionType: b.CompressionType,
		Source: MetadataSource{
			ID:     source.ID,
			Name:   source.Name,
			Bucket: source.BucketName,
			Path:   source.BucketPath,
		},
		ScheduleID:             b.ScheduleID,
		State:                  b.State,
		Tags:                   b.Tags,
		Checksum:               b.Checksum,
		ServerConfig:           s.serverConfig,
		ExternalServiceBackups: records,
		Metadata:               b.Metadata,
	}
	if err := transfer.PutJSON(ctx, source.BucketName, metaKey, doc); err != nil {
		return newError(KindStorage, err, "write backup metadata")
	}

	idxKey := indexKey(source.Prefix())
	var idx BackupIndex
	if err := transfer.GetJSON(ctx, source.BucketName, idxKey, &idx); err != nil {
		if !storage.IsNotFound(err) {
			s.logger.Warn().Err(err).Str("key", idxKey).Msg("unreadable backup index, starting a new one")
		}
		idx = BackupIndex{}
	}
	if idx.Backups == nil {
		idx.Backups = []IndexEntry{}
	}
	idx.Backups = append(idx.Backups, IndexEntry{
		ID:               b.ID,
		BackupID:         b.BackupID,
		Name:             b.Name,
		Type:             b.BackupType,
		CreatedAt:        b.StartedAt,
		SizeBytes:        b.SizeBytes,
		Location:         b.Location,
		MetadataLocation: metaKey,
	})
	idx.LastUpdated = s.now().UTC()
	if err := transfer.PutJSON(ctx, source.BucketName, idxKey, idx); err != nil {
		return newError(KindStorage, err, "write backup index")
	}
	return nil
}

// RestoreBackup replays a completed backup into the target database. The
// restore target is checked before anything is downloaded.
func (s *BackupService) RestoreBackup(ctx context.Context, backupID string) error {
	err := s.restoreBackup(ctx, backupID)
	if err != nil {
		restoreRunsTotal.WithLabelValues("failure").Inc()
		return err
	}
	restoreRunsTotal.WithLabelValues("success").Inc()
	return nil
}

func (s *BackupService) restoreBackup(ctx context.Context, backupID string) error {
	b, err := s.store.GetBackupByExternalID(ctx, backupID)
	if err != nil {
		return err
	}
	source, err := s.store.GetSource(ctx, b.SourceID)
	if err != nil {
		return err
	}

	if err := s.restorer.Preflight(); err != nil {
		return newError(KindUnsupported, err, "restore backup %s", backupID)
	}
	if !restorable(b) {
		return newError(KindValidation, nil, "backup %s is %s, only completed backups can be restored", backupID, b.State)
	}
	if artifact := s.restorer.Backend().ArtifactName(); !strings.HasSuffix(b.Location, "/"+artifact) {
		return newError(KindUnsupported, nil, "backup %s is not a %s dump", backupID, s.restorer.Backend())
	}

	transfer, err := s.transferFor(source)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(s.tempDir, "restore-*")
	if err != nil {
		return newError(KindIO, err, "create temp file")
	}
	defer os.Remove(f.Name())

	n, err := transfer.DownloadGzip(ctx, source.BucketName, b.Location, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		return newError(KindIO, cerr, "close temp file")
	}
	if err != nil {
		return newError(KindStorage, err, "download backup %s", backupID)
	}

	log := s.logger.With().Str("backup_id", backupID).Int64("source_id", source.ID).Logger()
	log.Info().Int64("bytes", n).Msg("backup downloaded, restoring")

	if err := s.restorer.Restore(ctx, f.Name()); err != nil {
		return newError(KindInternal, err, "restore backup %s", backupID)
	}
	log.Info().Msg("restore completed")
	return nil
}

// restorable reports whether b has a durable artifact. Completed backups
// qualify, as do backups marked failed after their artifact was uploaded
// (an external service failed later in the run): those carry a location
// and checksum.
func restorable(b *model.Backup) bool {
	switch b.State {
	case model.BackupStateCompleted:
		return true
	case model.BackupStateFailed:
		return b.Location != "" && b.Checksum != nil && *b.Checksum != ""
	default:
		return false
	}
}

// DeleteBackup removes the artifact from storage and then the record. When
// the storage delete fails the record is kept.
func (s *BackupService) DeleteBackup(ctx context.Context, backupID string) error {
	b, err := s.store.GetBackupByExternalID(ctx, backupID)
	if err != nil {
		return err
	}
	return s.deleteBackup(ctx, b)
}

func (s *BackupService) deleteBackup(ctx context.Context, b *model.Backup) error {
	if b.Location != "" {
		source, err := s.store.GetSource(ctx, b.SourceID)
		if err != nil {
			return err
		}
		transfer, err := s.transferFor(source)
		if err != nil {
			return err
		}
		if err := transfer.Delete(ctx, source.BucketName, b.Location); err != nil {
			return newError(KindStorage, err, "delete backup %s from storage", b.BackupID)
		}
	}

	if err := s.store.DeleteBackup(ctx, b.ID); err != nil {
		return err
	}
	s.logger.Info().Str("backup_id", b.BackupID).Str("key", b.Location).Msg("backup deleted")
	return nil
}

// CleanupResult counts the outcome of a retention sweep.
type CleanupResult struct {
	Deleted int
	Failed  int
}

// CleanupOldBackups deletes every backup started more than retentionDays ago.
// Individual failures are logged and the sweep continues.
func (s *BackupService) CleanupOldBackups(ctx context.Context, retentionDays int) (CleanupResult, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	backups, err := s.store.ListBackupsStartedBefore(ctx, cutoff)
	if err != nil {
		return CleanupResult{}, err
	}
	res := s.sweep(ctx, backups)
	s.logger.Info().Time("cutoff", cutoff).Int("deleted", res.Deleted).Int("failed", res.Failed).Msg("retention sweep finished")
	return res, nil
}

// CleanupExpiredBackups deletes every backup whose expiry has passed.
func (s *BackupService) CleanupExpiredBackups(ctx context.Context) (CleanupResult, error) {
	backups, err := s.store.ListBackupsExpiredBefore(ctx, s.now().UTC())
	if err != nil {
		return CleanupResult{}, err
	}
	res := s.sweep(ctx, backups)
	if res.Deleted > 0 || res.Failed > 0 {
		s.logger.Info().Int("deleted", res.Deleted).Int("failed", res.Failed).Msg("expired backups removed")
	}
	return res, nil
}

func (s *BackupService) sweep(ctx context.Context, backups []model.Backup) CleanupResult {
	var res CleanupResult
	for i := range backups {
		if err := s.deleteBackup(ctx, &backups[i]); err != nil {
			s.logger.Error().Err(err).Str("backup_id", backups[i].BackupID).Msg("failed to delete backup")
			cleanupDeletedTotal.WithLabelValues("failure").Inc()
			res.Failed++
			continue
		}
		cleanupDeletedTotal.WithLabelValues("success").Inc()
		res.Deleted++
	}
	return res
}

// ListSourceIndex returns the index.json of a source. A missing index is empty.
func (s *BackupService) ListSourceIndex(ctx context.Context, sourceID int64) (*BackupIndex, error) {
	source, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	transfer, err := s.transferFor(source)
	if err != nil {
		return nil, err
	}

	var idx BackupIndex
	if err := transfer.GetJSON(ctx, source.BucketName, indexKey(source.Prefix()), &idx); err != nil {
		if storage.IsNotFound(err) {
			return &BackupIndex{Backups: []IndexEntry{}}, nil
		}
		return nil, newError(KindStorage, err, "read backup index of source %d", sourceID)
	}
	return &idx, nil
}

func (s *BackupService) GetBackup(ctx context.Context, backupID string) (*model.Backup, error) {
	return s.store.GetBackupByExternalID(ctx, backupID)
}

func (s *BackupService) ListBackups(ctx context.Context, sourceID int64) ([]model.Backup, error) {
	return s.store.ListBackupsBySource(ctx, sourceID)
}

func (s *BackupService) ListBackupsForSchedule(ctx context.Context, scheduleID int64) ([]model.Backup, error) {
	return s.store.ListBackupsBySchedule(ctx, scheduleID)
}

// RunBackupForSource starts a manual backup of a source.
func (s *BackupService) RunBackupForSource(ctx context.Context, sourceID int64, backupType string, createdBy int64) (*model.Backup, error) {
	return s.CreateBackup(ctx, CreateBackupParams{SourceID: sourceID, BackupType: backupType, CreatedBy: createdBy})
}

// NotifyFailure reports a failed backup run. Dispatch errors are logged.
func (s *BackupService) NotifyFailure(ctx context.Context, f notify.BackupFailure) {
	s.sendFailure(ctx, f)
}

func (s *BackupService) sendFailure(ctx context.Context, f notify.BackupFailure) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, f.Notification()); err != nil {
		nerr := newError(KindNotification, err, "send failure notification")
		s.logger.Error().Err(nerr).Str("schedule_name", f.ScheduleName).Msg("failed to send notification")
	}
}
