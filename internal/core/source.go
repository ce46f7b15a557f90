package core

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/model"
)

// CreateSourceRequest registers a new object storage destination.
type CreateSourceRequest struct {
	Name           string  `json:"name" validate:"required,max=255"`
	BucketName     string  `json:"bucket_name" validate:"required,min=3,max=63"`
	BucketPath     string  `json:"bucket_path" validate:"max=1024"`
	Region         string  `json:"region"`
	Endpoint       *string `json:"endpoint" validate:"omitempty,max=2048"`
	ForcePathStyle *bool   `json:"force_path_style"`
	AccessKeyID    string  `json:"access_key_id" validate:"required"`
	SecretKey      string  `json:"secret_key" validate:"required"`
}

// UpdateSourceRequest changes a source. Nil fields are left unchanged;
// credentials are re-encrypted when given.
type UpdateSourceRequest struct {
	Name           *string `json:"name" validate:"omitempty,min=1,max=255"`
	BucketName     *string `json:"bucket_name" validate:"omitempty,min=3,max=63"`
	BucketPath     *string `json:"bucket_path" validate:"omitempty,max=1024"`
	Region         *string `json:"region"`
	Endpoint       *string `json:"endpoint" validate:"omitempty,max=2048"`
	ForcePathStyle *bool   `json:"force_path_style"`
	AccessKeyID    *string `json:"access_key_id" validate:"omitempty,min=1"`
	SecretKey      *string `json:"secret_key" validate:"omitempty,min=1"`
}

// SourceService manages backup sources. Credentials only ever reach the
// store encrypted.
type SourceService struct {
	store  Store
	vault  Vault
	logger zerolog.Logger
}

func NewSourceService(store Store, vault Vault, logger zerolog.Logger) *SourceService {
	return &SourceService{store: store, vault: vault, logger: logger.With().Str("component", "backup-source").Logger()}
}

func (s *SourceService) Create(ctx context.Context, req CreateSourceRequest) (*model.BackupSource, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	accessKey, err := s.vault.Encrypt(req.AccessKeyID)
	if err != nil {
		return nil, newError(KindInternal, err, "encrypt access key")
	}
	secretKey, err := s.vault.Encrypt(req.SecretKey)
	if err != nil {
		return nil, newError(KindInternal, err, "encrypt secret key")
	}

	region := req.Region
	if region == "" {
		region = "us-east-1"
	}
	src := &model.BackupSource{
		Name:           req.Name,
		BucketName:     req.BucketName,
		BucketPath:     req.BucketPath,
		Region:         region,
		Endpoint:       req.Endpoint,
		ForcePathStyle: req.ForcePathStyle,
		AccessKeyID:    accessKey,
		SecretKey:      secretKey,
	}
	if err := s.store.CreateSource(ctx, src); err != nil {
		return nil, err
	}
	s.logger.Info().Int64("source_id", src.ID).Str("bucket", src.BucketName).Msg("backup source created")
	return src, nil
}

func (s *SourceService) Get(ctx context.Context, id int64) (*model.BackupSource, error) {
	return s.store.GetSource(ctx, id)
}

func (s *SourceService) List(ctx context.Context) ([]model.BackupSource, error) {
	return s.store.ListSources(ctx)
}

func (s *SourceService) Update(ctx context.Context, id int64, req UpdateSourceRequest) (*model.BackupSource, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	src, err := s.store.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		src.Name = *req.Name
	}
	if req.BucketName != nil {
		src.BucketName = *req.BucketName
	}
	if req.BucketPath != nil {
		src.BucketPath = *req.BucketPath
	}
	if req.Region != nil {
		src.Region = *req.Region
	}
	if req.Endpoint != nil {
		src.Endpoint = req.Endpoint
	}
	if req.ForcePathStyle != nil {
		src.ForcePathStyle = req.ForcePathStyle
	}
	rotated := false
	if req.AccessKeyID != nil {
		if src.AccessKeyID, err = s.vault.Encrypt(*req.AccessKeyID); err != nil {
			return nil, newError(KindInternal, err, "encrypt access key")
		}
		rotated = true
	}
	if req.SecretKey != nil {
		if src.SecretKey, err = s.vault.Encrypt(*req.SecretKey); err != nil {
			return nil, newError(KindInternal, err, "encrypt secret key")
		}
		rotated = true
	}

	if err := s.store.UpdateSource(ctx, src); err != nil {
		return nil, err
	}
	s.logger.Info().Int64("source_id", id).Bool("credentials_rotated", rotated).Msg("backup source updated")
	return src, nil
}

// Delete removes a source that no schedule or backup references.
func (s *SourceService) Delete(ctx context.Context, id int64) error {
	schedules, backups, err := s.store.CountSourceReferences(ctx, id)
	if err != nil {
		return err
	}
	if schedules > 0 || backups > 0 {
		return newError(KindConflict, nil, "backup source %d is referenced by %d schedules and %d backups", id, schedules, backups)
	}
	if err := s.store.DeleteSource(ctx, id); err != nil {
		return fmt.Errorf("delete backup source: %w", err)
	}
	s.logger.Info().Int64("source_id", id).Msg("backup source deleted")
	return nil
}
