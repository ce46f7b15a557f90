package core

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/model"
)

// CreateExternalServiceRequest registers a service to back up with every run.
type CreateExternalServiceRequest struct {
	Name        string            `json:"name" validate:"required,slug"`
	ServiceType string            `json:"service_type" validate:"required,oneof=postgres"`
	Version     string            `json:"version"`
	Config      map[string]string `json:"config"`
}

// RegistryInvalidator drops cached service configuration.
type RegistryInvalidator interface {
	Invalidate(serviceID int64)
}

// ExternalServiceService manages registered external services. Their config
// is stored as vault-encrypted JSON.
type ExternalServiceService struct {
	store    Store
	vault    Vault
	registry RegistryInvalidator
	logger   zerolog.Logger
}

func NewExternalServiceService(store Store, vault Vault, registry RegistryInvalidator, logger zerolog.Logger) *ExternalServiceService {
	return &ExternalServiceService{store: store, vault: vault, registry: registry, logger: logger.With().Str("component", "external-service").Logger()}
}

func (s *ExternalServiceService) encryptConfig(cfg map[string]string) (string, error) {
	if cfg == nil {
		cfg = map[string]string{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", newError(KindInternal, err, "marshal service config")
	}
	enc, err := s.vault.Encrypt(string(data))
	if err != nil {
		return "", newError(KindInternal, err, "encrypt service config")
	}
	return enc, nil
}

func (s *ExternalServiceService) Create(ctx context.Context, req CreateExternalServiceRequest) (*model.ExternalService, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	enc, err := s.encryptConfig(req.Config)
	if err != nil {
		return nil, err
	}

	svc := &model.ExternalService{
		Name:            req.Name,
		ServiceType:     req.ServiceType,
		Version:         req.Version,
		Status:          model.StatusRunning,
		EncryptedConfig: enc,
	}
	if err := s.store.CreateExternalService(ctx, svc); err != nil {
		return nil, err
	}
	s.logger.Info().Int64("service_id", svc.ID).Str("service_type", svc.ServiceType).Msg("external service registered")
	return svc, nil
}

func (s *ExternalServiceService) List(ctx context.Context) ([]model.ExternalService, error) {
	return s.store.ListExternalServices(ctx)
}

// UpdateConfig replaces the stored config and drops the cached copy.
func (s *ExternalServiceService) UpdateConfig(ctx context.Context, id int64, cfg map[string]string) error {
	enc, err := s.encryptConfig(cfg)
	if err != nil {
		return err
	}
	if err := s.store.UpdateExternalServiceConfig(ctx, id, enc); err != nil {
		return err
	}
	s.registry.Invalidate(id)
	return nil
}

func (s *ExternalServiceService) Delete(ctx context.Context, id int64) error {
	if err := s.store.DeleteExternalService(ctx, id); err != nil {
		return err
	}
	s.registry.Invalidate(id)
	return nil
}
