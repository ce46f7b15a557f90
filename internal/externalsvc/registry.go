package externalsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/model"
)

// ServiceLister returns every registered external service with its config
// still encrypted.
type ServiceLister interface {
	ListExternalServices(ctx context.Context) ([]model.ExternalService, error)
}

// Decrypter turns stored ciphertext back into plaintext.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Entry is one service ready to be backed up.
type Entry struct {
	Service model.ExternalService
	Plugin  Plugin
}

type cached struct {
	updatedAt time.Time
	config    map[string]string
}

// Registry maps services to plugins and caches their decrypted config.
// A cache entry is reused only while the service's updated_at is unchanged,
// and Invalidate drops it explicitly when credentials rotate.
type Registry struct {
	lister ServiceLister
	vault  Decrypter
	logger zerolog.Logger

	mu      sync.Mutex
	plugins map[string]Plugin
	configs map[int64]cached
}

func NewRegistry(lister ServiceLister, vault Decrypter, logger zerolog.Logger) *Registry {
	return &Registry{
		lister:  lister,
		vault:   vault,
		logger:  logger.With().Str("component", "external-services").Logger(),
		plugins: make(map[string]Plugin),
		configs: make(map[int64]cached),
	}
}

// Register installs the plugin for its service type, replacing any previous one.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Type()] = p
}

// Invalidate drops the cached config of one service.
func (r *Registry) Invalidate(serviceID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, serviceID)
}

// List returns the registered services in store order with decrypted config.
// Services with no plugin for their type are skipped with a warning.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	services, err := r.lister.ListExternalServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list external services: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(services))
	for _, svc := range services {
		p, ok := r.plugins[svc.ServiceType]
		if !ok {
			r.logger.Warn().Int64("service_id", svc.ID).Str("service_type", svc.ServiceType).Msg("no backup plugin for service type, skipping")
			continue
		}
		cfg, err := r.config(svc)
		if err != nil {
			return nil, fmt.Errorf("load config for service %s: %w", svc.Name, err)
		}
		svc.Config = cfg
		svc.EncryptedConfig = ""
		entries = append(entries, Entry{Service: svc, Plugin: p})
	}
	return entries, nil
}

// config must be called with r.mu held.
func (r *Registry) config(svc model.ExternalService) (map[string]string, error) {
	if c, ok := r.configs[svc.ID]; ok && c.updatedAt.Equal(svc.UpdatedAt) {
		return c.config, nil
	}

	cfg := map[string]string{}
	if svc.EncryptedConfig != "" {
		plain, err := r.vault.Decrypt(svc.EncryptedConfig)
		if err != nil {
			return nil, fmt.Errorf("decrypt config: %w", err)
		}
		if err := json.Unmarshal([]byte(plain), &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	r.configs[svc.ID] = cached{updatedAt: svc.UpdatedAt, config: cfg}
	return cfg, nil
}
