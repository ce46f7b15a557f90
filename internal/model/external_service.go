package model

import "time"

// ExternalService describes a registered stateful service (database, cache,
// object store) whose data is captured alongside every platform backup.
// EncryptedConfig is the vault ciphertext of the JSON config; Config holds
// the decrypted values once loaded.
type ExternalService struct {
	ID              int64             `json:"id"`
	Name            string            `json:"name"`
	ServiceType     string            `json:"service_type"`
	Version         string            `json:"version,omitempty"`
	Status          string            `json:"status"`
	EncryptedConfig string            `json:"-"`
	Config          map[string]string `json:"-"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}
