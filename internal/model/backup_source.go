package model

import (
	"strings"
	"time"
)

// BackupSource is a named object-storage destination. AccessKeyID and
// SecretKey hold ciphertext produced by the credential vault.
type BackupSource struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	BucketName     string    `json:"bucket_name"`
	BucketPath     string    `json:"bucket_path"`
	Region         string    `json:"region"`
	Endpoint       *string   `json:"endpoint,omitempty"`
	ForcePathStyle *bool     `json:"force_path_style,omitempty"`
	AccessKeyID    string    `json:"-"`
	SecretKey      string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Prefix returns the bucket path with surrounding slashes trimmed.
func (s *BackupSource) Prefix() string {
	return strings.Trim(s.BucketPath, "/")
}
